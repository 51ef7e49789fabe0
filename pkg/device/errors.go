package device

import "fmt"

// ErrorCode is the closed set of failures a device reports for a command.
type ErrorCode int

const (
	CodeNone ErrorCode = iota

	KernelLaunchUnexpectedError
	KernelLaunchException
	KernelLaunchShiresNotReady
	KernelLaunchHostAborted
	KernelLaunchInvalidAddress
	KernelLaunchTimeoutHang
	KernelLaunchInvalidArgsPayloadSize
	KernelLaunchCmIfaceMulticastFailed
	KernelLaunchCmIfaceUnicastFailed
	KernelLaunchSpIfaceResetFailed
	KernelLaunchCwMinionsBootFailed
	KernelLaunchInvalidArgsInvalidShireMask
	KernelLaunchResponseUserError

	KernelAbortError
	KernelAbortInvalidTagID
	KernelAbortTimeoutHang
	KernelAbortHostAborted

	AbortUnexpectedError
	AbortInvalidTagID

	DmaUnexpectedError
	DmaHostAborted
	DmaErrorAborted
	DmaInvalidAddress
	DmaInvalidSize
	DmaCmIfaceMulticastFailed
	DmaDriverDataConfigFailed
	DmaDriverLinkConfigFailed
	DmaDriverChanStartFailed
	DmaDriverAbortFailed

	TraceConfigUnexpectedError
	TraceConfigBadShireMask
	TraceConfigBadThreadMask
	TraceConfigBadEventMask
	TraceConfigBadFilterMask
	TraceConfigHostAborted
	TraceConfigCmFailed
	TraceConfigMmFailed
	TraceConfigInvalidConfig

	TraceControlUnexpectedError
	TraceControlBadRtType
	TraceControlBadControlMask
	TraceControlComputeMinionRtCtrlError
	TraceControlMasterMinionRtCtrlError
	TraceControlHostAborted
	TraceControlCmIfaceMulticastFailed

	APICompatibilityUnexpectedError
	APICompatibilityIncompatibleMajor
	APICompatibilityIncompatibleMinor
	APICompatibilityIncompatiblePatch
	APICompatibilityBadFirmwareType
	APICompatibilityHostAborted

	FirmwareVersionUnexpectedError
	FirmwareVersionBadFwType
	FirmwareVersionNotAvailable
	FirmwareVersionHostAborted

	EchoHostAborted

	CmResetUnexpectedError
	CmResetInvalidShireMask
	CmResetFailed

	ErrorTypeUnsupportedCommand
	ErrorTypeCmSmodeRtException
	ErrorTypeCmSmodeRtHang

	Unknown
)

var codeNames = map[ErrorCode]string{
	CodeNone: "NONE",

	KernelLaunchUnexpectedError:             "KERNEL_LAUNCH_UNEXPECTED_ERROR",
	KernelLaunchException:                   "KERNEL_LAUNCH_EXCEPTION",
	KernelLaunchShiresNotReady:              "KERNEL_LAUNCH_SHIRES_NOT_READY",
	KernelLaunchHostAborted:                 "KERNEL_LAUNCH_HOST_ABORTED",
	KernelLaunchInvalidAddress:              "KERNEL_LAUNCH_INVALID_ADDRESS",
	KernelLaunchTimeoutHang:                 "KERNEL_LAUNCH_TIMEOUT_HANG",
	KernelLaunchInvalidArgsPayloadSize:      "KERNEL_LAUNCH_INVALID_ARGS_PAYLOAD_SIZE",
	KernelLaunchCmIfaceMulticastFailed:      "KERNEL_LAUNCH_CM_IFACE_MULTICAST_FAILED",
	KernelLaunchCmIfaceUnicastFailed:        "KERNEL_LAUNCH_CM_IFACE_UNICAST_FAILED",
	KernelLaunchSpIfaceResetFailed:          "KERNEL_LAUNCH_SP_IFACE_RESET_FAILED",
	KernelLaunchCwMinionsBootFailed:         "KERNEL_LAUNCH_CW_MINIONS_BOOT_FAILED",
	KernelLaunchInvalidArgsInvalidShireMask: "KERNEL_LAUNCH_INVALID_ARGS_INVALID_SHIRE_MASK",
	KernelLaunchResponseUserError:           "KERNEL_LAUNCH_RESPONSE_USER_ERROR",

	KernelAbortError:        "KERNEL_ABORT_ERROR",
	KernelAbortInvalidTagID: "KERNEL_ABORT_INVALID_TAG_ID",
	KernelAbortTimeoutHang:  "KERNEL_ABORT_TIMEOUT_HANG",
	KernelAbortHostAborted:  "KERNEL_ABORT_HOST_ABORTED",

	AbortUnexpectedError: "ABORT_UNEXPECTED_ERROR",
	AbortInvalidTagID:    "ABORT_INVALID_TAG_ID",

	DmaUnexpectedError:        "DMA_UNEXPECTED_ERROR",
	DmaHostAborted:            "DMA_HOST_ABORTED",
	DmaErrorAborted:           "DMA_ERROR_ABORTED",
	DmaInvalidAddress:         "DMA_INVALID_ADDRESS",
	DmaInvalidSize:            "DMA_INVALID_SIZE",
	DmaCmIfaceMulticastFailed: "DMA_CM_IFACE_MULTICAST_FAILED",
	DmaDriverDataConfigFailed: "DMA_DRIVER_DATA_CONFIG_FAILED",
	DmaDriverLinkConfigFailed: "DMA_DRIVER_LINK_CONFIG_FAILED",
	DmaDriverChanStartFailed:  "DMA_DRIVER_CHAN_START_FAILED",
	DmaDriverAbortFailed:      "DMA_DRIVER_ABORT_FAILED",

	TraceConfigUnexpectedError: "TRACE_CONFIG_UNEXPECTED_ERROR",
	TraceConfigBadShireMask:    "TRACE_CONFIG_BAD_SHIRE_MASK",
	TraceConfigBadThreadMask:   "TRACE_CONFIG_BAD_THREAD_MASK",
	TraceConfigBadEventMask:    "TRACE_CONFIG_BAD_EVENT_MASK",
	TraceConfigBadFilterMask:   "TRACE_CONFIG_BAD_FILTER_MASK",
	TraceConfigHostAborted:     "TRACE_CONFIG_HOST_ABORTED",
	TraceConfigCmFailed:        "TRACE_CONFIG_CM_FAILED",
	TraceConfigMmFailed:        "TRACE_CONFIG_MM_FAILED",
	TraceConfigInvalidConfig:   "TRACE_CONFIG_INVALID_CONFIG",

	TraceControlUnexpectedError:          "TRACE_CONTROL_UNEXPECTED_ERROR",
	TraceControlBadRtType:                "TRACE_CONTROL_BAD_RT_TYPE",
	TraceControlBadControlMask:           "TRACE_CONTROL_BAD_CONTROL_MASK",
	TraceControlComputeMinionRtCtrlError: "TRACE_CONTROL_COMPUTE_MINION_RT_CTRL_ERROR",
	TraceControlMasterMinionRtCtrlError:  "TRACE_CONTROL_MASTER_MINION_RT_CTRL_ERROR",
	TraceControlHostAborted:              "TRACE_CONTROL_HOST_ABORTED",
	TraceControlCmIfaceMulticastFailed:   "TRACE_CONTROL_CM_IFACE_MULTICAST_FAILED",

	APICompatibilityUnexpectedError:   "API_COMPATIBILITY_UNEXPECTED_ERROR",
	APICompatibilityIncompatibleMajor: "API_COMPATIBILITY_INCOMPATIBLE_MAJOR",
	APICompatibilityIncompatibleMinor: "API_COMPATIBILITY_INCOMPATIBLE_MINOR",
	APICompatibilityIncompatiblePatch: "API_COMPATIBILITY_INCOMPATIBLE_PATCH",
	APICompatibilityBadFirmwareType:   "API_COMPATIBILITY_BAD_FIRMWARE_TYPE",
	APICompatibilityHostAborted:       "API_COMPATIBILITY_HOST_ABORTED",

	FirmwareVersionUnexpectedError: "FIRMWARE_VERSION_UNEXPECTED_ERROR",
	FirmwareVersionBadFwType:       "FIRMWARE_VERSION_BAD_FW_TYPE",
	FirmwareVersionNotAvailable:    "FIRMWARE_VERSION_NOT_AVAILABLE",
	FirmwareVersionHostAborted:     "FIRMWARE_VERSION_HOST_ABORTED",

	EchoHostAborted: "ECHO_HOST_ABORTED",

	CmResetUnexpectedError:  "CM_RESET_UNEXPECTED_ERROR",
	CmResetInvalidShireMask: "CM_RESET_INVALID_SHIRE_MASK",
	CmResetFailed:           "CM_RESET_FAILED",

	ErrorTypeUnsupportedCommand: "ERROR_TYPE_UNSUPPORTED_COMMAND",
	ErrorTypeCmSmodeRtException: "ERROR_TYPE_CM_SMODE_RT_EXCEPTION",
	ErrorTypeCmSmodeRtHang:      "ERROR_TYPE_CM_SMODE_RT_HANG",

	Unknown: "UNKNOWN",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[Unknown]
}

// Failed reports whether the code describes an error.
func (c ErrorCode) Failed() bool {
	return c != CodeNone
}

// ParseErrorCode maps an upper-snake name back to its code.
func ParseErrorCode(name string) (ErrorCode, bool) {
	for code, n := range codeNames {
		if n == name {
			return code, true
		}
	}
	return Unknown, false
}

// HostAbortedCode is the code a command of the given kind terminates with
// when the host aborts it.
func HostAbortedCode(kind Kind) ErrorCode {
	switch kind {
	case KindLaunch:
		return KernelLaunchHostAborted
	case KindAbort:
		return KernelAbortHostAborted
	default:
		return DmaHostAborted
	}
}

// UnexpectedCode is the code used when a command of the given kind could
// not be handed to the device at all.
func UnexpectedCode(kind Kind) ErrorCode {
	switch kind {
	case KindLaunch:
		return KernelLaunchUnexpectedError
	case KindAbort:
		return AbortUnexpectedError
	default:
		return DmaUnexpectedError
	}
}

func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ErrorCode) UnmarshalText(text []byte) error {
	code, ok := ParseErrorCode(string(text))
	if !ok {
		return fmt.Errorf("unknown device error code %q", text)
	}
	*c = code
	return nil
}
