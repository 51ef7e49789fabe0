package device

import "fmt"

// FormFactor is the physical packaging of a device.
type FormFactor uint8

const (
	FormFactorPCIE FormFactor = iota + 1
	FormFactorM2
)

func (f FormFactor) String() string {
	switch f {
	case FormFactorPCIE:
		return "PCIE"
	case FormFactorM2:
		return "M2"
	default:
		return "UNKNOWN"
	}
}

func (f FormFactor) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FormFactor) UnmarshalText(text []byte) error {
	for _, v := range []FormFactor{FormFactorPCIE, FormFactorM2} {
		if v.String() == string(text) {
			*f = v
			return nil
		}
	}
	if string(text) == "UNKNOWN" {
		*f = 0
		return nil
	}
	return fmt.Errorf("unknown form factor %q", text)
}

// ArchRevision is the silicon architecture of a device.
type ArchRevision uint8

const (
	ArchUnknown ArchRevision = iota
	ArchETSOC1
	ArchPantero
	ArchGepardo
)

func (a ArchRevision) String() string {
	switch a {
	case ArchETSOC1:
		return "ETSOC1"
	case ArchPantero:
		return "PANTERO"
	case ArchGepardo:
		return "GEPARDO"
	default:
		return "UNKNOWN"
	}
}

func (a ArchRevision) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ArchRevision) UnmarshalText(text []byte) error {
	for _, v := range []ArchRevision{ArchUnknown, ArchETSOC1, ArchPantero, ArchGepardo} {
		if v.String() == string(text) {
			*a = v
			return nil
		}
	}
	return fmt.Errorf("unknown architecture %q", text)
}

// Properties is the static hardware description of a device.
type Properties struct {
	Frequency                 uint32       `json:"frequency_mhz"`
	AvailableShires           uint32       `json:"available_shires"`
	MemoryBandwidth           uint32       `json:"memory_bandwidth_mbs"`
	MemorySize                uint64       `json:"memory_size"`
	L3Size                    uint32       `json:"l3_size"`
	L2ShireSize               uint32       `json:"l2_shire_size"`
	L2ScratchpadSize          uint32       `json:"l2_scratchpad_size"`
	CacheLineSize             uint32       `json:"cache_line_size"`
	L2CacheBanks              uint32       `json:"l2_cache_banks"`
	ComputeMinionShireMask    uint64       `json:"compute_minion_shire_mask"`
	SpareComputeMinionShireID uint8        `json:"spare_compute_minion_shire_id"`
	DeviceArch                ArchRevision `json:"device_arch"`
	FormFactor                FormFactor   `json:"form_factor"`
	TDP                       uint8        `json:"tdp_watts"`
	P2PBitmap                 uint64       `json:"p2p_bitmap"`

	LocalScpFormat0BaseAddress      uint64 `json:"local_scp_format0_base_address"`
	LocalScpFormat1BaseAddress      uint64 `json:"local_scp_format1_base_address"`
	LocalDRAMBaseAddress            uint64 `json:"local_dram_base_address"`
	OnPkgScpFormat2BaseAddress      uint64 `json:"on_pkg_scp_format2_base_address"`
	OnPkgDRAMBaseAddress            uint64 `json:"on_pkg_dram_base_address"`
	OnPkgDRAMInterleavedBaseAddress uint64 `json:"on_pkg_dram_interleaved_base_address"`
	LocalDRAMSize                   uint64 `json:"local_dram_size"`
	MinimumAddressAlignmentBits     uint8  `json:"minimum_address_alignment_bits"`
	NumChiplets                     uint8  `json:"num_chiplets"`

	LocalScpFormat0ShireLSb         uint8 `json:"local_scp_format0_shire_lsb"`
	LocalScpFormat0ShireBits        uint8 `json:"local_scp_format0_shire_bits"`
	LocalScpFormat0LocalShire       uint8 `json:"local_scp_format0_local_shire"`
	LocalScpFormat1ShireLSb         uint8 `json:"local_scp_format1_shire_lsb"`
	LocalScpFormat1ShireBits        uint8 `json:"local_scp_format1_shire_bits"`
	OnPkgScpFormat2ShireLSb         uint8 `json:"on_pkg_scp_format2_shire_lsb"`
	OnPkgScpFormat2ShireBits        uint8 `json:"on_pkg_scp_format2_shire_bits"`
	OnPkgScpFormat2ChipletLSb       uint8 `json:"on_pkg_scp_format2_chiplet_lsb"`
	OnPkgScpFormat2ChipletBits      uint8 `json:"on_pkg_scp_format2_chiplet_bits"`
	OnPkgDRAMChipletLSb             uint8 `json:"on_pkg_dram_chiplet_lsb"`
	OnPkgDRAMChipletBits            uint8 `json:"on_pkg_dram_chiplet_bits"`
	OnPkgDRAMInterleavedChipletLSb  uint8 `json:"on_pkg_dram_interleaved_chiplet_lsb"`
	OnPkgDRAMInterleavedChipletBits uint8 `json:"on_pkg_dram_interleaved_chiplet_bits"`
}

// DRAMRange returns the base and size of the device memory the runtime may
// allocate from.
func (p Properties) DRAMRange() (base, size uint64) {
	size = p.LocalDRAMSize
	if size == 0 {
		size = p.MemorySize
	}
	return p.LocalDRAMBaseAddress, size
}

// MinAlignment returns the smallest alignment the device accepts for
// device addresses.
func (p Properties) MinAlignment() uint64 {
	if p.MinimumAddressAlignmentBits == 0 {
		return 1
	}
	return 1 << p.MinimumAddressAlignmentBits
}

// P2PWith reports whether the bitmap allows peer DMA with the given device.
func (p Properties) P2PWith(peer int) bool {
	if peer < 0 || peer >= 64 {
		return false
	}
	return p.P2PBitmap&(1<<uint(peer)) != 0
}

// DmaInfo describes the transfer limits of a device's DMA engine.
type DmaInfo struct {
	MaxElementSize  uint64 `json:"max_element_size"`
	MaxElementCount uint64 `json:"max_element_count"`
}

// MaxCommandBytes returns the largest payload one DMA command can carry.
func (d DmaInfo) MaxCommandBytes() uint64 {
	return d.MaxElementSize * d.MaxElementCount
}
