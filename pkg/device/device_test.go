package device

import "testing"

func TestErrorCodeNames(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code ErrorCode
		want string
	}{
		{KernelLaunchException, "KERNEL_LAUNCH_EXCEPTION"},
		{DmaInvalidSize, "DMA_INVALID_SIZE"},
		{APICompatibilityIncompatibleMajor, "API_COMPATIBILITY_INCOMPATIBLE_MAJOR"},
		{Unknown, "UNKNOWN"},
		{ErrorCode(9999), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.code.String(); got != tc.want {
			t.Fatalf("%d: got %q want %q", tc.code, got, tc.want)
		}
	}
}

func TestParseErrorCode(t *testing.T) {
	t.Parallel()
	code, ok := ParseErrorCode("DMA_HOST_ABORTED")
	if !ok || code != DmaHostAborted {
		t.Fatalf("got %v %v", code, ok)
	}
	if _, ok := ParseErrorCode("NOPE"); ok {
		t.Fatalf("expected unknown name to fail")
	}
}

func TestHostAbortedCodeByKind(t *testing.T) {
	t.Parallel()
	if HostAbortedCode(KindLaunch) != KernelLaunchHostAborted {
		t.Fatalf("launch")
	}
	for _, k := range []Kind{KindDmaWrite, KindDmaRead, KindDmaCopy} {
		if HostAbortedCode(k) != DmaHostAborted {
			t.Fatalf("%v", k)
		}
	}
}

func TestErrorContextRoundTrip(t *testing.T) {
	t.Parallel()
	in := ErrorContext{
		Type:             2,
		Cycle:            123456,
		HartID:           17,
		Mepc:             0x8000_1000,
		Mcause:           0xd,
		Mtval:            0xdead_beef,
		UserDefinedError: -3,
	}
	for i := range in.GPR {
		in.GPR[i] = uint64(i * 3)
	}
	raw := EncodeErrorContext(nil, in)
	if len(raw) != ErrorContextSize {
		t.Fatalf("encoded %d bytes, want %d", len(raw), ErrorContextSize)
	}
	out, err := DecodeErrorContext(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if _, err := DecodeErrorContext(raw[:10]); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestPropertiesHelpers(t *testing.T) {
	t.Parallel()
	p := Properties{MemorySize: 1 << 30, LocalDRAMBaseAddress: 0x8000_0000, MinimumAddressAlignmentBits: 6, P2PBitmap: 0b101}
	base, size := p.DRAMRange()
	if base != 0x8000_0000 || size != 1<<30 {
		t.Fatalf("dram range %x %d", base, size)
	}
	if p.MinAlignment() != 64 {
		t.Fatalf("alignment %d", p.MinAlignment())
	}
	if !p.P2PWith(0) || p.P2PWith(1) || !p.P2PWith(2) || p.P2PWith(64) {
		t.Fatalf("p2p bitmap decoding")
	}
}

func TestEnumTextRoundTrip(t *testing.T) {
	t.Parallel()
	for _, a := range []ArchRevision{ArchUnknown, ArchETSOC1, ArchPantero, ArchGepardo} {
		text, _ := a.MarshalText()
		var got ArchRevision
		if err := got.UnmarshalText(text); err != nil || got != a {
			t.Fatalf("arch %s: got %s, %v", a, got, err)
		}
	}
	for _, f := range []FormFactor{FormFactorPCIE, FormFactorM2} {
		text, _ := f.MarshalText()
		var got FormFactor
		if err := got.UnmarshalText(text); err != nil || got != f {
			t.Fatalf("form factor %s: got %s, %v", f, got, err)
		}
	}
	var a ArchRevision
	if err := a.UnmarshalText([]byte("Z80")); err == nil {
		t.Fatal("unknown architecture accepted")
	}
}
