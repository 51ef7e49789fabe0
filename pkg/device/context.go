package device

import (
	"encoding/binary"
	"fmt"
)

// ErrorContext is the fault snapshot of one hart taken when a kernel faults.
type ErrorContext struct {
	Type             uint64     `json:"type"`
	Cycle            uint64     `json:"cycle"`
	HartID           uint64     `json:"hart_id"`
	Mepc             uint64     `json:"mepc"`
	Mstatus          uint64     `json:"mstatus"`
	Mtval            uint64     `json:"mtval"`
	Mcause           uint64     `json:"mcause"`
	UserDefinedError int64      `json:"user_defined_error"`
	GPR              [31]uint64 `json:"gpr"`
}

// ErrorContextSize is the length of an encoded ErrorContext.
const ErrorContextSize = 8*8 + 31*8

// EncodeErrorContext appends the little-endian raw form of ctx to dst.
func EncodeErrorContext(dst []byte, ctx ErrorContext) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint64(dst, ctx.Type)
	dst = le.AppendUint64(dst, ctx.Cycle)
	dst = le.AppendUint64(dst, ctx.HartID)
	dst = le.AppendUint64(dst, ctx.Mepc)
	dst = le.AppendUint64(dst, ctx.Mstatus)
	dst = le.AppendUint64(dst, ctx.Mtval)
	dst = le.AppendUint64(dst, ctx.Mcause)
	dst = le.AppendUint64(dst, uint64(ctx.UserDefinedError))
	for _, r := range ctx.GPR {
		dst = le.AppendUint64(dst, r)
	}
	return dst
}

// DecodeErrorContext reads the raw form produced by EncodeErrorContext.
func DecodeErrorContext(raw []byte) (ErrorContext, error) {
	if len(raw) < ErrorContextSize {
		return ErrorContext{}, fmt.Errorf("error context: need %d bytes, got %d", ErrorContextSize, len(raw))
	}
	le := binary.LittleEndian
	word := func(i int) uint64 { return le.Uint64(raw[i*8:]) }
	ctx := ErrorContext{
		Type:             word(0),
		Cycle:            word(1),
		HartID:           word(2),
		Mepc:             word(3),
		Mstatus:          word(4),
		Mtval:            word(5),
		Mcause:           word(6),
		UserDefinedError: int64(word(7)),
	}
	for i := range ctx.GPR {
		ctx.GPR[i] = word(8 + i)
	}
	return ctx, nil
}
