package quant

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Quantize encodes src as kind. len(src) must be a multiple of the kind's
// block size.
func Quantize(src []float32, kind Kind) ([]byte, error) {
	if _, err := ByteSize(kind, uint64(len(src))); err != nil {
		return nil, err
	}
	switch kind {
	case F32:
		return EncodeF32(src), nil
	case F16:
		return EncodeF16(src), nil
	case Q4_0:
		return QuantizeQ4_0(src), nil
	case Q8_0:
		return QuantizeQ8_0(src), nil
	default:
		return nil, &KindError{Kind: kind, Op: "quantize"}
	}
}

// EncodeF32 returns the little-endian bytes of src.
func EncodeF32(src []float32) []byte {
	out := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

// EncodeF16 rounds src to half precision.
func EncodeF16(src []float32) []byte {
	out := make([]byte, 2*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// QuantizeQ8_0 encodes src into Q8_0 blocks. It panics if len(src) is not
// a multiple of BlockLen.
func QuantizeQ8_0(src []float32) []byte {
	mustBlocks(len(src))
	out := make([]byte, len(src)/BlockLen*q8_0Bytes)
	for b := range len(src) / BlockLen {
		x := src[b*BlockLen : (b+1)*BlockLen]
		blk := out[b*q8_0Bytes : (b+1)*q8_0Bytes]

		var amax float32
		for _, v := range x {
			amax = max(amax, abs32(v))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for j, v := range x {
			blk[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out
}

// QuantizeQ4_0 encodes src into Q4_0 blocks. It panics if len(src) is not
// a multiple of BlockLen.
func QuantizeQ4_0(src []float32) []byte {
	mustBlocks(len(src))
	out := make([]byte, len(src)/BlockLen*q4_0Bytes)
	for b := range len(src) / BlockLen {
		x := src[b*BlockLen : (b+1)*BlockLen]
		blk := out[b*q4_0Bytes : (b+1)*q4_0Bytes]

		// The element with the largest magnitude maps to -8 exactly.
		var amax, vmax float32
		for _, v := range x {
			if a := abs32(v); a > amax {
				amax, vmax = a, v
			}
		}
		d := vmax / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for j := range BlockLen / 2 {
			lo := max(0, min(15, int(x[j]*id+8.5)))
			hi := max(0, min(15, int(x[j+BlockLen/2]*id+8.5)))
			blk[2+j] = byte(lo) | byte(hi)<<4
		}
	}
	return out
}

func mustBlocks(n int) {
	if n%BlockLen != 0 {
		panic(fmt.Sprintf("quant: length %d is not a multiple of %d", n, BlockLen))
	}
}

func abs32(v float32) float32 {
	return math.Float32frombits(math.Float32bits(v) &^ (1 << 31))
}
