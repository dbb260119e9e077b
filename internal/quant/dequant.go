package quant

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

var errShortBuffer = errors.New("quant: short buffer")

// GroupBytes returns the encoded size of BlockLen consecutive elements of k.
// For block formats this is one block; for F32 and F16 it is BlockLen scalars.
func GroupBytes(k Kind) int {
	t, ok := kinds[k]
	if !ok || !t.decodable {
		return 0
	}
	return BlockLen / t.blockSize * t.typeSize
}

// DequantizeBlock decodes BlockLen elements from raw into dst.
// raw must hold at least GroupBytes(kind) bytes and dst at least BlockLen
// floats.
func DequantizeBlock(raw []byte, kind Kind, dst []float32) error {
	n := GroupBytes(kind)
	if n == 0 {
		return &KindError{Kind: kind, Op: "dequantize"}
	}
	if len(raw) < n || len(dst) < BlockLen {
		return fmt.Errorf("%w: %s block needs %d bytes and %d floats, have %d and %d",
			errShortBuffer, kind, n, BlockLen, len(raw), len(dst))
	}
	switch kind {
	case Q4_0:
		decodeQ4_0(raw, dst)
	case Q8_0:
		decodeQ8_0(raw, dst)
	case F16:
		for i := range BlockLen {
			dst[i] = FP16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case F32:
		for i := range BlockLen {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	return nil
}

// Dequantize decodes len(dst) elements from raw, one block at a time.
// len(dst) must be a multiple of the kind's block size.
func Dequantize(raw []byte, kind Kind, dst []float32) error {
	t, ok := kinds[kind]
	if !ok || !t.decodable {
		return &KindError{Kind: kind, Op: "dequantize"}
	}
	need, err := ByteSize(kind, uint64(len(dst)))
	if err != nil {
		return err
	}
	if uint64(len(raw)) < need {
		return fmt.Errorf("%w: %s needs %d bytes for %d elements, have %d",
			errShortBuffer, kind, need, len(dst), len(raw))
	}
	switch kind {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case F16:
		for i := range dst {
			dst[i] = FP16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
	case Q4_0:
		for b := range len(dst) / BlockLen {
			decodeQ4_0(raw[b*q4_0Bytes:], dst[b*BlockLen:])
		}
	case Q8_0:
		for b := range len(dst) / BlockLen {
			decodeQ8_0(raw[b*q8_0Bytes:], dst[b*BlockLen:])
		}
	}
	return nil
}

// FP16 converts IEEE half-precision bits to float32.
func FP16(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// Q4_0: fp16 scale, then 16 bytes. Byte j holds element j in the low nibble
// and element j+16 in the high nibble, both offset by 8.
func decodeQ4_0(b []byte, dst []float32) {
	d := FP16(binary.LittleEndian.Uint16(b))
	qs := b[2:q4_0Bytes]
	for j := range BlockLen / 2 {
		dst[j] = float32(int(qs[j]&0x0F)-8) * d
		dst[j+BlockLen/2] = float32(int(qs[j]>>4)-8) * d
	}
}

// Q8_0: fp16 scale, then 32 signed bytes.
func decodeQ8_0(b []byte, dst []float32) {
	d := FP16(binary.LittleEndian.Uint16(b))
	qs := b[2:q8_0Bytes]
	for j := range BlockLen {
		dst[j] = float32(int8(qs[j])) * d
	}
}
