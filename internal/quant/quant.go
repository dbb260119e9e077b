// Package quant implements the block quantization formats used by model
// weights: layout tables for the GGML tensor kinds and the codecs for the
// kinds the engine can compute with (F32, F16, Q4_0, Q8_0).
package quant

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedQuantization is returned for tensor kinds that cannot be
// decoded.
var ErrUnsupportedQuantization = errors.New("unsupported quantization")

// KindError reports a tensor kind that cannot be handled by an operation.
type KindError struct {
	Kind Kind
	Op   string
}

func (e *KindError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("quant: %s: %v", e.Kind, ErrUnsupportedQuantization)
	}
	return fmt.Sprintf("quant: %s %s: %v", e.Op, e.Kind, ErrUnsupportedQuantization)
}

func (e *KindError) Unwrap() error { return ErrUnsupportedQuantization }

// Kind is a GGML tensor element type. Values match the on-disk ids.
type Kind uint32

const (
	F32  Kind = 0
	F16  Kind = 1
	Q4_0 Kind = 2
	Q4_1 Kind = 3
	Q5_0 Kind = 6
	Q5_1 Kind = 7
	Q8_0 Kind = 8
	Q8_1 Kind = 9
	Q2_K Kind = 10
	Q3_K Kind = 11
	Q4_K Kind = 12
	Q5_K Kind = 13
	Q6_K Kind = 14
	Q8_K Kind = 15
	I8   Kind = 24
	I16  Kind = 25
	I32  Kind = 26
	I64  Kind = 27
	F64  Kind = 28
	BF16 Kind = 30
)

// BlockLen is the number of elements sharing one scale in Q4_0 and Q8_0.
const BlockLen = 32

const (
	q4_0Bytes = 2 + BlockLen/2
	q8_0Bytes = 2 + BlockLen
)

type traits struct {
	name      string
	blockSize int
	typeSize  int
	decodable bool
}

var kinds = map[Kind]traits{
	F32:  {"F32", 1, 4, true},
	F16:  {"F16", 1, 2, true},
	Q4_0: {"Q4_0", BlockLen, q4_0Bytes, true},
	Q4_1: {"Q4_1", 32, 20, false},
	Q5_0: {"Q5_0", 32, 22, false},
	Q5_1: {"Q5_1", 32, 24, false},
	Q8_0: {"Q8_0", BlockLen, q8_0Bytes, true},
	Q8_1: {"Q8_1", 32, 36, false},
	Q2_K: {"Q2_K", 256, 84, false},
	Q3_K: {"Q3_K", 256, 110, false},
	Q4_K: {"Q4_K", 256, 144, false},
	Q5_K: {"Q5_K", 256, 176, false},
	Q6_K: {"Q6_K", 256, 210, false},
	Q8_K: {"Q8_K", 256, 292, false},
	I8:   {"I8", 1, 1, false},
	I16:  {"I16", 1, 2, false},
	I32:  {"I32", 1, 4, false},
	I64:  {"I64", 1, 8, false},
	F64:  {"F64", 1, 8, false},
	BF16: {"BF16", 1, 2, false},
}

func (k Kind) String() string {
	if t, ok := kinds[k]; ok {
		return t.name
	}
	return fmt.Sprintf("type(%d)", uint32(k))
}

// Known reports whether the storage layout of k is known.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// Supported reports whether k can be dequantized.
func (k Kind) Supported() bool {
	return kinds[k].decodable
}

// BlockSize returns the number of elements per block, or 0 for unknown kinds.
func (k Kind) BlockSize() int { return kinds[k].blockSize }

// BlockBytes returns the encoded size of one block, or 0 for unknown kinds.
func (k Kind) BlockBytes() int { return kinds[k].typeSize }

// ParseKind resolves a kind name such as "q8_0" (case-insensitive).
func ParseKind(s string) (Kind, error) {
	for k, t := range kinds {
		if strings.EqualFold(t.name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("quant: unknown kind %q", s)
}

// ByteSize returns the encoded size of n elements of kind k.
func ByteSize(k Kind, n uint64) (uint64, error) {
	t, ok := kinds[k]
	if !ok {
		return 0, &KindError{Kind: k}
	}
	bs := uint64(t.blockSize)
	if n%bs != 0 {
		return 0, fmt.Errorf("quant: %s: %d elements not a multiple of block size %d", k, n, bs)
	}
	return n / bs * uint64(t.typeSize), nil
}

// RowBytes returns the encoded size of a row of n elements.
func (k Kind) RowBytes(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("quant: negative row length %d", n)
	}
	b, err := ByteSize(k, uint64(n))
	return int(b), err
}
