package tensor

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"unsafe"

	"github.com/bizclaw/brain/internal/quant"
)

// ErrDimension matches every *DimensionError.
var ErrDimension = errors.New("dimension mismatch")

// DimensionError reports operands whose shapes do not fit an operation.
type DimensionError struct {
	Op   string
	What string
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("tensor: %s: %s is %d, want %d", e.Op, e.What, e.Got, e.Want)
}

func (e *DimensionError) Is(target error) bool { return target == ErrDimension }

func dimErr(op, what string, want, got int) error {
	return &DimensionError{Op: op, What: what, Want: want, Got: got}
}

// Mat is a row-major matrix. F32 matrices keep their values in Data; other
// kinds keep the encoded rows in Raw and are decoded one block at a time by
// the kernels that read them.
type Mat struct {
	Rows, Cols int
	Kind       quant.Kind
	Data       []float32
	Raw        []byte

	rowBytes int
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{Rows: r, Cols: c, Kind: quant.F32, Data: make([]float32, r*c)}
}

// FromFloat32 wraps data as an r x c matrix without copying.
func FromFloat32(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, dimErr("mat", "shape", 0, min(r, c))
	}
	if len(data) != r*c {
		return Mat{}, dimErr("mat", "data length", r*c, len(data))
	}
	return Mat{Rows: r, Cols: c, Kind: quant.F32, Data: data}, nil
}

// FromRaw wraps encoded bytes as an r x c matrix without copying. Quantized
// and F16 rows must be a whole number of 32-element blocks.
func FromRaw(r, c int, kind quant.Kind, raw []byte) (Mat, error) {
	if !kind.Supported() {
		return Mat{}, &quant.KindError{Kind: kind, Op: "matrix"}
	}
	if r < 0 || c < 0 {
		return Mat{}, dimErr("mat", "shape", 0, min(r, c))
	}
	rowBytes, err := kind.RowBytes(c)
	if err != nil {
		return Mat{}, fmt.Errorf("%w: %v", ErrDimension, err)
	}
	if len(raw) != r*rowBytes {
		return Mat{}, dimErr("mat", "raw length", r*rowBytes, len(raw))
	}
	if kind == quant.F32 {
		return Mat{Rows: r, Cols: c, Kind: kind, Data: float32s(raw)}, nil
	}
	if c%quant.BlockLen != 0 {
		return Mat{}, dimErr("mat", "columns mod block length", 0, c%quant.BlockLen)
	}
	return Mat{Rows: r, Cols: c, Kind: kind, Raw: raw, rowBytes: rowBytes}, nil
}

// float32s reinterprets little-endian float bytes in place when the buffer
// is suitably aligned, and decodes a copy otherwise.
func float32s(raw []byte) []float32 {
	n := len(raw) / 4
	if n == 0 {
		return nil
	}
	if uintptr(unsafe.Pointer(&raw[0]))%unsafe.Alignof(float32(0)) == 0 {
		return unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
	}
	out := make([]float32, n)
	_ = quant.Dequantize(raw, quant.F32, out)
	return out
}

// RowTo decodes row i into dst.
func (m *Mat) RowTo(dst []float32, i int) error {
	if i < 0 || i >= m.Rows {
		return dimErr("row", "index", m.Rows-1, i)
	}
	if len(dst) < m.Cols {
		return dimErr("row", "dst length", m.Cols, len(dst))
	}
	if m.Raw == nil {
		copy(dst[:m.Cols], m.Data[i*m.Cols:(i+1)*m.Cols])
		return nil
	}
	return quant.Dequantize(m.Raw[i*m.rowBytes:(i+1)*m.rowBytes], m.Kind, dst[:m.Cols])
}

// FillRand fills an F32 matrix with reproducible values in roughly
// (-scale/2, scale/2).
func FillRand(m *Mat, seed uint64, scale float32) {
	if m.Raw != nil {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
