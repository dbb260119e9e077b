package gguf

import (
	"cmp"
	"fmt"
	"math/bits"
	"slices"

	"github.com/bizclaw/brain/internal/quant"
)

// TensorInfo describes one tensor. Dims[0] is the innermost (contiguous)
// dimension, so a [rows, cols] matrix is stored with Dims {cols, rows}.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Kind   quant.Kind
	Offset uint64
	Size   uint64
}

// Elements returns the product of the dimensions, or false on overflow.
func (t TensorInfo) Elements() (uint64, bool) {
	n := uint64(1)
	for _, d := range t.Dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// Shape returns the dimensions outermost first, e.g. [rows, cols].
func (t TensorInfo) Shape() []uint64 {
	s := slices.Clone(t.Dims)
	slices.Reverse(s)
	return s
}

// validateLayout computes each tensor's byte size and checks that every
// payload range is aligned, in bounds and disjoint from the others.
func (f *File) validateLayout() error {
	if f.DataOffset > f.Size && len(f.Tensors) > 0 {
		return formatErr(ErrTruncatedData, int(f.Size), "data section starts at %d beyond end of file", f.DataOffset)
	}
	for i := range f.Tensors {
		t := &f.Tensors[i]
		if !t.Kind.Known() {
			return fmt.Errorf("gguf: tensor %q: %w", t.Name, &quant.KindError{Kind: t.Kind})
		}
		n, ok := t.Elements()
		if !ok {
			return formatErr(ErrInvalidLayout, 0, "tensor %q: element count overflows", t.Name)
		}
		size, err := quant.ByteSize(t.Kind, n)
		if err != nil {
			return formatErr(ErrInvalidLayout, 0, "tensor %q: %v", t.Name, err)
		}
		t.Size = size
		if t.Offset%f.Alignment != 0 {
			return formatErr(ErrInvalidLayout, 0, "tensor %q: offset %d not aligned to %d", t.Name, t.Offset, f.Alignment)
		}
		if t.Offset > f.Size {
			return formatErr(ErrInvalidLayout, int(f.DataOffset), "tensor %q: offset %d exceeds file size %d", t.Name, t.Offset, f.Size)
		}
		end, carry := bits.Add64(f.DataOffset+t.Offset, size, 0)
		if carry != 0 || end > f.Size {
			return formatErr(ErrInvalidLayout, int(f.DataOffset), "tensor %q: range [%d, +%d) exceeds file size %d",
				t.Name, f.DataOffset+t.Offset, size, f.Size)
		}
	}

	order := make([]int, len(f.Tensors))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		return cmp.Compare(f.Tensors[a].Offset, f.Tensors[b].Offset)
	})
	for i := 1; i < len(order); i++ {
		prev, cur := f.Tensors[order[i-1]], f.Tensors[order[i]]
		if cur.Offset < prev.Offset+prev.Size {
			return formatErr(ErrInvalidLayout, int(f.DataOffset+cur.Offset), "tensors %q and %q overlap", prev.Name, cur.Name)
		}
	}
	return nil
}
