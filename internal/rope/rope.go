// Package rope implements rotary position embeddings over adjacent
// (even, odd) element pairs.
package rope

import (
	"fmt"
	"math"

	"github.com/bizclaw/brain/internal/tensor"
)

// DefaultBase is the frequency base used when a model does not declare one.
const DefaultBase = 10000

// Table holds the per-pair inverse frequencies θᵢ = base^(-2i/headDim).
type Table struct {
	headDim int
	invFreq []float64
}

// New builds a table for heads of headDim elements. base <= 0 selects
// DefaultBase.
func New(headDim int, base float64) (*Table, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dimension %d must be positive and even", headDim)
	}
	if base <= 0 {
		base = DefaultBase
	}
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = math.Pow(base, -float64(2*i)/float64(headDim))
	}
	return &Table{headDim: headDim, invFreq: inv}, nil
}

func (t *Table) HeadDim() int { return t.headDim }

// Rotate rotates one head vector to position pos.
func (t *Table) Rotate(vec []float32, pos int) error {
	if len(vec) != t.headDim {
		return &tensor.DimensionError{Op: "rope", What: "vector length", Want: t.headDim, Got: len(vec)}
	}
	t.rotate(vec, pos)
	return nil
}

// RotateHeads rotates nHeads consecutive head vectors packed in x.
func (t *Table) RotateHeads(x []float32, nHeads, pos int) error {
	if len(x) != nHeads*t.headDim {
		return &tensor.DimensionError{Op: "rope", What: "input length", Want: nHeads * t.headDim, Got: len(x)}
	}
	for h := range nHeads {
		t.rotate(x[h*t.headDim:(h+1)*t.headDim], pos)
	}
	return nil
}

func (t *Table) rotate(v []float32, pos int) {
	for i, f := range t.invFreq {
		s, c := math.Sincos(float64(pos) * f)
		x0, x1 := v[2*i], v[2*i+1]
		v[2*i] = x0*float32(c) - x1*float32(s)
		v[2*i+1] = x0*float32(s) + x1*float32(c)
	}
}
