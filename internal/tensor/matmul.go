package tensor

import (
	"github.com/bizclaw/brain/internal/quant"
	"github.com/bizclaw/brain/internal/sched"
)

// minRowsPerTask keeps small matrices from being split into blocks that cost
// more to schedule than to compute.
const minRowsPerTask = 16

// MatMul computes dst = x · wᵀ for n input rows: x is n x w.Cols and dst is
// n x w.Rows. Row blocks of w are spread across the pool and MatMul returns
// once all of them are done. Quantized rows are decoded one block at a time
// into a stack buffer.
func MatMul(p *sched.Pool, dst, x []float32, n int, w *Mat) error {
	if n < 0 {
		return dimErr("matmul", "rows", 0, n)
	}
	if len(x) != n*w.Cols {
		return dimErr("matmul", "input length", n*w.Cols, len(x))
	}
	if len(dst) != n*w.Rows {
		return dimErr("matmul", "dst length", n*w.Rows, len(dst))
	}
	if n == 0 || w.Rows == 0 {
		return nil
	}
	if w.Raw == nil && len(w.Data) != w.Rows*w.Cols {
		return dimErr("matmul", "weight data length", w.Rows*w.Cols, len(w.Data))
	}
	p.Run(w.Rows, minRowsPerTask, func(rs, re int) {
		for t := range n {
			xt := x[t*w.Cols : (t+1)*w.Cols]
			out := dst[t*w.Rows : (t+1)*w.Rows]
			for i := rs; i < re; i++ {
				out[i] = w.dotRow(i, xt)
			}
		}
	})
	return nil
}

// MatVec computes dst = w · x.
func MatVec(p *sched.Pool, dst []float32, w *Mat, x []float32) error {
	return MatMul(p, dst, x, 1, w)
}

func (m *Mat) dotRow(i int, x []float32) float32 {
	if m.Raw == nil {
		return Dot(m.Data[i*m.Cols:(i+1)*m.Cols], x)
	}
	raw := m.Raw[i*m.rowBytes : (i+1)*m.rowBytes]
	gb := quant.GroupBytes(m.Kind)
	var buf [quant.BlockLen]float32
	var sum float32
	for b := 0; b < m.Cols; b += quant.BlockLen {
		// Row length and kind were validated by FromRaw.
		_ = quant.DequantizeBlock(raw[b/quant.BlockLen*gb:], m.Kind, buf[:])
		sum += Dot(buf[:], x[b:])
	}
	return sum
}
