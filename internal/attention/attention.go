// Package attention computes causal scaled dot-product attention of a query
// against a session's cached keys and values.
package attention

import (
	"math"

	"github.com/bizclaw/brain/internal/kvcache"
	"github.com/bizclaw/brain/internal/tensor"
)

var negInf = float32(math.Inf(-1))

// Attend writes softmax(q·Kᵀ/√d)·V into dst for one head. With causal set,
// entries whose absolute position is greater than qPos are masked out.
// scores is scratch space of at least seq.Len() floats.
func Attend(dst, q []float32, qPos int, seq kvcache.Sequence, causal bool, scores []float32) error {
	hd := seq.HeadDim
	if len(q) != hd {
		return &tensor.DimensionError{Op: "attend", What: "query length", Want: hd, Got: len(q)}
	}
	if len(dst) != hd {
		return &tensor.DimensionError{Op: "attend", What: "dst length", Want: hd, Got: len(dst)}
	}
	n := seq.Len()
	if len(scores) < n {
		return &tensor.DimensionError{Op: "attend", What: "scores length", Want: n, Got: len(scores)}
	}
	scores = scores[:n]
	scale := float32(1 / math.Sqrt(float64(hd)))
	for t := range n {
		if causal && seq.Positions[t] > qPos {
			scores[t] = negInf
			continue
		}
		scores[t] = tensor.Dot(q, seq.Key(t)) * scale
	}
	tensor.Softmax(scores)

	clear(dst)
	for t, w := range scores {
		if w == 0 {
			continue
		}
		v := seq.Value(t)
		for d := range dst {
			dst[d] += w * v[d]
		}
	}
	return nil
}

// MultiHead runs Attend for nHead query heads packed in q and concatenates
// the per-head results into dst. Query head h reads kv head h*nKVHead/nHead,
// so several query heads may share one kv head.
func MultiHead(dst, q []float32, qPos int, cache *kvcache.Cache, layer, nHead, nKVHead int, scores []float32) error {
	hd := cache.Options().HeadDim
	if nHead <= 0 || nKVHead <= 0 || nHead%nKVHead != 0 {
		return &tensor.DimensionError{Op: "attention", What: "heads mod kv heads", Want: 0, Got: nHead % max(nKVHead, 1)}
	}
	if len(q) != nHead*hd {
		return &tensor.DimensionError{Op: "attention", What: "query length", Want: nHead * hd, Got: len(q)}
	}
	if len(dst) != nHead*hd {
		return &tensor.DimensionError{Op: "attention", What: "dst length", Want: nHead * hd, Got: len(dst)}
	}
	for h := range nHead {
		seq, err := cache.Get(layer, h*nKVHead/nHead)
		if err != nil {
			return err
		}
		if err := Attend(dst[h*hd:(h+1)*hd], q[h*hd:(h+1)*hd], qPos, seq, true, scores); err != nil {
			return err
		}
	}
	return nil
}
