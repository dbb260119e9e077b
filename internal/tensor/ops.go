package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) error {
	if len(src) != len(dst) {
		return dimErr("add", "src length", len(dst), len(src))
	}
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// Dot computes the dot product of a and b. b must be at least as long as a.
func Dot(a, b []float32) float32 {
	b = b[:len(a)]
	var sum float32
	j := 0
	for ; j+3 < len(a); j += 4 {
		sum += a[j]*b[j] + a[j+1]*b[j+1] + a[j+2]*b[j+2] + a[j+3]*b[j+3]
	}
	for ; j < len(a); j++ {
		sum += a[j] * b[j]
	}
	return sum
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// RMSNorm normalizes each len(weight)-sized row of x by its root mean
// square and scales it by weight. dst may alias x.
func RMSNorm(dst, x, weight []float32, eps float32) error {
	n := len(weight)
	if n == 0 {
		return dimErr("rmsnorm", "weight length", 1, 0)
	}
	if len(x)%n != 0 {
		return dimErr("rmsnorm", "input length mod weight length", 0, len(x)%n)
	}
	if len(dst) != len(x) {
		return dimErr("rmsnorm", "dst length", len(x), len(dst))
	}
	for r := 0; r < len(x); r += n {
		row := x[r : r+n]
		var sum float32
		for _, v := range row {
			sum += v * v
		}
		scale := float32(1.0 / math.Sqrt(float64(sum/float32(n)+eps)))
		out := dst[r : r+n]
		for i := range row {
			out[i] = row[i] * scale * weight[i]
		}
	}
	return nil
}

// Softmax applies the softmax function to x in place, subtracting the
// maximum first. Entries of -Inf become zero; if every entry is -Inf the
// result is all zeros.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		clear(x)
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes x * sigmoid(x).
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SiluVec applies Silu element-wise.
func SiluVec(dst, x []float32) error {
	if len(dst) != len(x) {
		return dimErr("silu", "dst length", len(x), len(dst))
	}
	for i, v := range x {
		dst[i] = Silu(v)
	}
	return nil
}

// SiluMul computes dst[i] = Silu(gate[i]) * up[i], the gated feed-forward
// activation.
func SiluMul(dst, gate, up []float32) error {
	if len(up) != len(gate) {
		return dimErr("silu_mul", "up length", len(gate), len(up))
	}
	if len(dst) != len(gate) {
		return dimErr("silu_mul", "dst length", len(gate), len(dst))
	}
	for i := range gate {
		dst[i] = Silu(gate[i]) * up[i]
	}
	return nil
}

// Argmax returns the index of the largest value, the first on ties.
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
