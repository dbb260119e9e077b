// Package logits turns a logits vector into a concrete next token.
package logits

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// ErrInvalidConfig matches every *ConfigError.
var ErrInvalidConfig = errors.New("invalid sampling configuration")

// ConfigError reports an out of range sampling parameter.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sampling: %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// Config configures a Sampler. Temperature 0 is greedy and TopK 0 keeps the
// whole vocabulary. TopP is taken as given: 1 keeps every candidate, 0 keeps
// only the most likely one. RepeatPenalty 0 or 1 applies no penalty.
type Config struct {
	Seed          uint64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// DefaultConfig returns the settings used when a caller supplies none.
func DefaultConfig() Config {
	return Config{
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

func finite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// Validate rejects parameters outside their domains.
func (c Config) Validate() error {
	switch {
	case !finite(c.Temperature) || c.Temperature < 0:
		return &ConfigError{"temperature", c.Temperature, "must be a finite value >= 0"}
	case c.TopK < 0:
		return &ConfigError{"top_k", c.TopK, "must be >= 0"}
	case !finite(c.TopP) || c.TopP < 0 || c.TopP > 1:
		return &ConfigError{"top_p", c.TopP, "must be within [0, 1]"}
	case !finite(c.RepeatPenalty) || c.RepeatPenalty < 0:
		return &ConfigError{"repeat_penalty", c.RepeatPenalty, "must be a finite value >= 0"}
	case c.RepeatLastN < 0:
		return &ConfigError{"repeat_last_n", c.RepeatLastN, "must be >= 0"}
	}
	return nil
}

// Sampler holds the random state and scratch buffers of one session. It is
// not safe for concurrent use.
type Sampler struct {
	rng *rand.Rand
	cfg Config

	topIdx []int
	topVal []float32
	prob   []float64
	seen   map[int]struct{}
}

// NewSampler validates cfg and seeds the random state from cfg.Seed.
func NewSampler(cfg Config) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RepeatPenalty == 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN == 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xda942042e4dd58b5)),
		cfg:  cfg,
		seen: make(map[int]struct{}),
	}, nil
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample picks the next token:
//
//  1. logits of tokens among the last RepeatLastN of recent are penalized,
//     positive values divided by RepeatPenalty and negative ones multiplied;
//  2. with Temperature 0 the argmax is returned and the rest is skipped;
//     otherwise logits are scaled by 1/Temperature;
//  3. candidates are restricted to the TopK highest;
//  4. of those, the smallest prefix by descending probability whose
//     cumulative probability reaches TopP is kept;
//  5. a token is drawn from the renormalized remainder.
//
// Sample modifies logits in place.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	if len(logits) == 0 {
		return 0, errors.New("sampling: empty logits")
	}
	s.penalize(logits, recent)

	if s.cfg.Temperature == 0 {
		return argmax(logits), nil
	}

	k := s.cfg.TopK
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	idx, val := s.topK(logits, k)

	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	// Scaling after subtracting the max keeps tiny temperatures finite.
	invTemp := 1 / float64(s.cfg.Temperature)
	maxv := float64(val[0])
	var sum float64
	for i, v := range val {
		e := math.Exp((float64(v) - maxv) * invTemp)
		prob[i] = e
		sum += e
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return idx[0], nil
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if c >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
	}

	var total float64
	for _, p := range prob[:cut] {
		total += p
	}
	r := s.rng.Float64() * total
	var c float64
	for i, p := range prob[:cut] {
		c += p
		if r < c {
			return idx[i], nil
		}
	}
	return idx[cut-1], nil
}

func (s *Sampler) penalize(logits []float32, recent []int) {
	if s.cfg.RepeatPenalty == 1 || len(recent) == 0 {
		return
	}
	clear(s.seen)
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]
	for _, id := range window {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax returns the index of the first maximum.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// insertionLimit is the largest k served by the O(V*k) insertion path.
const insertionLimit = 64

// topK returns the indices and values of the k largest logits, largest
// first. Ties keep the lower index first.
func (s *Sampler) topK(logits []float32, k int) ([]int, []float32) {
	if k > insertionLimit {
		return s.sortedTopK(logits, k)
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, v := range logits {
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

func (s *Sampler) sortedTopK(logits []float32, k int) ([]int, []float32) {
	if cap(s.topIdx) < len(logits) {
		s.topIdx = make([]int, len(logits))
		s.topVal = make([]float32, len(logits))
	}
	idx := s.topIdx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})
	idx = idx[:k]
	val := s.topVal[:k]
	for i, id := range idx {
		val[i] = logits[id]
	}
	return idx, val
}
