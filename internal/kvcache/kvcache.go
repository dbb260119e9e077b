// Package kvcache stores the per-session key and value vectors of earlier
// positions, one append-only sequence per (layer, kv head).
package kvcache

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/bizclaw/brain/internal/tensor"
)

var (
	// ErrCacheOverflow is returned by Append on a full sequence under the
	// Fail policy.
	ErrCacheOverflow = errors.New("kv cache overflow")

	// ErrOutOfMemory is returned when the cache would exceed its memory
	// limit.
	ErrOutOfMemory = errors.New("kv cache: out of memory")
)

// Policy selects what happens when a sequence reaches capacity.
type Policy int

const (
	// Fail rejects further appends with ErrCacheOverflow.
	Fail Policy = iota
	// EvictOldest drops the oldest position to make room.
	EvictOldest
)

func (p Policy) String() string {
	switch p {
	case Fail:
		return "fail"
	case EvictOldest:
		return "evict"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "fail" or "evict".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail":
		return Fail, nil
	case "evict", "evict-oldest", "evict_oldest":
		return EvictOldest, nil
	}
	return Fail, fmt.Errorf("kvcache: unknown overflow policy %q", s)
}

// State is the fill state of a sequence or of the whole cache.
type State int

const (
	Empty State = iota
	Filling
	Full
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Filling:
		return "filling"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Layers   int
	KVHeads  int
	HeadDim  int
	Capacity int
	Policy   Policy

	// MemoryLimit bounds the allocation in bytes. Zero means no limit.
	MemoryLimit int64
}

// Bytes returns the memory a cache with these options allocates.
func (o Options) Bytes() (int64, bool) {
	seqs := uint64(o.Layers) * uint64(o.KVHeads)
	hi, per := bits.Mul64(uint64(o.Capacity), uint64(o.HeadDim)*2*4+8)
	if hi != 0 {
		return 0, false
	}
	hi, total := bits.Mul64(seqs, per)
	if hi != 0 || total > 1<<62 {
		return 0, false
	}
	return int64(total), true
}

// Cache is not safe for concurrent use; each session owns one.
type Cache struct {
	opts      Options
	keys      []float32
	values    []float32
	pos       []int
	length    []int
	evictions int
}

// New allocates a cache.
func New(opts Options) (*Cache, error) {
	if opts.Layers <= 0 || opts.KVHeads <= 0 || opts.HeadDim <= 0 || opts.Capacity <= 0 {
		return nil, fmt.Errorf("kvcache: invalid shape layers=%d kv_heads=%d head_dim=%d capacity=%d",
			opts.Layers, opts.KVHeads, opts.HeadDim, opts.Capacity)
	}
	if opts.Policy != Fail && opts.Policy != EvictOldest {
		return nil, fmt.Errorf("kvcache: invalid policy %v", opts.Policy)
	}
	size, ok := opts.Bytes()
	if !ok || (opts.MemoryLimit > 0 && size > opts.MemoryLimit) {
		return nil, fmt.Errorf("%w: need %d bytes, limit %d", ErrOutOfMemory, size, opts.MemoryLimit)
	}
	seqs := opts.Layers * opts.KVHeads
	n := seqs * opts.Capacity
	return &Cache{
		opts:   opts,
		keys:   make([]float32, n*opts.HeadDim),
		values: make([]float32, n*opts.HeadDim),
		pos:    make([]int, n),
		length: make([]int, seqs),
	}, nil
}

func (c *Cache) Options() Options { return c.opts }
func (c *Cache) Capacity() int    { return c.opts.Capacity }

// Bytes returns the allocated size.
func (c *Cache) Bytes() int64 {
	n, _ := c.opts.Bytes()
	return n
}

// Evictions returns the number of positions dropped under EvictOldest.
func (c *Cache) Evictions() int { return c.evictions }

func (c *Cache) seq(layer, head int) (int, error) {
	if layer < 0 || layer >= c.opts.Layers {
		return 0, fmt.Errorf("kvcache: layer %d out of range [0, %d)", layer, c.opts.Layers)
	}
	if head < 0 || head >= c.opts.KVHeads {
		return 0, fmt.Errorf("kvcache: head %d out of range [0, %d)", head, c.opts.KVHeads)
	}
	return layer*c.opts.KVHeads + head, nil
}

// Append stores key and value for absolute position pos, which must be
// greater than every position already held by the sequence.
func (c *Cache) Append(layer, head, pos int, key, value []float32) error {
	s, err := c.seq(layer, head)
	if err != nil {
		return err
	}
	hd := c.opts.HeadDim
	if len(key) != hd {
		return &tensor.DimensionError{Op: "kvcache", What: "key length", Want: hd, Got: len(key)}
	}
	if len(value) != hd {
		return &tensor.DimensionError{Op: "kvcache", What: "value length", Want: hd, Got: len(value)}
	}
	capacity := c.opts.Capacity
	base := s * capacity
	n := c.length[s]
	if pos < 0 || (n > 0 && pos <= c.pos[base+n-1]) {
		return fmt.Errorf("kvcache: position %d does not follow %d in layer %d head %d", pos, c.lastPos(s), layer, head)
	}
	if n == capacity {
		if c.opts.Policy == Fail {
			return fmt.Errorf("%w: layer %d head %d holds %d positions", ErrCacheOverflow, layer, head, capacity)
		}
		kv := c.keys[base*hd : (base+capacity)*hd]
		vv := c.values[base*hd : (base+capacity)*hd]
		copy(kv, kv[hd:])
		copy(vv, vv[hd:])
		copy(c.pos[base:base+capacity], c.pos[base+1:base+capacity])
		n--
		c.evictions++
	}
	copy(c.keys[(base+n)*hd:], key)
	copy(c.values[(base+n)*hd:], value)
	c.pos[base+n] = pos
	c.length[s] = n + 1
	return nil
}

func (c *Cache) lastPos(s int) int {
	if c.length[s] == 0 {
		return -1
	}
	return c.pos[s*c.opts.Capacity+c.length[s]-1]
}

// Sequence is a read-only view of one (layer, head) history in position
// order. It is invalidated by the next Append or Reset.
type Sequence struct {
	Keys      []float32
	Values    []float32
	Positions []int
	HeadDim   int
}

func (s Sequence) Len() int { return len(s.Positions) }

// Key returns the key vector of entry i.
func (s Sequence) Key(i int) []float32 { return s.Keys[i*s.HeadDim : (i+1)*s.HeadDim] }

// Value returns the value vector of entry i.
func (s Sequence) Value(i int) []float32 { return s.Values[i*s.HeadDim : (i+1)*s.HeadDim] }

// Get returns the cached history of one (layer, head).
func (c *Cache) Get(layer, head int) (Sequence, error) {
	s, err := c.seq(layer, head)
	if err != nil {
		return Sequence{}, err
	}
	hd := c.opts.HeadDim
	base := s * c.opts.Capacity
	n := c.length[s]
	return Sequence{
		Keys:      c.keys[base*hd : (base+n)*hd],
		Values:    c.values[base*hd : (base+n)*hd],
		Positions: c.pos[base : base+n],
		HeadDim:   hd,
	}, nil
}

// Len returns the number of positions held by one (layer, head).
func (c *Cache) Len(layer, head int) int {
	s, err := c.seq(layer, head)
	if err != nil {
		return 0
	}
	return c.length[s]
}

// StateOf returns the fill state of one (layer, head).
func (c *Cache) StateOf(layer, head int) State {
	switch n := c.Len(layer, head); {
	case n == 0:
		return Empty
	case n == c.opts.Capacity:
		return Full
	default:
		return Filling
	}
}

// State summarizes the cache: Empty when no sequence holds anything, Full
// when any sequence is at capacity, Filling otherwise.
func (c *Cache) State() State {
	st := Empty
	for _, n := range c.length {
		if n == c.opts.Capacity {
			return Full
		}
		if n > 0 {
			st = Filling
		}
	}
	return st
}

// Reset discards every entry. The allocation is kept.
func (c *Cache) Reset() {
	clear(c.length)
}
