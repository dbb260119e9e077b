package gguf

import (
	"encoding/binary"
	"math"
)

// reader decodes little-endian fields from an in-memory buffer. Every read
// is bounds checked; strings are copied so no result aliases the buffer.
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int { return len(r.data) - r.off }

func (r *reader) readN(n uint64, what string) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, formatErr(ErrTruncatedData, r.off, "%s: need %d bytes, have %d", what, n, r.remaining())
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *reader) readU8(what string) (uint8, error) {
	b, err := r.readN(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readU16(what string) (uint16, error) {
	b, err := r.readN(2, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readU32(what string) (uint32, error) {
	b, err := r.readN(4, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readU64(what string) (uint64, error) {
	b, err := r.readN(8, what)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) readF32(what string) (float32, error) {
	u, err := r.readU32(what)
	return math.Float32frombits(u), err
}

func (r *reader) readF64(what string) (float64, error) {
	u, err := r.readU64(what)
	return math.Float64frombits(u), err
}

func (r *reader) readString(what string) (string, error) {
	n, err := r.readU64(what)
	if err != nil {
		return "", err
	}
	b, err := r.readN(n, what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// checkCount rejects element counts that cannot fit in the remaining bytes
// before anything is allocated for them.
func (r *reader) checkCount(n uint64, minSize int, what string) error {
	if minSize > 0 && n > uint64(r.remaining()/minSize) {
		return formatErr(ErrTruncatedData, r.off, "%s: count %d exceeds remaining %d bytes", what, n, r.remaining())
	}
	return nil
}
