package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/bizclaw/brain/internal/quant"
)

// Writer assembles a version 3 container in memory order: header, sorted
// metadata, tensor descriptors, then aligned tensor data.
type Writer struct {
	kv      map[string]Value
	tensors []writerTensor
}

type writerTensor struct {
	info TensorInfo
	data []byte
}

func NewWriter() *Writer {
	return &Writer{kv: make(map[string]Value)}
}

// Set stores a metadata value, replacing any previous value for key.
func (w *Writer) Set(key string, v Value) {
	w.kv[key] = v
}

// AddTensor appends a tensor. dims are innermost first, as stored on disk.
func (w *Writer) AddTensor(name string, dims []uint64, kind quant.Kind, data []byte) error {
	t := TensorInfo{Name: name, Dims: slices.Clone(dims), Kind: kind}
	n, ok := t.Elements()
	if !ok {
		return fmt.Errorf("gguf: tensor %q: element count overflows", name)
	}
	size, err := quant.ByteSize(kind, n)
	if err != nil {
		return fmt.Errorf("gguf: tensor %q: %w", name, err)
	}
	if uint64(len(data)) != size {
		return fmt.Errorf("gguf: tensor %q: have %d bytes, %s %v needs %d", name, len(data), kind, dims, size)
	}
	for _, e := range w.tensors {
		if e.info.Name == name {
			return fmt.Errorf("gguf: duplicate tensor %q", name)
		}
	}
	t.Size = size
	w.tensors = append(w.tensors, writerTensor{info: t, data: data})
	return nil
}

func (w *Writer) alignment() uint64 {
	if v, ok := w.kv["general.alignment"]; ok {
		if a, err := v.Uint64(); err == nil && a > 0 {
			return a
		}
	}
	return DefaultAlignment
}

// WriteTo writes the container to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}
	le := binary.LittleEndian
	alignment := w.alignment()

	cw.write([]byte(magicGGUF))
	cw.write(le.AppendUint32(nil, Version))
	cw.write(le.AppendUint64(nil, uint64(len(w.tensors))))
	cw.write(le.AppendUint64(nil, uint64(len(w.kv))))

	keys := make([]string, 0, len(w.kv))
	for k := range w.kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := w.kv[k]
		cw.string(k)
		cw.write(le.AppendUint32(nil, uint32(v.typ)))
		if err := cw.value(v); err != nil {
			return cw.n, fmt.Errorf("gguf: write %s: %w", k, err)
		}
	}

	var off uint64
	for i := range w.tensors {
		t := &w.tensors[i].info
		t.Offset = off
		cw.string(t.Name)
		cw.write(le.AppendUint32(nil, uint32(len(t.Dims))))
		for _, d := range t.Dims {
			cw.write(le.AppendUint64(nil, d))
		}
		cw.write(le.AppendUint32(nil, uint32(t.Kind)))
		cw.write(le.AppendUint64(nil, t.Offset))
		off = align(off+t.Size, alignment)
	}

	cw.pad(alignment)
	for _, t := range w.tensors {
		cw.write(t.data)
		cw.pad(alignment)
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) write(b []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(b)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) string(s string) {
	c.write(binary.LittleEndian.AppendUint64(nil, uint64(len(s))))
	c.write([]byte(s))
}

func (c *countingWriter) pad(alignment uint64) {
	if n := align(uint64(c.n), alignment) - uint64(c.n); n > 0 {
		c.write(make([]byte, n))
	}
}

// value writes v's payload without its type tag.
func (c *countingWriter) value(v Value) error {
	le := binary.LittleEndian
	switch v.typ {
	case TypeUint8, TypeBool:
		c.write([]byte{byte(v.u)})
	case TypeInt8:
		c.write([]byte{byte(v.i)})
	case TypeUint16:
		c.write(le.AppendUint16(nil, uint16(v.u)))
	case TypeInt16:
		c.write(le.AppendUint16(nil, uint16(v.i)))
	case TypeUint32:
		c.write(le.AppendUint32(nil, uint32(v.u)))
	case TypeInt32:
		c.write(le.AppendUint32(nil, uint32(v.i)))
	case TypeUint64:
		c.write(le.AppendUint64(nil, v.u))
	case TypeInt64:
		c.write(le.AppendUint64(nil, uint64(v.i)))
	case TypeFloat32:
		c.write(le.AppendUint32(nil, math.Float32bits(float32(v.f))))
	case TypeFloat64:
		c.write(le.AppendUint64(nil, math.Float64bits(v.f)))
	case TypeString:
		c.string(v.s)
	case TypeArray:
		if v.arr == nil {
			return &TypeError{Want: "array", Got: v.typ}
		}
		c.write(le.AppendUint32(nil, uint32(v.arr.Elem)))
		c.write(le.AppendUint64(nil, uint64(len(v.arr.Values))))
		for _, e := range v.arr.Values {
			if e.typ != v.arr.Elem {
				return &TypeError{Want: v.arr.Elem.String(), Got: e.typ}
			}
			if err := c.value(e); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidValueType, uint32(v.typ))
	}
	return nil
}
