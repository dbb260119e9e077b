// Package gguf parses the GGUF model container: a little-endian header,
// typed key/value metadata, tensor descriptors and an aligned payload
// section. Parsing never copies tensor payload bytes.
package gguf

import (
	"fmt"

	"github.com/bizclaw/brain/internal/quant"
)

const (
	magicGGUF = "GGUF"

	// Version is the only container version accepted.
	Version = 3

	// DefaultAlignment applies when general.alignment is absent.
	DefaultAlignment = 32

	maxArrayDepth = 4
	maxDims       = 8
)

// File is a parsed container. Tensor offsets are relative to DataOffset.
type File struct {
	Version    uint32
	Metadata   Metadata
	Tensors    []TensorInfo
	Alignment  uint64
	DataOffset uint64
	Size       uint64

	index map[string]int
}

// Parse decodes the container held in data and validates the tensor layout.
// The returned File does not reference data.
func Parse(data []byte) (*File, error) {
	r := &reader{data: data}

	magic, err := r.readN(4, "magic")
	if err != nil {
		return nil, err
	}
	if string(magic) != magicGGUF {
		return nil, formatErr(ErrBadMagic, 0, "got %q", magic)
	}
	version, err := r.readU32("version")
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, formatErr(ErrUnsupportedVersion, 4, "version %d", version)
	}
	tensorCount, err := r.readU64("tensor count")
	if err != nil {
		return nil, err
	}
	kvCount, err := r.readU64("metadata count")
	if err != nil {
		return nil, err
	}
	// key length + type tag + smallest value
	if err := r.checkCount(kvCount, 8+4+1, "metadata"); err != nil {
		return nil, err
	}

	kv := make(map[string]Value, kvCount)
	for i := range kvCount {
		key, err := r.readString(fmt.Sprintf("metadata key %d", i))
		if err != nil {
			return nil, err
		}
		vt, err := r.readU32("value type for " + key)
		if err != nil {
			return nil, err
		}
		val, err := readValue(r, ValueType(vt), key, 0)
		if err != nil {
			return nil, err
		}
		kv[key] = val
	}
	meta := Metadata{kv: kv}

	// name length + ndim + kind + offset
	if err := r.checkCount(tensorCount, 8+4+4+8, "tensor descriptors"); err != nil {
		return nil, err
	}
	tensors := make([]TensorInfo, 0, tensorCount)
	index := make(map[string]int, tensorCount)
	for i := range tensorCount {
		t, err := readTensorInfo(r, i)
		if err != nil {
			return nil, err
		}
		if _, dup := index[t.Name]; dup {
			return nil, formatErr(ErrInvalidLayout, r.off, "duplicate tensor %q", t.Name)
		}
		index[t.Name] = len(tensors)
		tensors = append(tensors, t)
	}

	alignment := uint64(DefaultAlignment)
	if v, ok := meta.Get("general.alignment"); ok {
		a, err := v.Uint64()
		if err != nil {
			return nil, formatErr(ErrInvalidValueType, r.off, "general.alignment: %v", err)
		}
		if a == 0 || a&(a-1) != 0 {
			return nil, formatErr(ErrInvalidLayout, r.off, "alignment %d is not a power of two", a)
		}
		alignment = a
	}

	f := &File{
		Version:    version,
		Metadata:   meta,
		Tensors:    tensors,
		Alignment:  alignment,
		DataOffset: align(uint64(r.off), alignment),
		Size:       uint64(len(data)),
		index:      index,
	}
	if err := f.validateLayout(); err != nil {
		return nil, err
	}
	return f, nil
}

func readValue(r *reader, vt ValueType, key string, depth int) (Value, error) {
	start := r.off
	switch vt {
	case TypeUint8:
		v, err := r.readU8(key)
		return Uint8(v), err
	case TypeInt8:
		v, err := r.readU8(key)
		return Int8(int8(v)), err
	case TypeUint16:
		v, err := r.readU16(key)
		return Uint16(v), err
	case TypeInt16:
		v, err := r.readU16(key)
		return Int16(int16(v)), err
	case TypeUint32:
		v, err := r.readU32(key)
		return Uint32(v), err
	case TypeInt32:
		v, err := r.readU32(key)
		return Int32(int32(v)), err
	case TypeUint64:
		v, err := r.readU64(key)
		return Uint64(v), err
	case TypeInt64:
		v, err := r.readU64(key)
		return Int64(int64(v)), err
	case TypeFloat32:
		v, err := r.readF32(key)
		return Float32(v), err
	case TypeFloat64:
		v, err := r.readF64(key)
		return Float64(v), err
	case TypeBool:
		v, err := r.readU8(key)
		if err != nil {
			return Value{}, err
		}
		if v > 1 {
			return Value{}, formatErr(ErrInvalidValueType, start, "%s: bool byte %d", key, v)
		}
		return Bool(v == 1), nil
	case TypeString:
		s, err := r.readString(key)
		return String(s), err
	case TypeArray:
		if depth >= maxArrayDepth {
			return Value{}, formatErr(ErrInvalidValueType, start, "%s: arrays nested deeper than %d", key, maxArrayDepth)
		}
		et, err := r.readU32(key)
		if err != nil {
			return Value{}, err
		}
		elem := ValueType(et)
		if !elem.valid() {
			return Value{}, formatErr(ErrInvalidValueType, start, "%s: array element type %d", key, et)
		}
		n, err := r.readU64(key)
		if err != nil {
			return Value{}, err
		}
		if err := r.checkCount(n, elem.minSize(), key); err != nil {
			return Value{}, err
		}
		vals := make([]Value, n)
		for i := range vals {
			if vals[i], err = readValue(r, elem, key, depth+1); err != nil {
				return Value{}, err
			}
		}
		return ArrayOf(elem, vals...), nil
	default:
		return Value{}, formatErr(ErrInvalidValueType, start, "%s: value type %d", key, uint32(vt))
	}
}

func readTensorInfo(r *reader, i uint64) (TensorInfo, error) {
	name, err := r.readString(fmt.Sprintf("tensor %d name", i))
	if err != nil {
		return TensorInfo{}, err
	}
	ndim, err := r.readU32(name + " dims")
	if err != nil {
		return TensorInfo{}, err
	}
	if ndim == 0 || ndim > maxDims {
		return TensorInfo{}, formatErr(ErrInvalidLayout, r.off, "tensor %q has %d dimensions", name, ndim)
	}
	dims := make([]uint64, ndim)
	for d := range dims {
		if dims[d], err = r.readU64(name + " dims"); err != nil {
			return TensorInfo{}, err
		}
	}
	kind, err := r.readU32(name + " kind")
	if err != nil {
		return TensorInfo{}, err
	}
	off, err := r.readU64(name + " offset")
	if err != nil {
		return TensorInfo{}, err
	}
	return TensorInfo{Name: name, Dims: dims, Kind: quant.Kind(kind), Offset: off}, nil
}

// Tensor returns the descriptor with the given name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.index[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// Range returns the absolute byte range of t within the file.
func (f *File) Range(t TensorInfo) (off, n uint64) {
	return f.DataOffset + t.Offset, t.Size
}

// PayloadSize returns the total bytes of tensor data.
func (f *File) PayloadSize() uint64 {
	var n uint64
	for _, t := range f.Tensors {
		n += t.Size
	}
	return n
}

func align(offset, alignment uint64) uint64 {
	if alignment == 0 {
		return offset
	}
	rem := offset % alignment
	if rem == 0 {
		return offset
	}
	return offset + (alignment - rem)
}
