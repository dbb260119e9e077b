package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bizclaw/brain/internal/quant"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, w *Writer) []byte {
	t.Helper()
	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}
	return buf.Bytes()
}

func sampleWriter(t *testing.T) *Writer {
	t.Helper()
	w := NewWriter()
	w.Set("general.architecture", String("llama"))
	w.Set("llama.block_count", Uint32(2))
	w.Set("llama.rope.freq_base", Float32(10000))
	w.Set("tokenizer.ggml.add_bos_token", Bool(true))
	w.Set("tokenizer.ggml.tokens", Strings([]string{"a", "b", "c"}))
	w.Set("tokenizer.ggml.scores", Float32s([]float32{0, -1, -2}))
	w.Set("custom.i64", Int64(-5))

	emb := make([]float32, 64)
	for i := range emb {
		emb[i] = float32(i)
	}
	if err := w.AddTensor("token_embd.weight", []uint64{32, 2}, quant.Q8_0, quant.QuantizeQ8_0(emb)); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTensor("output_norm.weight", []uint64{5}, quant.F32, quant.EncodeF32([]float32{1, 2, 3, 4, 5})); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	data := writeFile(t, sampleWriter(t))

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Version != 3 || f.Alignment != 32 || f.DataOffset%32 != 0 {
		t.Fatalf("unexpected header: version=%d alignment=%d data=%d", f.Version, f.Alignment, f.DataOffset)
	}
	if got := f.Metadata.Architecture(); got != "llama" {
		t.Fatalf("architecture = %q", got)
	}
	if n, err := f.Metadata.Uint("llama.block_count"); err != nil || n != 2 {
		t.Fatalf("block_count = %d, %v", n, err)
	}
	if v, err := f.Metadata.Float("llama.rope.freq_base"); err != nil || v != 10000 {
		t.Fatalf("freq_base = %v, %v", v, err)
	}
	if b, err := f.Metadata.Bool("tokenizer.ggml.add_bos_token"); err != nil || !b {
		t.Fatalf("add_bos_token = %v, %v", b, err)
	}
	toks, err := f.Metadata.Strings("tokenizer.ggml.tokens")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, toks); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	v, _ := f.Metadata.Get("custom.i64")
	if n, err := v.Int64(); err != nil || n != -5 {
		t.Fatalf("custom.i64 = %d, %v", n, err)
	}

	emb, ok := f.Tensor("token_embd.weight")
	if !ok {
		t.Fatal("token_embd.weight missing")
	}
	if emb.Kind != quant.Q8_0 || emb.Size != 2*34 {
		t.Fatalf("token_embd: kind %s size %d", emb.Kind, emb.Size)
	}
	if diff := cmp.Diff([]uint64{2, 32}, emb.Shape()); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	norm, _ := f.Tensor("output_norm.weight")
	off, n := f.Range(norm)
	got := make([]float32, 5)
	if err := quant.Dequantize(data[off:off+n], quant.F32, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5}, got); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
	if norm.Offset%f.Alignment != 0 {
		t.Fatalf("offset %d not aligned", norm.Offset)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	t.Parallel()
	valid := writeFile(t, sampleWriter(t))

	badMagic := bytes.Clone(valid)
	copy(badMagic, "GGML")
	v2 := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(v2[4:], 2)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncatedData},
		{"bad magic", badMagic, ErrBadMagic},
		{"version 2", v2, ErrUnsupportedVersion},
		{"header only", valid[:12], ErrTruncatedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("error %T is not a *FormatError", err)
			}
		})
	}
}

func TestParseTruncatedPrefixes(t *testing.T) {
	t.Parallel()
	valid := writeFile(t, sampleWriter(t))
	f, err := Parse(valid)
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < int(f.DataOffset); n++ {
		_, err := Parse(valid[:n])
		if !errors.Is(err, ErrTruncatedData) && !errors.Is(err, ErrInvalidLayout) {
			t.Fatalf("prefix %d: got %v, want truncated or layout error", n, err)
		}
	}
	// Cutting into the payload leaves descriptors intact but out of bounds.
	if _, err := Parse(valid[:len(valid)-40]); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("short payload: got %v", err)
	}
}

// builder assembles containers byte by byte so tests can produce layouts
// the Writer refuses to emit.
type builder struct {
	b []byte
}

func (b *builder) u32(v uint32) *builder { b.b = binary.LittleEndian.AppendUint32(b.b, v); return b }
func (b *builder) u64(v uint64) *builder { b.b = binary.LittleEndian.AppendUint64(b.b, v); return b }
func (b *builder) str(s string) *builder { b.u64(uint64(len(s))); b.b = append(b.b, s...); return b }

func header(tensors, kvs uint64) *builder {
	b := &builder{b: []byte("GGUF")}
	return b.u32(3).u64(tensors).u64(kvs)
}

func (b *builder) tensor(name string, dims []uint64, kind quant.Kind, off uint64) *builder {
	b.str(name).u32(uint32(len(dims)))
	for _, d := range dims {
		b.u64(d)
	}
	return b.u32(uint32(kind)).u64(off)
}

func (b *builder) payload(n int) []byte {
	for len(b.b)%32 != 0 {
		b.b = append(b.b, 0)
	}
	return append(b.b, make([]byte, n)...)
}

func TestParseInvalidValueType(t *testing.T) {
	t.Parallel()
	data := header(0, 1).str("k").u32(42).u32(0).b
	if _, err := Parse(data); !errors.Is(err, ErrInvalidValueType) {
		t.Fatalf("got %v, want ErrInvalidValueType", err)
	}
	arr := header(0, 1).str("k").u32(uint32(TypeArray)).u32(99).u64(1).u32(0).b
	if _, err := Parse(arr); !errors.Is(err, ErrInvalidValueType) {
		t.Fatalf("array elem: got %v, want ErrInvalidValueType", err)
	}
}

func TestParseHugeCounts(t *testing.T) {
	t.Parallel()
	if _, err := Parse(header(0, 1<<60).b); !errors.Is(err, ErrTruncatedData) {
		t.Fatalf("kv count: got %v", err)
	}
	if _, err := Parse(header(1<<60, 0).b); !errors.Is(err, ErrTruncatedData) {
		t.Fatalf("tensor count: got %v", err)
	}
	arr := header(0, 1).str("k").u32(uint32(TypeArray)).u32(uint32(TypeString)).u64(1 << 50).b
	if _, err := Parse(arr); !errors.Is(err, ErrTruncatedData) {
		t.Fatalf("array count: got %v", err)
	}
	str := header(0, 1).str("k").u32(uint32(TypeString)).u64(1 << 40).b
	if _, err := Parse(str); !errors.Is(err, ErrTruncatedData) {
		t.Fatalf("string length: got %v", err)
	}
}

func TestParseLayoutErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			"overlap",
			header(2, 0).
				tensor("a", []uint64{32}, quant.F32, 0).
				tensor("b", []uint64{32}, quant.F32, 64).
				payload(256),
			ErrInvalidLayout,
		},
		{
			"out of bounds",
			header(1, 0).tensor("a", []uint64{64}, quant.F32, 0).payload(128),
			ErrInvalidLayout,
		},
		{
			"misaligned",
			header(1, 0).tensor("a", []uint64{8}, quant.F32, 4).payload(64),
			ErrInvalidLayout,
		},
		{
			"block size does not divide",
			header(1, 0).tensor("a", []uint64{33}, quant.Q8_0, 0).payload(128),
			ErrInvalidLayout,
		},
		{
			"duplicate",
			header(2, 0).
				tensor("a", []uint64{8}, quant.F32, 0).
				tensor("a", []uint64{8}, quant.F32, 32).
				payload(64),
			ErrInvalidLayout,
		},
		{
			"unknown kind",
			header(1, 0).tensor("a", []uint64{32}, quant.Kind(200), 0).payload(64),
			quant.ErrUnsupportedQuantization,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseAlignment(t *testing.T) {
	t.Parallel()
	w := sampleWriter(t)
	w.Set("general.alignment", Uint32(64))
	f, err := Parse(writeFile(t, w))
	if err != nil {
		t.Fatal(err)
	}
	if f.Alignment != 64 || f.DataOffset%64 != 0 {
		t.Fatalf("alignment %d data offset %d", f.Alignment, f.DataOffset)
	}
	for _, ti := range f.Tensors {
		if ti.Offset%64 != 0 {
			t.Fatalf("tensor %s offset %d", ti.Name, ti.Offset)
		}
	}

	bad := header(0, 1).str("general.alignment").u32(uint32(TypeUint32)).u32(24).b
	if _, err := Parse(bad); !errors.Is(err, ErrInvalidLayout) {
		t.Fatalf("alignment 24: got %v", err)
	}
}

func TestTensorRangesDisjoint(t *testing.T) {
	t.Parallel()
	w := sampleWriter(t)
	for i, name := range []string{"x", "y", "z"} {
		raw := quant.QuantizeQ4_0(make([]float32, 32*(i+1)))
		if err := w.AddTensor(name, []uint64{32, uint64(i + 1)}, quant.Q4_0, raw); err != nil {
			t.Fatal(err)
		}
	}
	f, err := Parse(writeFile(t, w))
	if err != nil {
		t.Fatal(err)
	}
	for i, a := range f.Tensors {
		for _, b := range f.Tensors[i+1:] {
			if a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size {
				t.Fatalf("%s and %s overlap", a.Name, b.Name)
			}
		}
		if off, n := f.Range(a); off+n > f.Size {
			t.Fatalf("%s out of bounds", a.Name)
		}
	}
	if got := f.PayloadSize(); got != 2*34+20+18+36+54 {
		t.Fatalf("PayloadSize = %d", got)
	}
}

func TestWriterRejectsBadTensors(t *testing.T) {
	t.Parallel()
	w := NewWriter()
	if err := w.AddTensor("a", []uint64{33}, quant.Q8_0, make([]byte, 34)); err == nil {
		t.Fatal("expected block size error")
	}
	if err := w.AddTensor("a", []uint64{4}, quant.F32, make([]byte, 12)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if err := w.AddTensor("a", []uint64{4}, quant.F32, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if err := w.AddTensor("a", []uint64{4}, quant.F32, make([]byte, 16)); err == nil {
		t.Fatal("expected duplicate error")
	}
}
