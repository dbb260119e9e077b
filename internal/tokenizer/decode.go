package tokenizer

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Placeholder is the text of an id outside the vocabulary.
const Placeholder = "�"

// Decode concatenates the text of ids. It never fails: unknown ids render as
// Placeholder and control tokens render as nothing.
func (v *Vocabulary) Decode(ids []int) string {
	var b []byte
	for _, id := range ids {
		b = v.appendToken(b, id)
	}
	if v.style == SentencePiece && v.spacePre && len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	return string(b)
}

// TokenBytes returns the raw bytes one id contributes to decoded text. The
// bytes may be a partial UTF-8 sequence.
func (v *Vocabulary) TokenBytes(id int) []byte {
	return v.appendToken(nil, id)
}

func (v *Vocabulary) appendToken(b []byte, id int) []byte {
	if id < 0 || id >= len(v.tokens) {
		return append(b, Placeholder...)
	}
	if v.IsControl(id) {
		return b
	}
	tok := v.tokens[id]
	if v.style == SentencePiece {
		if by, ok := parseByteToken(tok); ok {
			return append(b, by)
		}
		return append(b, strings.ReplaceAll(tok, spaceMarker, " ")...)
	}
	for _, r := range tok {
		if by, ok := runeBytes[r]; ok {
			b = append(b, by)
		} else {
			b = utf8.AppendRune(b, r)
		}
	}
	return b
}

// parseByteToken decodes "<0xXX>".
func parseByteToken(tok string) (byte, bool) {
	if len(tok) != 6 || !strings.HasPrefix(tok, "<0x") || tok[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(tok[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}

// StreamDecoder turns ids into text one at a time. Every returned fragment
// is valid UTF-8; bytes of a character split across tokens are held until
// the character completes.
type StreamDecoder struct {
	v       *Vocabulary
	pending []byte
}

func NewStreamDecoder(v *Vocabulary) *StreamDecoder {
	return &StreamDecoder{v: v}
}

// Next returns the text that id completes, possibly "".
func (d *StreamDecoder) Next(id int) string {
	d.pending = d.v.appendToken(d.pending, id)
	cut := completePrefix(d.pending)
	if cut == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(d.pending[:cut]), Placeholder)
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return out
}

// Flush returns whatever is still held, with incomplete sequences replaced
// by Placeholder.
func (d *StreamDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	out := strings.ToValidUTF8(string(d.pending), Placeholder)
	d.pending = d.pending[:0]
	return out
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
