package tokenizer

import (
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

const (
	gpt2Pattern   = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`
	llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
	qwen2Pattern  = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+(?!\S)|\s+`
)

// splitter breaks text into pieces that are merged independently.
type splitter struct {
	re *regexp2.Regexp
}

// newSplitter returns the pre-tokenizer named by tokenizer.ggml.pre and
// whether whole pieces found in the vocabulary skip merging.
func newSplitter(pre string) (*splitter, bool) {
	pattern, ignoreMerges := gpt2Pattern, false
	switch pre {
	case "llama3", "llama-v3", "llama-bpe", "smaug-bpe", "falcon3", "lfm2":
		pattern, ignoreMerges = llama3Pattern, true
	case "qwen2", "deepseek-r1-qwen":
		pattern = qwen2Pattern
	case "none":
		return nil, false
	}
	return &splitter{re: regexp2.MustCompile(pattern, regexp2.RE2)}, ignoreMerges
}

// split calls yield for each piece of s in order. The pieces concatenate back
// to s, invalid UTF-8 included: each bad byte is matched as U+FFFD but the
// piece carries the original byte.
func (sp *splitter) split(s string, yield func(string)) {
	if sp == nil || s == "" {
		if s != "" {
			yield(s)
		}
		return
	}
	r := make([]rune, 0, len(s))
	off := make([]int, 0, len(s)+1)
	for i := 0; i < len(s); {
		c, w := utf8.DecodeRuneInString(s[i:])
		r = append(r, c)
		off = append(off, i)
		i += w
	}
	off = append(off, len(s))

	offset := 0
	m, _ := sp.re.FindRunesMatch(r)
	for m != nil {
		if m.Index > offset {
			yield(s[off[offset]:off[m.Index]])
		}
		end := m.Index + m.Length
		if m.Length > 0 {
			yield(s[off[m.Index]:off[end]])
		}
		offset = end
		m, _ = sp.re.FindNextMatch(m)
	}
	if offset < len(r) {
		yield(s[off[offset]:])
	}
}
