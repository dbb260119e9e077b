package tokenizer

import (
	"cmp"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// spaceMarker replaces ' ' in SentencePiece vocabularies.
const spaceMarker = "▁"

type textPart struct {
	text      string
	isSpecial bool
}

// Encode converts text to token ids. Special tokens present in text are
// emitted whole; everything else goes through BPE merging. Encode never adds
// BOS or EOS, and empty text yields no ids.
//
// Symbols missing from the vocabulary map to the unknown token. The only
// error is ErrUnknownSymbol, when the vocabulary declares no unknown token.
func (v *Vocabulary) Encode(text string) ([]int, error) {
	var ids []int
	var err error
	for i, part := range splitSpecials(text, v.specials) {
		if part.isSpecial {
			ids = append(ids, v.ids[part.text])
			continue
		}
		switch v.style {
		case SentencePiece:
			ids, err = v.encodeSentencePiece(part.text, v.spacePre && i == 0, ids)
			if err != nil {
				return nil, err
			}
		default:
			v.splitter.split(part.text, func(piece string) {
				if err == nil {
					ids, err = v.encodeByteLevel(piece, ids)
				}
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (v *Vocabulary) encodeByteLevel(piece string, ids []int) ([]int, error) {
	var sb strings.Builder
	for i := 0; i < len(piece); i++ {
		sb.WriteRune(byteRunes[piece[i]])
	}
	escaped := sb.String()
	if v.ignoreMerges {
		if id, ok := v.ids[escaped]; ok {
			return append(ids, id), nil
		}
	}
	syms := mergeSymbols(splitRunes(escaped), func(a, b string) (float64, bool) {
		r, ok := v.merges[pair{a, b}]
		return float64(r), ok
	})
	var err error
	for _, s := range syms {
		if ids, err = v.appendSymbol(ids, s); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (v *Vocabulary) encodeSentencePiece(text string, prefix bool, ids []int) ([]int, error) {
	text = strings.ReplaceAll(text, " ", spaceMarker)
	if prefix {
		text = spaceMarker + text
	}
	// Higher score merges first.
	syms := mergeSymbols(splitRunes(text), func(a, b string) (float64, bool) {
		id, ok := v.ids[a+b]
		if !ok {
			return 0, false
		}
		return -float64(v.scores[id]), true
	})
	var err error
	for _, s := range syms {
		if ids, err = v.appendSymbol(ids, s); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// appendSymbol maps one merged symbol to ids. A symbol outside the
// vocabulary is split into runes (byte level) or <0xXX> byte tokens
// (SentencePiece) when all of those exist, and becomes the unknown token
// otherwise.
func (v *Vocabulary) appendSymbol(ids []int, s string) ([]int, error) {
	if id, ok := v.ids[s]; ok {
		return append(ids, id), nil
	}
	n := len(ids)
	fallback := true
	if v.style == SentencePiece {
		for i := 0; i < len(s) && fallback; i++ {
			id := v.byteIDs[s[i]]
			fallback = id >= 0
			ids = append(ids, id)
		}
	} else {
		for _, r := range s {
			id, ok := v.ids[string(r)]
			if fallback = ok; !ok {
				break
			}
			ids = append(ids, id)
		}
	}
	if fallback {
		return ids, nil
	}
	ids = ids[:n]
	if v.special.UNK < 0 {
		return nil, fmt.Errorf("tokenizer: %w: %q", ErrUnknownSymbol, s)
	}
	return append(ids, v.special.UNK), nil
}

type symbol struct {
	text       string
	prev, next int
}

type candidate struct {
	left, right int
	rank        float64
	text        string
}

// mergeSymbols repeatedly merges the adjacent pair with the lowest rank
// until no remaining pair has one. Equal ranks merge leftmost first.
func mergeSymbols(parts []string, rank func(a, b string) (float64, bool)) []string {
	if len(parts) < 2 {
		return parts
	}
	syms := make([]symbol, len(parts))
	for i, p := range parts {
		syms[i] = symbol{text: p, prev: i - 1, next: i + 1}
	}

	queue := binaryheap.NewWith(func(x, y candidate) int {
		if c := cmp.Compare(x.rank, y.rank); c != 0 {
			return c
		}
		return cmp.Compare(x.left, y.left)
	})
	push := func(l, r int) {
		if l < 0 || r >= len(syms) {
			return
		}
		if rk, ok := rank(syms[l].text, syms[r].text); ok {
			queue.Push(candidate{left: l, right: r, rank: rk, text: syms[l].text + syms[r].text})
		}
	}
	for i := range len(syms) - 1 {
		push(i, i+1)
	}

	for !queue.Empty() {
		c, _ := queue.Pop()
		l, r := &syms[c.left], &syms[c.right]
		// Stale: one side was merged since the candidate was queued.
		if l.text == "" || r.text == "" || l.next != c.right || l.text+r.text != c.text {
			continue
		}
		l.text = c.text
		r.text = ""
		l.next = r.next
		if r.next < len(syms) {
			syms[r.next].prev = c.left
		}
		push(l.prev, c.left)
		push(c.left, l.next)
	}

	out := make([]string, 0, len(syms))
	for i := 0; i < len(syms); i = syms[i].next {
		out = append(out, syms[i].text)
	}
	return out
}

// splitRunes cuts s into its runes. An invalid byte stays a one-byte
// symbol.
func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for i := 0; i < len(s); {
		_, w := utf8.DecodeRuneInString(s[i:])
		out = append(out, s[i:i+w])
		i += w
	}
	return out
}

// splitSpecials cuts text around occurrences of specials, which must be
// sorted longest first.
func splitSpecials(text string, specials []string) []textPart {
	if text == "" {
		return nil
	}
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}

// byteRunes maps each byte to a printable rune so byte-level BPE never sees
// whitespace or control characters; runeBytes is its inverse.
var (
	byteRunes [256]rune
	runeBytes = make(map[rune]byte, 256)
)

func init() {
	var printable [256]bool
	for _, r := range [][2]int{{'!', '~'}, {'¡', '¬'}, {'®', 'ÿ'}} {
		for b := r[0]; b <= r[1]; b++ {
			printable[b] = true
		}
	}
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable[b] {
			r = rune(256 + n)
			n++
		}
		byteRunes[b] = r
		runeBytes[r] = byte(b)
	}
}

// ByteRune returns the rune that stands for b in byte-level vocabularies.
func ByteRune(b byte) rune { return byteRunes[b] }
