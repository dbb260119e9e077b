package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	}
	return "", fmt.Errorf("unknown stream mode %q (want instant, smooth or quiet)", s)
}

// StreamWriter prints generated text as it arrives. Smooth mode batches
// pieces and flushes every few words or flushInterval; quiet mode prints
// everything at Flush.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer

	batch         strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
	batchWords    int

	accumulator strings.Builder

	// raw escapes control characters.
	raw bool
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		out:           bufio.NewWriterSize(w, 4096),
		flushInterval: 50 * time.Millisecond,
		batchWords:    5,
		lastFlush:     time.Now(),
		raw:           raw,
	}
}

// Write handles one decoded piece of text.
func (w *StreamWriter) Write(piece string) {
	w.accumulator.WriteString(piece)
	switch w.mode {
	case StreamInstant:
		w.emit(piece)
		_ = w.out.Flush()
	case StreamSmooth:
		w.batch.WriteString(piece)
		words := strings.Count(w.batch.String(), " ") + 1
		if words >= w.batchWords || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	}
}

// Flush writes anything buffered and returns the full text written so far.
func (w *StreamWriter) Flush() string {
	switch w.mode {
	case StreamQuiet:
		w.emit(w.accumulator.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.out.Flush()
	return w.accumulator.String()
}

// Reset forgets the text written so far, for the next turn of a chat.
// Call Flush first.
func (w *StreamWriter) Reset() {
	w.accumulator.Reset()
	w.batch.Reset()
}

func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	w.emit(w.batch.String())
	_ = w.out.Flush()
	w.batch.Reset()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) emit(s string) {
	if w.raw {
		s = escapeRawOutput(s)
	}
	_, _ = w.out.WriteString(s)
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
