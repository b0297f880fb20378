package console

import (
	"bytes"
	"unicode/utf8"
)

// MaxLineBytes bounds a pending line. Longer lines are emitted in pieces.
const MaxLineBytes = 64 * 1024

// LineBuffer reassembles lines from arbitrarily split chunks of one stream.
// It is not safe for concurrent use; each stream owns one.
type LineBuffer struct {
	pending []byte
	max     int
}

func NewLineBuffer() *LineBuffer {
	return &LineBuffer{max: MaxLineBytes}
}

// Write consumes a chunk and returns every line it completes, without the
// terminator. A trailing '\r' is stripped. The returned slices are owned by
// the caller.
func (b *LineBuffer) Write(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.pending = append(b.pending, chunk...)
			break
		}
		b.pending = append(b.pending, chunk[:i]...)
		lines = append(lines, b.take())
		chunk = chunk[i+1:]
	}

	for len(b.pending) > b.max {
		cut := runeCut(b.pending, b.max)
		piece := make([]byte, cut)
		copy(piece, b.pending[:cut])
		b.pending = append(b.pending[:0], b.pending[cut:]...)
		lines = append(lines, piece)
	}
	return lines
}

// runeCut backs n off to the start of a UTF-8 sequence so a forced piece
// never ends mid-rune. Without a sequence start nearby it cuts at n.
func runeCut(p []byte, n int) int {
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			return i
		}
	}
	return n
}

// Flush returns the unterminated remainder, if any, and resets the buffer.
func (b *LineBuffer) Flush() []byte {
	if len(b.pending) == 0 {
		return nil
	}
	return b.take()
}

// Pending reports how many bytes are waiting for a terminator.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}

func (b *LineBuffer) take() []byte {
	line := bytes.TrimSuffix(b.pending, []byte{'\r'})
	out := make([]byte, len(line))
	copy(out, line)
	b.pending = b.pending[:0]
	return out
}
