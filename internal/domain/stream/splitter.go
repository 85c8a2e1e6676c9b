package stream

import (
	"bytes"
	"unicode/utf8"
)

// DefaultMaxLineBytes caps a single line when the caller gives no limit.
const DefaultMaxLineBytes = 64 * 1024

// LineSplitter turns an ordered sequence of byte chunks into lines. It is
// not safe for concurrent use; each stream gets its own splitter.
type LineSplitter struct {
	buf []byte
	max int
}

// NewLineSplitter creates a splitter that breaks lines longer than max bytes.
func NewLineSplitter(max int) *LineSplitter {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &LineSplitter{max: max}
}

// Write consumes chunk and returns every line it completes, without line
// terminators and decoded to UTF-8.
func (s *LineSplitter) Write(chunk []byte) []string {
	s.buf = append(s.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, decodeLine(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}

	for len(s.buf) > s.max {
		n := runeCut(s.buf, s.max)
		if n == 0 {
			break
		}
		lines = append(lines, decodeLine(s.buf[:n]))
		s.buf = s.buf[n:]
	}

	// Compact so a long-lived stream does not pin an ever-growing backing
	// array.
	if len(s.buf) == 0 {
		s.buf = nil
	} else if cap(s.buf) > 4*s.max {
		s.buf = append([]byte(nil), s.buf...)
	}

	return lines
}

// Flush returns the trailing partial line, if any.
func (s *LineSplitter) Flush() (string, bool) {
	if len(s.buf) == 0 {
		return "", false
	}
	line := decodeLine(s.buf)
	s.buf = nil
	return line, true
}

// runeCut returns where to break an overlong b: the last rune boundary at
// or before max, or the end of the first rune if that alone exceeds max.
// It returns 0 while that first rune is still incomplete. len(b) must
// exceed max.
func runeCut(b []byte, max int) int {
	for n := max; n > 0; n-- {
		if utf8.RuneStart(b[n]) {
			return n
		}
	}
	n := max + 1
	for n < len(b) && !utf8.RuneStart(b[n]) {
		n++
	}
	if n == len(b) && !utf8.FullRune(b) {
		return 0
	}
	return n
}

func decodeLine(b []byte) string {
	b = bytes.TrimSuffix(b, []byte{'\r'})
	// Progress bars redraw with bare carriage returns; keep the last frame.
	if i := bytes.LastIndexByte(b, '\r'); i >= 0 {
		b = b[i+1:]
	}
	return ToUTF8(b)
}
