// Package frame resolves line boundaries across buffer refills.
//
// A Cursor walks one source's loaned buffer without copying complete lines:
// the current line is a subslice of the loan, and whatever unterminated tail
// remains when the loan is exhausted becomes the carry the reader preserves
// at the front of the next loan.
package frame

import "bytes"

// Cursor frames newline-terminated lines inside the current loan of one
// source. Offsets mirror the loan: bytes before start have been consumed,
// [start, end) is the current line, and [end, length) is not yet framed.
type Cursor struct {
	buf    []byte
	start  int
	end    int
	length int
	lines  int64
}

// Install replaces the cursor's loan with a freshly filled buffer, which
// already carries any preserved partial line at its front. The first line
// becomes current. It returns false on an empty loan (end of file with no
// carry), leaving the cursor drained.
func (c *Cursor) Install(loan []byte) bool {
	c.buf = loan
	c.start = 0
	c.length = len(loan)
	if c.length == 0 {
		c.end = 0
		return false
	}
	if i := bytes.IndexByte(loan, '\n'); i >= 0 {
		c.end = i + 1
	} else {
		// no terminator in the whole loan: the line is truncated for
		// comparison purposes and the caller streams the rest
		c.end = c.length
	}
	c.lines++
	return true
}

// Line returns the current line, including its terminator when present.
// The slice borrows the loan and is invalidated by the next Install.
func (c *Cursor) Line() []byte { return c.buf[c.start:c.end] }

// Offset returns the current line's position within the loan.
func (c *Cursor) Offset() int { return c.start }

// Lines returns how many lines this cursor has framed so far.
func (c *Cursor) Lines() int64 { return c.lines }

// Advance moves to the next complete line within the loan. It returns false
// when none remains: either the loan is fully consumed, or an unterminated
// tail is left over for Tail to report.
func (c *Cursor) Advance() bool {
	if c.end == c.length {
		c.start = c.end
		return false
	}
	i := bytes.IndexByte(c.buf[c.end:c.length], '\n')
	if i < 0 {
		return false
	}
	c.start = c.end
	c.end += i + 1
	c.lines++
	return true
}

// Tail returns the unterminated remainder after Advance has failed: the
// carry to hand back with the loan. It is empty when the loan ended exactly
// on a line boundary.
func (c *Cursor) Tail() []byte { return c.buf[c.end:c.length] }
