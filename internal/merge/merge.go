// Package merge pulls the smallest next line across all sources and writes
// the merged stream, printing a `>>> name` header before each run of
// consecutive lines from one source.
//
// The merge is stable: lines that compare equal keep input order within a
// source by construction (a source re-enters the heap only after its popped
// line is emitted) and across sources because the heap pops equal keys in
// ascending value order, and the value is the source's position in the
// given order.
package merge

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/tormol/tailmerge/internal/coalesce"
	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/frame"
	"github.com/tormol/tailmerge/internal/reader"
	"github.com/tormol/tailmerge/internal/sliceheap"
)

var (
	marker  = []byte("\n>>> ")
	newline = []byte("\n")
)

// Stats summarizes one merge.
type Stats struct {
	Lines        int64 // lines framed across all sources
	BytesRead    int64 // source bytes framed (carries counted once)
	BytesWritten int64 // bytes pushed to the sink, headers included
}

type config struct {
	verify        bool
	batchCapacity int
}

// Option configures a Merger.
type Option func(*config)

// WithVerify enables the conservation self-check: a digest of all framed
// input bytes must match a digest of all emitted line bytes, or Run reports
// an internal error.
func WithVerify(on bool) Option {
	return func(c *config) { c.verify = on }
}

// WithBatchCapacity overrides the output batch's slice capacity.
func WithBatchCapacity(n int) Option {
	return func(c *config) { c.batchCapacity = n }
}

// Merger owns the heap, the per-source cursors, and the output batch.
type Merger struct {
	r       reader.Reader
	names   [][]byte
	cursors []frame.Cursor
	carried []int // carry handed back at the source's last Return
	heap    *sliceheap.Heap
	out     *coalesce.Batch
	last    int
	verify  bool
	inSum   *xxhash.Digest
	outSum  *xxhash.Digest
	direct  int64 // bytes written through the reader's queued-write path
	read    int64
}

// New builds a merger over r's sources, in their given order. The heap's
// entry array is carved from the reader's arena tail when it fits (size it
// with HeapBytes via reader.WithExtraTail).
func New(r reader.Reader, names []string, sink coalesce.Sink, opts ...Option) *Merger {
	c := config{}
	for _, opt := range opts {
		opt(&c)
	}
	m := &Merger{
		r:       r,
		names:   make([][]byte, len(names)),
		cursors: make([]frame.Cursor, len(names)),
		carried: make([]int, len(names)),
		heap:    sliceheap.New(len(names)),
		out:     coalesce.NewBatch(sink, c.batchCapacity),
		last:    -1,
		verify:  c.verify,
	}
	for i, name := range names {
		m.names[i] = []byte(name)
	}
	if tail := r.Tail(); len(tail) >= m.heap.NeededBytes() {
		m.heap.InstallMemory(tail)
	} else {
		m.heap.InstallMemory(make([]byte, m.heap.NeededBytes()))
	}
	if m.verify {
		m.inSum = xxhash.New()
		m.outSum = xxhash.New()
	}
	return m
}

// HeapBytes reports the arena tail size that lets a merge over n sources
// co-locate its heap entries with the read buffers.
func HeapBytes(n int) int {
	return sliceheap.New(n).NeededBytes()
}

// Stats reports counters for the finished (or failed) merge.
func (m *Merger) Stats() Stats {
	var lines int64
	for i := range m.cursors {
		lines += m.cursors[i].Lines()
	}
	return Stats{
		Lines:        lines,
		BytesRead:    m.read,
		BytesWritten: m.out.BytesWritten() + m.direct,
	}
}

// Run merges every source to completion. The caller closes the reader.
func (m *Merger) Run() error {
	for i := range m.names {
		loan, err := m.r.Next(i)
		if err != nil {
			return err
		}
		if len(loan) == 0 {
			// empty source: no header, close it straight away
			if err := m.r.CloseFile(i); err != nil {
				return err
			}
			continue
		}
		m.digestIn(i, loan)
		m.cursors[i].Install(loan)
		if !m.heap.Push(m.cursors[i].Line(), i) {
			return fault.Softwaref(nil, "queue first line of %s", m.names[i])
		}
	}

	for {
		src, line := m.heap.Pop()
		if src == -1 {
			break
		}
		cur := &m.cursors[src]

	emit:
		for {
			if src != m.last {
				sep := marker
				if m.last == -1 {
					sep = marker[1:] // no blank line before the first header
				}
				if err := m.addHeader(sep, m.names[src]); err != nil {
					return err
				}
			}
			if err := m.addLine(line); err != nil {
				return err
			}
			m.last = src

			switch {
			case cur.Advance():
				line = cur.Line()
			case line[len(line)-1] != '\n':
				if err := m.streamOversized(src); err != nil {
					return err
				}
				break emit
			default:
				ok, err := m.refill(src)
				if err != nil {
					return err
				}
				if !ok {
					break emit // source exhausted
				}
				line = cur.Line()
			}

			// Prefer continuing from the same source: as long as its next
			// line does not exceed the heap's smallest, emitting it
			// directly keeps runs together and equal keys grouped with
			// the source already being printed.
			if !m.heap.IsEmpty() && sliceheap.Compare(line, m.heap.Peek()) > 0 {
				if !m.heap.Push(line, src) {
					return fault.Softwaref(nil, "queue next line of %s", m.names[src])
				}
				break emit
			}
		}
	}

	if err := m.flush(); err != nil {
		return err
	}
	if m.verify && m.inSum.Sum64() != m.outSum.Sum64() {
		return fault.Softwaref(nil, "conserve input bytes: digests differ after %d bytes", m.read)
	}
	return nil
}

// refill hands the source's exhausted loan back (preserving the
// unterminated tail) and installs the next one. It reports whether the
// source yielded another line.
func (m *Merger) refill(src int) (bool, error) {
	cur := &m.cursors[src]
	carry := cur.Tail()
	// slices in the batch still reference the loan
	if err := m.flush(); err != nil {
		return false, err
	}
	if err := m.r.Return(src, carry); err != nil {
		return false, err
	}
	m.carried[src] = len(carry)
	loan, err := m.r.Next(src)
	if err != nil {
		return false, err
	}
	if len(loan) == 0 {
		return false, nil // source exhausted
	}
	m.digestIn(src, loan)
	cur.Install(loan)
	return true, nil
}

// streamOversized handles a line longer than the source's buffer: the
// emitted slice had no terminator, so further loans go straight to the
// output until one arrives, then the next complete line re-enters the heap.
func (m *Merger) streamOversized(src int) error {
	cur := &m.cursors[src]
	if err := m.flush(); err != nil {
		return err
	}
	if err := m.r.Return(src, cur.Tail()); err != nil { // tail is empty here
		return err
	}
	m.carried[src] = 0
	truncated := true
	for {
		loan, err := m.r.Next(src)
		if err != nil {
			return err
		}
		if len(loan) == 0 {
			if truncated {
				// end of file mid-line: finish it so the next header
				// starts on its own line
				return m.out.Add(newline)
			}
			return nil
		}
		m.digestIn(src, loan)
		if p := bytes.IndexByte(loan, '\n'); p < 0 {
			// still no terminator: the whole loan continues the line
			cur.Install(loan)
			cur.Advance() // consume it so the cursor's accounting stays right
			if m.verify {
				_, _ = m.outSum.Write(loan)
			}
			if err := m.r.WriteAndReturn(src, [][]byte{loan}, &m.direct); err != nil {
				return err
			}
			continue
		}
		cur.Install(loan)
		if err := m.addLine(cur.Line()); err != nil { // completion of the long line
			return err
		}
		truncated = false
		if !cur.Advance() {
			ok, err := m.refill(src)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if !m.heap.Push(cur.Line(), src) {
			return fault.Softwaref(nil, "queue next line of %s", m.names[src])
		}
		return nil
	}
}

func (m *Merger) addLine(line []byte) error {
	if m.verify {
		_, _ = m.outSum.Write(line)
	}
	return m.out.Add(line)
}

func (m *Merger) addHeader(slices ...[]byte) error {
	for _, s := range slices {
		if err := m.out.Add(s); err != nil {
			return err
		}
	}
	return m.out.Add(newline)
}

func (m *Merger) digestIn(src int, loan []byte) {
	fresh := loan[m.carried[src]:]
	m.carried[src] = 0
	m.read += int64(len(fresh))
	if m.verify {
		_, _ = m.inSum.Write(fresh)
	}
}

// flush settles queued reader writes first so the merged stream stays in
// order, then drains the batch.
func (m *Merger) flush() error {
	if err := m.r.WaitForWrite(true); err != nil {
		return err
	}
	return m.out.Flush()
}
