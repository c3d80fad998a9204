package reader

import (
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/tormol/tailmerge/internal/arena"
	"github.com/tormol/tailmerge/internal/coalesce"
	"github.com/tormol/tailmerge/internal/fault"
)

// Blocking implements the loan contract with plain synchronous reads. It is
// the fallback when the ring cannot be created and the only fleet that can
// serve compressed inputs, which have to pass through a userspace
// decompressor anyway.
//
// Each source owns a single buffer of twice the configured size (the two
// bucket halves have no use without overlapping reads, so they serve as
// carry headroom instead), carved out of one shared arena.
type Blocking struct {
	arena   *arena.Arena
	sources []blockingSource
	sink    sinkWriter
}

var _ Reader = (*Blocking)(nil)

type blockingSource struct {
	name   string
	src    *input
	buf    []byte
	carry  int
	loaned bool
	eof    bool
	closed bool
}

// NewBlocking opens every named file (decompressing *.gz and *.zst
// transparently) and prepares a buffer for each. The opens run in parallel;
// the first failure wins and closes the rest.
func NewBlocking(names []string, opts ...Option) (*Blocking, error) {
	o := buildOptions(opts)
	perBuf := 2 * o.bufferSize

	a, err := arena.New(perBuf*len(names), 0, o.extraTail)
	if err != nil {
		return nil, err
	}
	b := &Blocking{
		arena:   a,
		sources: make([]blockingSource, len(names)),
		sink:    sinkWriter{sink: o.sink},
	}

	var eg errgroup.Group
	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			src, err := openInput(name)
			if err != nil {
				return err
			}
			b.sources[i] = blockingSource{
				name: name,
				src:  src,
				buf:  a.Buffers()[i*perBuf : (i+1)*perBuf],
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Blocking) Next(file int) ([]byte, error) {
	s := &b.sources[file]
	if s.loaned {
		return nil, fault.Softwaref(nil, "hand out a second loan for %s", s.name)
	}
	if s.closed || (s.eof && s.carry == 0) {
		return nil, nil
	}
	filled := s.carry
	for !s.eof {
		n, err := s.src.Read(s.buf[filled:])
		if n > 0 {
			filled += n
			break
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			break
		}
		if err != nil {
			return nil, fault.IOf(err, "read from %s", s.name)
		}
	}
	if filled == 0 {
		return nil, nil
	}
	s.loaned = true
	s.carry = 0
	return s.buf[:filled], nil
}

func (b *Blocking) Return(file int, carry []byte) error {
	s := &b.sources[file]
	if !s.loaned {
		return fault.Softwaref(nil, "return a loan %s never handed out", s.name)
	}
	s.loaned = false
	if len(carry) >= len(s.buf) {
		return fault.Softwaref(nil, "carry a partial line as long as the buffer of %s", s.name)
	}
	if len(carry) > 0 {
		// the carry is a tail of s.buf, so this is a forward memmove
		copy(s.buf, carry)
		s.carry = len(carry)
	}
	return nil
}

func (b *Blocking) WriteAndReturn(file int, slices [][]byte, written *int64) error {
	n, err := b.sink.writeAll(slices)
	*written += n
	if err != nil {
		return err
	}
	if file >= 0 {
		return b.Return(file, nil)
	}
	return nil
}

// WaitForWrite is a no-op: blocking writes complete before WriteAndReturn
// returns.
func (b *Blocking) WaitForWrite(bool) error { return nil }

func (b *Blocking) CloseFile(file int) error {
	s := &b.sources[file]
	if s.closed {
		return nil
	}
	s.closed = true
	s.carry = 0
	if s.src == nil {
		return nil
	}
	err := s.src.Close()
	s.src = nil
	if err != nil {
		return fault.IOf(err, "close %s", s.name)
	}
	return nil
}

func (b *Blocking) Tail() []byte { return b.arena.Tail() }

func (b *Blocking) Close() error {
	var firstErr error
	for i := range b.sources {
		if err := b.CloseFile(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.arena.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// sinkWriter drains a vectored write completely, the way the coalescer
// does, so queued writes behave the same on both fleets.
type sinkWriter struct {
	sink coalesce.Sink
}

func (w sinkWriter) writeAll(slices [][]byte) (int64, error) {
	var total int64
	done := 0
	for done < len(slices) {
		n, err := w.sink.Writev(slices[done:])
		if err != nil {
			return total, fault.IOf(err, "write %d slices to output", len(slices)-done)
		}
		if n == 0 {
			return total, fault.IOf(nil, "write %d slices to output: wrote 0 bytes", len(slices)-done)
		}
		total += int64(n)
		for done < len(slices) && n >= len(slices[done]) {
			n -= len(slices[done])
			done++
		}
		if n != 0 {
			slices[done] = slices[done][n:]
		}
	}
	return total, nil
}
