// Package coalesce batches output slices into vectored writes.
//
// The merge driver produces many small slices (header fragments, single
// lines) that all reference still-loaned read buffers. A Batch accumulates
// the references and flushes them in one writev, retrying short writes until
// everything is drained. The caller must flush before any referenced buffer
// is handed back for reuse.
package coalesce

import (
	"errors"

	"github.com/tormol/tailmerge/internal/fault"
)

// DefaultCapacity is how many slice records a Batch holds before it forces
// a flush on Add.
const DefaultCapacity = 1024

var errZeroWrite = errors.New("wrote 0 bytes")

// Sink consumes one vectored write. Implementations must write at least one
// byte or fail; n is the total number of bytes consumed across bufs.
type Sink interface {
	Writev(bufs [][]byte) (n int, err error)
}

// Batch is a bounded ordered sequence of borrowed slices awaiting output.
type Batch struct {
	sink     Sink
	pending  [][]byte
	written  int64
	capacity int
}

// NewBatch creates a batch writing to sink. capacity ≤ 0 selects
// DefaultCapacity.
func NewBatch(sink Sink, capacity int) *Batch {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Batch{
		sink:     sink,
		pending:  make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a slice reference, flushing first if the batch is full.
// The slice must stay valid until the next Flush returns.
func (b *Batch) Add(slice []byte) error {
	if len(slice) == 0 {
		return nil
	}
	if len(b.pending) == b.capacity {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	b.pending = append(b.pending, slice)
	return nil
}

// Len reports the number of pending slices.
func (b *Batch) Len() int { return len(b.pending) }

// BytesWritten reports the total bytes this batch has pushed into its sink.
func (b *Batch) BytesWritten() int64 { return b.written }

// Flush writes all pending slices. Short writes advance past fully written
// slices and trim the next partially written one before retrying; a write
// of zero bytes is an I/O failure.
func (b *Batch) Flush() error {
	done := 0
	for done < len(b.pending) {
		n, err := b.sink.Writev(b.pending[done:])
		if err != nil {
			return fault.IOf(err, "write %d slices to output", len(b.pending)-done)
		}
		if n == 0 {
			return fault.IOf(errZeroWrite, "write %d slices to output", len(b.pending)-done)
		}
		b.written += int64(n)
		for done < len(b.pending) && n >= len(b.pending[done]) {
			n -= len(b.pending[done])
			done++
		}
		if n != 0 {
			b.pending[done] = b.pending[done][n:]
		}
	}
	b.pending = b.pending[:0]
	return nil
}
