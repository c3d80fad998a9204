// Package reader keeps every input file's next read in flight and loans the
// filled buffers out to the merge driver.
//
// Both implementations honor the same loan contract: at most one loan per
// source is outstanding, the reader never writes into a loaned buffer, and a
// returned loan's unterminated tail (the carry) reappears at the front of
// that source's next loan. A zero-length loan means end of file.
//
// Uring drives a restricted io_uring with registered files and buffers;
// Blocking is the portable fallback with the same surface.
package reader

import "github.com/tormol/tailmerge/internal/coalesce"

// Reader is the pull interface the merge driver consumes.
type Reader interface {
	// Next blocks until the given source's next filled buffer is
	// available and loans it out. The loan starts with the carry handed
	// to the previous Return. A zero-length loan reports end of file.
	Next(file int) ([]byte, error)

	// Return releases the source's outstanding loan. carry is the
	// unterminated tail of the loan (may be empty); the reader preserves
	// it at the front of the next loan and schedules the next read.
	Return(file int, carry []byte) error

	// WriteAndReturn queues slices (which reference the source's loaned
	// buffer) for output, releases the loan with no carry, and schedules
	// the next read. written accumulates the write's byte count once it
	// completes. file < 0 queues a plain write with no loan involved.
	WriteAndReturn(file int, slices [][]byte, written *int64) error

	// WaitForWrite blocks until all queued writes have completed when
	// now is true; otherwise completions are collected during the next
	// read wait.
	WaitForWrite(now bool) error

	// CloseFile stops reading the source. The ring fleet also cancels its
	// in-flight read and donates its buffer territory to the next source;
	// the blocking fleet only closes the input.
	CloseFile(file int) error

	// Tail exposes the arena's unregistered bookkeeping area so the
	// caller can co-locate its own structures in the shared allocation.
	Tail() []byte

	// Close tears down every source and the shared allocation.
	Close() error
}

// DefaultBufferSize is the per-file read size. Each source owns two buffers
// of this size so one can be loaned out while the other fills.
const DefaultBufferSize = 64 * 1024

type options struct {
	bufferSize int
	extraTail  int
	sink       coalesce.Sink
	outFD      int
}

// Option configures a fleet constructor.
type Option func(*options)

// WithBufferSize overrides the per-file buffer size.
func WithBufferSize(size int) Option {
	return func(o *options) { o.bufferSize = size }
}

// WithExtraTail reserves bytes in the arena's unregistered tail for the
// caller (see Reader.Tail).
func WithExtraTail(size int) Option {
	return func(o *options) { o.extraTail = size }
}

// WithOutput directs the blocking fleet's queued writes to sink.
func WithOutput(sink coalesce.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithOutputFD pins the descriptor the ring fleet's queued writes target.
func WithOutputFD(fd int) Option {
	return func(o *options) { o.outFD = fd }
}

func buildOptions(opts []Option) options {
	o := options{
		bufferSize: DefaultBufferSize,
		sink:       coalesce.Stdout(),
		outFD:      1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
