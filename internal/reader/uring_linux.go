//go:build linux

package reader

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tormol/tailmerge/internal/arena"
	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/uring"
)

// Completion tags: the file index in the low half, the operation in the
// high half. The two read operations identify which of the source's two
// buckets the read targeted.
const (
	opOpen uint32 = iota
	opReadA
	opReadB
	opWrite
	opCancel
)

func encodeTag(file int, op uint32) uint64 {
	return uint64(op)<<32 | uint64(uint32(file))
}

func decodeTag(tag uint64) (file int, op uint32) {
	return int(uint32(tag)), uint32(tag >> 32)
}

func readOp(bucket arena.Bucket) uint32 {
	if bucket == arena.BucketA {
		return opReadA
	}
	return opReadB
}

func bucketOf(op uint32) arena.Bucket {
	if op == opReadA {
		return arena.BucketA
	}
	return arena.BucketB
}

func otherBucket(b arena.Bucket) arena.Bucket {
	if b == arena.BucketA {
		return arena.BucketB
	}
	return arena.BucketA
}

// Uring keeps one read per source in flight through a restricted io_uring
// with registered files and one registered buffer region.
type Uring struct {
	ring  *uring.Ring
	arena *arena.Arena
	terr  *arena.Territory
	names []string
	paths [][]byte // NUL-terminated copies the kernel reads during openat
	src   []uringSource
	outFD int

	openFiles     int
	pendingWrites int
	nextWriteID   uint32
	writes        map[uint32]*queuedWrite
	closed        bool
}

var _ Reader = (*Uring)(nil)

type uringSource struct {
	bytesRead int64
	carry     int // preserved bytes at the front of the in-flight bucket

	// in-flight read; start is the buffer offset captured at submit time,
	// so a later territory donation cannot shift a live read's span
	reading       bool
	inFlight      arena.Bucket
	inFlightStart int

	// completed read awaiting delivery
	pending      bool
	pendingBuf   arena.Bucket
	pendingStart int
	pendingLen   int

	loaned     bool
	lastBucket arena.Bucket
	eof        bool
	closed     bool
}

// queuedWrite keeps a queued write's iovec array alive until its completion
// arrives; the kernel reads the array asynchronously.
type queuedWrite struct {
	iovs    []syscall.Iovec
	written *int64
}

// NewUring creates the ring, registers restrictions, the sparse file table,
// and the buffer region, then submits the linked open+read pair for every
// source. It reports fault.ErrRingUnsupported when the kernel has no
// io_uring, so the caller can fall back to the blocking fleet.
func NewUring(names []string, opts ...Option) (*Uring, error) {
	o := buildOptions(opts)
	n := len(names)

	// The initial half-and-half submission splits N open+read pairs into
	// two equal batches, which needs an even ring.
	capacity := uint32(n)
	if capacity%2 != 0 {
		capacity++
	}
	ring, err := uring.Setup(capacity)
	if err != nil {
		return nil, err
	}

	u := &Uring{
		ring:   ring,
		names:  names,
		paths:  make([][]byte, n),
		src:    make([]uringSource, n),
		outFD:  o.outFD,
		writes: make(map[uint32]*queuedWrite),
	}
	for i, name := range names {
		u.paths[i] = append([]byte(name), 0)
	}

	ops := []uint8{uring.OpOpenat, uring.OpReadFixed, uring.OpWritev, uring.OpAsyncCancel}
	flags := uring.FlagIOLink | uring.FlagCQESkipSuccess | uring.FlagFixedFile
	if err := ring.RestrictOps(ops, flags); err != nil {
		_ = ring.Close()
		return nil, err
	}
	if err := ring.RegisterSparseFiles(n); err != nil {
		_ = ring.Close()
		return nil, err
	}

	a, err := arena.New(2*o.bufferSize*n, 0, o.extraTail)
	if err != nil {
		_ = ring.Close()
		return nil, err
	}
	u.arena = a
	u.terr = arena.NewTerritory(n, o.bufferSize)
	if err := ring.RegisterBuffer(a.Registered()); err != nil {
		_ = a.Destroy()
		_ = ring.Close()
		return nil, err
	}
	if err := ring.Enable(); err != nil {
		_ = a.Destroy()
		_ = ring.Close()
		return nil, err
	}

	// Submit the first half of the pairs, drain the queue, then the rest,
	// so N pairs fit through a ring of N entries.
	for i := 0; i < n/2; i++ {
		if err := u.pushOpenAndRead(i); err != nil {
			return nil, u.failSetup(err)
		}
	}
	if _, err := ring.Submit(0); err != nil {
		return nil, u.failSetup(err)
	}
	for i := n / 2; i < n; i++ {
		if err := u.pushOpenAndRead(i); err != nil {
			return nil, u.failSetup(err)
		}
	}
	if _, err := ring.Submit(0); err != nil {
		return nil, u.failSetup(err)
	}
	return u, nil
}

func (u *Uring) failSetup(err error) error {
	_ = u.arena.Destroy()
	_ = u.ring.Close()
	return err
}

// pushOpenAndRead queues a linked open+read pair. Opening into a registered
// file slot means the read can name the slot before the open completes; the
// open's completion is suppressed on success, so it only ever surfaces as
// an error.
func (u *Uring) pushOpenAndRead(i int) error {
	err := u.ring.Push(uring.SQE{
		Opcode:    uring.OpOpenat,
		Flags:     uring.FlagIOLink | uring.FlagCQESkipSuccess,
		FD:        unix.AT_FDCWD,
		Addr:      uint64(uintptr(unsafe.Pointer(&u.paths[i][0]))),
		OpFlags:   uint32(unix.O_RDONLY),
		FileIndex: uint32(i + 1), // fixed-file slots are 1-based here
		UserData:  encodeTag(i, opOpen),
	})
	if err != nil {
		return err
	}
	u.openFiles++
	return u.pushRead(i, arena.BucketA)
}

// pushRead queues the next read for a source into the given bucket, past
// whatever carry occupies the bucket's front.
func (u *Uring) pushRead(i int, bucket arena.Bucket) error {
	s := &u.src[i]
	span := u.terr.Span(i, bucket)
	bufs := u.arena.Buffers()
	err := u.ring.Push(uring.SQE{
		Opcode:   uring.OpReadFixed,
		Flags:    uring.FlagFixedFile,
		FD:       int32(i),
		Addr:     uint64(uintptr(unsafe.Pointer(&bufs[span.Start+s.carry]))),
		Len:      uint32(span.Size() - s.carry),
		Off:      uint64(s.bytesRead),
		BufIndex: 0,
		UserData: encodeTag(i, readOp(bucket)),
	})
	if err != nil {
		return err
	}
	s.reading = true
	s.inFlight = bucket
	s.inFlightStart = span.Start
	return nil
}

// handleCQE dispatches one completion.
func (u *Uring) handleCQE(cqe uring.CQE) error {
	file, op := decodeTag(cqe.UserData)
	switch op {
	case opOpen:
		// Success is suppressed; if the link broke anyway, just move on.
		if cqe.Res < 0 {
			return fault.Inputf(uring.Errno(cqe.Res), "open %s through ring", u.names[file])
		}
		return nil
	case opCancel:
		return nil
	case opWrite:
		w, ok := u.writes[uint32(file)]
		if !ok {
			return fault.Softwaref(nil, "match write completion %d", file)
		}
		delete(u.writes, uint32(file))
		u.pendingWrites--
		if cqe.Res < 0 {
			return fault.IOf(uring.Errno(cqe.Res), "write %d slices to output", len(w.iovs))
		}
		if w.written != nil {
			*w.written += int64(cqe.Res)
		}
		return nil
	}

	s := &u.src[file]
	if cqe.Res == -int32(syscall.ECANCELED) {
		s.reading = false
		return nil
	}
	if cqe.Res < 0 {
		return fault.IOf(uring.Errno(cqe.Res),
			"read up to %d bytes from %s through ring",
			u.terr.Size(file, bucketOf(op)), u.names[file])
	}
	s.reading = false
	s.bytesRead += int64(cqe.Res)
	if cqe.Res == 0 {
		s.eof = true
		u.openFiles--
		if s.carry > 0 {
			// the carry already sits at the bucket's front: deliver it
			// as the final loan
			s.pending = true
			s.pendingBuf = bucketOf(op)
			s.pendingStart = s.inFlightStart
			s.pendingLen = s.carry
			s.carry = 0
		}
		return nil
	}
	s.pending = true
	s.pendingBuf = bucketOf(op)
	s.pendingStart = s.inFlightStart
	s.pendingLen = s.carry + int(cqe.Res)
	s.carry = 0
	return nil
}

// drain consumes every available completion. It reports whether any were
// seen.
func (u *Uring) drain() (bool, error) {
	any := false
	for {
		cqe, ok := u.ring.PopCQE()
		if !ok {
			return any, nil
		}
		any = true
		if err := u.handleCQE(cqe); err != nil {
			return any, err
		}
	}
}

func (u *Uring) Next(file int) ([]byte, error) {
	s := &u.src[file]
	if s.loaned {
		return nil, fault.Softwaref(nil, "hand out a second loan for %s", u.names[file])
	}
	for {
		if s.pending {
			s.pending = false
			s.loaned = true
			s.lastBucket = s.pendingBuf
			return u.arena.Buffers()[s.pendingStart : s.pendingStart+s.pendingLen], nil
		}
		if s.eof || s.closed {
			return nil, nil
		}
		if _, err := u.drain(); err != nil {
			return nil, err
		}
		if s.pending || s.eof {
			continue
		}
		// submit anything queued and sleep for at least one completion
		if _, err := u.ring.Submit(1); err != nil {
			return nil, err
		}
	}
}

func (u *Uring) Return(file int, carry []byte) error {
	s := &u.src[file]
	if !s.loaned {
		return fault.Softwaref(nil, "return a loan %s never handed out", u.names[file])
	}
	s.loaned = false
	if s.eof || s.closed {
		return nil
	}
	next := otherBucket(s.lastBucket)
	span := u.terr.Span(file, next)
	if len(carry) >= span.Size() {
		return fault.Softwaref(nil, "carry a partial line as long as the buffer of %s", u.names[file])
	}
	if len(carry) > 0 {
		copy(u.arena.Buffers()[span.Start:span.End], carry)
	}
	s.carry = len(carry)
	if err := u.pushRead(file, next); err != nil {
		return err
	}
	// non-blocking enter so the kernel starts the read now
	_, err := u.ring.Submit(0)
	return err
}

func (u *Uring) WriteAndReturn(file int, slices [][]byte, written *int64) error {
	iovs := make([]syscall.Iovec, 0, len(slices))
	for _, s := range slices {
		if len(s) == 0 {
			continue
		}
		var iov syscall.Iovec
		iov.Base = &s[0]
		iov.SetLen(len(s))
		iovs = append(iovs, iov)
	}
	if len(iovs) == 0 {
		if file >= 0 {
			return u.Return(file, nil)
		}
		return nil
	}
	id := u.nextWriteID
	u.nextWriteID++
	u.writes[id] = &queuedWrite{iovs: iovs, written: written}
	u.pendingWrites++

	flags := uint8(0)
	if file >= 0 {
		flags = uring.FlagIOLink // the follow-up read waits for the write
	}
	err := u.ring.Push(uring.SQE{
		Opcode:   uring.OpWritev,
		Flags:    flags,
		FD:       int32(u.outFD),
		Addr:     uint64(uintptr(unsafe.Pointer(&iovs[0]))),
		Len:      uint32(len(iovs)),
		Off:      ^uint64(0), // current file position
		UserData: encodeTag(int(id), opWrite),
	})
	if err != nil {
		return err
	}
	if file >= 0 {
		s := &u.src[file]
		if !s.loaned {
			return fault.Softwaref(nil, "return a loan %s never handed out", u.names[file])
		}
		s.loaned = false
		s.carry = 0
		if !s.eof && !s.closed {
			// reuse the just-written bucket once the linked write is done
			if err := u.pushRead(file, s.lastBucket); err != nil {
				return err
			}
		}
	}
	_, err = u.ring.Submit(0)
	return err
}

func (u *Uring) WaitForWrite(now bool) error {
	if !now {
		// completions are collected during the next read wait anyway
		return nil
	}
	for u.pendingWrites > 0 {
		any, err := u.drain()
		if err != nil {
			return err
		}
		if any {
			continue
		}
		if _, err := u.ring.Submit(1); err != nil {
			return err
		}
	}
	return nil
}

// CloseFile cancels the source's in-flight read, waits for the cancellation
// to land, and only then donates the source's two buckets to its right
// neighbor, so the kernel never reads into memory that changed owners.
func (u *Uring) CloseFile(file int) error {
	s := &u.src[file]
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = false
	if !s.eof {
		u.openFiles--
		s.eof = true
	}
	if s.reading {
		err := u.ring.Push(uring.SQE{
			Opcode:   uring.OpAsyncCancel,
			Addr:     encodeTag(file, readOp(s.inFlight)),
			UserData: encodeTag(file, opCancel),
		})
		if err != nil {
			return err
		}
		for s.reading {
			any, err := u.drain()
			if err != nil {
				return err
			}
			if any {
				continue
			}
			if _, err := u.ring.Submit(1); err != nil {
				return err
			}
		}
		s.pending = false
	}
	return u.terr.Donate(file)
}

func (u *Uring) Tail() []byte { return u.arena.Tail() }

func (u *Uring) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	err := u.WaitForWrite(true)
	if cerr := u.ring.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if derr := u.arena.Destroy(); derr != nil && err == nil {
		err = derr
	}
	return err
}
