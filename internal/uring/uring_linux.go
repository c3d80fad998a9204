//go:build linux

// Package uring is a minimal io_uring wrapper shaped for this program: a
// restricted ring with registered files and one registered buffer region,
// driven by raw Linux syscalls (425–427) and typed views into the shared
// ring mappings.
//
// The submission and completion queues are modeled as separate
// append-at-tail / consume-at-head rings; the only fences are a release
// store when publishing the submission tail and an acquire load when
// reading the completion tail, the kernel provides the cross-domain
// barrier.
//
// The current Go garbage collector is non-moving, so buffer addresses
// handed to the kernel stay put as long as the caller keeps the backing
// memory alive. Revisit if Go ever adopts a moving collector.
package uring

import (
	"errors"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/tormol/tailmerge/internal/fault"
)

// Linux syscall numbers (shared by amd64 and arm64).
const (
	sysSetup    = 425
	sysEnter    = 426
	sysRegister = 427
)

// Setup flags, features, and mmap offsets from linux/io_uring.h.
const (
	SetupCQSize      uint32 = 1 << 3 // IORING_SETUP_CQSIZE
	SetupRDisabled   uint32 = 1 << 6 // IORING_SETUP_R_DISABLED
	SetupSubmitAll   uint32 = 1 << 7 // IORING_SETUP_SUBMIT_ALL
	SetupCoopTaskrun uint32 = 1 << 8 // IORING_SETUP_COOP_TASKRUN

	featSingleMMap uint32 = 1 << 0 // IORING_FEAT_SINGLE_MMAP

	offSQRing uint64 = 0x0        // IORING_OFF_SQ_RING
	offCQRing uint64 = 0x8000000  // IORING_OFF_CQ_RING
	offSQEs   uint64 = 0x10000000 // IORING_OFF_SQES

	enterGetEvents uint32 = 1 // IORING_ENTER_GETEVENTS
)

// Opcodes and SQE flags.
const (
	OpReadFixed   uint8 = 4  // IORING_OP_READ_FIXED
	OpAsyncCancel uint8 = 14 // IORING_OP_ASYNC_CANCEL
	OpOpenat      uint8 = 18 // IORING_OP_OPENAT
	OpWritev      uint8 = 2  // IORING_OP_WRITEV

	FlagFixedFile      uint8 = 1 << 0 // IOSQE_FIXED_FILE
	FlagIOLink         uint8 = 1 << 2 // IOSQE_IO_LINK
	FlagCQESkipSuccess uint8 = 1 << 6 // IOSQE_CQE_SKIP_SUCCESS
)

// Register opcodes and restriction kinds.
const (
	regBuffers      uint32 = 0  // IORING_REGISTER_BUFFERS
	regFiles        uint32 = 2  // IORING_REGISTER_FILES
	regRestrictions uint32 = 11 // IORING_REGISTER_RESTRICTIONS
	regEnableRings  uint32 = 12 // IORING_REGISTER_ENABLE_RINGS

	RestrictionSQEOp           uint16 = 1 // IORING_RESTRICTION_SQE_OP
	RestrictionSQEFlagsAllowed uint16 = 2 // IORING_RESTRICTION_SQE_FLAGS_ALLOWED
)

// params mirrors struct io_uring_params (120 bytes).
type params struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqRingOffsets
	cqOff        cqRingOffsets
}

// sqRingOffsets mirrors struct io_sqring_offsets (40 bytes).
type sqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

// cqRingOffsets mirrors struct io_cqring_offsets (40 bytes).
type cqRingOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	userAddr    uint64
}

// SQE mirrors struct io_uring_sqe (64 bytes). Field names follow the
// kernel's; FileIndex is the install slot + 1 for openat-to-fixed-table.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	FD          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32 // rw_flags / open_flags / cancel_flags union
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	FileIndex   uint32
	addr3       uint64
	pad         uint64
}

// CQE mirrors struct io_uring_cqe (16 bytes).
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Restriction mirrors struct io_uring_restriction (16 bytes). Arg is the
// kernel's union: an opcode byte for SQE-op restrictions, a flag mask for
// flag restrictions.
type Restriction struct {
	Opcode uint16
	Arg    uint8
	_      uint8
	_      [3]uint32
}

// Ring owns one io_uring instance and its three (or two) mappings.
type Ring struct {
	fd        int
	p         params
	sqMem     []byte
	cqMem     []byte // aliases sqMem when the kernel offers a single mapping
	sqesMem   []byte
	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   uintptr
	cqHead    *uint32
	cqTail    *uint32
	cqMask    uint32
	cqBase    uintptr
	sqesBase  uintptr
	localTail uint32
	toSubmit  int
}

// Setup creates a disabled, restricted-capable ring with entries SQEs and
// CQEs. It reports fault.ErrRingUnsupported when the kernel lacks io_uring,
// and retries without the newer setup flags when the kernel predates them.
func Setup(entries uint32) (*Ring, error) {
	flags := SetupCQSize | SetupRDisabled | SetupSubmitAll | SetupCoopTaskrun
	for {
		ring, err := setup(entries, flags)
		if err == nil {
			return ring, nil
		}
		var f *fault.Fault
		if errors.As(err, &f) {
			return nil, err // the mmap stage already classified it
		}
		if err == syscall.ENOSYS {
			return nil, fault.ErrRingUnsupported
		}
		// COOP_TASKRUN is 5.19+, SUBMIT_ALL 5.18+; shed them in turn.
		if err == syscall.EINVAL && flags&SetupCoopTaskrun != 0 {
			flags &^= SetupCoopTaskrun
			continue
		}
		if err == syscall.EINVAL && flags&SetupSubmitAll != 0 {
			flags &^= SetupSubmitAll
			continue
		}
		return nil, fault.Unavailablef(err, "create ring of %d entries", entries)
	}
}

func setup(entries uint32, flags uint32) (*Ring, error) {
	p := params{flags: flags, cqEntries: entries}
	rfd, _, errno := syscall.Syscall(sysSetup, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, errno
	}
	r := &Ring{fd: int(rfd), p: p}

	sqSize := int(p.sqOff.array) + int(p.sqEntries)*4
	cqSize := int(p.cqOff.cqes) + int(p.cqEntries)*int(unsafe.Sizeof(CQE{}))
	if p.features&featSingleMMap != 0 {
		if cqSize > sqSize {
			sqSize = cqSize
		}
	}

	sqMem, err := mmapRing(r.fd, sqSize, offSQRing)
	if err != nil {
		_ = syscall.Close(r.fd)
		return nil, fault.Unavailablef(err, "map submission queue of %d bytes", sqSize)
	}
	r.sqMem = sqMem

	r.cqMem = sqMem
	if p.features&featSingleMMap == 0 {
		cqMem, err := mmapRing(r.fd, cqSize, offCQRing)
		if err != nil {
			_ = unmapRing(sqMem)
			_ = syscall.Close(r.fd)
			return nil, fault.Unavailablef(err, "map completion queue of %d bytes", cqSize)
		}
		r.cqMem = cqMem
	}

	sqesSize := int(p.sqEntries) * int(unsafe.Sizeof(SQE{}))
	sqesMem, err := mmapRing(r.fd, sqesSize, offSQEs)
	if err != nil {
		r.unmapAll()
		_ = syscall.Close(r.fd)
		return nil, fault.Unavailablef(err, "map submission entries of %d bytes", sqesSize)
	}
	r.sqesMem = sqesMem

	r.sqHead = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&sqMem[p.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&sqMem[p.sqOff.ringMask]))
	r.sqArray = uintptr(unsafe.Pointer(&sqMem[p.sqOff.array]))
	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqMem[p.cqOff.ringMask]))
	r.cqBase = uintptr(unsafe.Pointer(&r.cqMem[p.cqOff.cqes]))
	r.sqesBase = uintptr(unsafe.Pointer(&sqesMem[0]))
	r.localTail = atomic.LoadUint32(r.sqTail)
	return r, nil
}

// Entries reports the submission queue size granted by the kernel.
func (r *Ring) Entries() uint32 { return r.p.sqEntries }

// RestrictOps limits the ring to the given opcodes and SQE flags. Must run
// before Enable on a ring created disabled.
func (r *Ring) RestrictOps(ops []uint8, sqeFlags uint8) error {
	res := make([]Restriction, 0, len(ops)+1)
	res = append(res, Restriction{Opcode: RestrictionSQEFlagsAllowed, Arg: sqeFlags})
	for _, op := range ops {
		res = append(res, Restriction{Opcode: RestrictionSQEOp, Arg: op})
	}
	if err := r.register(regRestrictions, unsafe.Pointer(&res[0]), uint32(len(res))); err != nil {
		return fault.Unavailablef(err, "restrict IO operations")
	}
	return nil
}

// RegisterSparseFiles installs an n-slot fixed-file table of empty slots
// for openat to fill.
func (r *Ring) RegisterSparseFiles(n int) error {
	fds := make([]int32, n)
	for i := range fds {
		fds[i] = -1
	}
	if err := r.register(regFiles, unsafe.Pointer(&fds[0]), uint32(n)); err != nil {
		return fault.Unavailablef(err, "register %d fds", n)
	}
	return nil
}

// RegisterBuffer registers region as fixed buffer 0 for read-fixed.
func (r *Ring) RegisterBuffer(region []byte) error {
	iov := syscall.Iovec{Base: &region[0]}
	iov.SetLen(len(region))
	if err := r.register(regBuffers, unsafe.Pointer(&iov), 1); err != nil {
		return fault.Unavailablef(err, "register an already allocated buffer of %dKiB", len(region)/1024)
	}
	return nil
}

// Enable activates a ring created with SetupRDisabled.
func (r *Ring) Enable() error {
	if err := r.register(regEnableRings, nil, 0); err != nil {
		return fault.Unavailablef(err, "enable the ring")
	}
	return nil
}

func (r *Ring) register(opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := syscall.Syscall6(sysRegister, uintptr(r.fd), uintptr(opcode),
		uintptr(arg), uintptr(nrArgs), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Push appends one SQE at the tail and publishes it. It flushes the queue
// to the kernel first if the ring is full.
func (r *Ring) Push(sqe SQE) error {
	head := atomic.LoadUint32(r.sqHead)
	if r.localTail-head >= r.p.sqEntries {
		if _, err := r.Submit(0); err != nil {
			return err
		}
	}
	idx := r.localTail & r.sqMask
	slot := (*SQE)(unsafe.Pointer(r.sqesBase + uintptr(idx)*unsafe.Sizeof(SQE{})))
	*slot = sqe
	arrayElem := (*uint32)(unsafe.Pointer(r.sqArray + uintptr(idx)*4))
	*arrayElem = idx
	r.localTail++
	// Release so the kernel observes the SQE before the new tail.
	atomic.StoreUint32(r.sqTail, r.localTail)
	r.toSubmit++
	return nil
}

// Pending reports how many pushed SQEs await submission.
func (r *Ring) Pending() int { return r.toSubmit }

// Submit hands pending SQEs to the kernel, waiting for at least waitFor
// completions. With nothing pending and waitFor > 0 it still enters to
// wait. It loops until every pending SQE has been consumed.
func (r *Ring) Submit(waitFor uint32) (int, error) {
	var flags uint32
	if waitFor != 0 {
		flags = enterGetEvents
	}
	submitted := 0
	for {
		n, _, errno := syscall.Syscall6(sysEnter, uintptr(r.fd),
			uintptr(r.toSubmit), uintptr(waitFor), uintptr(flags), 0, 0)
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return submitted, fault.Softwaref(errno, "submit %d ring entries", r.toSubmit)
		}
		r.toSubmit -= int(n)
		submitted += int(n)
		if r.toSubmit <= 0 {
			return submitted, nil
		}
		// SUBMIT_ALL kernels drain in one call; older ones may stop at a
		// bad SQE, so keep pushing the remainder.
		waitFor, flags = 0, 0
	}
}

// PopCQE consumes one completion if available.
func (r *Ring) PopCQE() (CQE, bool) {
	head := atomic.LoadUint32(r.cqHead)
	// Acquire pairs with the kernel's release of the tail.
	tail := atomic.LoadUint32(r.cqTail)
	if head == tail {
		return CQE{}, false
	}
	cqe := *(*CQE)(unsafe.Pointer(r.cqBase + uintptr(head&r.cqMask)*unsafe.Sizeof(CQE{})))
	// Release the slot back to the kernel.
	atomic.StoreUint32(r.cqHead, head+1)
	return cqe, true
}

// Close releases the ring's mappings and descriptor.
func (r *Ring) Close() error {
	r.unmapAll()
	if err := syscall.Close(r.fd); err != nil {
		return fault.Softwaref(err, "close ring")
	}
	return nil
}

func (r *Ring) unmapAll() {
	if r.sqesMem != nil {
		_ = unmapRing(r.sqesMem)
		r.sqesMem = nil
	}
	if r.cqMem != nil && (r.sqMem == nil || &r.cqMem[0] != &r.sqMem[0]) {
		_ = unmapRing(r.cqMem)
	}
	r.cqMem = nil
	if r.sqMem != nil {
		_ = unmapRing(r.sqMem)
		r.sqMem = nil
	}
}

func mmapRing(fd, size int, offset uint64) ([]byte, error) {
	addr, _, errno := syscall.Syscall6(syscall.SYS_MMAP, 0, uintptr(size),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE,
		uintptr(fd), uintptr(offset))
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func unmapRing(b []byte) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP,
		uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Errno converts a negative CQE result to the matching error.
func Errno(res int32) error {
	if res >= 0 {
		return nil
	}
	return syscall.Errno(-res)
}
