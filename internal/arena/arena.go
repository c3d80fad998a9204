// Package arena manages the program's single contiguous allocation.
//
// One anonymous mapping is carved, in order, into the kernel-registered read
// buffers (two per source), an extra registered area for the caller, and an
// unregistered tail for bookkeeping (heap entries, counters). Destroying the
// arena unmaps everything at once.
//
// The package also tracks which source owns which part of the registered
// region (see Territory), so a closing source's buffers can be donated to
// its right neighbor.
package arena

import (
	"github.com/edsrzf/mmap-go"

	"github.com/tormol/tailmerge/internal/fault"
)

// Arena is one anonymous mapping split into a registered region and an
// unregistered tail.
type Arena struct {
	mem        mmap.MMap
	registered int
	extraReg   int
	tailOff    int
}

// New maps bufferBytes+extraRegistered bytes of kernel-registrable memory
// followed by extraOther unregistered bytes. All sizes may be zero. The
// tail starts 8-aligned so fixed-size records can be carved from it.
func New(bufferBytes, extraRegistered, extraOther int) (*Arena, error) {
	registered := bufferBytes + extraRegistered
	tailOff := (registered + 7) &^ 7
	total := tailOff + extraOther
	mem, err := mmap.MapRegion(nil, total, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fault.Unavailablef(err, "map %dKiB of buffers", total/1024)
	}
	return &Arena{mem: mem, registered: registered, extraReg: extraRegistered, tailOff: tailOff}, nil
}

// Registered returns the whole region to register with the kernel: the read
// buffers plus the caller's extra registered area.
func (a *Arena) Registered() []byte { return a.mem[:a.registered] }

// Buffers returns the read-buffer part of the registered region.
func (a *Arena) Buffers() []byte { return a.mem[:a.registered-a.extraReg] }

// ExtraRegistered returns the caller's registered area, directly after the
// read buffers.
func (a *Arena) ExtraRegistered() []byte {
	return a.mem[a.registered-a.extraReg : a.registered]
}

// Tail returns the unregistered bookkeeping area.
func (a *Arena) Tail() []byte { return a.mem[a.tailOff:] }

// Destroy unmaps the arena. All slices into it become invalid.
func (a *Arena) Destroy() error {
	if a.mem == nil {
		return nil
	}
	err := a.mem.Unmap()
	a.mem = nil
	if err != nil {
		return fault.Softwaref(err, "free buffer memory")
	}
	return nil
}
