// Package sliceheap implements a bounded min-heap keyed by raw byte slices.
//
// The heap is stable: entries whose keys compare equal are popped in
// insertion order, because ties between equal keys are broken by the value
// (smaller first). Callers
// that interleave pushes and pops keep stability by passing a monotonically
// increasing insertion counter as the value (at most one entry per producer
// may reside in the heap at a time).
//
// Construction is split from storage so the entry array can be carved out of
// a shared arena: New sizes the heap, NeededBytes reports the storage it
// wants, and InstallMemory points it at the backing bytes.
package sliceheap

import (
	"bytes"
	"unsafe"
)

// Entry is one heap element: a borrowed key slice and a small integer value.
// The key must stay valid (and unmodified) for as long as the entry resides
// in the heap; the heap never copies key bytes.
type Entry struct {
	Key   []byte
	Value int
}

var entrySize = int(unsafe.Sizeof(Entry{}))

// Heap is a fixed-capacity byte-slice min-heap. The zero value is unusable;
// create one with New and install storage before pushing.
type Heap struct {
	entries  []Entry
	mem      []byte // installed storage, retained so Memory can hand it back
	length   int
	capacity int
}

// New returns a heap descriptor without storage. capacity is the maximum
// number of resident entries; the heap never grows past it.
func New(capacity int) *Heap {
	return &Heap{capacity: capacity}
}

// NeededBytes reports how much memory InstallMemory requires.
func (h *Heap) NeededBytes() int {
	return h.capacity * entrySize
}

// InstallMemory points the heap at its backing storage, which must be at
// least NeededBytes long. The heap views the bytes as its entry array; any
// previous contents are ignored. Keys pushed later must point to memory the
// caller keeps alive, since storage carved from an arena is invisible to the
// garbage collector.
func (h *Heap) InstallMemory(mem []byte) {
	if len(mem) < h.NeededBytes() {
		panic("sliceheap: installed memory smaller than NeededBytes")
	}
	h.mem = mem
	if h.capacity == 0 {
		h.entries = nil
		return
	}
	h.entries = unsafe.Slice((*Entry)(unsafe.Pointer(&mem[0])), h.capacity)
	for i := range h.entries {
		h.entries[i] = Entry{}
	}
	h.length = 0
}

// Memory returns the installed storage, so the owner of a shared arena can
// account for it on teardown.
func (h *Heap) Memory() []byte { return h.mem }

// IsEmpty reports whether the heap holds no entries.
func (h *Heap) IsEmpty() bool { return h.length == 0 }

// Len reports the number of resident entries.
func (h *Heap) Len() int { return h.length }

// Compare orders two keys: lexicographic over the shorter length, with the
// shorter slice first on a shared prefix ("app" precedes "apple").
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// less orders entries by key, breaking ties on the value so that equal keys
// pop in ascending value order.
func less(a, b *Entry) bool {
	if c := Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Value < b.Value
}

// Push inserts a key/value pair. It returns false when the heap is full.
func (h *Heap) Push(key []byte, value int) bool {
	if h.length == h.capacity {
		return false
	}
	e := h.entries
	i := h.length
	e[i] = Entry{Key: key, Value: value}
	h.length++

	for i > 0 {
		parent := (i - 1) / 2
		// Stop unless strictly smaller: equal keys are ordered by value,
		// which is what makes the heap stable.
		if !less(&e[i], &e[parent]) {
			break
		}
		e[i], e[parent] = e[parent], e[i]
		i = parent
	}
	return true
}

// Pop removes the smallest entry, returning its value and key.
// On an empty heap it returns -1 and a nil key.
func (h *Heap) Pop() (int, []byte) {
	if h.length == 0 {
		return -1, nil
	}
	e := h.entries
	top := e[0]

	h.length--
	e[0] = e[h.length]
	e[h.length] = Entry{}

	i := 0
	for {
		left := 2*i + 1
		right := left + 1
		// Compare the two children first and sift toward the strictly
		// smaller one; comparing each child against the parent
		// independently can oscillate on equal siblings.
		if right < h.length &&
			less(&e[right], &e[left]) &&
			less(&e[right], &e[i]) {
			e[i], e[right] = e[right], e[i]
			i = right
			continue
		}
		if left < h.length && less(&e[left], &e[i]) {
			e[i], e[left] = e[left], e[i]
			i = left
			continue
		}
		break
	}
	return top.Value, top.Key
}

// Peek returns the smallest entry's key without removing it, or nil when
// the heap is empty.
func (h *Heap) Peek() []byte {
	if h.length == 0 {
		return nil
	}
	return h.entries[0].Key
}
