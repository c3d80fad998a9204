package sliceheap

// The sequence language drives a heap from a compact string: ',' pushes the
// characters accumulated since the last operator, '-' pushes them too (if
// any) and then pops one entry, and the end of the input pops everything
// that remains. Insertion numbers start at 1 and become the pushed values.
//
// It exists for exercising stability from the command line and from tests;
// see cmd/heapcheck.

// A Sequencer runs sequence strings against a heap and accumulates the pop
// order. It replaces what used to be process-wide output buffers with an
// explicit context value, so concurrent tests don't trample each other.
type Sequencer struct {
	heap *Heap

	// Keys and Values record each pop of the most recent Run, in order.
	Keys   [][]byte
	Values []int
}

// NewSequencer wraps heap. The heap must have storage installed and
// capacity for the longest run of un-popped pushes.
func NewSequencer(heap *Heap) *Sequencer {
	return &Sequencer{heap: heap}
}

// Run executes one sequence string. It drains the heap first, resets the
// recorded output, and returns the highest insertion number used.
// It returns false if a push overflowed the heap.
func (s *Sequencer) Run(input string) (int, bool) {
	for !s.heap.IsEmpty() {
		s.heap.Pop()
	}
	s.Keys = s.Keys[:0]
	s.Values = s.Values[:0]

	data := []byte(input)
	inserted := 0
	start := 0
	for pos := 0; pos < len(data); pos++ {
		switch data[pos] {
		case ',':
			// push the preceding bytes, also when empty
			inserted++
			if !s.heap.Push(data[start:pos], inserted) {
				return inserted, false
			}
			start = pos + 1
		case '-':
			// push the preceding bytes only if there are any
			if start != pos {
				inserted++
				if !s.heap.Push(data[start:pos], inserted) {
					return inserted, false
				}
			}
			s.pop()
			start = pos + 1
		}
	}
	if start != len(data) {
		inserted++
		if !s.heap.Push(data[start:], inserted) {
			return inserted, false
		}
	}
	for !s.heap.IsEmpty() {
		s.pop()
	}
	return inserted, true
}

func (s *Sequencer) pop() {
	value, key := s.heap.Pop()
	s.Keys = append(s.Keys, key)
	s.Values = append(s.Values, value)
}
