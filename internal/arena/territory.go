package arena

import (
	"fmt"

	"github.com/google/btree"
)

// Bucket selects one of a source's two read buffers: one can be loaned out
// while the next read fills the other.
type Bucket int

const (
	BucketA Bucket = iota
	BucketB
)

// Span is a half-open range of the registered buffer region owned by one
// source's bucket.
type Span struct {
	Start  int // inclusive
	End    int // exclusive
	Source int
	Bucket Bucket
}

func (s Span) Size() int { return s.End - s.Start }

func (s Span) String() string {
	return fmt.Sprintf("[%d, %d) src %d bucket %d", s.Start, s.End, s.Source, s.Bucket)
}

// Territory tracks ownership of the read-buffer region. The initial layout
// places all A buckets first and all B buckets after them, so a source's
// buckets are each left-adjacent to its right neighbor's: donating a closed
// source's memory to source i+1 merges adjacent spans and never moves bytes.
type Territory struct {
	byStart *btree.BTreeG[Span]
	spans   []Span // indexed [source] then [source+n] for bucket B
	n       int
	perBuf  int
}

// NewTerritory partitions 2*n*perBuf bytes into n A spans followed by n B
// spans.
func NewTerritory(n, perBuf int) *Territory {
	t := &Territory{
		byStart: btree.NewG[Span](8, func(a, b Span) bool { return a.Start < b.Start }),
		spans:   make([]Span, 2*n),
		n:       n,
		perBuf:  perBuf,
	}
	for i := 0; i < n; i++ {
		a := Span{Start: i * perBuf, End: (i + 1) * perBuf, Source: i, Bucket: BucketA}
		b := Span{Start: (n + i) * perBuf, End: (n + i + 1) * perBuf, Source: i, Bucket: BucketB}
		t.spans[i] = a
		t.spans[n+i] = b
		t.byStart.ReplaceOrInsert(a)
		t.byStart.ReplaceOrInsert(b)
	}
	return t
}

// Span returns the current extent of one source's bucket. A donated-away
// source has zero-size spans.
func (t *Territory) Span(source int, bucket Bucket) Span {
	if bucket == BucketA {
		return t.spans[source]
	}
	return t.spans[t.n+source]
}

// Size returns how many bytes one source's bucket currently owns.
func (t *Territory) Size(source int, bucket Bucket) int {
	return t.Span(source, bucket).Size()
}

// Donate transfers a closed source's buckets to source+1, growing the
// neighbor's spans leftward over the freed, adjacent memory. The last
// source has no right neighbor; its memory simply goes idle (source 0's
// buffers are never donated leftward either, for the same reason: spans
// only merge with the neighbor they touch on the initial layout).
func (t *Territory) Donate(source int) error {
	if source < 0 || source >= t.n {
		return fmt.Errorf("donate: source %d out of range", source)
	}
	if source == t.n-1 {
		return t.retire(source)
	}
	for _, bucket := range []Bucket{BucketA, BucketB} {
		from := t.Span(source, bucket)
		to := t.Span(source+1, bucket)
		if from.Size() == 0 {
			continue // already donated
		}
		if from.End != to.Start {
			return fmt.Errorf("donate: %v not adjacent to %v", from, to)
		}
		t.byStart.Delete(from)
		t.byStart.Delete(to)
		merged := Span{Start: from.Start, End: to.End, Source: source + 1, Bucket: bucket}
		t.byStart.ReplaceOrInsert(merged)
		t.setSpan(source, bucket, Span{Start: from.Start, End: from.Start, Source: source, Bucket: bucket})
		t.setSpan(source+1, bucket, merged)
	}
	return nil
}

func (t *Territory) retire(source int) error {
	for _, bucket := range []Bucket{BucketA, BucketB} {
		s := t.Span(source, bucket)
		if s.Size() == 0 {
			continue
		}
		t.byStart.Delete(s)
		t.setSpan(source, bucket, Span{Start: s.Start, End: s.Start, Source: source, Bucket: bucket})
	}
	return nil
}

func (t *Territory) setSpan(source int, bucket Bucket, s Span) {
	if bucket == BucketA {
		t.spans[source] = s
	} else {
		t.spans[t.n+source] = s
	}
}

// Covered reports the total bytes currently owned by live spans. Together
// with the ordered span walk it lets tests check that donation neither
// leaks nor double-books memory.
func (t *Territory) Covered() int {
	total := 0
	t.byStart.Ascend(func(s Span) bool {
		total += s.Size()
		return true
	})
	return total
}

// Overlapping reports whether any two live spans overlap.
func (t *Territory) Overlapping() bool {
	prevEnd := -1
	bad := false
	t.byStart.Ascend(func(s Span) bool {
		if s.Start < prevEnd {
			bad = true
			return false
		}
		prevEnd = s.End
		return true
	})
	return bad
}
