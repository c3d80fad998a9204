package coalesce

import "io"

// WriterSink adapts an io.Writer to the vectored interface for platforms
// without writev and for in-memory tests. It writes the first buffer only;
// Batch's retry loop supplies the rest, which keeps short-write handling on
// one code path.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Writev(bufs [][]byte) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	return s.W.Write(bufs[0])
}
