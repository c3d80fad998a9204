//go:build unix

package coalesce

import "golang.org/x/sys/unix"

// FDSink writes to an explicit file descriptor with writev. The descriptor
// is pinned at construction so tests (and the CLI) always state where the
// merged stream goes.
type FDSink struct {
	FD int
}

func (s FDSink) Writev(bufs [][]byte) (int, error) {
	return unix.Writev(s.FD, bufs)
}
