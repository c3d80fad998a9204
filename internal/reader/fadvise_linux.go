//go:build linux

package reader

import (
	"os"

	"golang.org/x/sys/unix"
)

// fadviseSequential hints that the file will be read front to back.
// Best-effort: errors are ignored.
func fadviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
