//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/reader"
)

// openFleet prefers the io_uring fleet. Compressed inputs and kernels
// without io_uring get the blocking fleet instead; only the latter prints a
// notice, since decompression is a deliberate choice, not a downgrade.
func openFleet(files []string, forceBlocking bool, bufSize, extraTail int) (reader.Reader, error) {
	opts := []reader.Option{
		reader.WithBufferSize(bufSize),
		reader.WithExtraTail(extraTail),
		reader.WithOutputFD(1),
	}
	if !forceBlocking && !anyCompressed(files) {
		r, err := reader.NewUring(files, opts...)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, fault.ErrRingUnsupported) {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "io_uring is not available, falling back to blocking IO.")
	}
	return reader.NewBlocking(files, opts...)
}

func anyCompressed(files []string) bool {
	for _, f := range files {
		if reader.Compressed(f) {
			return true
		}
	}
	return false
}
