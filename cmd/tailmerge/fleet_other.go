//go:build !linux

package main

import "github.com/tormol/tailmerge/internal/reader"

// openFleet always uses the blocking fleet off Linux.
func openFleet(files []string, _ bool, bufSize, extraTail int) (reader.Reader, error) {
	return reader.NewBlocking(files,
		reader.WithBufferSize(bufSize),
		reader.WithExtraTail(extraTail),
	)
}
