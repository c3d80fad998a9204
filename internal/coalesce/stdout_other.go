//go:build !unix

package coalesce

import "os"

// Stdout returns the standard-output sink.
func Stdout() Sink {
	return WriterSink{W: os.Stdout}
}
