// Package fault classifies failures and maps them to process exit codes.
//
// The codes follow sysexits.h so scripts wrapping the CLI can distinguish
// bad invocations from unreadable inputs from real I/O trouble.
package fault

import (
	"errors"
	"fmt"
)

// Exit codes (sysexits.h values).
const (
	ExitOK          = 0
	ExitUsage       = 64 // bad or missing arguments
	ExitNoInput     = 66 // an input file could not be opened
	ExitUnavailable = 69 // out of memory, ring setup or registration failed
	ExitSoftware    = 70 // internal invariant violated
	ExitIO          = 74 // read or write failed
)

// ErrRingUnsupported reports that the kernel has no io_uring support.
// It is the only failure class callers recover from: the blocking
// fleet takes over.
var ErrRingUnsupported = errors.New("io_uring is not available")

// Fault is an error with an associated exit code and a description of the
// operation that failed. Its message renders as "Failed to <desc>: <cause>".
type Fault struct {
	Code int
	Desc string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return "Failed to " + f.Desc
	}
	return "Failed to " + f.Desc + ": " + f.Err.Error()
}

func (f *Fault) Unwrap() error { return f.Err }

// Newf wraps err with an exit code and a formatted description.
func Newf(code int, err error, format string, args ...any) error {
	return &Fault{Code: code, Desc: fmt.Sprintf(format, args...), Err: err}
}

// Inputf marks an open failure (exit 66).
func Inputf(err error, format string, args ...any) error {
	return Newf(ExitNoInput, err, format, args...)
}

// IOf marks a read or write failure (exit 74).
func IOf(err error, format string, args ...any) error {
	return Newf(ExitIO, err, format, args...)
}

// Unavailablef marks a resource failure (exit 69).
func Unavailablef(err error, format string, args ...any) error {
	return Newf(ExitUnavailable, err, format, args...)
}

// Softwaref marks an internal invariant violation (exit 70).
func Softwaref(err error, format string, args ...any) error {
	return Newf(ExitSoftware, err, format, args...)
}

// ExitCode extracts the exit code from an error chain.
// Errors that carry no code are treated as internal (exit 70).
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ExitSoftware
}
