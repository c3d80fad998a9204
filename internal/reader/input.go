package reader

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/tormol/tailmerge/internal/fault"
)

// input is one opened source: the file itself, plus a decompressor in front
// of it when the name says the content is compressed.
type input struct {
	io.Reader
	closers []func() error
}

func (in *input) Close() error {
	var firstErr error
	for _, c := range in.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openInput opens name for sequential reading. Log archives rot into
// compressed files, so *.gz and *.zst are read through their decompressors.
func openInput(name string) (*input, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fault.Inputf(err, "open %s", name)
	}
	fadviseSequential(f)

	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fault.Inputf(err, "open %s as gzip", name)
		}
		return &input{Reader: gz, closers: []func() error{gz.Close, f.Close}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return nil, fault.Inputf(err, "open %s as zstd", name)
		}
		return &input{
			Reader: zr,
			closers: []func() error{func() error {
				zr.Close()
				return nil
			}, f.Close},
		}, nil
	default:
		return &input{Reader: f, closers: []func() error{f.Close}}, nil
	}
}

// Compressed reports whether name selects a decompressing open, which only
// the blocking fleet supports: the ring's fixed-buffer reads hand out raw
// file bytes.
func Compressed(name string) bool {
	return strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".zst")
}
