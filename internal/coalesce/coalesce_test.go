package coalesce

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tormol/tailmerge/internal/fault"
)

// chunkSink writes at most limit bytes per call, exercising the short-write
// retry path deterministically.
type chunkSink struct {
	buf   bytes.Buffer
	limit int
	calls int
}

func (s *chunkSink) Writev(bufs [][]byte) (int, error) {
	s.calls++
	wrote := 0
	for _, b := range bufs {
		n := len(b)
		if s.limit > 0 && wrote+n > s.limit {
			n = s.limit - wrote
		}
		s.buf.Write(b[:n])
		wrote += n
		if s.limit > 0 && wrote == s.limit {
			break
		}
	}
	return wrote, nil
}

func TestBatch_FlushWritesEverything(t *testing.T) {
	sink := &chunkSink{}
	b := NewBatch(sink, 8)
	require.NoError(t, b.Add([]byte("one ")))
	require.NoError(t, b.Add([]byte("two ")))
	require.NoError(t, b.Add([]byte("three")))
	require.NoError(t, b.Flush())
	assert.Equal(t, "one two three", sink.buf.String())
	assert.Equal(t, int64(13), b.BytesWritten())
	assert.Zero(t, b.Len())
}

func TestBatch_ShortWritesRetried(t *testing.T) {
	sink := &chunkSink{limit: 3}
	b := NewBatch(sink, 8)
	require.NoError(t, b.Add([]byte("abcdefgh")))
	require.NoError(t, b.Add([]byte("ij")))
	require.NoError(t, b.Flush())
	assert.Equal(t, "abcdefghij", sink.buf.String())
	assert.GreaterOrEqual(t, sink.calls, 4, "3-byte chunks need several writes")
}

func TestBatch_AddFlushesWhenFull(t *testing.T) {
	sink := &chunkSink{}
	b := NewBatch(sink, 2)
	require.NoError(t, b.Add([]byte("a")))
	require.NoError(t, b.Add([]byte("b")))
	assert.Equal(t, "", sink.buf.String(), "nothing written until capacity is hit")
	require.NoError(t, b.Add([]byte("c")))
	assert.Equal(t, "ab", sink.buf.String(), "full batch must flush before accepting more")
	require.NoError(t, b.Flush())
	assert.Equal(t, "abc", sink.buf.String())
}

func TestBatch_SkipsEmptySlices(t *testing.T) {
	sink := &chunkSink{}
	b := NewBatch(sink, 4)
	require.NoError(t, b.Add(nil))
	require.NoError(t, b.Add([]byte{}))
	assert.Zero(t, b.Len())
	require.NoError(t, b.Flush())
	assert.Zero(t, sink.calls)
}

type zeroSink struct{}

func (zeroSink) Writev([][]byte) (int, error) { return 0, nil }

func TestBatch_ZeroWriteIsIOFailure(t *testing.T) {
	b := NewBatch(zeroSink{}, 4)
	require.NoError(t, b.Add([]byte("x")))
	err := b.Flush()
	require.Error(t, err)
	assert.Equal(t, fault.ExitIO, fault.ExitCode(err))
}

type failSink struct{ err error }

func (s failSink) Writev([][]byte) (int, error) { return 0, s.err }

func TestBatch_SinkErrorPropagates(t *testing.T) {
	wantErr := errors.New("broken pipe")
	b := NewBatch(failSink{err: wantErr}, 4)
	require.NoError(t, b.Add([]byte("x")))
	err := b.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, fault.ExitIO, fault.ExitCode(err))
}

func TestWriterSink_FirstBufferOnly(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriterSink{W: &buf}.Writev([][]byte{[]byte("ab"), []byte("cd")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "ab", buf.String())
}
