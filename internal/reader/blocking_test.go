package reader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tormol/tailmerge/internal/coalesce"
	"github.com/tormol/tailmerge/internal/fault"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestBlocking_LoanCycle(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("hello\nworld\n"))

	b, err := NewBlocking([]string{path})
	require.NoError(t, err)
	defer b.Close()

	loan, err := b.Next(0)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(loan))

	require.NoError(t, b.Return(0, nil))

	loan, err = b.Next(0)
	require.NoError(t, err)
	assert.Empty(t, loan, "second read must report end of file")
}

func TestBlocking_CarryPreservedAcrossLoans(t *testing.T) {
	dir := t.TempDir()
	// a buffer of 8 means loans of at most 16 (double for carry headroom);
	// force several refills
	content := []byte("abcdef\nghijkl\nmnopqr\nstuvwx\n")
	path := writeFile(t, dir, "a.txt", content)

	b, err := NewBlocking([]string{path}, WithBufferSize(8))
	require.NoError(t, err)
	defer b.Close()

	var got []byte
	var carry []byte
	for {
		loan, err := b.Next(0)
		require.NoError(t, err)
		if len(loan) == 0 {
			break
		}
		assert.True(t, bytes.HasPrefix(loan, carry),
			"loan must start with the returned carry")
		got = append(got, loan[len(carry):]...)

		// hand back everything after the last newline, keeping a copy to
		// compare against the next loan
		i := bytes.LastIndexByte(loan, '\n')
		require.GreaterOrEqual(t, i, 0)
		carry = append(carry[:0], loan[i+1:]...)
		require.NoError(t, b.Return(0, loan[i+1:]))
	}
	assert.Equal(t, string(content), string(got))
}

func TestBlocking_SecondLoanWithoutReturnFails(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x\n"))

	b, err := NewBlocking([]string{path})
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Next(0)
	require.NoError(t, err)
	_, err = b.Next(0)
	require.Error(t, err)
	assert.Equal(t, fault.ExitSoftware, fault.ExitCode(err))
}

func TestBlocking_OpenFailure(t *testing.T) {
	_, err := NewBlocking([]string{"/no/such/file/anywhere"})
	require.Error(t, err)
	assert.Equal(t, fault.ExitNoInput, fault.ExitCode(err))
}

func TestBlocking_GzipInput(t *testing.T) {
	dir := t.TempDir()
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, err := gz.Write([]byte("packed\nlines\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	path := writeFile(t, dir, "a.txt.gz", compressed.Bytes())

	require.True(t, Compressed(path))

	b, err := NewBlocking([]string{path})
	require.NoError(t, err)
	defer b.Close()

	loan, err := b.Next(0)
	require.NoError(t, err)
	assert.Equal(t, "packed\nlines\n", string(loan))
}

func TestBlocking_WriteAndReturn(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("payload\n"))

	var out bytes.Buffer
	b, err := NewBlocking([]string{path}, WithOutput(coalesce.WriterSink{W: &out}))
	require.NoError(t, err)
	defer b.Close()

	loan, err := b.Next(0)
	require.NoError(t, err)

	var written int64
	require.NoError(t, b.WriteAndReturn(0, [][]byte{loan}, &written))
	assert.Equal(t, int64(8), written)
	assert.Equal(t, "payload\n", out.String())

	// the loan is back: the next cycle works
	loan, err = b.Next(0)
	require.NoError(t, err)
	assert.Empty(t, loan)
}

func TestBlocking_EOFWithCarryDeliversCarry(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("ab\ncd")) // no trailing newline

	b, err := NewBlocking([]string{path}, WithBufferSize(4))
	require.NoError(t, err)
	defer b.Close()

	loan, err := b.Next(0)
	require.NoError(t, err)
	require.True(t, len(loan) > 0)

	// keep only the unterminated tail
	i := bytes.LastIndexByte(loan, '\n')
	require.GreaterOrEqual(t, i, 0)
	require.NoError(t, b.Return(0, loan[i+1:]))

	// EOF with a pending carry: the carry is the final loan
	loan, err = b.Next(0)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(loan))
	require.NoError(t, b.Return(0, nil))

	loan, err = b.Next(0)
	require.NoError(t, err)
	assert.Empty(t, loan)
}

func TestBlocking_TailReservation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", []byte("x\n"))

	b, err := NewBlocking([]string{path}, WithExtraTail(96))
	require.NoError(t, err)
	defer b.Close()
	assert.Len(t, b.Tail(), 96)
}
