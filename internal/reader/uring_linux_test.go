//go:build linux

package reader

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tormol/tailmerge/internal/arena"
	"github.com/tormol/tailmerge/internal/fault"
)

// newUringOrSkip skips the test on kernels (or sandboxes) that reject the
// ring; anything else is a real failure, except missing inputs.
func newUringOrSkip(t *testing.T, names []string, opts ...Option) *Uring {
	t.Helper()
	u, err := NewUring(names, opts...)
	if err != nil {
		if fault.ExitCode(err) == fault.ExitNoInput {
			t.Fatalf("open inputs: %v", err)
		}
		t.Skipf("io_uring not usable here: %v", err)
	}
	return u
}

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUring_LoanCycle(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("hello\nworld\n"))
	u := newUringOrSkip(t, []string{path})
	defer u.Close()

	loan, err := u.Next(0)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(loan) != "hello\nworld\n" {
		t.Fatalf("loan = %q", loan)
	}
	if err := u.Return(0, nil); err != nil {
		t.Fatalf("return: %v", err)
	}
	loan, err = u.Next(0)
	if err != nil {
		t.Fatalf("next after return: %v", err)
	}
	if len(loan) != 0 {
		t.Fatalf("expected end of file, got %q", loan)
	}
}

func TestUring_CarryAlternatesBuckets(t *testing.T) {
	content := []byte("abcdef\nghijkl\nmnopqr\nstuvwx\n")
	path := writeTemp(t, "a.txt", content)
	u := newUringOrSkip(t, []string{path}, WithBufferSize(8))
	defer u.Close()

	var got []byte
	var carry []byte
	for {
		loan, err := u.Next(0)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if len(loan) == 0 {
			break
		}
		if !bytes.HasPrefix(loan, carry) {
			t.Fatalf("loan %q does not start with carry %q", loan, carry)
		}
		got = append(got, loan[len(carry):]...)
		i := bytes.LastIndexByte(loan, '\n')
		if i < 0 {
			t.Fatalf("loan %q has no line boundary", loan)
		}
		carry = append(carry[:0], loan[i+1:]...)
		if err := u.Return(0, loan[i+1:]); err != nil {
			t.Fatalf("return: %v", err)
		}
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("reassembled %q, want %q", got, content)
	}
}

func TestUring_TwoSourcesIndependentLoans(t *testing.T) {
	pathA := writeTemp(t, "a.txt", []byte("aaa\n"))
	pathB := writeTemp(t, "b.txt", []byte("bbb\n"))
	u := newUringOrSkip(t, []string{pathA, pathB})
	defer u.Close()

	loanA, err := u.Next(0)
	if err != nil {
		t.Fatalf("next a: %v", err)
	}
	loanB, err := u.Next(1)
	if err != nil {
		t.Fatalf("next b: %v", err)
	}
	if string(loanA) != "aaa\n" || string(loanB) != "bbb\n" {
		t.Fatalf("loans = %q, %q", loanA, loanB)
	}
	if err := u.Return(1, nil); err != nil {
		t.Fatal(err)
	}
	if err := u.Return(0, nil); err != nil {
		t.Fatal(err)
	}
}

func TestUring_OpenFailureSurfaces(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.txt")
	u, err := NewUring([]string{missing})
	if err != nil {
		t.Skipf("io_uring not usable here: %v", err)
	}
	defer u.Close()
	_, err = u.Next(0)
	if err == nil {
		t.Fatal("expected an open failure")
	}
	if fault.ExitCode(err) != fault.ExitNoInput {
		t.Fatalf("exit code = %d, want %d", fault.ExitCode(err), fault.ExitNoInput)
	}
}

func TestUring_WriteAndReturn(t *testing.T) {
	path := writeTemp(t, "a.txt", []byte("payload\nrest\n"))
	outPath := filepath.Join(t.TempDir(), "out.txt")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	u := newUringOrSkip(t, []string{path}, WithOutputFD(int(out.Fd())))
	defer u.Close()

	loan, err := u.Next(0)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var written int64
	if err := u.WriteAndReturn(0, [][]byte{loan}, &written); err != nil {
		t.Fatalf("write and return: %v", err)
	}
	if err := u.WaitForWrite(true); err != nil {
		t.Fatalf("wait for write: %v", err)
	}
	if written != int64(len("payload\nrest\n")) {
		t.Fatalf("written = %d", written)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload\nrest\n" {
		t.Fatalf("output file = %q", got)
	}
}

func TestUring_CloseFileDonatesTerritory(t *testing.T) {
	pathA := writeTemp(t, "a.txt", []byte("aaaa\naaaa\naaaa\n"))
	pathB := writeTemp(t, "b.txt", []byte("bbbb\nbbbb\nbbbb\n"))
	u := newUringOrSkip(t, []string{pathA, pathB}, WithBufferSize(8))
	defer u.Close()

	if err := u.CloseFile(0); err != nil {
		t.Fatalf("close file: %v", err)
	}
	if got := u.terr.Size(1, arena.BucketA); got != 16 {
		t.Fatalf("neighbor bucket size = %d, want 16", got)
	}
	// the closed source reads as end of file
	loan, err := u.Next(0)
	if err != nil {
		t.Fatalf("next closed: %v", err)
	}
	if len(loan) != 0 {
		t.Fatalf("closed source yielded %q", loan)
	}
	// the survivor still works, and later reads use the grown territory
	var got []byte
	for {
		loan, err := u.Next(1)
		if err != nil {
			t.Fatalf("next survivor: %v", err)
		}
		if len(loan) == 0 {
			break
		}
		got = append(got, loan...)
		if err := u.Return(1, nil); err != nil {
			t.Fatalf("return survivor: %v", err)
		}
	}
	if string(got) != "bbbb\nbbbb\nbbbb\n" {
		t.Fatalf("survivor content = %q", got)
	}
}
