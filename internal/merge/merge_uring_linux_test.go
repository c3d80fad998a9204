//go:build linux

package merge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tormol/tailmerge/internal/coalesce"
	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/reader"
)

// mergeFilesUring is mergeFiles over the ring fleet, writing to a pinned
// temp-file descriptor. Skips where the kernel rejects io_uring.
func mergeFilesUring(t *testing.T, bufferSize int, files map[string]string, order []string) string {
	t.Helper()
	dir := t.TempDir()
	names := make([]string, 0, len(order))
	for _, name := range order {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(files[name]), 0o644); err != nil {
			t.Fatal(err)
		}
		names = append(names, path)
	}
	outPath := filepath.Join(dir, "merged.out")
	out, err := os.Create(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	r, err := reader.NewUring(names,
		reader.WithBufferSize(bufferSize),
		reader.WithExtraTail(HeapBytes(len(names))),
		reader.WithOutputFD(int(out.Fd())),
	)
	if err != nil {
		if fault.ExitCode(err) == fault.ExitNoInput {
			t.Fatalf("open inputs: %v", err)
		}
		t.Skipf("io_uring not usable here: %v", err)
	}
	defer r.Close()

	m := New(r, names, coalesce.FDSink{FD: int(out.Fd())}, WithVerify(true))
	if err := m.Run(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close fleet: %v", err)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	for _, name := range order {
		got = strings.ReplaceAll(got, filepath.Join(dir, name), name)
	}
	return got
}

func TestMergeUring_TwoFiles(t *testing.T) {
	got := mergeFilesUring(t, reader.DefaultBufferSize, map[string]string{
		"foo.lst": "1\n2\n3\n4\n5\n6\n",
		"bar.lst": "4\n5\n6\n7\n8\n9\n",
	}, []string{"foo.lst", "bar.lst"})

	want := ">>> foo.lst\n1\n2\n3\n4\n" +
		"\n>>> bar.lst\n4\n5\n" +
		"\n>>> foo.lst\n5\n6\n" +
		"\n>>> bar.lst\n6\n7\n8\n9\n"
	if got != want {
		t.Errorf("merged stream:\n%q\nwant:\n%q", got, want)
	}
}

func TestMergeUring_TinyBufferAndLongLine(t *testing.T) {
	long := strings.Repeat("q", 33) + "\n"
	got := mergeFilesUring(t, 4, map[string]string{
		"foo.lst": "a\n" + long,
		"bar.lst": "b\nr\n",
	}, []string{"foo.lst", "bar.lst"})

	want := ">>> foo.lst\na\n" +
		"\n>>> bar.lst\nb\n" +
		"\n>>> foo.lst\n" + long +
		"\n>>> bar.lst\nr\n"
	if got != want {
		t.Errorf("merged stream:\n%q\nwant:\n%q", got, want)
	}
}
