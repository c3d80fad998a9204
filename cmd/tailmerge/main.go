// Command tailmerge sorts files together like tail -f presents them: the
// merged stream is in line order, with a `>>> name` header above each group
// of consecutive lines from one file. Lines from the same file are never
// reordered, and memory use is linear in the number of files, not their
// sizes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tormol/tailmerge/internal/coalesce"
	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/merge"
	"github.com/tormol/tailmerge/internal/reader"
)

const help = `Usage: tailmerge [flags] file1 [file2]...

"Sorts" the files but prints the file name above each group of lines from a
file, like ` + "`tail -f`" + `.
Files are merged by sorting the next unprinted line from each file,
without reordering lines from the same file or keeping everything in RAM.
(Memory usage is linear with the number of files, not with the file sizes.)
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	verify := flag.Bool("verify", false, "check that every input byte reached the output")
	blocking := flag.Bool("blocking", false, "use plain reads even when io_uring is available")
	bufSize := flag.Int("buffer", reader.DefaultBufferSize, "per-file read buffer size in bytes")
	flag.Parse()

	files := flag.Args()
	if len(files) == 0 {
		flag.Usage()
		os.Exit(fault.ExitUsage)
	}

	if err := run(files, *blocking, *bufSize, *verify); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(fault.ExitCode(err))
	}
}

func run(files []string, blocking bool, bufSize int, verify bool) error {
	r, err := openFleet(files, blocking, bufSize, merge.HeapBytes(len(files)))
	if err != nil {
		return err
	}
	defer r.Close()

	m := merge.New(r, files, coalesce.Stdout(), merge.WithVerify(verify))
	if err := m.Run(); err != nil {
		return err
	}
	return r.Close()
}
