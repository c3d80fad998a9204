// Command heapcheck exercises the byte-slice heap from the command line
// with a tiny sequence language: within each argument, ',' pushes the
// preceding characters, '-' pops one entry, and the end of the argument
// pops everything left. Each pop prints its insertion number and key.
//
//	heapcheck 16 z,y,x u,x-y,w--a,b
//	heapcheck assert foo,foo,bar bar,foo,foo 3,1,2 3
//
// The assert form compares the pop order (keys and values joined with
// commas, empty to skip a check) and exits nonzero on mismatch.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tormol/tailmerge/internal/fault"
	"github.com/tormol/tailmerge/internal/sliceheap"
)

func usage() {
	prog := os.Args[0]
	fmt.Fprintf(os.Stderr, "Usage: %s <capacity> string1,string2-,string3,... ...\n", prog)
	fmt.Fprintf(os.Stderr, "       %s assert input [expected_keys [expected_values [expected_max]]]\n", prog)
	fmt.Fprintln(os.Stderr, "',' pushes the preceding characters, '-' pops one,")
	fmt.Fprintln(os.Stderr, "at the end of each argument, all entries are popped.")
	os.Exit(fault.ExitUsage)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	if os.Args[1] == "assert" {
		if len(os.Args) < 3 || len(os.Args) > 6 {
			usage()
		}
		runAssert(os.Args[2], os.Args[3:])
		return
	}

	capacity, err := strconv.Atoi(os.Args[1])
	if err != nil || capacity <= 0 {
		fmt.Fprintln(os.Stderr, "capacity must be a positive whole number.")
		os.Exit(fault.ExitUsage)
	}
	seq := sliceheap.NewSequencer(newHeap(capacity))
	for _, arg := range os.Args[2:] {
		if _, ok := seq.Run(arg); !ok {
			fmt.Fprintf(os.Stderr, "heap of %d overflowed by %q\n", capacity, arg)
			os.Exit(fault.ExitSoftware)
		}
		for i, key := range seq.Keys {
			fmt.Printf("%02d: %s\n", seq.Values[i], key)
		}
	}
}

func newHeap(capacity int) *sliceheap.Heap {
	h := sliceheap.New(capacity)
	h.InstallMemory(make([]byte, h.NeededBytes()))
	return h
}

func runAssert(input string, expect []string) {
	seq := sliceheap.NewSequencer(newHeap(len(input)))
	maxValue, ok := seq.Run(input)
	if !ok {
		fmt.Fprintf(os.Stderr, "heap overflowed by %q\n", input)
		os.Exit(fault.ExitSoftware)
	}

	keys := make([]string, len(seq.Keys))
	for i, k := range seq.Keys {
		keys[i] = string(k)
	}
	values := make([]string, len(seq.Values))
	for i, v := range seq.Values {
		values[i] = strconv.Itoa(v)
	}
	gotKeys := strings.Join(keys, ",")
	gotValues := strings.Join(values, ",")

	fmt.Printf("Testing %s ", input)
	fail := func(format string, args ...any) {
		fmt.Println("FAILED")
		fmt.Printf(format, args...)
		fmt.Printf("     got keys %s\n   and values %s (highest: %d)\n", gotKeys, gotValues, maxValue)
		os.Exit(1)
	}
	if len(expect) > 0 && expect[0] != "" && gotKeys != expect[0] {
		fail("Expected keys %s\n", expect[0])
	}
	if len(expect) > 1 && expect[1] != "" && gotValues != expect[1] {
		fail("Expected values %s\n", expect[1])
	}
	if len(expect) > 2 && expect[2] != "" {
		want, err := strconv.Atoi(expect[2])
		if err != nil {
			usage()
		}
		if want != maxValue {
			fail("Expected max value %d\n", want)
		}
	}
	fmt.Println("PASSED")
}
