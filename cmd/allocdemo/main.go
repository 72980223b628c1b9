// Command allocdemo drives each of the five allocators through a short
// scripted workload and prints what it did. It exists to exercise the
// library end to end outside of the test suite.
package main

import (
	"fmt"
	"os"

	docopt "github.com/docopt/docopt-go"

	"github.com/t0byn/memory-allocator/arena"
	"github.com/t0byn/memory-allocator/buddy"
	"github.com/t0byn/memory-allocator/errsink"
	"github.com/t0byn/memory-allocator/freelist"
	"github.com/t0byn/memory-allocator/pool"
	"github.com/t0byn/memory-allocator/stack"
)

const usage = `allocdemo.

Usage:
  allocdemo arena
  allocdemo stack
  allocdemo pool
  allocdemo freelist
  allocdemo buddy
  allocdemo -h | --help

Options:
  -h --help   Show this screen.`

func main() {
	args, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	switch {
	case truthy(args["arena"]):
		runArena()
	case truthy(args["stack"]):
		runStack()
	case truthy(args["pool"]):
		runPool()
	case truthy(args["freelist"]):
		runFreeList()
	case truthy(args["buddy"]):
		runBuddy()
	}
}

func truthy(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}

func runArena() {
	buf := make([]byte, 128)
	a := arena.New(buf)

	sp := a.Start()
	_, err := a.Alloc(5, 8)
	must(err)
	_, err = a.Alloc(8, 8)
	must(err)
	fmt.Printf("arena: offset after two allocs = %d\n", a.Stats().Offset)
	sp.End()
	fmt.Printf("arena: offset restored to %d\n", a.Stats().Offset)
}

func runStack() {
	buf := make([]byte, 128)
	s := stack.New(buf)

	a, err := s.Alloc(5, 8)
	must(err)
	b, err := s.Alloc(8, 8)
	must(err)
	c, err := s.Alloc(16, 8)
	must(err)

	s.Free(a) // out of order: rejected and logged via the error sink, state unchanged
	s.Free(c)
	s.Free(b)
	s.Free(a)
	fmt.Printf("stack: offset back to %d\n", s.Stats().Offset)
}

func runPool() {
	buf := make([]byte, 1024)
	p := pool.New(buf, 16)
	fmt.Printf("pool: %d free chunks of %d\n", p.Stats().FreeChunks, p.Stats().TotalChunks)

	refs := make([][]byte, 6)
	for i := range refs {
		refs[i], _ = p.Alloc()
	}
	p.Free(refs[1])
	fmt.Printf("pool: %d free chunks after alloc/free churn\n", p.Stats().FreeChunks)
}

func runFreeList() {
	buf := make([]byte, 512)
	fl := freelist.New(buf, freelist.WithPolicy(freelist.BestFit))

	a, err := fl.Alloc(64, 8)
	must(err)
	b, err := fl.Alloc(40, 8)
	must(err)
	c, err := fl.Alloc(96, 8)
	must(err)
	fl.Free(a)
	fl.Free(c)
	fl.Free(b)
	fmt.Printf("freelist: bytes used after freeing everything = %d\n", fl.Stats().BytesUsed)
}

func runBuddy() {
	buf := make([]byte, 128)
	bd := buddy.New(buf)
	defer bd.Destroy()

	a, err := bd.Alloc(4)
	must(err)
	b, err := bd.Alloc(9)
	must(err)
	c, err := bd.Alloc(5)
	must(err)
	fmt.Print(bd.DebugString())
	bd.Free(a)
	bd.Free(b)
	bd.Free(c)
	fmt.Printf("buddy: allocations=%d frees=%d\n", bd.Stats().Allocations, bd.Stats().Frees)
}

func must(err error) {
	if err != nil {
		errsink.Report("allocdemo", err)
		os.Exit(1)
	}
}
