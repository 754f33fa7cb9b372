// Command mockchild is a standalone binary wrapping
// internal/mockchild, so integration tests and manual experiments can
// point a Cluster at a real, separately built executable instead of
// the Go-test helper-process form.
package main

import (
	"flag"
	"os"

	"github.com/pratyushFilter/batchcluster/internal/mockchild"
)

func main() {
	newline := flag.String("newline", "lf", "line terminator to read and write: lf or crlf")
	seed := flag.String("seed", "", "seed for the flaky command's RNG")
	ignoreExit := flag.Bool("ignore-exit", false, "make the exit command a no-op")
	flag.Parse()

	cfg := mockchild.Config{
		Newline:    *newline,
		Seed:       *seed,
		IgnoreExit: *ignoreExit,
	}

	os.Exit(mockchild.Run(os.Stdin, os.Stdout, os.Stderr, cfg))
}
