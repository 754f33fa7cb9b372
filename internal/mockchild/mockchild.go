// Package mockchild implements the small deterministic child process
// used to exercise a Cluster end to end: a handful of named commands
// over the same line-delimited stdin/stdout/stderr protocol any real
// child speaks.
package mockchild

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Pass and Fail are the terminal markers this child emits. They are
// fixed, unlike Cluster's configurable Options.Pass/Fail, so a caller
// driving this child must configure its Options to match.
const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Version is the fixed string the version command answers with.
const Version = "v1.2.3"

// Config controls one run of the mock child.
type Config struct {
	// Newline is the line terminator to read and write.
	Newline string // "lf" or "crlf"; anything else defaults to lf

	// Seed derives the deterministic RNG behind the flaky command. An
	// empty seed falls back to a fixed default so runs stay
	// reproducible even if the caller forgets to set one.
	Seed string

	// IgnoreExit makes the exit command a no-op that reports its own
	// refusal instead of terminating the process.
	IgnoreExit bool
}

func (c Config) terminator() string {
	if c.Newline == "crlf" {
		return "\r\n"
	}
	return "\n"
}

// seedRand turns an arbitrary string seed into a reproducible source,
// by hashing it with fnv into an int64 rather than relying on the
// string's identity or wall-clock time.
func seedRand(seed string) *rand.Rand {
	if seed == "" {
		seed = "batchcluster"
	}

	h := fnv.New64a()
	_, _ = io.WriteString(h, seed)

	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// Run reads commands from r, one per line, and writes responses to w
// and (when a command writes to stderr) errw, until the child exits.
// It returns the exit status the process should report.
func Run(r io.Reader, w, errw io.Writer, cfg Config) int {
	rng := seedRand(cfg.Seed)
	term := cfg.terminator()

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSuffix(line, "\r")

		if exit := dispatch(line, w, errw, term, rng, cfg.IgnoreExit); exit {
			return 0
		}
	}

	return 0
}

// dispatch handles one line of input, returning true if the process
// should now exit.
func dispatch(line string, w, errw io.Writer, term string, rng *rand.Rand, ignoreExit bool) bool {
	poison := strings.HasPrefix(line, "!")
	line = strings.TrimPrefix(line, "!")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		writeLine(w, term, Fail)
		return false
	}

	cmd := fields[0]
	rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))

	if poison {
		writeLine(errw, term, fmt.Sprintf("stderr: %s", line))
	}

	switch cmd {
	case "upcase":
		writeLine(w, term, strings.ToUpper(rest))
		writeLine(w, term, Pass)

	case "downcase":
		writeLine(w, term, strings.ToLower(rest))
		writeLine(w, term, Pass)

	case "sleep":
		ms, err := strconv.Atoi(rest)
		if err != nil {
			writeLine(w, term, Fail)
			return false
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		writeLine(w, term, fmt.Sprintf("slept %d", ms))
		writeLine(w, term, Pass)

	case "flaky":
		rate, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			writeLine(w, term, Fail)
			return false
		}
		draw := rng.Float64()
		passed := draw >= rate
		marker := Pass
		if !passed {
			marker = Fail
		}
		writeLine(w, term, fmt.Sprintf("flaky response (%s, r: %.2f, flakeRate: %.2f)", marker, draw, rate))
		writeLine(w, term, marker)

	case "version":
		writeLine(w, term, Version)
		writeLine(w, term, Pass)

	case "stderr":
		writeLine(errw, term, rest)
		writeLine(w, term, Pass)

	case "exit":
		if ignoreExit {
			writeLine(w, term, "ignoreExit is set")
			return false
		}
		return true

	default:
		writeLine(w, term, Fail)
	}

	return false
}

func writeLine(w io.Writer, term, s string) {
	_, _ = io.WriteString(w, s+term)
}
