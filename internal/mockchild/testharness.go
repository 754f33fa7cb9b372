package mockchild

import (
	"os"
	"os/exec"
	"strings"
	"testing"
)

// wantHelperProcessEnv is the sentinel, the same trick os/exec's own
// tests use, that tells a re-exec'd test binary to behave as the
// mock child instead of running the normal test suite.
const wantHelperProcessEnv = "BATCHCLUSTER_WANT_HELPER_PROCESS"

// HelperProcessCommand builds an *exec.Cmd that re-execs the current
// test binary as a mock child, so integration tests need no
// separately built fixture binary. cfg reaches the child through env
// vars matching Config's fields: BATCHCLUSTER_SEED,
// BATCHCLUSTER_NEWLINE, BATCHCLUSTER_IGNORE_EXIT.
func HelperProcessCommand(cfg Config) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
	cmd.Env = append(os.Environ(),
		wantHelperProcessEnv+"=1",
		"BATCHCLUSTER_SEED="+cfg.Seed,
		"BATCHCLUSTER_NEWLINE="+cfg.Newline,
	)
	if cfg.IgnoreExit {
		cmd.Env = append(cmd.Env, "BATCHCLUSTER_IGNORE_EXIT=1")
	}
	return cmd
}

// RunAsTestHelperProcess checks whether the current test process was
// re-exec'd via HelperProcessCommand and, if so, runs the mock child
// to completion and exits the process - never returning. Every
// package that wants to drive this mock child over a real subprocess
// boundary must call this first thing inside a test named
// TestHelperProcess.
func RunAsTestHelperProcess(t *testing.T) {
	if os.Getenv(wantHelperProcessEnv) != "1" {
		return
	}

	cfg := Config{
		Seed:       os.Getenv("BATCHCLUSTER_SEED"),
		Newline:    os.Getenv("BATCHCLUSTER_NEWLINE"),
		IgnoreExit: strings.EqualFold(os.Getenv("BATCHCLUSTER_IGNORE_EXIT"), "1"),
	}

	code := Run(os.Stdin, os.Stdout, os.Stderr, cfg)
	os.Exit(code)
}
