package mockchild_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pratyushFilter/batchcluster/internal/mockchild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, input string, cfg mockchild.Config) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer
	code = mockchild.Run(strings.NewReader(input), &out, &errOut, cfg)
	return out.String(), errOut.String(), code
}

func TestUpcase(t *testing.T) {
	stdout, stderr, code := run(t, "upcase hello\n", mockchild.Config{})

	assert.Equal(t, "HELLO\nPASS\n", stdout)
	assert.Empty(t, stderr)
	assert.Equal(t, 0, code)
}

func TestDowncase(t *testing.T) {
	stdout, _, _ := run(t, "downcase HELLO\n", mockchild.Config{})
	assert.Equal(t, "hello\nPASS\n", stdout)
}

func TestVersion(t *testing.T) {
	stdout, _, _ := run(t, "version\n", mockchild.Config{})
	assert.Equal(t, mockchild.Version+"\nPASS\n", stdout)
}

func TestSleep(t *testing.T) {
	stdout, _, _ := run(t, "sleep 1\n", mockchild.Config{})
	assert.Equal(t, "slept 1\nPASS\n", stdout)
}

func TestSleepRejectsNonInteger(t *testing.T) {
	stdout, _, _ := run(t, "sleep soon\n", mockchild.Config{})
	assert.Equal(t, mockchild.Fail+"\n", stdout)
}

func TestUnknownCommandFails(t *testing.T) {
	stdout, _, _ := run(t, "frobnicate\n", mockchild.Config{})
	assert.Equal(t, mockchild.Fail+"\n", stdout)
}

func TestStderrCommandWritesToStderrThenPasses(t *testing.T) {
	stdout, stderr, _ := run(t, "stderr boom\n", mockchild.Config{})

	assert.Equal(t, mockchild.Pass+"\n", stdout)
	assert.Equal(t, "boom\n", stderr)
}

func TestBangPrefixPoisonsAnyCommand(t *testing.T) {
	stdout, stderr, _ := run(t, "!upcase hi\n", mockchild.Config{})

	assert.Equal(t, "HI\nPASS\n", stdout)
	assert.Equal(t, "stderr: upcase hi\n", stderr)
}

func TestExitStopsProcessingWithoutTerminalMarker(t *testing.T) {
	stdout, _, code := run(t, "exit\nupcase after\n", mockchild.Config{})

	assert.Empty(t, stdout)
	assert.Equal(t, 0, code)
}

func TestExitIsIgnoredWhenConfigured(t *testing.T) {
	stdout, _, _ := run(t, "exit\nupcase after\n", mockchild.Config{IgnoreExit: true})

	assert.Equal(t, "ignoreExit is set\nAFTER\nPASS\n", stdout)
}

func TestFlakyIsDeterministicForASeed(t *testing.T) {
	first, _, _ := run(t, "flaky 0.5\n", mockchild.Config{Seed: "a-seed"})
	second, _, _ := run(t, "flaky 0.5\n", mockchild.Config{Seed: "a-seed"})

	assert.Equal(t, first, second)
}

func TestFlakyAlwaysPassesAtZeroRate(t *testing.T) {
	stdout, _, _ := run(t, "flaky 0\n", mockchild.Config{Seed: "any"})
	require.Contains(t, stdout, mockchild.Pass)
	assert.NotContains(t, stdout, mockchild.Fail)
}

func TestFlakyAlwaysFailsAtRateOne(t *testing.T) {
	stdout, _, _ := run(t, "flaky 1\n", mockchild.Config{Seed: "any"})
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Equal(t, mockchild.Fail, lines[len(lines)-1])
}

func TestCRLFTerminator(t *testing.T) {
	stdout, _, _ := run(t, "upcase hi\r\n", mockchild.Config{Newline: "crlf"})
	assert.Equal(t, "HI\r\nPASS\r\n", stdout)
}

func TestBlankLineFails(t *testing.T) {
	stdout, _, _ := run(t, "\n", mockchild.Config{})
	assert.Equal(t, mockchild.Fail+"\n", stdout)
}
