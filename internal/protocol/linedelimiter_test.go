package protocol_test

import (
	"io"
	"strings"
	"testing"

	"github.com/pratyushFilter/batchcluster/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineDelimiter_LF_SplitsCompleteLines(t *testing.T) {
	d := protocol.NewLineDelimiter(strings.NewReader("HELLO\nPASS\n"), protocol.LF)

	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HELLO", line)

	line, ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PASS", line)

	_, ok, err = d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLineDelimiter_CRLF_SplitsCompleteLines(t *testing.T) {
	d := protocol.NewLineDelimiter(strings.NewReader("HELLO\r\nPASS\r\n"), protocol.CRLF)

	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "HELLO", line)

	line, ok, err = d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PASS", line)
}

func TestLineDelimiter_CRLF_DoesNotTreatBareLFAsTerminal(t *testing.T) {
	// a lone "\n" is not a complete line when crlf is configured; the
	// next chunk completes it once "\r\n" actually arrives.
	r, w := io.Pipe()
	d := protocol.NewLineDelimiter(r, protocol.CRLF)

	go func() {
		w.Write([]byte("foo\nbar\r\n"))
		w.Close()
	}()

	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "foo\nbar", line)
}

func TestLineDelimiter_ReturnsUnterminatedFinalLineAtEOF(t *testing.T) {
	d := protocol.NewLineDelimiter(strings.NewReader("no newline at all"), protocol.LF)

	line, ok, err := d.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "no newline at all", line)

	_, ok, err = d.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLineDelimiter_EmptyLinesArePreserved(t *testing.T) {
	d := protocol.NewLineDelimiter(strings.NewReader("\n\nPASS\n"), protocol.LF)

	line, _, _ := d.Next()
	assert.Equal(t, "", line)

	line, _, _ = d.Next()
	assert.Equal(t, "", line)

	line, _, _ = d.Next()
	assert.Equal(t, "PASS", line)
}
