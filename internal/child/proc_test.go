package child

import (
	"testing"
	"time"

	"github.com/pratyushFilter/batchcluster/internal/protocol"
	"github.com/pratyushFilter/batchcluster/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProc_Start_IsAlive(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.LF, zap.NewNop())
	require.NoError(t, err)
	defer p.Kill(0)

	assert.True(t, util.IsProcessAlive(p.Pid()))
}

func TestProc_WriteEchoesLine(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.LF, zap.NewNop())
	require.NoError(t, err)
	defer p.Kill(0)

	require.NoError(t, p.Write("hello"))

	select {
	case line := <-p.Stdout():
		assert.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed line")
	}
}

func TestProc_Terminate_StopsProcess(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.Terminate(2*time.Second))

	<-p.Done()
	assert.False(t, util.IsProcessAlive(p.Pid()))
}

func TestProc_ExitEvent_NormalExit(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "sh", Args: []string{"-c", "exit 0"}}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	<-p.Done()

	evt := p.ExitEvent()
	require.NotNil(t, evt.Code)
	assert.Equal(t, 0, *evt.Code)
	assert.Nil(t, evt.Signal)
}

func TestProc_ExitEvent_NonZeroExit(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "sh", Args: []string{"-c", "exit 7"}}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	<-p.Done()

	evt := p.ExitEvent()
	require.NotNil(t, evt.Code)
	assert.Equal(t, 7, *evt.Code)
}

func TestProc_ExitEvent_Signaled(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.Kill(2*time.Second))

	evt := p.ExitEvent()
	require.NotNil(t, evt.Signal)
	assert.Nil(t, evt.Code)
}

func TestProc_Kill_IsIdempotent(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, p.Kill(2*time.Second))
	// a second signal after the process is already dead must not hang
	// or panic.
	require.NoError(t, p.Kill(2*time.Second))
}

func TestProc_StdoutClosesOnExit(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "sh", Args: []string{"-c", "echo one; exit 0"}}, protocol.LF, zap.NewNop())
	require.NoError(t, err)

	var lines []string
	for line := range p.Stdout() {
		lines = append(lines, line)
	}

	<-p.Done()
	assert.Equal(t, []string{"one"}, lines)
}

func TestProc_CRLF(t *testing.T) {
	p, err := Start(StartConfig{Cmd: "cat"}, protocol.CRLF, zap.NewNop())
	require.NoError(t, err)
	defer p.Kill(0)

	require.NoError(t, p.Write("hi"))

	select {
	case line := <-p.Stdout():
		assert.Equal(t, "hi", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed line")
	}
}
