package cluster

import (
	"strings"
	"time"

	"github.com/pratyushFilter/batchcluster/internal/child"
	"github.com/pratyushFilter/batchcluster/util/logging"
	"go.uber.org/zap"
)

// ChildState is one point in a childHandle's lifecycle.
type ChildState int

const (
	ChildStarting ChildState = iota
	ChildIdle
	ChildBusy
	ChildFlushing
	ChildEnding
	ChildDead
)

func (s ChildState) String() string {
	switch s {
	case ChildStarting:
		return "starting"
	case ChildIdle:
		return "idle"
	case ChildBusy:
		return "busy"
	case ChildFlushing:
		return "flushing"
	case ChildEnding:
		return "ending"
	case ChildDead:
		return "dead"
	default:
		return "unknown"
	}
}

type childEventKind int

const (
	evStdout childEventKind = iota
	evStderr
	evExit
)

// childEvent tags one line or exit notification with the pid it came
// from, so the scheduler's single event loop can multiplex every
// live child's pipes without a goroutine per select branch growing
// unbounded.
type childEvent struct {
	pid  int
	kind childEventKind
	line string
	exit child.ExitEvent
}

// childHandle owns one child process and its pipes, enforcing the
// per-task wire protocol and reporting lifecycle transitions back to
// the scheduler via channel events rather than a callback, so no
// goroutine but the scheduler's own ever mutates scheduler state.
type childHandle[T any] struct {
	pid   int
	proc  *child.Proc
	state ChildState

	startedAt time.Time
	taskCount int

	currentTask *Task[T]

	// pendingPassed holds the terminal marker's verdict while a task
	// sits in ChildFlushing, waiting out StreamFlushMillis for any
	// stderr the child is still in the middle of writing.
	pendingPassed bool

	stdoutBuf strings.Builder
	stderrBuf strings.Builder
	sawStderr bool

	// deadline is interpreted by state: spawn timeout while starting,
	// task timeout while busy, graceful timeout while ending. Zero
	// means no deadline armed.
	deadline time.Time

	log *zap.Logger
}

func newChildHandle[T any](proc *child.Proc, log *zap.Logger) *childHandle[T] {
	return &childHandle[T]{
		pid:       proc.Pid(),
		proc:      proc,
		state:     ChildStarting,
		startedAt: time.Now(),
		log:       logging.NamedLogger("child")(log).With(zap.Int("pid", proc.Pid())),
	}
}

// forward multiplexes proc's stdout/stderr/exit into out, tagged
// with this child's pid, until the process has exited and both pipes
// are drained.
func (h *childHandle[T]) forward(out chan<- childEvent) {
	stdout := h.proc.Stdout()
	stderr := h.proc.Stderr()
	done := h.proc.Done()

	for stdout != nil || stderr != nil || done != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			out <- childEvent{pid: h.pid, kind: evStdout, line: line}
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			out <- childEvent{pid: h.pid, kind: evStderr, line: line}
		case <-done:
			out <- childEvent{pid: h.pid, kind: evExit, exit: h.proc.ExitEvent()}
			done = nil
		}
	}
}

// onStdoutLine records line and reports whether it completes the
// current response (i.e. it is the configured pass/fail marker).
func (h *childHandle[T]) onStdoutLine(line, pass, fail string) (terminal bool, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == pass {
		return true, true
	}
	if trimmed == fail {
		return true, false
	}

	if h.stdoutBuf.Len() > 0 {
		h.stdoutBuf.WriteByte('\n')
	}
	h.stdoutBuf.WriteString(line)

	return false, false
}

func (h *childHandle[T]) onStderrLine(line string) {
	h.sawStderr = true

	if h.stderrBuf.Len() > 0 {
		h.stderrBuf.WriteByte('\n')
	}
	h.stderrBuf.WriteString(line)
}

func (h *childHandle[T]) resetBuffers() {
	h.stdoutBuf.Reset()
	h.stderrBuf.Reset()
	h.sawStderr = false
}

func (h *childHandle[T]) age() time.Duration {
	return time.Since(h.startedAt)
}

// write sends command, terminated by the proc's configured newline.
func (h *childHandle[T]) write(command string) error {
	return h.proc.Write(command)
}
