package cluster

import (
	"errors"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrClusterEnded is returned by EnqueueTask once End has been
	// called, and used to reject every task still pending at that
	// point.
	ErrClusterEnded = errors.New("cluster ended")

	// ErrSpawnFailed means the process factory, or the startup probe
	// that follows it, failed. The task that triggered the spawn is
	// retried; repeated failures within the failure-rate window end
	// the cluster.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrTaskTimeout means a task's deadline elapsed before a
	// terminal line arrived. The child that held the task is killed
	// and never reused.
	ErrTaskTimeout = errors.New("task timeout")

	// ErrFailMarker means the child itself reported failure via the
	// configured fail marker. The child remains reusable.
	ErrFailMarker = errors.New("child reported failure")

	// ErrParserReject means the caller-supplied parser rejected the
	// accumulated output. The child remains reusable.
	ErrParserReject = errors.New("parser rejected output")

	// ErrStderrOutput means the child wrote to stderr before its
	// terminal line arrived. This poisons the task, not the child.
	ErrStderrOutput = errors.New("child wrote to stderr")

	// ErrChildDied means the child process exited while a task was
	// in flight. The task is retried once at the head of the queue.
	ErrChildDied = errors.New("child died")

	// errStartupFailed is the internal cause behind ErrSpawnFailed
	// when the startup probe (not the factory itself) is what failed.
	errStartupFailed = errors.New("exited during start")
)

// ClusterInvalidOptions is returned by New when the supplied Options
// fail validation. It carries every violated rule, not just the
// first one encountered.
type ClusterInvalidOptions struct {
	cause error
}

func newInvalidOptions(violations error) *ClusterInvalidOptions {
	return &ClusterInvalidOptions{cause: violations}
}

// Violations returns one message per broken validation rule, in the
// declared field order of Options.
func (e *ClusterInvalidOptions) Violations() []string {
	errs := multierr.Errors(e.cause)
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return msgs
}

func (e *ClusterInvalidOptions) Error() string {
	var b strings.Builder
	b.WriteString("BatchCluster was given invalid options")
	for _, v := range e.Violations() {
		b.WriteString("\n")
		b.WriteString(v)
	}
	return b.String()
}

func (e *ClusterInvalidOptions) Unwrap() error {
	return e.cause
}
