// Package cluster multiplexes a stream of text-oriented tasks onto a
// pool of long-lived child processes that speak a line-based
// request/response protocol over stdin/stdout, amortising process
// spawn cost across many calls while bounding fan-out and per-process
// lifetime.
package cluster

import (
	"context"

	"github.com/pratyushFilter/batchcluster/util/logging"
	"go.uber.org/zap"
)

// Cluster is the public facade: enqueue tasks, read counters, end the
// cluster. T is the type a task's parser produces.
type Cluster[T any] struct {
	s *scheduler[T]
}

// New validates opts and starts a Cluster. It never blocks on
// spawning a child: the pool fills lazily as tasks are enqueued.
func New[T any](opts Options, log *zap.Logger) (*Cluster[T], error) {
	if log == nil {
		log = zap.NewNop()
	}

	validated, err := opts.Validate()
	if err != nil {
		return nil, err
	}

	s := newScheduler[T](validated, logging.NamedLogger("cluster")(log))
	go s.run()

	return &Cluster[T]{s: s}, nil
}

// query runs fn on the scheduler's own goroutine and blocks for its
// result, the mechanism every read/write below uses to touch
// scheduler state without a mutex.
func query[T, R any](c *Cluster[T], fn func(*scheduler[T]) R) R {
	resultCh := make(chan R, 1)
	c.s.requestCh <- func(s *scheduler[T]) {
		resultCh <- fn(s)
	}
	return <-resultCh
}

// EnqueueTask appends task to the pending queue and returns
// immediately; the task's result is read via Task.Wait. It returns
// ErrClusterEnded, without enqueuing, once End has been called.
func (c *Cluster[T]) EnqueueTask(task *Task[T]) error {
	return query(c, func(s *scheduler[T]) error {
		return s.enqueue(task)
	})
}

// Pids returns the PIDs of every child still in the pool, after
// removing dead entries. Children retired for age or task count are
// still listed until their process exits.
func (c *Cluster[T]) Pids() []int {
	return query(c, func(s *scheduler[T]) []int {
		s.reap()
		return s.livePids()
	})
}

// SpawnedProcs is the monotonic count of children ever spawned.
func (c *Cluster[T]) SpawnedProcs() int {
	return query(c, func(s *scheduler[T]) int {
		return s.spawnedProcs
	})
}

// MeanTasksPerProc is completedTasks / spawnedProcs.
func (c *Cluster[T]) MeanTasksPerProc() float64 {
	return query(c, func(s *scheduler[T]) float64 {
		return s.meanTasksPerProc()
	})
}

// InternalErrorCount is the number of internalError events emitted so
// far.
func (c *Cluster[T]) InternalErrorCount() int {
	return query(c, func(s *scheduler[T]) int {
		return s.getInternalErrorCount()
	})
}

// On registers handler for kind. Registration order is invocation
// order; a handler that panics is recovered and reported via
// EventInternalError instead of crashing the scheduler.
func (c *Cluster[T]) On(kind EventKind, handler Handler) {
	query(c, func(s *scheduler[T]) struct{} {
		s.ev.on(kind, handler)
		return struct{}{}
	})
}

// End moves the cluster to the ending state: subsequent EnqueueTask
// calls fail, every pending task is rejected with ErrClusterEnded,
// every idle child is sent ExitCommand, and busy/starting children
// are escalated through SIGTERM then SIGKILL once their grace window
// elapses. End is idempotent: calling it again returns the same
// outcome without restarting the drain.
func (c *Cluster[T]) End(ctx context.Context) <-chan struct{} {
	return query(c, func(s *scheduler[T]) chan struct{} {
		return s.end(ctx)
	})
}

// Ended reports whether End has fully resolved: every child reaped,
// every pending task settled.
func (c *Cluster[T]) Ended() bool {
	return query(c, func(s *scheduler[T]) bool {
		return s.ended
	})
}
