package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// request is a closure the single scheduler goroutine runs against its
// own state, the mechanism every public Cluster method uses to read
// or mutate scheduler-owned state without a mutex.
type request[T any] func(s *scheduler[T])

// scheduler holds the pending queue and the pool of ChildHandles; it
// is the only goroutine that ever mutates either. Every other
// goroutine - enqueueTask callers, child pipe readers, timers -
// communicates into it over channels.
type scheduler[T any] struct {
	opts    Options
	factory ProcessFactory
	log     *zap.Logger
	ev      *events

	pool  []*childHandle[T]
	queue []*Task[T]

	spawnedProcs       int
	completedTasks     int
	internalErrorCount int
	spawnFailureTimes  []time.Time

	ending        bool
	ended         bool
	endWaiters    []chan struct{}
	drainStarted  bool
	drainSignaled bool

	requestCh     chan request[T]
	childEventsCh chan childEvent
	drainDoneCh   chan struct{}
}

func newScheduler[T any](opts Options, log *zap.Logger) *scheduler[T] {
	s := &scheduler[T]{
		opts:          opts,
		factory:       opts.factory(log),
		log:           log,
		ev:            newEvents(log),
		requestCh:     make(chan request[T]),
		childEventsCh: make(chan childEvent, 64),
		drainDoneCh:   make(chan struct{}, 1),
	}

	// every internalError counts toward InternalErrorCount, regardless
	// of which caller-registered handler also observes it.
	s.ev.on(EventInternalError, func(any) {
		s.internalErrorCount++
	})

	return s
}

// run is the scheduler's single event loop. It never returns for the
// lifetime of the Cluster; callers reach it only through requestCh.
func (s *scheduler[T]) run() {
	var idleTicker *time.Ticker
	var idleTickC <-chan time.Time
	if s.opts.OnIdleIntervalMillis > 0 {
		idleTicker = time.NewTicker(time.Duration(s.opts.OnIdleIntervalMillis) * time.Millisecond)
		idleTickC = idleTicker.C
		defer idleTicker.Stop()
	}

	for {
		select {
		case req := <-s.requestCh:
			req(s)
		case ce := <-s.childEventsCh:
			s.handleChildEvent(ce)
			s.tick()
		case <-s.drainDoneCh:
			s.drainSignaled = true
			s.tick()
		case <-idleTickC:
			s.tick()
		}
	}
}

// tick runs the fixed reap -> age out -> time out -> flush out -> spawn
// -> assign pipeline. It is always invoked on the scheduler's own
// goroutine.
func (s *scheduler[T]) tick() {
	s.reap()
	s.ageOut()
	s.timeOut()
	s.flushOut()
	s.spawn()
	s.assign()
	s.maybeFinalizeEnd()
}

// reap removes every dead ChildHandle from the pool, emitting
// childExit for each.
func (s *scheduler[T]) reap() {
	live := s.pool[:0]
	for _, h := range s.pool {
		if h.state == ChildDead {
			s.ev.emit(EventChildExit, ChildExitEvent{Pid: h.pid})
			continue
		}
		live = append(live, h)
	}
	s.pool = live
}

// ageOut retires idle children past their task-count or age limit,
// and - while the cluster is ending - every idle child outright.
func (s *scheduler[T]) ageOut() {
	for _, h := range s.pool {
		if h.state != ChildIdle {
			continue
		}

		retire := s.ending ||
			h.taskCount >= s.opts.MaxTasksPerProcess ||
			h.age() >= time.Duration(s.opts.MaxProcAgeMillis)*time.Millisecond

		if !retire {
			continue
		}

		s.retire(h)
	}
}

func (s *scheduler[T]) retire(h *childHandle[T]) {
	h.state = ChildEnding
	h.deadline = time.Now().Add(time.Duration(s.opts.EndGracefulWaitTimeMillis) * time.Millisecond)

	if err := h.write(s.opts.ExitCommand); err != nil {
		s.log.Debug("failed to write exit command", zap.Int("pid", h.pid), zap.Error(err))
	}

	s.startEscalation(h)
}

// timeOut kills any starting child whose spawn deadline has passed
// and any busy child whose task deadline has passed.
func (s *scheduler[T]) timeOut() {
	now := time.Now()

	for _, h := range s.pool {
		if h.state == ChildStarting {
			if !h.deadline.IsZero() && !now.Before(h.deadline) {
				h.state = ChildEnding
				s.ev.emit(EventStartError, StartErrorEvent{Err: fmt.Errorf("%w: spawn timeout", ErrSpawnFailed)})
				_ = h.proc.Kill(-1)
				s.startEscalation(h)
			}
			continue
		}
		if h.state != ChildBusy || h.currentTask == nil {
			continue
		}
		if h.currentTask.deadline.IsZero() || now.Before(h.currentTask.deadline) {
			continue
		}

		task := h.currentTask
		h.currentTask = nil
		h.state = ChildEnding
		h.resetBuffers()

		task.reject(ErrTaskTimeout)
		s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrTaskTimeout})

		if err := h.proc.Kill(-1); err != nil {
			s.log.Debug("kill after timeout failed", zap.Int("pid", h.pid), zap.Error(err))
		}

		s.startEscalation(h)
	}
}

// flushOut finalizes any child whose terminal marker arrived but is
// still holding its task open for StreamFlushMillis, in case stderr
// written just before the marker has not reached the scheduler yet.
func (s *scheduler[T]) flushOut() {
	now := time.Now()

	for _, h := range s.pool {
		if h.state != ChildFlushing {
			continue
		}
		if now.Before(h.deadline) {
			continue
		}

		s.completeTask(h, h.pendingPassed)
	}
}

// spawn creates new starting children while there is pending work
// and room in the pool, subject to the failure-rate circuit breaker.
func (s *scheduler[T]) spawn() {
	if s.ending {
		return
	}

	for len(s.queue) > 0 && len(s.pool) < s.opts.MaxProcs {
		proc, err := s.factory()
		if err != nil {
			s.ev.emit(EventStartError, StartErrorEvent{Err: fmt.Errorf("%w: %v", ErrSpawnFailed, err)})
			s.recordSpawnFailure()
			return
		}

		h := newChildHandle[T](proc, s.log)
		h.deadline = time.Now().Add(time.Duration(s.opts.SpawnTimeoutMillis) * time.Millisecond)

		if err := h.write(s.opts.VersionCommand); err != nil {
			s.ev.emit(EventStartError, StartErrorEvent{Err: fmt.Errorf("%w: %v", ErrSpawnFailed, err)})
			s.recordSpawnFailure()
			_ = proc.Kill(-1)
			return
		}

		s.pool = append(s.pool, h)
		s.spawnedProcs++

		go h.forward(s.childEventsCh)
	}
}

func (s *scheduler[T]) recordSpawnFailure() {
	now := time.Now()
	s.spawnFailureTimes = append(s.spawnFailureTimes, now)

	cutoff := now.Add(-60 * time.Second)
	recent := s.spawnFailureTimes[:0]
	for _, t := range s.spawnFailureTimes {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.spawnFailureTimes = recent

	if s.opts.MaxReasonableProcessFailuresPerMinute > 0 &&
		len(s.spawnFailureTimes) > s.opts.MaxReasonableProcessFailuresPerMinute {
		err := fmt.Errorf("exceeded %d spawn failures in the last minute", s.opts.MaxReasonableProcessFailuresPerMinute)
		s.ev.emit(EventEndError, EndErrorEvent{Err: err})
		s.beginEnd()
	}
}

// assign pairs idle children with head-of-queue tasks, in pool
// insertion order, until one side runs out.
func (s *scheduler[T]) assign() {
	for _, h := range s.pool {
		if len(s.queue) == 0 {
			return
		}
		if h.state != ChildIdle {
			continue
		}

		task := s.queue[0]
		s.queue = s.queue[1:]

		deadline := time.Now().Add(time.Duration(s.opts.TaskTimeoutMillis) * time.Millisecond)
		task.deadline = deadline
		h.currentTask = task
		h.state = ChildBusy
		h.deadline = deadline
		h.resetBuffers()

		if err := h.write(task.Command); err != nil {
			h.currentTask = nil
			h.state = ChildEnding

			if task.retries < 1 {
				task.retries++
				s.queue = append([]*Task[T]{task}, s.queue...)
			} else {
				task.reject(fmt.Errorf("%w: %v", ErrChildDied, err))
				s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrChildDied})
			}

			_ = h.proc.Kill(-1)
			s.startEscalation(h)
		}
	}
}

func (s *scheduler[T]) handleChildEvent(ce childEvent) {
	h := s.findChild(ce.pid)
	if h == nil {
		return
	}

	switch ce.kind {
	case evStdout:
		s.handleStdout(h, ce.line)
	case evStderr:
		s.handleStderr(h, ce.line)
	case evExit:
		s.handleExit(h)
	}
}

func (s *scheduler[T]) findChild(pid int) *childHandle[T] {
	for _, h := range s.pool {
		if h.pid == pid {
			return h
		}
	}
	return nil
}

func (s *scheduler[T]) handleStdout(h *childHandle[T], line string) {
	switch h.state {
	case ChildStarting:
		if trimMatches(line, s.opts.Pass) {
			h.state = ChildIdle
			h.deadline = time.Time{}
			s.ev.emit(EventChildStart, ChildStartEvent{Pid: h.pid})
		}
	case ChildBusy:
		terminal, passed := h.onStdoutLine(line, s.opts.Pass, s.opts.Fail)
		if !terminal {
			return
		}

		if s.opts.StreamFlushMillis <= 0 {
			s.completeTask(h, passed)
			return
		}

		h.pendingPassed = passed
		h.state = ChildFlushing
		h.deadline = time.Now().Add(time.Duration(s.opts.StreamFlushMillis) * time.Millisecond)
	}
}

func (s *scheduler[T]) handleStderr(h *childHandle[T], line string) {
	if h.state == ChildBusy || h.state == ChildFlushing {
		h.onStderrLine(line)
	}
}

func (s *scheduler[T]) handleExit(h *childHandle[T]) {
	switch h.state {
	case ChildStarting:
		s.ev.emit(EventStartError, StartErrorEvent{Err: fmt.Errorf("%w: %v", ErrSpawnFailed, errStartupFailed)})
	case ChildBusy, ChildFlushing:
		task := h.currentTask
		h.currentTask = nil
		h.resetBuffers()

		if task != nil {
			if task.retries < 1 {
				task.retries++
				s.queue = append([]*Task[T]{task}, s.queue...)
			} else {
				task.reject(ErrChildDied)
				s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrChildDied})
			}
		}
	}

	h.state = ChildDead
}

func (s *scheduler[T]) completeTask(h *childHandle[T], passed bool) {
	task := h.currentTask
	h.currentTask = nil
	h.taskCount++
	s.completedTasks++

	stdout := h.stdoutBuf.String()
	stderr := h.stderrBuf.String()
	sawStderr := h.sawStderr
	h.resetBuffers()
	h.state = ChildIdle

	switch {
	case sawStderr:
		task.reject(fmt.Errorf("%w: %s", ErrStderrOutput, stderr))
		s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrStderrOutput})
	case !passed:
		task.reject(fmt.Errorf("%w: %s", ErrFailMarker, tailOf(stdout, stderr)))
		s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrFailMarker})
	default:
		value, err := task.parser(stdout, stderr)
		if err != nil {
			task.reject(fmt.Errorf("%w: %v", ErrParserReject, err))
			s.ev.emit(EventTaskError, TaskErrorEvent{Pid: h.pid, Err: ErrParserReject})
		} else {
			task.resolve(value)
			s.ev.emit(EventTaskData, TaskDataEvent{Pid: h.pid, Data: value})
		}
	}
}

func tailOf(stdout, stderr string) string {
	if stderr != "" {
		return stderr
	}
	return stdout
}

func trimMatches(line, marker string) bool {
	return stripCRLF(line) == marker
}

func stripCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	return s
}

// enqueue appends task to the queue, unless the cluster is ending.
func (s *scheduler[T]) enqueue(task *Task[T]) error {
	if s.ending {
		task.reject(ErrClusterEnded)
		return ErrClusterEnded
	}

	s.queue = append(s.queue, task)
	s.tick()
	return nil
}

func (s *scheduler[T]) livePids() []int {
	pids := make([]int, 0, len(s.pool))
	for _, h := range s.pool {
		if h.state != ChildDead {
			pids = append(pids, h.pid)
		}
	}
	return pids
}

func (s *scheduler[T]) getInternalErrorCount() int {
	return s.internalErrorCount
}

func (s *scheduler[T]) meanTasksPerProc() float64 {
	if s.spawnedProcs == 0 {
		return 0
	}
	return float64(s.completedTasks) / float64(s.spawnedProcs)
}

// beginEnd moves the cluster into the ending state: subsequent
// enqueues fail, every pending task is rejected, every idle child is
// asked to exit, and a per-child escalation goroutine is started for
// every live child so busy/starting ones are eventually reclaimed
// too. It is safe to call more than once; only the first call has an
// effect.
func (s *scheduler[T]) beginEnd() {
	if s.ending {
		return
	}
	s.ending = true

	s.ev.emit(EventBeforeEnd, BeforeEndEvent{})

	for _, task := range s.queue {
		task.reject(ErrClusterEnded)
	}
	s.queue = nil

	for _, h := range s.pool {
		switch h.state {
		case ChildIdle:
			s.retire(h)
		case ChildStarting, ChildBusy, ChildFlushing:
			// ending/dead children already have (or no longer need)
			// an escalation goroutine armed from retire/timeOut.
			s.startEscalation(h)
		}
	}

	s.armDrain(nil)

	s.maybeFinalizeEnd()
}

// armDrain starts, at most once per Cluster lifetime, the goroutine
// that waits for every currently live child to exit and then signals
// drainDoneCh. It is the only path that ever sets drainSignaled (via
// that signal reaching run()'s select loop), so it must run whenever
// the cluster enters the ending state - whether that happens via an
// explicit End call or via the failure-rate circuit breaker tripping
// inside recordSpawnFailure - not only on the first call to end(ctx).
// ctx may be nil, in which case the wait is bounded only by the
// escalation goroutines armed elsewhere eventually killing every
// child, not by caller cancellation.
func (s *scheduler[T]) armDrain(ctx context.Context) {
	if s.drainStarted {
		return
	}
	s.drainStarted = true

	if ctx == nil {
		ctx = context.Background()
	}

	snapshot := append([]*childHandle[T]{}, s.pool...)
	go func() {
		var g errgroup.Group
		for _, h := range snapshot {
			h := h
			g.Go(func() error {
				select {
				case <-h.proc.Done():
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()

		select {
		case s.drainDoneCh <- struct{}{}:
		default:
		}
	}()
}

// startEscalation arms the grace-then-SIGTERM-then-SIGKILL sequence
// for h, driven on its own goroutine; it only ever touches h.proc,
// never scheduler state, so it needs no synchronization with the
// scheduler's own goroutine.
func (s *scheduler[T]) startEscalation(h *childHandle[T]) {
	grace := time.Duration(s.opts.EndGracefulWaitTimeMillis) * time.Millisecond

	go func() {
		select {
		case <-h.proc.Done():
			return
		case <-time.After(grace):
		}

		if err := h.proc.Terminate(grace); err == nil {
			return
		}

		if err := h.proc.Kill(0); err != nil {
			s.log.Debug("kill did not converge", zap.Int("pid", h.pid), zap.Error(err))
		}
	}()
}

// end drains the cluster: it arms the drain wait (via armDrain, run
// outside the scheduler goroutine) for every currently live child to
// actually exit, then calls beginEnd, before signalling the scheduler
// to finalize. beginEnd arms the same drain itself if the cluster
// entered the ending state some other way (the failure-rate circuit
// breaker), so End is safe to call whether or not it is what actually
// started the drain.
func (s *scheduler[T]) end(ctx context.Context) chan struct{} {
	waiter := make(chan struct{})

	if s.ended {
		close(waiter)
		return waiter
	}

	s.endWaiters = append(s.endWaiters, waiter)

	// arm the drain with this caller's ctx before beginEnd's own
	// fallback armDrain(nil) call can run, so an explicit End(ctx)
	// still bounds the wait by ctx when it is the first thing to end
	// the cluster.
	s.armDrain(ctx)
	s.beginEnd()

	return waiter
}

func (s *scheduler[T]) maybeFinalizeEnd() {
	if !s.ending || s.ended {
		return
	}
	if !s.drainSignaled {
		return
	}
	if len(s.pool) > 0 {
		return
	}

	s.ended = true
	s.ev.emit(EventEnd, EndEvent{})

	for _, w := range s.endWaiters {
		close(w)
	}
	s.endWaiters = nil
}
