package cluster

import (
	"fmt"

	"go.uber.org/zap"
)

// ChildStartEvent fires once a spawned child answers its startup
// probe and enters the idle state.
type ChildStartEvent struct {
	Pid int
}

// ChildExitEvent fires once a reaped child's slot has been removed
// from the pool.
type ChildExitEvent struct {
	Pid int
}

// StartErrorEvent fires when the process factory, or the startup
// probe following it, fails.
type StartErrorEvent struct {
	Err error
}

// EndErrorEvent fires when the failure-rate circuit breaker trips
// and the cluster ends itself.
type EndErrorEvent struct {
	Err error
}

// InternalErrorEvent fires when the scheduler catches an unexpected
// condition that is not surfaced to any task future.
type InternalErrorEvent struct {
	Err error
}

// TaskDataEvent fires whenever a task resolves successfully, mirroring
// the value handed to the caller.
type TaskDataEvent struct {
	Pid  int
	Data any
}

// TaskErrorEvent fires whenever a task rejects, mirroring the error
// handed to the caller.
type TaskErrorEvent struct {
	Pid int
	Err error
}

// BeforeEndEvent fires once End begins draining the cluster, before
// any child has necessarily exited.
type BeforeEndEvent struct{}

// EndEvent fires once End has fully drained: every child reaped,
// every pending task settled.
type EndEvent struct{}

// EventKind names one of the nine observable transitions a Cluster
// emits.
type EventKind int

const (
	EventChildStart EventKind = iota
	EventChildExit
	EventStartError
	EventEndError
	EventInternalError
	EventTaskData
	EventTaskError
	EventBeforeEnd
	EventEnd
)

// Handler receives one event payload. Its concrete type depends on
// kind: ChildStartEvent for EventChildStart, and so on.
type Handler func(payload any)

// events is a synchronous observer registry. Emission happens on the
// scheduler's own goroutine in the order transitions occur, so
// handlers must not block or re-enter the cluster. A handler that
// panics is recovered and reported on EventInternalError without
// being unregistered.
type events struct {
	handlers map[EventKind][]Handler
	log      *zap.Logger
}

func newEvents(log *zap.Logger) *events {
	return &events{
		handlers: make(map[EventKind][]Handler),
		log:      log,
	}
}

// on registers handler for kind. Order of registration is the order
// handlers are invoked in.
func (e *events) on(kind EventKind, handler Handler) {
	e.handlers[kind] = append(e.handlers[kind], handler)
}

// emit invokes every handler registered for kind with payload. A
// handler panic is caught and, unless kind is itself
// EventInternalError (to avoid infinite recursion on a broken
// handler), rerouted to the internalError handlers.
func (e *events) emit(kind EventKind, payload any) {
	for _, h := range e.handlers[kind] {
		e.invoke(kind, h, payload)
	}
}

func (e *events) invoke(kind EventKind, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", zap.Any("kind", kind), zap.Any("recovered", r))
			if kind != EventInternalError {
				e.emit(EventInternalError, InternalErrorEvent{Err: handlerPanicError{recovered: r}})
			}
		}
	}()

	h(payload)
}

type handlerPanicError struct {
	recovered any
}

func (e handlerPanicError) Error() string {
	return fmt.Sprintf("event handler panicked: %v", e.recovered)
}
