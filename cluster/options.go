package cluster

import (
	"fmt"

	"github.com/pratyushFilter/batchcluster/internal/child"
	"github.com/pratyushFilter/batchcluster/internal/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProcessFactory spawns one child process. The default factory built
// from Options.Command/Args/Cwd/Env covers the common case; callers
// that need bespoke spawning (a wrapper script, a container exec)
// supply their own.
type ProcessFactory func() (*child.Proc, error)

// Options configures a Cluster. Start from DefaultOptions and override
// fields: Validate does not fill in zero-value fields (apart from an
// empty Newline, which becomes LF), so a zero below an option's
// minimum is reported as a violation.
type Options struct {
	// Command is the path or name of the binary to spawn for each
	// child process. Ignored if ProcessFactory is set.
	Command string `conf:"command"`

	// Args is the argument list passed to Command.
	Args []string `conf:"args"`

	// Cwd is the working directory for spawned children.
	Cwd string `conf:"cwd"`

	// Env is extra environment passed to spawned children, on top of
	// the parent's own environment.
	Env map[string]string `conf:"env"`

	// Newline is the line terminator the child protocol uses.
	Newline protocol.Newline `conf:"newline"`

	// MaxProcs upper-bounds the number of live children.
	MaxProcs int `conf:"max_procs"`

	// MaxTasksPerProcess retires a child after this many completed
	// tasks.
	MaxTasksPerProcess int `conf:"max_tasks_per_process"`

	// MaxProcAgeMillis retires a child once it has lived this long.
	MaxProcAgeMillis int `conf:"max_proc_age_millis"`

	// SpawnTimeoutMillis bounds how long a newly spawned child has to
	// answer VersionCommand.
	SpawnTimeoutMillis int `conf:"spawn_timeout_millis"`

	// TaskTimeoutMillis bounds how long a task may run from
	// assignment to its terminal line.
	TaskTimeoutMillis int `conf:"task_timeout_millis"`

	// OnIdleIntervalMillis is the scheduler tick cadence.
	OnIdleIntervalMillis int `conf:"on_idle_interval_millis"`

	// EndGracefulWaitTimeMillis is how long End waits after sending
	// ExitCommand before escalating to signals.
	EndGracefulWaitTimeMillis int `conf:"end_graceful_wait_time_millis"`

	// MaxReasonableProcessFailuresPerMinute is the sliding-window cap
	// on SpawnFailed events before the cluster ends itself.
	MaxReasonableProcessFailuresPerMinute int `conf:"max_reasonable_process_failures_per_minute"`

	// StreamFlushMillis is how long a task is held open after its
	// terminal line arrives, so stderr written just before that line
	// still rejects the task. 0 completes the task on the terminal
	// line itself.
	StreamFlushMillis int `conf:"stream_flush_millis"`

	// VersionCommand is sent to a newly spawned child to confirm it
	// is ready.
	VersionCommand string `conf:"version_command"`

	// ExitCommand is sent to ask a child to exit gracefully.
	ExitCommand string `conf:"exit_command"`

	// Pass is the terminal line marking task success.
	Pass string `conf:"pass"`

	// Fail is the terminal line marking task failure.
	Fail string `conf:"fail"`

	// ProcessFactory overrides the default Command-based spawner. Set
	// programmatically; there is no config-file/env/flag equivalent.
	ProcessFactory ProcessFactory
}

// DefaultOptions returns an Options populated with the minimums named
// in the option table, raised to sensible working defaults where the
// minimum itself would be impractical.
func DefaultOptions() Options {
	return Options{
		Newline:                               protocol.LF,
		MaxProcs:                              1,
		MaxTasksPerProcess:                    1000,
		MaxProcAgeMillis:                      5 * 60 * 1000,
		SpawnTimeoutMillis:                    1500,
		TaskTimeoutMillis:                     5000,
		OnIdleIntervalMillis:                  100,
		EndGracefulWaitTimeMillis:             500,
		MaxReasonableProcessFailuresPerMinute: 10,
		StreamFlushMillis:                     100,
		VersionCommand:                        "version",
		ExitCommand:                           "exit",
		Pass:                                  "pass",
		Fail:                                  "fail",
	}
}

// Validate checks every cross-field invariant from the option table,
// returning a *ClusterInvalidOptions listing each violation once, in
// declared field order, if any rule is broken.
func (o Options) Validate() (Options, error) {
	var violations error

	if o.Command == "" && o.ProcessFactory == nil {
		violations = multierr.Append(violations, fmt.Errorf("command must not be blank"))
	}

	if o.MaxProcs < 1 {
		violations = multierr.Append(violations, fmt.Errorf("maxProcs must be at least 1"))
	}

	if o.MaxTasksPerProcess < 1 {
		violations = multierr.Append(violations, fmt.Errorf("maxTasksPerProcess must be at least 1"))
	}

	minAge := o.SpawnTimeoutMillis
	if o.TaskTimeoutMillis > minAge {
		minAge = o.TaskTimeoutMillis
	}
	if o.MaxProcAgeMillis < minAge {
		violations = multierr.Append(violations, fmt.Errorf("maxProcAgeMillis must be greater than or equal to %d", minAge))
	}

	if o.SpawnTimeoutMillis < 100 {
		violations = multierr.Append(violations, fmt.Errorf("spawnTimeoutMillis must be at least 100"))
	}

	if o.TaskTimeoutMillis < 10 {
		violations = multierr.Append(violations, fmt.Errorf("taskTimeoutMillis must be at least 10"))
	}

	if o.OnIdleIntervalMillis < 0 {
		violations = multierr.Append(violations, fmt.Errorf("onIdleIntervalMillis must be at least 0"))
	}

	if o.EndGracefulWaitTimeMillis < 0 {
		violations = multierr.Append(violations, fmt.Errorf("endGracefulWaitTimeMillis must be at least 0"))
	}

	if o.MaxReasonableProcessFailuresPerMinute < 0 {
		violations = multierr.Append(violations, fmt.Errorf("maxReasonableProcessFailuresPerMinute must be at least 0"))
	}

	if o.StreamFlushMillis < 0 {
		violations = multierr.Append(violations, fmt.Errorf("streamFlushMillis must be at least 0"))
	}

	if o.VersionCommand == "" {
		violations = multierr.Append(violations, fmt.Errorf("versionCommand must not be blank"))
	}

	if o.ExitCommand == "" {
		violations = multierr.Append(violations, fmt.Errorf("exitCommand must not be blank"))
	}

	if o.Pass == "" {
		violations = multierr.Append(violations, fmt.Errorf("pass must not be blank"))
	}

	if o.Fail == "" {
		violations = multierr.Append(violations, fmt.Errorf("fail must not be blank"))
	}

	if o.Newline == "" {
		o.Newline = protocol.LF
	}

	if violations != nil {
		return o, newInvalidOptions(violations)
	}

	return o, nil
}

// factory builds the ProcessFactory used to spawn children: the
// caller-supplied one if set, otherwise one built from Command/Args/
// Cwd/Env, spawned with log attached to each child.
func (o Options) factory(log *zap.Logger) ProcessFactory {
	if o.ProcessFactory != nil {
		return o.ProcessFactory
	}

	cfg := child.StartConfig{
		Cmd:  o.Command,
		Args: o.Args,
		Cwd:  o.Cwd,
		Env:  o.Env,
	}

	return func() (*child.Proc, error) {
		return child.Start(cfg, o.Newline, log)
	}
}
