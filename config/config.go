// Package config defines the application-level configuration shape,
// parsed from defaults, environment variables, and CLI flags.
package config

import (
	"github.com/pratyushFilter/batchcluster/cluster"
	"github.com/pratyushFilter/batchcluster/util/conf"
)

// Config is the top-level configuration for the batchcluster binary.
type Config struct {
	// LogLevel is the log level for the application.
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application.
	LogFormat string `conf:"log_format"`

	// Cluster holds every Cluster option, under the "cluster" key in
	// config files and in env vars of the form
	// BATCHCLUSTER__CLUSTER__<OPTION> (double underscores separate the
	// prefix and each nesting level).
	Cluster cluster.Options `conf:"cluster"`
}

// DefaultConfigValues seeds the koanf tree with the same minimums
// DefaultOptions uses, so a config file or env var only needs to
// override what differs. The cluster.Options defaults are flattened
// under the "cluster" namespace with MergeDefaults rather than nested
// by hand, the same way a second config source would layer in on top
// of them.
func DefaultConfigValues() conf.DefaultConfig {
	d := cluster.DefaultOptions()

	clusterDefaults := conf.MergeDefaults("cluster", map[string]any{
		"newline":                                    string(d.Newline),
		"max_procs":                                  d.MaxProcs,
		"max_tasks_per_process":                      d.MaxTasksPerProcess,
		"max_proc_age_millis":                        d.MaxProcAgeMillis,
		"spawn_timeout_millis":                       d.SpawnTimeoutMillis,
		"task_timeout_millis":                        d.TaskTimeoutMillis,
		"on_idle_interval_millis":                    d.OnIdleIntervalMillis,
		"end_graceful_wait_time_millis":               d.EndGracefulWaitTimeMillis,
		"max_reasonable_process_failures_per_minute": d.MaxReasonableProcessFailuresPerMinute,
		"stream_flush_millis":                        d.StreamFlushMillis,
		"version_command":                            d.VersionCommand,
		"exit_command":                               d.ExitCommand,
		"pass":                                       d.Pass,
		"fail":                                       d.Fail,
	})

	defaults := conf.DefaultConfig{
		"log_level":  "info",
		"log_format": "",
	}
	for k, v := range clusterDefaults {
		defaults[k] = v
	}

	return defaults
}
