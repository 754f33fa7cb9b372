package logging

import (
	"go.uber.org/zap"
)

// NamedLogger returns a decorator that attaches name to a logger,
// the same way each subsystem (cluster, proc, child) gets its own
// named sub-logger.
func NamedLogger(name string) func(log *zap.Logger) *zap.Logger {
	return func(log *zap.Logger) *zap.Logger {
		return log.Named(name)
	}
}
