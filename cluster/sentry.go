package cluster

import (
	"github.com/getsentry/sentry-go"
)

// WithSentry registers an internalError handler that reports every
// internal error to Sentry, scoped to one Cluster's lifetime.
func WithSentry[T any](c *Cluster[T]) {
	c.On(EventInternalError, func(payload any) {
		evt, ok := payload.(InternalErrorEvent)
		if !ok || evt.Err == nil {
			return
		}
		sentry.CaptureException(evt.Err)
	})
}
