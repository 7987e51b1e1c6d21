package service

import (
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/metrics"
)

// Option configures the shared collaborators of a service
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics records outcomes on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
