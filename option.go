package x402pay

import (
	"time"

	"github.com/paymesh/x402pay/logger"
	"github.com/paymesh/x402pay/metrics"
)

// Option customizes an Engine.
type Option func(*options)

type options struct {
	log logger.Logger
	rec metrics.Recorder
	now func() time.Time
}

// WithLogger overrides the logger built from the config's log level.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) { o.rec = rec }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
