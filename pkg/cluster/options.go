package cluster

import (
	"math/rand"
	"time"

	"github.com/dd0wney/cluso-election/pkg/logging"
	"github.com/dd0wney/cluso-election/pkg/metrics"
)

type options struct {
	logger  logging.Logger
	metrics *metrics.Registry
	rng     *rand.Rand
	now     func() time.Time
}

// Option customizes a Node or StateMachine
type Option func(*options)

// WithLogger sets the logger. The default is logging.DefaultLogger().
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics registry. The default is
// metrics.DefaultRegistry(); pass nil to disable metrics.
func WithMetrics(registry *metrics.Registry) Option {
	return func(o *options) {
		o.metrics = registry
	}
}

// WithRand sets the source of election timeout jitter. It is only used
// under the state lock.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(self NodeID, opts []Option) options {
	o := options{
		logger:  logging.DefaultLogger(),
		metrics: metrics.DefaultRegistry(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger{}
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(self)))
	}
	return o
}
