package sagaorch

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 5 * time.Second
)

type options struct {
	logger       logr.Logger
	retry        RetryPolicy
	observers    observers
	workers      int
	pollInterval time.Duration
	newID        func() string
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:       logr.Discard(),
		retry:        DefaultRetryPolicy(),
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRetryPolicy sets the backoff between attempts and the compensation
// attempt limit. Zero fields keep their defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p.withDefaults() }
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(ob Observer) Option {
	return func(o *options) { o.observers = append(o.observers, ob) }
}

// WithWorkers sets the number of sagas Run advances concurrently.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollInterval sets how often Run sweeps the store for incomplete sagas.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithIDGenerator replaces the UUID generator used for new saga IDs.
func WithIDGenerator(f func() string) Option {
	return func(o *options) { o.newID = f }
}

// WithClock replaces time.Now for timestamps on instances and records.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
