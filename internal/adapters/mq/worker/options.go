package worker

import (
	"sync/atomic"

	"github.com/okian/saferide/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithFailureHandler registers a callback for jobs that failed to persist.
func WithFailureHandler(fn FailureHandler) Option {
	return func(w *InMemoryWorker) {
		w.onFailure = fn
	}
}

// withCounters shares the pool's counters with a worker.
func withCounters(active, processed *atomic.Int64) Option {
	return func(w *InMemoryWorker) {
		w.active = active
		w.processed = processed
	}
}
