// Package worker scores and persists queued quest attempts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/okian/saferide/internal/adapters/mq/queue"
	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/internal/domain/scoring"
	"github.com/okian/saferide/pkg/logger"
	"github.com/okian/saferide/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 4 // multiplier for runtime.NumCPU()
	poolShutdownTimeout     = 30 * time.Second
)

// ErrStopped is handed to the failure handler for jobs a stopping worker
// received but did not process.
var ErrStopped = errors.New("worker stopped before processing attempt")

// Recorder persists a scored attempt and folds it into its session totals.
type Recorder interface {
	RecordAttempt(ctx context.Context, a model.Attempt) error
}

// Scorer settles the points awarded for an attempt.
type Scorer interface {
	Score(ctx context.Context, in scoring.Input) (scoring.Result, error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// FailureHandler is told about jobs that could not be persisted.
type FailureHandler func(ctx context.Context, j queue.Job, err error)

// Worker processes jobs until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue closes.
	Run(ctx context.Context)

	// Shutdown stops the worker without waiting for the queue to drain.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue     Queue
	scorer    Scorer
	recorder  Recorder
	name      string
	onFailure FailureHandler
	active    *atomic.Int64
	processed *atomic.Int64

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, scorer Scorer, recorder Recorder, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     q,
		scorer:    scorer,
		recorder:  recorder,
		name:      "worker",
		active:    new(atomic.Int64),
		processed: new(atomic.Int64),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named("worker")
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop. When ctx is canceled or Shutdown is called,
// jobs the queue has already handed over are passed to the failure handler.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	dequeueCtx, stop := context.WithCancel(ctx)
	defer stop()

	jobs := w.queue.Dequeue(dequeueCtx)
	for {
		select {
		case <-ctx.Done():
			stop()
			w.release(ctx, jobs)
			return
		case <-w.shutdown:
			stop()
			w.release(ctx, jobs)
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.process(ctx, j); err != nil {
				w.logger.Error(ctx, "error processing attempt",
					logger.String("attempt_id", j.Attempt.AttemptID),
					logger.Error(err),
				)
				w.fail(ctx, j, err)
			}
		}
	}
}

// release drains jobs until the queue closes the channel.
func (w *InMemoryWorker) release(ctx context.Context, jobs <-chan queue.Job) {
	for j := range jobs {
		metrics.RecordAttemptFailed()
		w.fail(ctx, j, ErrStopped)
	}
}

func (w *InMemoryWorker) fail(ctx context.Context, j queue.Job, err error) { //nolint:gocritic // hugeParam
	if w.onFailure != nil {
		w.onFailure(ctx, j, err)
	}
}

// Shutdown signals the worker to stop and waits for it.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, j queue.Job) error { //nolint:gocritic // hugeParam: Job arrives by value from the channel
	metrics.UpdateWorkerActiveCount(int(w.active.Add(1)))
	start := time.Now()
	defer func() {
		metrics.UpdateWorkerActiveCount(int(w.active.Add(-1)))
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	scoreStart := time.Now()
	res, err := w.scorer.Score(ctx, scoring.Input{
		QuestID:   j.Attempt.QuestID,
		IsCorrect: j.Attempt.IsCorrect,
		Claimed:   j.ClaimedScore,
	})
	metrics.RecordScoringLatency(float64(time.Since(scoreStart).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordAttemptFailed()
		metrics.RecordErrorByComponent("worker", "scoring_error")
		return fmt.Errorf("score attempt %s: %w", j.Attempt.AttemptID, err)
	}
	if res.Clamped {
		w.logger.Debug(ctx, "claimed score clamped",
			logger.String("attempt_id", j.Attempt.AttemptID),
			logger.String("quest_id", j.Attempt.QuestID),
			logger.Int("awarded", res.Score),
		)
	}

	a := j.Attempt
	a.ScoreAwarded = res.Score
	if err := w.recorder.RecordAttempt(ctx, a); err != nil {
		metrics.RecordWorkerError()
		metrics.RecordAttemptFailed()
		metrics.RecordErrorByComponent("worker", "record_error")
		return fmt.Errorf("record attempt %s: %w", a.AttemptID, err)
	}

	w.processed.Add(1)
	metrics.RecordAttemptPersisted()
	w.logger.Debug(ctx, "attempt persisted",
		logger.String("attempt_id", a.AttemptID),
		logger.Bool("is_correct", a.IsCorrect),
		logger.Int("awarded", a.ScoreAwarded),
		logger.Float64("response_time", a.ResponseTime),
	)
	return nil
}

// Pool manages multiple workers sharing one queue.
type Pool struct {
	workers   []*InMemoryWorker
	queue     Queue
	processed *atomic.Int64
	onFailure FailureHandler
	logger    logger.Logger
}

// NewPool creates a pool of workerCount workers. A count below one picks a
// default based on the CPU count. opts apply to every worker.
func NewPool(workerCount int, q Queue, scorer Scorer, recorder Recorder, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers:   make([]*InMemoryWorker, workerCount),
		queue:     q,
		processed: new(atomic.Int64),
		logger:    logger.Get().Named("worker-pool"),
	}

	active := new(atomic.Int64)
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{}, opts...)
		wopts = append(wopts, WithName("worker-"+strconv.Itoa(i)), withCounters(active, pool.processed))
		pool.workers[i] = NewInMemoryWorker(q, scorer, recorder, wopts...)
	}

	pool.onFailure = pool.workers[0].onFailure

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns how many attempts the pool has persisted.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Shutdown closes the queue and lets workers drain what is left. Workers
// still busy when ctx or the pool timeout expires are stopped, and jobs
// nobody processed go to the failure handler.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	timedOut := false
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut = true
			p.logger.Warn(ctx, "worker drain timed out", logger.Int("worker_id", i))
			_ = w.Shutdown(context.Background())
		}
	}

	if timedOut {
		// Every worker has returned, so the closed queue only holds jobs
		// that were never handed out.
		abandoned := 0
		for j := range p.queue.Dequeue(context.Background()) {
			abandoned++
			metrics.RecordAttemptFailed()
			if p.onFailure != nil {
				p.onFailure(ctx, j, ErrStopped)
			}
		}
		if abandoned > 0 {
			p.logger.Warn(ctx, "released undelivered attempts", logger.Int("count", abandoned))
		}
	}

	p.logger.Info(ctx, "worker pool stopped", logger.Any("processed", p.processed.Load()))
	return nil
}
