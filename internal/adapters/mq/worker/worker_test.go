package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	queue "github.com/okian/saferide/internal/adapters/mq/queue"
	worker "github.com/okian/saferide/internal/adapters/mq/worker"
	model "github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/internal/domain/scoring"
	logging "github.com/okian/saferide/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockQueue struct {
	jobs chan queue.Job
	once sync.Once
}

func newMockQueue() *mockQueue {
	return &mockQueue{jobs: make(chan queue.Job, 200)}
}

func (mq *mockQueue) Dequeue(ctx context.Context) <-chan queue.Job {
	out := make(chan queue.Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-mq.jobs:
				if !ok {
					return
				}
				out <- j
			}
		}
	}()
	return out
}

func (mq *mockQueue) Close() error {
	mq.once.Do(func() { close(mq.jobs) })
	return nil
}

func (mq *mockQueue) add(j queue.Job) { mq.jobs <- j } //nolint:gocritic // hugeParam

type mockRecorder struct {
	mu       sync.Mutex
	attempts map[string]model.Attempt
	errs     map[string]error
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{attempts: map[string]model.Attempt{}, errs: map[string]error{}}
}

func (r *mockRecorder) RecordAttempt(_ context.Context, a model.Attempt) error { //nolint:gocritic // hugeParam
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.errs[a.SessionID]; ok {
		return err
	}
	r.attempts[a.AttemptID] = a
	return nil
}

func (r *mockRecorder) failSession(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[id] = err
}

func (r *mockRecorder) get(id string) (model.Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[id]
	return a, ok
}

func (r *mockRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

// gatedRecorder blocks every write until gate is closed.
type gatedRecorder struct {
	*mockRecorder
	gate chan struct{}
}

func (r *gatedRecorder) RecordAttempt(ctx context.Context, a model.Attempt) error { //nolint:gocritic // hugeParam
	<-r.gate
	return r.mockRecorder.RecordAttempt(ctx, a)
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, scoring.Input) (scoring.Result, error) {
	return scoring.Result{}, errors.New("scoring unavailable")
}

func intPtr(v int) *int { return &v }

func attemptJob(id, session string, correct bool, claimed *int) queue.Job {
	return queue.Job{
		Attempt:      model.Attempt{AttemptID: id, SessionID: session, QuestID: "q1", IsCorrect: correct},
		ClaimedScore: claimed,
		Key:          session + "/q1/" + id,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a running InMemoryWorker", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		rec := newMockRecorder()
		var failed sync.Map
		w := worker.NewInMemoryWorker(q, scoring.NewPolicyScorer(), rec,
			worker.WithName("test-worker"),
			worker.WithFailureHandler(func(_ context.Context, j queue.Job, _ error) {
				failed.Store(j.Key, true)
			}),
		)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a correct attempt without a claim arrives", func() {
			q.add(attemptJob("a1", "s1", true, nil))

			convey.Convey("Then it is persisted with the correct award", func() {
				convey.So(eventually(func() bool { _, ok := rec.get("a1"); return ok }), convey.ShouldBeTrue)
				a, _ := rec.get("a1")
				convey.So(a.ScoreAwarded, convey.ShouldEqual, 20)
			})
		})

		convey.Convey("When an attempt claims more than the quest allows", func() {
			q.add(attemptJob("a2", "s1", true, intPtr(500)))

			convey.Convey("Then the award is clamped", func() {
				convey.So(eventually(func() bool { _, ok := rec.get("a2"); return ok }), convey.ShouldBeTrue)
				a, _ := rec.get("a2")
				convey.So(a.ScoreAwarded, convey.ShouldEqual, 20)
			})
		})

		convey.Convey("When recording fails", func() {
			rec.failSession("broken", errors.New("store down"))
			j := attemptJob("a3", "broken", false, nil)
			q.add(j)

			convey.Convey("Then the failure handler receives the job", func() {
				convey.So(eventually(func() bool { _, ok := failed.Load(j.Key); return ok }), convey.ShouldBeTrue)
				_, ok := rec.get("a3")
				convey.So(ok, convey.ShouldBeFalse)
			})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()

			convey.Convey("Then it stops gracefully", func() {
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			})
		})
	})

	convey.Convey("Given a worker whose scorer fails", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		rec := newMockRecorder()
		calls := make(chan string, 1)
		w := worker.NewInMemoryWorker(q, failingScorer{}, rec,
			worker.WithLogger(logging.NewNop()),
			worker.WithFailureHandler(func(_ context.Context, j queue.Job, _ error) { calls <- j.Attempt.AttemptID }),
		)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		q.add(attemptJob("a4", "s1", true, nil))

		convey.Convey("Then nothing is recorded and the failure is reported", func() {
			select {
			case id := <-calls:
				convey.So(id, convey.ShouldEqual, "a4")
			case <-time.After(2 * time.Second):
				convey.So("timeout", convey.ShouldBeEmpty)
			}
			convey.So(rec.count(), convey.ShouldEqual, 0)
		})
	})

	convey.Convey("Given a worker logging at debug level", t, func() {
		_ = logging.Init()

		core, logs := observer.New(zapcore.DebugLevel)
		q := newMockQueue()
		w := worker.NewInMemoryWorker(q, scoring.NewPolicyScorer(), newMockRecorder(),
			worker.WithLogger(logging.Wrap(zap.New(core))),
		)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		j := attemptJob("a5", "s1", true, nil)
		j.Attempt.ResponseTime = 2.5
		q.add(j)

		convey.Convey("Then the persisted attempt is logged with its response time", func() {
			persisted := func() bool { return logs.FilterMessage("attempt persisted").Len() == 1 }
			convey.So(eventually(persisted), convey.ShouldBeTrue)
			fields := logs.FilterMessage("attempt persisted").All()[0].ContextMap()
			convey.So(fields["attempt_id"], convey.ShouldEqual, "a5")
			convey.So(fields["response_time"], convey.ShouldEqual, 2.5)
			convey.So(fields["is_correct"], convey.ShouldEqual, true)
		})
	})

	convey.Convey("Given a worker whose queue closes", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		w := worker.NewInMemoryWorker(q, scoring.NewPolicyScorer(), newMockRecorder())
		done := make(chan struct{})
		go func() {
			w.Run(context.Background())
			close(done)
		}()
		_ = q.Close()

		convey.Convey("Then Run returns", func() {
			select {
			case <-done:
				convey.So(true, convey.ShouldBeTrue)
			case <-time.After(2 * time.Second):
				convey.So("timeout", convey.ShouldBeEmpty)
			}
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a worker pool with multiple workers", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		rec := newMockRecorder()
		pool := worker.NewPool(4, q, scoring.NewPolicyScorer(), rec)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.So(pool.Size(), convey.ShouldEqual, 4)

		convey.Convey("When many attempts are queued concurrently", func() {
			const total = 100
			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for j := 0; j < total/5; j++ {
						q.add(attemptJob(fmt.Sprintf("a-%d-%d", p, j), "s1", j%2 == 0, nil))
					}
				}(i)
			}
			wg.Wait()

			convey.Convey("Then every attempt is persisted", func() {
				convey.So(eventually(func() bool { return rec.count() == total }), convey.ShouldBeTrue)
				convey.So(eventually(func() bool { return pool.Processed() == total }), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When shutting down with work still queued", func() {
			for i := 0; i < 10; i++ {
				q.add(attemptJob(fmt.Sprintf("d-%d", i), "s2", true, nil))
			}
			err := pool.Shutdown(context.Background())

			convey.Convey("Then the queue is drained first", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(rec.count(), convey.ShouldEqual, 10)
			})
		})
	})

	convey.Convey("Given a pool created with a zero worker count", t, func() {
		_ = logging.Init()
		pool := worker.NewPool(0, newMockQueue(), scoring.NewPolicyScorer(), newMockRecorder())

		convey.Convey("Then a CPU based default is used", func() {
			convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
		})
	})

	convey.Convey("Given a pool whose recorder stalls past the shutdown deadline", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(50))
		rec := &gatedRecorder{mockRecorder: newMockRecorder(), gate: make(chan struct{})}
		var released atomic.Int64
		pool := worker.NewPool(2, q, scoring.NewPolicyScorer(), rec,
			worker.WithLogger(logging.NewNop()),
			worker.WithFailureHandler(func(_ context.Context, _ queue.Job, err error) {
				if errors.Is(err, worker.ErrStopped) {
					released.Add(1)
				}
			}),
		)
		pool.Start(context.Background())

		const total = 20
		for i := 0; i < total; i++ {
			convey.So(q.Enqueue(context.Background(), attemptJob(fmt.Sprintf("t-%d", i), "s3", true, nil)), convey.ShouldBeTrue)
		}

		convey.Convey("When shutdown times out", func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			time.AfterFunc(200*time.Millisecond, func() { close(rec.gate) })
			err := pool.Shutdown(shutdownCtx)

			convey.Convey("Then every job is either persisted or released", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(int64(rec.count())+released.Load(), convey.ShouldEqual, total)
				convey.So(released.Load(), convey.ShouldBeGreaterThan, 0)
			})
		})
	})
}
