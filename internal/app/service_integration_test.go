package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/saferide/internal/adapters/repository"
	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/internal/domain/ranking"
	"github.com/okian/saferide/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// faultyStore wraps a memory store and injects failures.
type faultyStore struct {
	repository.Store

	listUsersErr error
	slowUsers    bool
	recordErr    error
	release      chan struct{}
}

func newFaultyStore(ctx context.Context) *faultyStore {
	return &faultyStore{Store: repository.NewMemoryStore(ctx, repository.WithMetricsUpdateInterval(0))}
}

func (f *faultyStore) ListUsers(ctx context.Context) ([]model.User, error) {
	if f.slowUsers {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.listUsersErr != nil {
		return nil, f.listUsersErr
	}
	return f.Store.ListUsers(ctx)
}

func (f *faultyStore) RecordAttempt(ctx context.Context, a model.Attempt) error { //nolint:gocritic // hugeParam
	if f.release != nil {
		<-f.release
	}
	if f.recordErr != nil {
		return f.recordErr
	}
	return f.Store.RecordAttempt(ctx, a)
}

func TestServiceIntegration_Ranking(t *testing.T) {
	Convey("Given a service with villages and participants", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc := startService(ctx, app.WithMaxRankingLimit(2))
		defer func() { _ = svc.Stop(ctx) }()

		alpha, _, err := svc.CreateVillage(ctx, "Alpha")
		So(err, ShouldBeNil)
		beta, _, err := svc.CreateVillage(ctx, "Beta")
		So(err, ShouldBeNil)

		for _, u := range []app.NewUser{
			{VillageID: alpha.VillageID, Score: intPtr(80)},
			{VillageID: alpha.VillageID, Score: intPtr(90)},
			{VillageID: beta.VillageID, Score: intPtr(70)},
			{VillageID: "V3"},
		} {
			_, err := svc.CreateUser(ctx, u)
			So(err, ShouldBeNil)
		}

		Convey("When the ranking is requested", func() {
			entries, err := svc.VillageRanking(ctx, 0)

			Convey("Then villages are ordered by average score", func() {
				So(err, ShouldBeNil)
				So(entries, ShouldResemble, []ranking.Entry{
					{Rank: 1, VillageID: alpha.VillageID, VillageName: "Alpha", Participants: 2, AvgScore: 85},
					{Rank: 2, VillageID: beta.VillageID, VillageName: "Beta", Participants: 1, AvgScore: 70},
					{Rank: 3, VillageID: "V3", VillageName: "V3", Participants: 1, AvgScore: 0},
				})
			})
		})

		Convey("When a limit is given", func() {
			one, err := svc.VillageRanking(ctx, 1)
			So(err, ShouldBeNil)
			capped, err := svc.VillageRanking(ctx, 50)
			So(err, ShouldBeNil)

			Convey("Then the result is truncated and capped", func() {
				So(len(one), ShouldEqual, 1)
				So(one[0].VillageName, ShouldEqual, "Alpha")
				So(len(capped), ShouldEqual, 2)
			})
		})

		Convey("When a new participant joins", func() {
			_, err := svc.CreateUser(ctx, app.NewUser{VillageID: beta.VillageID, Score: intPtr(100)})
			So(err, ShouldBeNil)

			Convey("Then the next ranking reflects it", func() {
				entries, err := svc.VillageRanking(ctx, 0)
				So(err, ShouldBeNil)
				So(entries[0].VillageID, ShouldEqual, alpha.VillageID)
				So(entries[1].VillageID, ShouldEqual, beta.VillageID)
				So(entries[1].AvgScore, ShouldEqual, 85)
				So(entries[1].Participants, ShouldEqual, 2)
			})
		})
	})
}

func TestServiceIntegration_StoreFailures(t *testing.T) {
	Convey("Given a service whose user fetch fails", t, func() {
		ctx := context.Background()
		store := newFaultyStore(ctx)
		store.listUsersErr = errors.New("connection reset")
		svc := startService(ctx, app.WithStore(store))
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then the ranking reports the store as unavailable", func() {
			_, err := svc.VillageRanking(ctx, 0)
			So(errors.Is(err, app.ErrStoreUnavailable), ShouldBeTrue)
		})
	})

	Convey("Given a service whose user fetch hangs", t, func() {
		ctx := context.Background()
		store := newFaultyStore(ctx)
		store.slowUsers = true
		svc := startService(ctx, app.WithStore(store), app.WithRankingFetchTimeout(50*time.Millisecond))
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Then the fetch timeout turns it into an unavailable store", func() {
			start := time.Now()
			_, err := svc.VillageRanking(ctx, 0)
			So(errors.Is(err, app.ErrStoreUnavailable), ShouldBeTrue)
			So(time.Since(start), ShouldBeLessThan, 2*time.Second)
		})

		Convey("Then a cancelled caller gets its own error back", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := svc.VillageRanking(cctx, 0)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(errors.Is(err, app.ErrStoreUnavailable), ShouldBeFalse)
		})
	})

	Convey("Given a service whose attempt writes fail", t, func() {
		ctx := context.Background()
		store := newFaultyStore(ctx)
		store.recordErr = errors.New("disk full")
		svc := startService(ctx, app.WithStore(store))
		defer func() { _ = svc.Stop(ctx) }()

		sess, err := svc.CreateSession(ctx, app.NewSession{ScenarioID: "sc1"})
		So(err, ShouldBeNil)
		sub := app.AttemptSubmission{SessionID: sess.SessionID, QuestID: "q1", AttemptNumber: 1}

		first, err := svc.SubmitAttempt(ctx, sub)
		So(err, ShouldBeNil)
		So(first.Status, ShouldEqual, app.StatusAccepted)

		Convey("Then the idempotency key is released for a retry", func() {
			So(eventually(func() bool {
				r, err := svc.SubmitAttempt(ctx, sub)
				return err == nil && r.Status == app.StatusAccepted
			}), ShouldBeTrue)
		})
	})
}

func TestServiceIntegration_Backpressure(t *testing.T) {
	Convey("Given a single blocked worker behind a one-slot queue", t, func() {
		ctx := context.Background()
		store := newFaultyStore(ctx)
		store.release = make(chan struct{})
		svc := startService(ctx,
			app.WithStore(store),
			app.WithWorkerCount(1),
			app.WithQueueSize(1),
		)
		defer func() { _ = svc.Stop(ctx) }()
		var once sync.Once
		unblock := func() { once.Do(func() { close(store.release) }) }
		defer unblock()

		sess, err := svc.CreateSession(ctx, app.NewSession{ScenarioID: "sc1"})
		So(err, ShouldBeNil)

		Convey("When more attempts arrive than the pipeline holds", func() {
			var rejected *app.AttemptSubmission
			for n := 1; n <= 10 && rejected == nil; n++ {
				sub := app.AttemptSubmission{SessionID: sess.SessionID, QuestID: "q1", AttemptNumber: n}
				_, err := svc.SubmitAttempt(ctx, sub)
				if errors.Is(err, app.ErrBackpressure) {
					rejected = &sub
				}
			}

			Convey("Then one is rejected with backpressure and can be retried later", func() {
				So(rejected, ShouldNotBeNil)
				unblock()
				So(eventually(func() bool {
					r, err := svc.SubmitAttempt(ctx, *rejected)
					return err == nil && r.Status == app.StatusAccepted
				}), ShouldBeTrue)
			})
		})
	})
}

func TestServiceIntegration_ShutdownDrain(t *testing.T) {
	Convey("Given attempts queued behind a blocked worker", t, func() {
		rootCtx, cancelRoot := context.WithCancel(context.Background())
		defer cancelRoot()
		store := newFaultyStore(context.Background())
		store.release = make(chan struct{})
		svc := startService(rootCtx, app.WithStore(store), app.WithQueueSize(500))

		sess, err := svc.CreateSession(rootCtx, app.NewSession{ScenarioID: "sc1"})
		So(err, ShouldBeNil)

		accepted := 0
		for n := 1; n <= 200; n++ {
			r, err := svc.SubmitAttempt(rootCtx, app.AttemptSubmission{
				SessionID: sess.SessionID, QuestID: "q1", AttemptNumber: n, IsCorrect: true,
			})
			So(err, ShouldBeNil)
			if r.Status == app.StatusAccepted {
				accepted++
			}
		}
		So(accepted, ShouldEqual, 200)

		Convey("When the root context is canceled before Stop", func() {
			cancelRoot()
			close(store.release)
			err := svc.Stop(context.Background())

			Convey("Then every accepted attempt is persisted", func() {
				So(err, ShouldBeNil)
				got, err := store.GetSession(context.Background(), sess.SessionID)
				So(err, ShouldBeNil)
				So(got.TotalAttempts, ShouldEqual, accepted)
				So(got.TotalScore, ShouldEqual, accepted*20)
			})
		})
	})
}

func TestServiceIntegration_ConcurrentAttempts(t *testing.T) {
	Convey("Given a service with several sessions", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc := startService(ctx, app.WithWorkerCount(4), app.WithQueueSize(1000))
		defer func() { _ = svc.Stop(ctx) }()

		const sessions, attempts = 5, 20
		ids := make([]string, sessions)
		for i := range ids {
			sess, err := svc.CreateSession(ctx, app.NewSession{ScenarioID: "sc1"})
			So(err, ShouldBeNil)
			ids[i] = sess.SessionID
		}

		Convey("When every attempt is submitted twice from many goroutines", func() {
			var wg sync.WaitGroup
			var mu sync.Mutex
			statuses := map[string]int{}
			for round := 0; round < 2; round++ {
				for _, id := range ids {
					wg.Add(1)
					go func(sessionID string) {
						defer wg.Done()
						for n := 1; n <= attempts; n++ {
							r, err := svc.SubmitAttempt(ctx, app.AttemptSubmission{
								SessionID:     sessionID,
								QuestID:       fmt.Sprintf("q%d", n%4),
								AttemptNumber: n,
								IsCorrect:     true,
							})
							if err != nil {
								continue
							}
							mu.Lock()
							statuses[r.Status]++
							mu.Unlock()
						}
					}(id)
				}
			}
			wg.Wait()

			Convey("Then each attempt is applied exactly once", func() {
				So(statuses[app.StatusAccepted], ShouldEqual, sessions*attempts)
				So(statuses[app.StatusDuplicate], ShouldEqual, sessions*attempts)

				for _, id := range ids {
					sessionID := id
					So(eventually(func() bool {
						view, err := svc.GetSession(ctx, sessionID)
						return err == nil && view.TotalAttempts == attempts
					}), ShouldBeTrue)
					view, err := svc.GetSession(ctx, sessionID)
					So(err, ShouldBeNil)
					So(view.TotalScore, ShouldEqual, attempts*20)
					So(len(view.Quests), ShouldEqual, 4)
				}
			})
		})
	})
}

func TestServiceIntegration_SQLite(t *testing.T) {
	Convey("Given a service backed by sqlite", t, func() {
		ctx := context.Background()
		store, err := repository.Open(ctx, repository.DriverSQLite, t.TempDir()+"/saferide.db", logger.NewNop())
		So(err, ShouldBeNil)
		svc := startService(ctx, app.WithStore(store))
		defer func() { _ = svc.Stop(ctx) }()

		v, _, err := svc.CreateVillage(ctx, "Gamcheon")
		So(err, ShouldBeNil)
		_, err = svc.CreateUser(ctx, app.NewUser{VillageID: v.VillageID, Score: intPtr(40)})
		So(err, ShouldBeNil)
		_, err = svc.CreateUser(ctx, app.NewUser{VillageID: v.VillageID, Score: intPtr(45)})
		So(err, ShouldBeNil)

		Convey("Then the ranking is computed from persisted rows", func() {
			entries, err := svc.VillageRanking(ctx, 0)
			So(err, ShouldBeNil)
			So(entries, ShouldResemble, []ranking.Entry{
				{Rank: 1, VillageID: v.VillageID, VillageName: "Gamcheon", Participants: 2, AvgScore: 43},
			})
		})
	})
}
