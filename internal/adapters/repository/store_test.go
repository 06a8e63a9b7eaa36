package repository_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/saferide/internal/adapters/repository"
	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func intPtr(v int) *int { return &v }

type storeFactory func(t *testing.T) repository.Store

func memoryFactory(t *testing.T) repository.Store {
	t.Helper()
	s := repository.NewMemoryStore(context.Background(), repository.WithMetricsUpdateInterval(0))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sqliteFactory(t *testing.T) repository.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saferide.db")
	s, err := repository.OpenSQLite(context.Background(), path, logger.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores(t *testing.T) {
	for name, factory := range map[string]storeFactory{
		"memory": memoryFactory,
		"sqlite": sqliteFactory,
	} {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, factory)
		})
	}
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)

	Convey("Given an empty store", t, func() {
		s := newStore(t)

		Convey("Villages are unique by normalized name", func() {
			So(s.CreateVillage(ctx, model.Village{VillageID: "v1", VillageName: "Sunny  Hill", CreatedAt: now, UpdatedAt: now}), ShouldBeNil)

			err := s.CreateVillage(ctx, model.Village{VillageID: "v2", VillageName: " Sunny Hill ", CreatedAt: now, UpdatedAt: now})
			So(errors.Is(err, repository.ErrConflict), ShouldBeTrue)

			found, err := s.FindVillageByName(ctx, "Sunny Hill")
			So(err, ShouldBeNil)
			So(found.VillageID, ShouldEqual, "v1")
			So(found.CreatedAt.Equal(now), ShouldBeTrue)

			got, err := s.GetVillage(ctx, "v1")
			So(err, ShouldBeNil)
			So(got.VillageName, ShouldEqual, "Sunny  Hill")

			_, err = s.GetVillage(ctx, "missing")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

			list, err := s.ListVillages(ctx)
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 1)
		})

		Convey("Villages without a name are rejected", func() {
			err := s.CreateVillage(ctx, model.Village{VillageID: "v1", VillageName: "   "})
			So(errors.Is(err, repository.ErrInvalid), ShouldBeTrue)
		})

		Convey("Users keep a nil score distinct from zero", func() {
			So(s.CreateUser(ctx, model.User{UserID: "u1", VillageID: "v1", Name: "Kim", Age: 71, CreatedAt: now, UpdatedAt: now}), ShouldBeNil)
			So(s.CreateUser(ctx, model.User{UserID: "u2", VillageID: "v1", Score: intPtr(0), IsGuest: true, CreatedAt: now, UpdatedAt: now}), ShouldBeNil)

			u1, err := s.GetUser(ctx, "u1")
			So(err, ShouldBeNil)
			So(u1.Score, ShouldBeNil)
			So(u1.Age, ShouldEqual, 71)

			u2, err := s.GetUser(ctx, "u2")
			So(err, ShouldBeNil)
			So(u2.Score, ShouldNotBeNil)
			So(*u2.Score, ShouldEqual, 0)
			So(u2.IsGuest, ShouldBeTrue)

			users, err := s.ListUsers(ctx)
			So(err, ShouldBeNil)
			So(len(users), ShouldEqual, 2)

			So(errors.Is(s.CreateUser(ctx, model.User{UserID: "u1", VillageID: "v1", CreatedAt: now, UpdatedAt: now}), repository.ErrConflict), ShouldBeTrue)
			_, err = s.GetUser(ctx, "nobody")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Sessions accumulate attempts", func() {
			So(s.CreateSession(ctx, model.Session{SessionID: "s1", ScenarioID: "sc1", StartTime: now, UpdatedAt: now}), ShouldBeNil)

			So(s.RecordAttempt(ctx, model.Attempt{AttemptID: "a1", SessionID: "s1", QuestID: "q1", AttemptNumber: 1, ScoreAwarded: 10, Timestamp: now}), ShouldBeNil)
			So(s.RecordAttempt(ctx, model.Attempt{AttemptID: "a2", SessionID: "s1", QuestID: "q1", AttemptNumber: 2, ScoreAwarded: 20, IsCorrect: true, Timestamp: now.Add(time.Second)}), ShouldBeNil)

			sess, err := s.GetSession(ctx, "s1")
			So(err, ShouldBeNil)
			So(sess.TotalAttempts, ShouldEqual, 2)
			So(sess.TotalScore, ShouldEqual, 30)
			So(sess.EndTime, ShouldBeNil)

			attempts, err := s.ListAttempts(ctx, "s1")
			So(err, ShouldBeNil)
			So(len(attempts), ShouldEqual, 2)
			So(attempts[1].IsCorrect, ShouldBeTrue)

			err = s.RecordAttempt(ctx, model.Attempt{AttemptID: "a3", SessionID: "nope", QuestID: "q1", Timestamp: now})
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Concurrent attempts are all counted", func() {
			So(s.CreateSession(ctx, model.Session{SessionID: "s2", StartTime: now, UpdatedAt: now}), ShouldBeNil)
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					_ = s.RecordAttempt(ctx, model.Attempt{
						AttemptID: fmt.Sprintf("c%d", n), SessionID: "s2", QuestID: "q1",
						AttemptNumber: n, ScoreAwarded: 5, Timestamp: now,
					})
				}(i)
			}
			wg.Wait()

			sess, err := s.GetSession(ctx, "s2")
			So(err, ShouldBeNil)
			So(sess.TotalAttempts, ShouldEqual, 20)
			So(sess.TotalScore, ShouldEqual, 100)
		})

		Convey("Survey answers are applied", func() {
			So(s.CreateSession(ctx, model.Session{SessionID: "s3", StartTime: now, UpdatedAt: now}), ShouldBeNil)
			later := now.Add(time.Hour)
			got, err := s.ApplySurvey(ctx, "s3", model.SurveyUpdate{SatisfactionRating: intPtr(4)}, later)
			So(err, ShouldBeNil)
			So(*got.SatisfactionRating, ShouldEqual, 4)
			So(got.FavoriteScene, ShouldBeNil)

			stored, err := s.GetSession(ctx, "s3")
			So(err, ShouldBeNil)
			So(stored.SurveySubmittedAt, ShouldNotBeNil)
			So(stored.SurveySubmittedAt.Equal(later), ShouldBeTrue)
			So(stored.UpdatedAt.Equal(later), ShouldBeTrue)

			_, err = s.ApplySurvey(ctx, "missing", model.SurveyUpdate{SatisfactionRating: intPtr(4)}, later)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Scenarios return quests in order", func() {
			So(s.UpsertScenario(ctx, model.Scenario{
				ScenarioID: "sc1",
				Title:      "Crosswalk",
				Quests: []model.Quest{
					{QuestID: "q2", QuestOrder: 2, Title: "Signal"},
					{QuestID: "q1", QuestOrder: 1, Title: "Helmet"},
				},
			}), ShouldBeNil)
			So(s.UpsertQuest(ctx, model.Quest{QuestID: "q0", ScenarioID: "sc1", QuestOrder: 0, Title: "Start"}), ShouldBeNil)

			sc, err := s.GetScenario(ctx, "sc1")
			So(err, ShouldBeNil)
			So(len(sc.Quests), ShouldEqual, 3)
			So(sc.Quests[0].QuestID, ShouldEqual, "q0")
			So(sc.Quests[1].QuestID, ShouldEqual, "q1")
			So(sc.Quests[2].QuestID, ShouldEqual, "q2")
			So(sc.Quests[2].ScenarioID, ShouldEqual, "sc1")

			q, err := s.GetQuest(ctx, "q1")
			So(err, ShouldBeNil)
			So(q.Title, ShouldEqual, "Helmet")

			list, err := s.ListScenarios(ctx)
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 1)

			_, err = s.GetScenario(ctx, "none")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Sounds are upserted", func() {
			So(s.UpsertSound(ctx, model.Sound{SoundID: "horn", Name: "Horn", URL: "/s/horn.mp3", Volume: 0.5}), ShouldBeNil)
			So(s.UpsertSound(ctx, model.Sound{SoundID: "horn", Name: "Horn", URL: "/s/horn2.mp3", Volume: 0.8, Loop: true}), ShouldBeNil)

			snd, err := s.GetSound(ctx, "horn")
			So(err, ShouldBeNil)
			So(snd.URL, ShouldEqual, "/s/horn2.mp3")
			So(snd.Loop, ShouldBeTrue)

			_, err = s.GetSound(ctx, "bell")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})

		Convey("Certificates are listed", func() {
			So(s.CreateCertificate(ctx, model.Certificate{CertificateID: "c1", UserID: "u1", Name: "Kim", Score: 80, IssuedAt: now}), ShouldBeNil)
			certs, err := s.ListCertificates(ctx)
			So(err, ShouldBeNil)
			So(len(certs), ShouldEqual, 1)
			So(certs[0].IssuedAt.Equal(now), ShouldBeTrue)
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Given the store factory", t, func() {
		ctx := context.Background()

		Convey("The memory driver is the default", func() {
			s, err := repository.Open(ctx, "", "", logger.NewNop(), repository.WithMetricsUpdateInterval(0))
			So(err, ShouldBeNil)
			So(s.Close(), ShouldBeNil)
		})

		Convey("The sqlite driver migrates a new file and reopens it", func() {
			path := filepath.Join(t.TempDir(), "open.db")
			s, err := repository.Open(ctx, repository.DriverSQLite, path, logger.NewNop())
			So(err, ShouldBeNil)
			So(s.CreateVillage(ctx, model.Village{VillageID: "v1", VillageName: "Alpha"}), ShouldBeNil)
			So(s.Close(), ShouldBeNil)

			s, err = repository.Open(ctx, repository.DriverSQLite, path, logger.NewNop())
			So(err, ShouldBeNil)
			v, err := s.GetVillage(ctx, "v1")
			So(err, ShouldBeNil)
			So(v.VillageName, ShouldEqual, "Alpha")
			So(s.Close(), ShouldBeNil)
		})

		Convey("Unknown drivers are rejected", func() {
			_, err := repository.Open(ctx, "firestore", "", logger.NewNop())
			So(errors.Is(err, repository.ErrUnsupported), ShouldBeTrue)
		})
	})
}
