package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/config"
	"github.com/okian/saferide/pkg/logger"
)

const testCatalog = `
scenarios:
  - scenario_id: market
    title: Market trip
    quests:
      - quest_id: helmet
        quest_order: 1
        title: Put on the helmet
        max_points: 30
sounds:
  - sound_id: horn
    name: Horn
    url: /sounds/horn.mp3
`

func TestBuildService(t *testing.T) {
	convey.Convey("Given a configuration with a catalog", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		path := filepath.Join(dir, "catalog.yaml")
		convey.So(os.WriteFile(path, []byte(testCatalog), 0o600), convey.ShouldBeNil)

		cfg := config.New(ctx)
		cfg.CatalogPath = path
		cfg.WorkerCount = 2

		convey.Convey("When the service is built and started on the memory store", func() {
			svc, err := buildService(ctx, cfg, logger.NewNop())
			convey.So(err, convey.ShouldBeNil)
			convey.So(svc.Start(ctx), convey.ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()

			convey.Convey("Then the catalog is served", func() {
				q, err := svc.GetQuest(ctx, "helmet")
				convey.So(err, convey.ShouldBeNil)
				convey.So(q.ScenarioID, convey.ShouldEqual, "market")

				snd, err := svc.GetSound(ctx, "horn")
				convey.So(err, convey.ShouldBeNil)
				convey.So(snd.URL, convey.ShouldEqual, "/sounds/horn.mp3")
			})

			convey.Convey("Then quest caps from the catalog bound claimed scores", func() {
				sess, err := svc.CreateSession(ctx, app.NewSession{ScenarioID: "market"})
				convey.So(err, convey.ShouldBeNil)
				claimed := 50
				_, err = svc.SubmitAttempt(ctx, app.AttemptSubmission{
					SessionID: sess.SessionID, QuestID: "helmet", AttemptNumber: 1, ClaimedScore: &claimed,
				})
				convey.So(err, convey.ShouldBeNil)

				deadline := time.Now().Add(2 * time.Second)
				var view app.SessionView
				for time.Now().Before(deadline) {
					view, _ = svc.GetSession(ctx, sess.SessionID)
					if view.TotalAttempts == 1 {
						break
					}
					time.Sleep(5 * time.Millisecond)
				}
				convey.So(view.TotalScore, convey.ShouldEqual, 30)
			})
		})

		convey.Convey("When the service is built on sqlite", func() {
			cfg.StoreDriver = "sqlite"
			cfg.SQLitePath = filepath.Join(dir, "saferide.db")
			svc, err := buildService(ctx, cfg, logger.NewNop())
			convey.So(err, convey.ShouldBeNil)
			convey.So(svc.Start(ctx), convey.ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()

			convey.Convey("Then the catalog is persisted", func() {
				sc, err := svc.GetScenario(ctx, "market")
				convey.So(err, convey.ShouldBeNil)
				convey.So(len(sc.Quests), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When the catalog file is missing", func() {
			cfg.CatalogPath = filepath.Join(dir, "missing.yaml")
			_, err := buildService(ctx, cfg, logger.NewNop())

			convey.Convey("Then building fails", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "load catalog")
			})
		})

		convey.Convey("When the store driver is unknown", func() {
			cfg.StoreDriver = "firestore"
			_, err := buildService(ctx, cfg, logger.NewNop())
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestNewHandler(t *testing.T) {
	convey.Convey("Given a started service behind the handler", t, func() {
		ctx := context.Background()
		cfg := config.New(ctx)
		svc, err := buildService(ctx, cfg, logger.NewNop())
		convey.So(err, convey.ShouldBeNil)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		h := newHandler(svc, cfg, logger.NewNop())

		convey.Convey("Then the ranking route answers", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/villages/ranking", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(strings.TrimSpace(w.Body.String()), convey.ShouldEqual, "[]")
		})

		convey.Convey("Then the health route answers", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
		})
	})
}

func TestSystemMetrics(t *testing.T) {
	convey.Convey("Given the system metrics updater", t, func() {
		convey.Convey("Then a single update does not panic", func() {
			convey.So(updateSystemMetrics, convey.ShouldNotPanic)
		})

		convey.Convey("Then the loop returns once the context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			done := make(chan struct{})
			go func() {
				startSystemMetricsUpdater(ctx)
				close(done)
			}()
			select {
			case <-done:
				convey.So(true, convey.ShouldBeTrue)
			case <-time.After(2 * time.Second):
				convey.So("updater still running", convey.ShouldBeEmpty)
			}
		})
	})
}
