package seeding

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/saferide/internal/domain/ranking"
	"github.com/okian/saferide/pkg/logger"
)

const seedScenario = "seed"

// Run seeds villages and participants through the API, then checks that the
// served ranking matches the one computed locally from what was created.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (*Stats, error) {
	if cfg.Villages < 1 {
		return nil, errors.New("at least one village is required")
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU() * 2
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	start := time.Now()
	stats := &Stats{}
	client := NewClient(cfg.BaseURL, cfg.Timeout)
	runID := uuid.NewString()[:8]

	log.Info(ctx, "starting seeding run",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("runID", runID),
		logger.Int("villages", cfg.Villages),
		logger.Int("users", cfg.Users),
		logger.Int("workers", workers),
		logger.Any("seed", seed),
	)

	if err := client.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	p := generatePlan(rand.New(rand.NewSource(seed)), runID, cfg.Villages, cfg.Users) //nolint:gosec // synthetic data

	villageIDs, err := createVillages(ctx, client, p.villages, workers)
	if err != nil {
		return nil, err
	}
	stats.VillagesCreated = len(villageIDs)
	log.Info(ctx, "villages created", logger.Int("count", len(villageIDs)))

	created := createUsers(ctx, client, p, villageIDs, workers)
	users := make([]ranking.UserScore, 0, len(p.users))
	for i, u := range p.users {
		if !created[i] {
			stats.UsersFailed++
			continue
		}
		users = append(users, ranking.UserScore{VillageID: villageIDs[u.village], Score: u.score})
	}
	stats.UsersCreated = len(users)
	log.Info(ctx, "participants registered",
		logger.Int("created", stats.UsersCreated),
		logger.Int("failed", stats.UsersFailed),
	)

	served, err := client.Ranking(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ranking: %w", err)
	}
	stats.RankedVillages = len(served)

	metas := make([]ranking.VillageMeta, len(villageIDs))
	ids := make(map[string]bool, len(villageIDs))
	for i, id := range villageIDs {
		metas[i] = ranking.VillageMeta{VillageID: id, VillageName: p.villages[i]}
		ids[id] = true
	}
	want := ranking.Compute(users, metas)

	problems := append(Verify(served), Compare(want, served, ids)...)
	stats.Mismatches = len(problems)
	stats.Duration = time.Since(start)

	for _, e := range problems {
		log.Warn(ctx, "ranking check failed", logger.Error(e))
	}
	log.Info(ctx, "final statistics",
		logger.Int("villagesCreated", stats.VillagesCreated),
		logger.Int("usersCreated", stats.UsersCreated),
		logger.Int("usersFailed", stats.UsersFailed),
		logger.Int("rankedVillages", stats.RankedVillages),
		logger.Int("mismatches", stats.Mismatches),
		logger.String("duration", stats.Duration.String()),
	)
	if len(problems) > 0 {
		return stats, errors.Join(problems...)
	}
	return stats, nil
}

// VerifyRemote fetches the served ranking and checks its invariants.
func VerifyRemote(ctx context.Context, cfg *Config, log logger.Logger) ([]ranking.Entry, error) {
	entries, err := NewClient(cfg.BaseURL, cfg.Timeout).Ranking(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ranking: %w", err)
	}
	problems := Verify(entries)
	log.Info(ctx, "ranking verified",
		logger.Int("villages", len(entries)),
		logger.Int("violations", len(problems)),
	)
	return entries, errors.Join(problems...)
}

// createVillages creates every village and returns the ids by index. Any
// failure aborts the run.
func createVillages(ctx context.Context, client *Client, names []string, workers int) ([]string, error) {
	ids := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		g.Go(func() error {
			id, err := client.CreateVillage(gctx, name)
			if err != nil {
				return fmt.Errorf("create village %q: %w", name, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// createUsers starts a session and registers a participant for every
// planned user. It reports which users were created; individual failures
// do not stop the others.
func createUsers(ctx context.Context, client *Client, p plan, villageIDs []string, workers int) []bool {
	created := make([]bool, len(p.users))

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, u := range p.users {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			villageID := villageIDs[u.village]
			sessionID, err := client.CreateSession(ctx, seedScenario, villageID)
			if err != nil {
				return nil
			}
			err = client.CreateUser(ctx, userBody{
				VillageID: villageID,
				Name:      u.name,
				Age:       u.age,
				SessionID: sessionID,
				Score:     u.score,
			})
			if err == nil {
				created[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	return created
}
