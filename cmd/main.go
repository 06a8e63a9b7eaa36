package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/okian/saferide/internal/adapters/catalog"
	"github.com/okian/saferide/internal/adapters/http/api"
	"github.com/okian/saferide/internal/adapters/repository"
	"github.com/okian/saferide/internal/app"
	"github.com/okian/saferide/internal/config"
	"github.com/okian/saferide/internal/domain/scoring"
	"github.com/okian/saferide/pkg/logger"
	"github.com/okian/saferide/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout           = 10 * time.Second
	writeTimeout          = 10 * time.Second
	idleTimeout           = 60 * time.Second
	readHeaderTimeout     = 5 * time.Second
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 10 * time.Second
)

func main() {
	if err := logger.Init(); err != nil {
		// logger isn't available yet
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	loggerInstance := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		loggerInstance.Error(ctx, "failed to load config", logger.Error(err))
		return
	}

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		loggerInstance.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	svc, err := buildService(ctx, cfg, loggerInstance)
	if err != nil {
		loggerInstance.Error(ctx, "failed to build service", logger.Error(err))
		return
	}
	if err := svc.Start(ctx); err != nil {
		loggerInstance.Error(ctx, "failed to start service", logger.Error(err))
		return
	}

	go startSystemMetricsUpdater(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(svc, cfg, loggerInstance),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		loggerInstance.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			loggerInstance.Error(ctx, "HTTP server failed", logger.Error(err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	loggerInstance.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		loggerInstance.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		loggerInstance.Error(shutdownCtx, "service shutdown failed", logger.Error(err))
	}

	loggerInstance.Info(shutdownCtx, "server stopped")
}

// buildService opens the configured store, loads the optional catalog into
// it and assembles the service. The service owns the store afterwards.
func buildService(ctx context.Context, cfg *config.Config, log logger.Logger) (*app.Service, error) {
	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	caps := make(map[string]int)
	if cfg.CatalogPath != "" {
		cat, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		if err := cat.Apply(ctx, store); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply catalog: %w", err)
		}
		maps.Copy(caps, cat.QuestMaxPoints())
		log.Info(ctx, "catalog loaded",
			logger.String("path", cfg.CatalogPath),
			logger.Int("scenarios", len(cat.Scenarios)),
			logger.Int("sounds", len(cat.Sounds)),
		)
	}
	// configured caps override the catalog
	maps.Copy(caps, cfg.QuestMaxPoints)

	scorer := scoring.NewPolicyScorer(
		scoring.WithDefaultPoints(cfg.CorrectPoints, cfg.IncorrectPoints),
		scoring.WithQuestMaxPoints(caps),
	)

	return app.New(
		app.WithLogger(log.Named("app")),
		app.WithStore(store),
		app.WithScorer(scorer),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.QueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithRankingFetchTimeout(cfg.RankingFetchTimeout()),
		app.WithMaxRankingLimit(cfg.MaxRankingLimit),
	), nil
}

// newHandler registers the API routes for svc.
func newHandler(svc *app.Service, cfg *config.Config, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	api.NewServer(svc,
		api.WithLogger(log.Named("api")),
		api.WithWriteRateLimit(cfg.WriteRateLimit, cfg.WriteBurst),
	).Register(mux)
	return mux
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
