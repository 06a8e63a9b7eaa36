// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) to build a Config with defaults.
// - Load layers a YAML file and SAFERIDE_* env vars over the defaults.
// - Errors wrap this package's sentinel kinds.
package config

import (
	"context"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// StoreDriver selects the record store: memory or sqlite.
	StoreDriver string `koanf:"store_driver" validate:"oneof=memory sqlite"`

	// SQLitePath is the database file used by the sqlite driver.
	SQLitePath string `koanf:"sqlite_path" validate:"required_if=StoreDriver sqlite"`

	// CatalogPath points at an optional YAML file with scenarios, quests
	// and sounds loaded at startup.
	CatalogPath string `koanf:"catalog_path"`

	// QueueSize bounds the in-memory attempt queue.
	QueueSize int `koanf:"queue_size" validate:"gt=0"`

	// WorkerCount sets the number of attempt workers. Zero picks a CPU based default.
	WorkerCount int `koanf:"worker_count" validate:"gte=0"`

	// DedupeSize bounds the idempotency key cache. Zero means unbounded.
	DedupeSize int `koanf:"dedupe_size" validate:"gte=0"`

	// MaxRankingLimit caps GET /villages/ranking?limit.
	MaxRankingLimit int `koanf:"max_ranking_limit" validate:"gt=0"`

	// RankingFetchTimeoutMS bounds each store read behind the ranking.
	RankingFetchTimeoutMS int `koanf:"ranking_fetch_timeout_ms" validate:"gt=0"`

	// WriteRateLimit is the sustained writes per second accepted by the API.
	// Zero disables the limiter.
	WriteRateLimit float64 `koanf:"write_rate_limit" validate:"gte=0"`
	WriteBurst     int     `koanf:"write_burst" validate:"gte=0"`

	// CorrectPoints and IncorrectPoints are the default quest awards.
	CorrectPoints   int `koanf:"correct_points" validate:"gt=0"`
	IncorrectPoints int `koanf:"incorrect_points" validate:"gte=0,ltefield=CorrectPoints"`

	// QuestMaxPoints caps the award of individual quests.
	QuestMaxPoints map[string]int `koanf:"quest_max_points" validate:"dive,gt=0"`
}

// New creates a Config with defaults. ctx is reserved for future sources.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		StoreDriver:           "memory",
		SQLitePath:            "saferide.db",
		QueueSize:             10_000,
		WorkerCount:           0,
		DedupeSize:            100_000,
		MaxRankingLimit:       100,
		RankingFetchTimeoutMS: 5_000,
		WriteRateLimit:        200,
		WriteBurst:            400,
		CorrectPoints:         20,
		IncorrectPoints:       10,
		QuestMaxPoints:        map[string]int{},
	}
}

// RankingFetchTimeout returns RankingFetchTimeoutMS as a duration.
func (c *Config) RankingFetchTimeout() time.Duration {
	return time.Duration(c.RankingFetchTimeoutMS) * time.Millisecond
}
