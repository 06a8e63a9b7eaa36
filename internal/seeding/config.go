// Package seeding populates a running saferide backend with synthetic
// villages and participants and checks the village ranking it serves.
package seeding

import (
	"errors"
	"time"
)

// Defaults used by the seed command.
const (
	DefaultBaseURL  = "http://localhost:9080"
	DefaultVillages = 20
	DefaultUsers    = 1000
	DefaultTimeout  = 30 * time.Second
	maxScore        = 100
)

// ErrMismatch is returned when the served ranking disagrees with the one
// computed locally.
var ErrMismatch = errors.New("ranking mismatch")

// ErrInvariant is returned when a served ranking is malformed.
var ErrInvariant = errors.New("ranking invariant violated")

// Config holds configuration for a seeding run.
type Config struct {
	BaseURL  string        // Base URL of the service
	Villages int           // Number of villages to create
	Users    int           // Number of participants to register
	Workers  int           // Number of concurrent requests
	Timeout  time.Duration // HTTP request timeout
	Seed     int64         // Random seed, 0 picks one from the clock
}

// Stats holds run statistics.
type Stats struct {
	VillagesCreated int
	UsersCreated    int
	UsersFailed     int
	RankedVillages  int
	Mismatches      int
	Duration        time.Duration
}
