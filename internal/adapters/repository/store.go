// Package repository defines the record store contract and its
// implementations.
package repository

import (
	"context"
	"time"

	"github.com/okian/saferide/internal/domain/model"
)

// VillageStore persists villages.
type VillageStore interface {
	ListVillages(ctx context.Context) ([]model.Village, error)
	GetVillage(ctx context.Context, id string) (model.Village, error)
	// FindVillageByName looks a village up by its normalized name.
	FindVillageByName(ctx context.Context, name string) (model.Village, error)
	// CreateVillage inserts v. Returns ErrConflict when the normalized name
	// is already taken.
	CreateVillage(ctx context.Context, v model.Village) error
}

// UserStore persists participants.
type UserStore interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// SessionStore persists sessions and their attempts.
type SessionStore interface {
	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, id string) (model.Session, error)
	// ApplySurvey records survey answers and returns the updated session.
	ApplySurvey(ctx context.Context, id string, upd model.SurveyUpdate, now time.Time) (model.Session, error)
	// RecordAttempt stores a and adds one attempt and its award to the
	// owning session in a single step. Returns ErrNotFound when the session
	// does not exist.
	RecordAttempt(ctx context.Context, a model.Attempt) error
	ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error)
}

// CatalogStore holds scenario, quest and sound reference data.
type CatalogStore interface {
	UpsertScenario(ctx context.Context, s model.Scenario) error
	ListScenarios(ctx context.Context) ([]model.Scenario, error)
	// GetScenario returns the scenario with its quests ordered by QuestOrder.
	GetScenario(ctx context.Context, id string) (model.Scenario, error)
	UpsertQuest(ctx context.Context, q model.Quest) error
	GetQuest(ctx context.Context, id string) (model.Quest, error)
	UpsertSound(ctx context.Context, s model.Sound) error
	GetSound(ctx context.Context, id string) (model.Sound, error)
}

// CertificateStore persists issued certificates.
type CertificateStore interface {
	CreateCertificate(ctx context.Context, c model.Certificate) error
	ListCertificates(ctx context.Context) ([]model.Certificate, error)
}

// Store provides read/write access to every collection.
type Store interface {
	VillageStore
	UserStore
	SessionStore
	CatalogStore
	CertificateStore

	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*Instrumented)(nil)
)
