package repository

import (
	"context"
	"errors"
	"time"

	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/pkg/metrics"
)

// Instrumented wraps a Store and records per-operation latency.
type Instrumented struct {
	next Store
}

// Instrument decorates s with store operation metrics.
func Instrument(s Store) *Instrumented {
	return &Instrumented{next: s}
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrConflict):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	metrics.RecordStoreOperation(op, outcome, float64(time.Since(start).Microseconds())/1000)
}

func (s *Instrumented) Close() error { return s.next.Close() }

func (s *Instrumented) ListVillages(ctx context.Context) (out []model.Village, err error) {
	defer func(start time.Time) { observe("list_villages", start, err) }(time.Now())
	return s.next.ListVillages(ctx)
}

func (s *Instrumented) GetVillage(ctx context.Context, id string) (v model.Village, err error) {
	defer func(start time.Time) { observe("get_village", start, err) }(time.Now())
	return s.next.GetVillage(ctx, id)
}

func (s *Instrumented) FindVillageByName(ctx context.Context, name string) (v model.Village, err error) {
	defer func(start time.Time) { observe("find_village_by_name", start, err) }(time.Now())
	return s.next.FindVillageByName(ctx, name)
}

func (s *Instrumented) CreateVillage(ctx context.Context, v model.Village) (err error) {
	defer func(start time.Time) { observe("create_village", start, err) }(time.Now())
	return s.next.CreateVillage(ctx, v)
}

func (s *Instrumented) CreateUser(ctx context.Context, u model.User) (err error) {
	defer func(start time.Time) { observe("create_user", start, err) }(time.Now())
	return s.next.CreateUser(ctx, u)
}

func (s *Instrumented) GetUser(ctx context.Context, id string) (u model.User, err error) {
	defer func(start time.Time) { observe("get_user", start, err) }(time.Now())
	return s.next.GetUser(ctx, id)
}

func (s *Instrumented) ListUsers(ctx context.Context) (out []model.User, err error) {
	defer func(start time.Time) { observe("list_users", start, err) }(time.Now())
	return s.next.ListUsers(ctx)
}

func (s *Instrumented) CreateSession(ctx context.Context, sess model.Session) (err error) {
	defer func(start time.Time) { observe("create_session", start, err) }(time.Now())
	return s.next.CreateSession(ctx, sess)
}

func (s *Instrumented) GetSession(ctx context.Context, id string) (sess model.Session, err error) {
	defer func(start time.Time) { observe("get_session", start, err) }(time.Now())
	return s.next.GetSession(ctx, id)
}

func (s *Instrumented) ApplySurvey(ctx context.Context, id string, upd model.SurveyUpdate, now time.Time) (sess model.Session, err error) {
	defer func(start time.Time) { observe("apply_survey", start, err) }(time.Now())
	return s.next.ApplySurvey(ctx, id, upd, now)
}

func (s *Instrumented) RecordAttempt(ctx context.Context, a model.Attempt) (err error) {
	defer func(start time.Time) { observe("record_attempt", start, err) }(time.Now())
	return s.next.RecordAttempt(ctx, a)
}

func (s *Instrumented) ListAttempts(ctx context.Context, sessionID string) (out []model.Attempt, err error) {
	defer func(start time.Time) { observe("list_attempts", start, err) }(time.Now())
	return s.next.ListAttempts(ctx, sessionID)
}

func (s *Instrumented) UpsertScenario(ctx context.Context, sc model.Scenario) (err error) {
	defer func(start time.Time) { observe("upsert_scenario", start, err) }(time.Now())
	return s.next.UpsertScenario(ctx, sc)
}

func (s *Instrumented) ListScenarios(ctx context.Context) (out []model.Scenario, err error) {
	defer func(start time.Time) { observe("list_scenarios", start, err) }(time.Now())
	return s.next.ListScenarios(ctx)
}

func (s *Instrumented) GetScenario(ctx context.Context, id string) (sc model.Scenario, err error) {
	defer func(start time.Time) { observe("get_scenario", start, err) }(time.Now())
	return s.next.GetScenario(ctx, id)
}

func (s *Instrumented) UpsertQuest(ctx context.Context, q model.Quest) (err error) {
	defer func(start time.Time) { observe("upsert_quest", start, err) }(time.Now())
	return s.next.UpsertQuest(ctx, q)
}

func (s *Instrumented) GetQuest(ctx context.Context, id string) (q model.Quest, err error) {
	defer func(start time.Time) { observe("get_quest", start, err) }(time.Now())
	return s.next.GetQuest(ctx, id)
}

func (s *Instrumented) UpsertSound(ctx context.Context, snd model.Sound) (err error) {
	defer func(start time.Time) { observe("upsert_sound", start, err) }(time.Now())
	return s.next.UpsertSound(ctx, snd)
}

func (s *Instrumented) GetSound(ctx context.Context, id string) (snd model.Sound, err error) {
	defer func(start time.Time) { observe("get_sound", start, err) }(time.Now())
	return s.next.GetSound(ctx, id)
}

func (s *Instrumented) CreateCertificate(ctx context.Context, c model.Certificate) (err error) {
	defer func(start time.Time) { observe("create_certificate", start, err) }(time.Now())
	return s.next.CreateCertificate(ctx, c)
}

func (s *Instrumented) ListCertificates(ctx context.Context) (out []model.Certificate, err error) {
	defer func(start time.Time) { observe("list_certificates", start, err) }(time.Now())
	return s.next.ListCertificates(ctx)
}
