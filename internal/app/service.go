// Package app is the application service behind the HTTP API. It owns the
// record store, the attempt pipeline and the village ranking boundary.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/saferide/internal/adapters/mq/queue"
	"github.com/okian/saferide/internal/adapters/mq/worker"
	"github.com/okian/saferide/internal/adapters/repository"
	"github.com/okian/saferide/internal/domain/dedupe"
	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/internal/domain/ranking"
	"github.com/okian/saferide/internal/domain/scoring"
	"github.com/okian/saferide/pkg/logger"
	"github.com/okian/saferide/pkg/metrics"
)

const (
	defaultQueueSize       = 10_000
	defaultDedupeSize      = 100_000
	defaultFetchTimeout    = 5 * time.Second
	defaultMaxRankingLimit = 100
)

var tracer = otel.Tracer("github.com/okian/saferide/internal/app")

// Service implements the API dependencies for the training backend.
type Service struct {
	mu sync.Mutex

	store   repository.Store
	scorer  scoring.Scorer
	deduper dedupe.Deduper
	queue   *queue.InMemoryQueue
	pool    *worker.Pool

	workerCount     int
	queueSize       int
	dedupeSize      int
	fetchTimeout    time.Duration
	maxRankingLimit int

	now   func() time.Time
	newID func() string

	// stopRun ends the context workers run under. Only Stop calls it, after
	// the queue has drained.
	stopRun context.CancelFunc

	started atomic.Bool
	logger  logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		queueSize:       defaultQueueSize,
		dedupeSize:      defaultDedupeSize,
		fetchTimeout:    defaultFetchTimeout,
		maxRankingLimit: defaultMaxRankingLimit,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the attempt pipeline. Without a configured store an
// in-memory one is created. Canceling ctx does not stop the workers; call
// Stop for that.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started.Load() {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("app")
	}
	s.logger.Info(ctx, "starting saferide service...")

	// Workers outlive the caller's ctx so that a canceled root context
	// does not abandon attempts that were already accepted.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	s.stopRun = stopRun

	if s.store == nil {
		s.store = repository.Instrument(repository.NewMemoryStore(runCtx))
		s.logger.Info(ctx, "using in-memory store")
	}
	if s.scorer == nil {
		s.scorer = scoring.NewPolicyScorer()
	}
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = queue.NewInMemoryQueue(
		queue.WithCapacity(s.queueSize),
		queue.WithBufferSize(s.queueSize),
	)
	s.pool = worker.NewPool(s.workerCount, s.queue, s.scorer, s.store,
		worker.WithLogger(s.logger.Named("worker")),
		worker.WithFailureHandler(s.releaseFailed),
	)
	s.pool.Start(runCtx)

	s.started.Store(true)
	s.logger.Info(ctx, "saferide service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
	)
	return nil
}

// releaseFailed forgets the idempotency key of an attempt that could not be
// persisted so the client can resubmit it.
func (s *Service) releaseFailed(ctx context.Context, j queue.Job, err error) { //nolint:gocritic // hugeParam
	s.deduper.Unrecord(ctx, j.Key)
	s.logger.Warn(ctx, "attempt dropped, key released",
		logger.String("attempt_id", j.Attempt.AttemptID),
		logger.String("session_id", j.Attempt.SessionID),
		logger.Error(err),
	)
}

// Stop drains the attempt queue and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started.Load() {
		return nil
	}
	s.logger.Info(ctx, "stopping saferide service...")
	s.started.Store(false)

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	s.stopRun()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info(ctx, "saferide service stopped")
	return errors.Join(errs...)
}

func (s *Service) ready() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// storeErr translates a store error into the service's kinds. notFound is
// the kind reported for a missing record.
func storeErr(op string, err error, notFound error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, notFound)
	case errors.Is(err, repository.ErrInvalid):
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidInput, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// VillageRanking fetches every user and village, then ranks villages by the
// average score of their participants. limit <= 0 returns every village;
// larger limits are capped. Results are never cached.
func (s *Service) VillageRanking(ctx context.Context, limit int) ([]ranking.Entry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "app.VillageRanking", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	start := time.Now()

	var (
		users    []model.User
		villages []model.Village
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
		defer cancel()
		out, err := s.store.ListUsers(fctx)
		if err != nil {
			metrics.RecordStoreFetchError("users")
			return fmt.Errorf("list users: %w", err)
		}
		users = out
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
		defer cancel()
		out, err := s.store.ListVillages(fctx)
		if err != nil {
			metrics.RecordStoreFetchError("villages")
			return fmt.Errorf("list villages: %w", err)
		}
		villages = out
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("village ranking: %w", ctx.Err())
		}
		s.logger.Error(ctx, "ranking fetch failed", logger.Error(err))
		return nil, fmt.Errorf("village ranking: %w: %v", ErrStoreUnavailable, err)
	}

	scores := make([]ranking.UserScore, len(users))
	for i, u := range users {
		scores[i] = ranking.UserScore{VillageID: u.VillageID, Score: u.Score}
	}
	metas := make([]ranking.VillageMeta, len(villages))
	for i, v := range villages {
		metas[i] = ranking.VillageMeta{VillageID: v.VillageID, VillageName: v.VillageName}
	}
	entries := ranking.Compute(scores, metas)

	span.SetAttributes(
		attribute.Int("ranking.users", len(users)),
		attribute.Int("ranking.villages", len(villages)),
		attribute.Int("ranking.entries", len(entries)),
	)
	metrics.RecordRanking(float64(time.Since(start).Microseconds())/1000, len(entries))

	if limit > s.maxRankingLimit {
		limit = s.maxRankingLimit
	}
	return ranking.Top(entries, limit), nil
}

// ListVillages returns every village.
func (s *Service) ListVillages(ctx context.Context) ([]model.Village, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := s.store.ListVillages(ctx)
	if err != nil {
		return nil, storeErr("list villages", err, ErrNotFound)
	}
	return out, nil
}

// GetVillage returns one village.
func (s *Service) GetVillage(ctx context.Context, id string) (model.Village, error) {
	if err := s.ready(); err != nil {
		return model.Village{}, err
	}
	v, err := s.store.GetVillage(ctx, id)
	if err != nil {
		return model.Village{}, storeErr("get village", err, ErrNotFound)
	}
	return v, nil
}

// CreateVillage returns the village with the given name, creating it when
// no village has that normalized name yet. created reports whether a new
// record was written.
func (s *Service) CreateVillage(ctx context.Context, name string) (v model.Village, created bool, err error) {
	if err := s.ready(); err != nil {
		return model.Village{}, false, err
	}
	name = model.NormalizeVillageName(name)
	if name == "" {
		return model.Village{}, false, invalid("village_name is required")
	}

	existing, err := s.store.FindVillageByName(ctx, name)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return model.Village{}, false, storeErr("find village", err, ErrNotFound)
	}

	now := s.now().UTC()
	v = model.Village{VillageID: s.newID(), VillageName: name, CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateVillage(ctx, v); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return model.Village{}, false, storeErr("create village", err, ErrNotFound)
		}
		// lost a race with a concurrent create of the same name
		existing, ferr := s.store.FindVillageByName(ctx, name)
		if ferr != nil {
			return model.Village{}, false, storeErr("find village", ferr, ErrNotFound)
		}
		return existing, false, nil
	}
	s.logger.Info(ctx, "village created", logger.String("village_id", v.VillageID), logger.String("name", name))
	return v, true, nil
}

// NewUser carries the fields of a participant registration.
type NewUser struct {
	VillageID string
	Name      string
	Phone     string
	Age       int
	IsGuest   bool
	SessionID string
	Score     *int
}

// CreateUser registers a participant.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (model.User, error) {
	if err := s.ready(); err != nil {
		return model.User{}, err
	}
	villageID := strings.TrimSpace(in.VillageID)
	switch {
	case villageID == "":
		return model.User{}, invalid("village_id is required")
	case in.Age < 0 || in.Age > 150:
		return model.User{}, invalid("age must be between 0 and 150")
	case in.Score != nil && *in.Score < 0:
		return model.User{}, invalid("score must not be negative")
	}

	now := s.now().UTC()
	u := model.User{
		UserID:    s.newID(),
		VillageID: villageID,
		Name:      strings.TrimSpace(in.Name),
		Phone:     strings.TrimSpace(in.Phone),
		Age:       in.Age,
		IsGuest:   in.IsGuest,
		SessionID: strings.TrimSpace(in.SessionID),
		Score:     in.Score,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return model.User{}, storeErr("create user", err, ErrNotFound)
	}
	return u, nil
}

// GetUser returns one participant.
func (s *Service) GetUser(ctx context.Context, id string) (model.User, error) {
	if err := s.ready(); err != nil {
		return model.User{}, err
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return model.User{}, storeErr("get user", err, ErrNotFound)
	}
	return u, nil
}

// ListScenarios returns every scenario without quests.
func (s *Service) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := s.store.ListScenarios(ctx)
	if err != nil {
		return nil, storeErr("list scenarios", err, ErrNotFound)
	}
	return out, nil
}

// GetScenario returns a scenario and its ordered quests.
func (s *Service) GetScenario(ctx context.Context, id string) (model.Scenario, error) {
	if err := s.ready(); err != nil {
		return model.Scenario{}, err
	}
	sc, err := s.store.GetScenario(ctx, id)
	if err != nil {
		return model.Scenario{}, storeErr("get scenario", err, ErrNotFound)
	}
	return sc, nil
}

// GetQuest returns one quest.
func (s *Service) GetQuest(ctx context.Context, id string) (model.Quest, error) {
	if err := s.ready(); err != nil {
		return model.Quest{}, err
	}
	q, err := s.store.GetQuest(ctx, id)
	if err != nil {
		return model.Quest{}, storeErr("get quest", err, ErrNotFound)
	}
	return q, nil
}

// GetSound returns one sound asset.
func (s *Service) GetSound(ctx context.Context, id string) (model.Sound, error) {
	if err := s.ready(); err != nil {
		return model.Sound{}, err
	}
	snd, err := s.store.GetSound(ctx, id)
	if err != nil {
		return model.Sound{}, storeErr("get sound", err, ErrNotFound)
	}
	return snd, nil
}

// NewSession carries the fields needed to start a session.
type NewSession struct {
	ScenarioID string
	VillageID  string
	UserID     string
}

// CreateSession starts a play-through with zeroed totals.
func (s *Service) CreateSession(ctx context.Context, in NewSession) (model.Session, error) {
	if err := s.ready(); err != nil {
		return model.Session{}, err
	}
	scenarioID := strings.TrimSpace(in.ScenarioID)
	if scenarioID == "" {
		return model.Session{}, invalid("scenario_id is required")
	}
	now := s.now().UTC()
	sess := model.Session{
		SessionID:  s.newID(),
		ScenarioID: scenarioID,
		VillageID:  strings.TrimSpace(in.VillageID),
		UserID:     strings.TrimSpace(in.UserID),
		StartTime:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, storeErr("create session", err, ErrNotFound)
	}
	return sess, nil
}

// SessionView is a session with its per-quest results.
type SessionView struct {
	model.Session
	Quests []model.QuestResult `json:"quests"`
}

// GetSession returns a session and the summary of its attempts.
func (s *Service) GetSession(ctx context.Context, id string) (SessionView, error) {
	if err := s.ready(); err != nil {
		return SessionView{}, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return SessionView{}, storeErr("get session", err, ErrSessionNotFound)
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return SessionView{}, storeErr("list attempts", err, ErrNotFound)
	}
	return SessionView{Session: sess, Quests: model.SummarizeQuests(attempts)}, nil
}

// UpdateSurvey stores the post-game survey of a session. At least one answer
// is required and the rating must lie in 1..5.
func (s *Service) UpdateSurvey(ctx context.Context, id string, upd model.SurveyUpdate) (model.Session, error) {
	if err := s.ready(); err != nil {
		return model.Session{}, err
	}
	if upd.Empty() {
		return model.Session{}, invalid("favorite_scene or satisfaction_rating is required")
	}
	if r := upd.SatisfactionRating; r != nil && (*r < 1 || *r > 5) {
		return model.Session{}, invalid("satisfaction_rating must be between 1 and 5")
	}
	sess, err := s.store.ApplySurvey(ctx, id, upd, s.now().UTC())
	if err != nil {
		return model.Session{}, storeErr("update survey", err, ErrSessionNotFound)
	}
	return sess, nil
}

// Attempt submission outcomes.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

// AttemptSubmission is one answer reported by the client.
type AttemptSubmission struct {
	SessionID      string
	QuestID        string
	AttemptNumber  int
	ClaimedScore   *int
	SelectedOption string
	IsCorrect      bool
	ResponseTime   float64
	// IdempotencyKey overrides the natural session/quest/attempt key.
	IdempotencyKey string
}

// AttemptReceipt reports how a submission was handled.
type AttemptReceipt struct {
	Status    string `json:"status"`
	AttemptID string `json:"attempt_id,omitempty"`
}

// SubmitAttempt accepts an attempt for asynchronous scoring and persistence.
// A resubmission under the same idempotency key is reported as a duplicate
// and not applied again. A full queue returns ErrBackpressure and releases
// the key.
func (s *Service) SubmitAttempt(ctx context.Context, in AttemptSubmission) (AttemptReceipt, error) {
	if err := s.ready(); err != nil {
		return AttemptReceipt{}, err
	}
	switch {
	case strings.TrimSpace(in.SessionID) == "":
		return AttemptReceipt{}, invalid("session_id is required")
	case strings.TrimSpace(in.QuestID) == "":
		return AttemptReceipt{}, invalid("quest_id is required")
	case in.AttemptNumber < 1:
		return AttemptReceipt{}, invalid("attempt_number must be at least 1")
	case in.ResponseTime < 0:
		return AttemptReceipt{}, invalid("response_time must not be negative")
	}

	if _, err := s.store.GetSession(ctx, in.SessionID); err != nil {
		return AttemptReceipt{}, storeErr("submit attempt", err, ErrSessionNotFound)
	}

	key := dedupe.AttemptKey(in.SessionID, in.QuestID, in.AttemptNumber)
	if k := strings.TrimSpace(in.IdempotencyKey); k != "" {
		key = "key/" + k
	}
	if s.deduper.SeenAndRecord(ctx, key) {
		metrics.RecordAttemptDuplicate()
		s.logger.Debug(ctx, "duplicate attempt", logger.String("key", key))
		return AttemptReceipt{Status: StatusDuplicate}, nil
	}

	a := model.Attempt{
		AttemptID:      s.newID(),
		SessionID:      in.SessionID,
		QuestID:        in.QuestID,
		AttemptNumber:  in.AttemptNumber,
		SelectedOption: in.SelectedOption,
		IsCorrect:      in.IsCorrect,
		ResponseTime:   in.ResponseTime,
		Timestamp:      s.now().UTC(),
	}
	if !s.queue.Enqueue(ctx, queue.Job{Attempt: a, ClaimedScore: in.ClaimedScore, Key: key}) {
		s.deduper.Unrecord(ctx, key)
		return AttemptReceipt{}, ErrBackpressure
	}
	metrics.RecordAttemptAccepted()
	return AttemptReceipt{Status: StatusAccepted, AttemptID: a.AttemptID}, nil
}

// NewCertificate carries the fields of a certificate request.
type NewCertificate struct {
	UserID      string
	SessionID   string
	Name        string
	VillageName string
	Score       int
}

// CreateCertificate issues a completion certificate.
func (s *Service) CreateCertificate(ctx context.Context, in NewCertificate) (model.Certificate, error) {
	if err := s.ready(); err != nil {
		return model.Certificate{}, err
	}
	switch {
	case strings.TrimSpace(in.UserID) == "":
		return model.Certificate{}, invalid("user_id is required")
	case strings.TrimSpace(in.Name) == "":
		return model.Certificate{}, invalid("name is required")
	case in.Score < 0:
		return model.Certificate{}, invalid("score must not be negative")
	}
	c := model.Certificate{
		CertificateID: s.newID(),
		UserID:        strings.TrimSpace(in.UserID),
		SessionID:     strings.TrimSpace(in.SessionID),
		Name:          strings.TrimSpace(in.Name),
		VillageName:   model.NormalizeVillageName(in.VillageName),
		Score:         in.Score,
		IssuedAt:      s.now().UTC(),
	}
	if err := s.store.CreateCertificate(ctx, c); err != nil {
		return model.Certificate{}, storeErr("create certificate", err, ErrNotFound)
	}
	return c, nil
}

// ListCertificates returns every issued certificate.
func (s *Service) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out, err := s.store.ListCertificates(ctx)
	if err != nil {
		return nil, storeErr("list certificates", err, ErrNotFound)
	}
	return out, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"started":    s.started.Load(),
		"queueSize":  s.queueSize,
		"dedupeSize": s.dedupeSize,
	}
	if s.started.Load() {
		queueLen := s.queue.Len(context.Background())
		stats["workerCount"] = s.pool.Size()
		stats["queueLength"] = queueLen
		stats["dedupeKeys"] = s.deduper.Size()
		stats["attemptsPersisted"] = s.pool.Processed()
	}
	return stats
}
