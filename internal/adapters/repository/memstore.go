package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/pkg/metrics"
)

const defaultMetricsUpdateInterval = 10 * time.Second

// MemoryStore keeps every collection in process memory. It is safe for
// concurrent use and returns copies, never internal pointers.
type MemoryStore struct {
	mu sync.RWMutex

	villages     map[string]model.Village
	villageNames map[string]string // normalized name -> id
	users        map[string]model.User
	sessions     map[string]model.Session
	attempts     map[string][]model.Attempt // session id -> attempts
	scenarios    map[string]model.Scenario
	quests       map[string]model.Quest
	sounds       map[string]model.Sound
	certificates []model.Certificate

	metricsUpdateInterval time.Duration
	stopCh                chan struct{}
	stopOnce              sync.Once
}

// NewMemoryStore creates an empty store and starts its metrics updater.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		villages:              make(map[string]model.Village),
		villageNames:          make(map[string]string),
		users:                 make(map[string]model.User),
		sessions:              make(map[string]model.Session),
		attempts:              make(map[string][]model.Attempt),
		scenarios:             make(map[string]model.Scenario),
		quests:                make(map[string]model.Quest),
		sounds:                make(map[string]model.Sound),
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		stopCh:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metricsUpdateInterval > 0 {
		go s.metricsLoop(ctx)
	}
	return s
}

func (s *MemoryStore) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.updateMetrics()
		}
	}
}

func (s *MemoryStore) updateMetrics() {
	s.mu.RLock()
	counts := map[string]int{
		"villages":     len(s.villages),
		"users":        len(s.users),
		"sessions":     len(s.sessions),
		"certificates": len(s.certificates),
	}
	s.mu.RUnlock()
	for collection, n := range counts {
		metrics.UpdateStoreRecords(collection, n)
	}
}

// Close stops the metrics updater.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

func (s *MemoryStore) ListVillages(ctx context.Context) ([]model.Village, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Village, 0, len(s.villages))
	for _, v := range s.villages {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VillageID < out[j].VillageID })
	return out, nil
}

func (s *MemoryStore) GetVillage(ctx context.Context, id string) (model.Village, error) {
	if err := ctx.Err(); err != nil {
		return model.Village{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.villages[id]
	if !ok {
		return model.Village{}, fmt.Errorf("village %q: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) FindVillageByName(ctx context.Context, name string) (model.Village, error) {
	if err := ctx.Err(); err != nil {
		return model.Village{}, err
	}
	key := model.NormalizeVillageName(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.villageNames[key]
	if !ok {
		return model.Village{}, fmt.Errorf("village named %q: %w", key, ErrNotFound)
	}
	return s.villages[id], nil
}

func (s *MemoryStore) CreateVillage(ctx context.Context, v model.Village) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(v.VillageID) == "" {
		return fmt.Errorf("village id is required: %w", ErrInvalid)
	}
	key := model.NormalizeVillageName(v.VillageName)
	if key == "" {
		return fmt.Errorf("village name is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.villageNames[key]; ok {
		return fmt.Errorf("village named %q: %w", key, ErrConflict)
	}
	if _, ok := s.villages[v.VillageID]; ok {
		return fmt.Errorf("village %q: %w", v.VillageID, ErrConflict)
	}
	s.villages[v.VillageID] = v
	s.villageNames[key] = v.VillageID
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; ok {
		return fmt.Errorf("user %q: %w", u.UserID, ErrConflict)
	}
	s.users[u.UserID] = cloneUser(u)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) CreateSession(ctx context.Context, sess model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sess.SessionID) == "" {
		return fmt.Errorf("session id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return fmt.Errorf("session %q: %w", sess.SessionID, ErrConflict)
	}
	s.sessions[sess.SessionID] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) ApplySurvey(ctx context.Context, id string, upd model.SurveyUpdate, now time.Time) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return model.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	sess = cloneSession(sess)
	upd.Apply(&sess, now)
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, a model.Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[a.SessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", a.SessionID, ErrNotFound)
	}
	sess.TotalAttempts++
	sess.TotalScore += a.ScoreAwarded
	s.sessions[a.SessionID] = sess
	s.attempts[a.SessionID] = append(s.attempts[a.SessionID], a)
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.attempts[sessionID]
	out := make([]model.Attempt, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) UpsertScenario(ctx context.Context, sc model.Scenario) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sc.ScenarioID) == "" {
		return fmt.Errorf("scenario id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	quests := sc.Quests
	sc.Quests = nil
	s.scenarios[sc.ScenarioID] = sc
	for _, q := range quests {
		if q.ScenarioID == "" {
			q.ScenarioID = sc.ScenarioID
		}
		s.quests[q.QuestID] = q
	}
	return nil
}

func (s *MemoryStore) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Scenario, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out, nil
}

func (s *MemoryStore) GetScenario(ctx context.Context, id string) (model.Scenario, error) {
	if err := ctx.Err(); err != nil {
		return model.Scenario{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return model.Scenario{}, fmt.Errorf("scenario %q: %w", id, ErrNotFound)
	}
	sc.Quests = make([]model.Quest, 0)
	for _, q := range s.quests {
		if q.ScenarioID == id {
			sc.Quests = append(sc.Quests, q)
		}
	}
	sortQuests(sc.Quests)
	return sc, nil
}

func (s *MemoryStore) UpsertQuest(ctx context.Context, q model.Quest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(q.QuestID) == "" {
		return fmt.Errorf("quest id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quests[q.QuestID] = q
	return nil
}

func (s *MemoryStore) GetQuest(ctx context.Context, id string) (model.Quest, error) {
	if err := ctx.Err(); err != nil {
		return model.Quest{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quests[id]
	if !ok {
		return model.Quest{}, fmt.Errorf("quest %q: %w", id, ErrNotFound)
	}
	return q, nil
}

func (s *MemoryStore) UpsertSound(ctx context.Context, snd model.Sound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(snd.SoundID) == "" {
		return fmt.Errorf("sound id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sounds[snd.SoundID] = snd
	return nil
}

func (s *MemoryStore) GetSound(ctx context.Context, id string) (model.Sound, error) {
	if err := ctx.Err(); err != nil {
		return model.Sound{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snd, ok := s.sounds[id]
	if !ok {
		return model.Sound{}, fmt.Errorf("sound %q: %w", id, ErrNotFound)
	}
	return snd, nil
}

func (s *MemoryStore) CreateCertificate(ctx context.Context, c model.Certificate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(c.CertificateID) == "" {
		return fmt.Errorf("certificate id is required: %w", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates = append(s.certificates, c)
	return nil
}

func (s *MemoryStore) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Certificate, len(s.certificates))
	copy(out, s.certificates)
	return out, nil
}

func sortQuests(qs []model.Quest) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].QuestOrder != qs[j].QuestOrder {
			return qs[i].QuestOrder < qs[j].QuestOrder
		}
		return qs[i].QuestID < qs[j].QuestID
	})
}

func cloneUser(u model.User) model.User {
	if u.Score != nil {
		v := *u.Score
		u.Score = &v
	}
	return u
}

func cloneSession(s model.Session) model.Session {
	if s.EndTime != nil {
		v := *s.EndTime
		s.EndTime = &v
	}
	if s.FavoriteScene != nil {
		v := *s.FavoriteScene
		s.FavoriteScene = &v
	}
	if s.SatisfactionRating != nil {
		v := *s.SatisfactionRating
		s.SatisfactionRating = &v
	}
	if s.SurveySubmittedAt != nil {
		v := *s.SurveySubmittedAt
		s.SurveySubmittedAt = &v
	}
	return s
}
