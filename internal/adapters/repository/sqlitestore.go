package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/okian/saferide/internal/adapters/repository/migrations"
	"github.com/okian/saferide/internal/domain/model"
	"github.com/okian/saferide/pkg/logger"
)

// SQLiteStore persists every collection in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// OpenSQLite opens the database at path and applies the embedded migrations.
func OpenSQLite(ctx context.Context, path string, log logger.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required: %w", ErrInvalid)
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer; statements never nest so a single connection is enough
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runMigrations(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB, log logger.Logger) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	// m.Close would also close db, so only the source is released.
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Warn(context.Background(), "failed to close migration source", logger.Error(cerr))
		}
	}()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info(context.Background(), "no migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, _, _ := m.Version()
	log.Info(context.Background(), "applied migrations", logger.Int("version", int(version)))
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %q: %w", what, id, err)
}

type scanner interface {
	Scan(dest ...any) error
}

const villageColumns = `village_id, village_name, created_at, updated_at`

func scanVillage(row scanner) (model.Village, error) {
	var (
		v                model.Village
		created, updated int64
	)
	if err := row.Scan(&v.VillageID, &v.VillageName, &created, &updated); err != nil {
		return model.Village{}, err
	}
	v.CreatedAt = fromMillis(created)
	v.UpdatedAt = fromMillis(updated)
	return v, nil
}

func (s *SQLiteStore) ListVillages(ctx context.Context) ([]model.Village, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+villageColumns+` FROM villages ORDER BY village_id`)
	if err != nil {
		return nil, fmt.Errorf("list villages: %w", err)
	}
	defer rows.Close()

	out := make([]model.Village, 0)
	for rows.Next() {
		v, err := scanVillage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan village: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetVillage(ctx context.Context, id string) (model.Village, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+villageColumns+` FROM villages WHERE village_id = ?`, id)
	v, err := scanVillage(row)
	if err != nil {
		return model.Village{}, notFound(err, "village", id)
	}
	return v, nil
}

func (s *SQLiteStore) FindVillageByName(ctx context.Context, name string) (model.Village, error) {
	key := model.NormalizeVillageName(name)
	row := s.db.QueryRowContext(ctx, `SELECT `+villageColumns+` FROM villages WHERE name_key = ?`, key)
	v, err := scanVillage(row)
	if err != nil {
		return model.Village{}, notFound(err, "village named", key)
	}
	return v, nil
}

func (s *SQLiteStore) CreateVillage(ctx context.Context, v model.Village) error {
	if strings.TrimSpace(v.VillageID) == "" {
		return fmt.Errorf("village id is required: %w", ErrInvalid)
	}
	key := model.NormalizeVillageName(v.VillageName)
	if key == "" {
		return fmt.Errorf("village name is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO villages (village_id, village_name, name_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		v.VillageID, v.VillageName, key, toMillis(v.CreatedAt), toMillis(v.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("village %q: %w", key, ErrConflict)
		}
		return fmt.Errorf("insert village: %w", err)
	}
	return nil
}

const userColumns = `user_id, village_id, name, phone, age, is_guest, session_id, score, created_at, updated_at`

func scanUser(row scanner) (model.User, error) {
	var (
		u                model.User
		score            sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&u.UserID, &u.VillageID, &u.Name, &u.Phone, &u.Age, &u.IsGuest,
		&u.SessionID, &score, &created, &updated); err != nil {
		return model.User{}, err
	}
	u.Score = intPtr(score)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u model.User) error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("user id is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UserID, u.VillageID, u.Name, u.Phone, u.Age, u.IsGuest, u.SessionID,
		nullInt(u.Score), toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.UserID, ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id))
	if err != nil {
		return model.User{}, notFound(err, "user", id)
	}
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const sessionColumns = `session_id, scenario_id, village_id, user_id, start_time, end_time, total_attempts,
	total_score, favorite_scene, satisfaction_rating, survey_submitted_at, updated_at`

func scanSession(row scanner) (model.Session, error) {
	var (
		sess           model.Session
		start, updated int64
		end, submitted sql.NullInt64
		rating         sql.NullInt64
		scene          sql.NullString
	)
	if err := row.Scan(&sess.SessionID, &sess.ScenarioID, &sess.VillageID, &sess.UserID, &start, &end,
		&sess.TotalAttempts, &sess.TotalScore, &scene, &rating, &submitted, &updated); err != nil {
		return model.Session{}, err
	}
	sess.StartTime = fromMillis(start)
	sess.EndTime = timePtr(end)
	sess.FavoriteScene = stringPtr(scene)
	sess.SatisfactionRating = intPtr(rating)
	sess.SurveySubmittedAt = timePtr(submitted)
	sess.UpdatedAt = fromMillis(updated)
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.Session) error {
	if strings.TrimSpace(sess.SessionID) == "" {
		return fmt.Errorf("session id is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.ScenarioID, sess.VillageID, sess.UserID, toMillis(sess.StartTime),
		nullMillis(sess.EndTime), sess.TotalAttempts, sess.TotalScore, nullString(sess.FavoriteScene),
		nullInt(sess.SatisfactionRating), nullMillis(sess.SurveySubmittedAt), toMillis(sess.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %q: %w", sess.SessionID, ErrConflict)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if err != nil {
		return model.Session{}, notFound(err, "session", id)
	}
	return sess, nil
}

func (s *SQLiteStore) ApplySurvey(ctx context.Context, id string, upd model.SurveyUpdate, now time.Time) (model.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Session{}, fmt.Errorf("begin survey tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if err != nil {
		return model.Session{}, notFound(err, "session", id)
	}
	upd.Apply(&sess, now)
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET favorite_scene = ?, satisfaction_rating = ?, survey_submitted_at = ?, updated_at = ?
		 WHERE session_id = ?`,
		nullString(sess.FavoriteScene), nullInt(sess.SatisfactionRating),
		nullMillis(sess.SurveySubmittedAt), toMillis(sess.UpdatedAt), id,
	)
	if err != nil {
		return model.Session{}, fmt.Errorf("update survey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Session{}, fmt.Errorf("commit survey: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a model.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_attempts = total_attempts + 1, total_score = total_score + ?
		 WHERE session_id = ?`,
		a.ScoreAwarded, a.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session totals: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update session totals: %w", err)
	} else if n == 0 {
		return fmt.Errorf("session %q: %w", a.SessionID, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempts (attempt_id, session_id, quest_id, attempt_number, score_awarded,
		   selected_option, is_correct, response_time, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.SessionID, a.QuestID, a.AttemptNumber, a.ScoreAwarded,
		a.SelectedOption, a.IsCorrect, a.ResponseTime, toMillis(a.Timestamp),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attempt %q: %w", a.AttemptID, ErrConflict)
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, sessionID string) ([]model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, session_id, quest_id, attempt_number, score_awarded, selected_option,
		   is_correct, response_time, timestamp
		 FROM attempts WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := make([]model.Attempt, 0)
	for rows.Next() {
		var (
			a  model.Attempt
			ts int64
		)
		if err := rows.Scan(&a.AttemptID, &a.SessionID, &a.QuestID, &a.AttemptNumber, &a.ScoreAwarded,
			&a.SelectedOption, &a.IsCorrect, &a.ResponseTime, &ts); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Timestamp = fromMillis(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

const upsertQuestSQL = `INSERT INTO quests (quest_id, scenario_id, quest_order, title, prompt, max_points)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (quest_id) DO UPDATE SET scenario_id = excluded.scenario_id, quest_order = excluded.quest_order,
	  title = excluded.title, prompt = excluded.prompt, max_points = excluded.max_points`

func (s *SQLiteStore) UpsertScenario(ctx context.Context, sc model.Scenario) error {
	if strings.TrimSpace(sc.ScenarioID) == "" {
		return fmt.Errorf("scenario id is required: %w", ErrInvalid)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scenario tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scenarios (scenario_id, title, description) VALUES (?, ?, ?)
		 ON CONFLICT (scenario_id) DO UPDATE SET title = excluded.title, description = excluded.description`,
		sc.ScenarioID, sc.Title, sc.Description,
	)
	if err != nil {
		return fmt.Errorf("upsert scenario: %w", err)
	}
	for _, q := range sc.Quests {
		if q.ScenarioID == "" {
			q.ScenarioID = sc.ScenarioID
		}
		if _, err := tx.ExecContext(ctx, upsertQuestSQL,
			q.QuestID, q.ScenarioID, q.QuestOrder, q.Title, q.Prompt, q.MaxPoints); err != nil {
			return fmt.Errorf("upsert quest %q: %w", q.QuestID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scenario: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scenario_id, title, description FROM scenarios ORDER BY scenario_id`)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	out := make([]model.Scenario, 0)
	for rows.Next() {
		var sc model.Scenario
		if err := rows.Scan(&sc.ScenarioID, &sc.Title, &sc.Description); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetScenario(ctx context.Context, id string) (model.Scenario, error) {
	var sc model.Scenario
	err := s.db.QueryRowContext(ctx, `SELECT scenario_id, title, description FROM scenarios WHERE scenario_id = ?`, id).
		Scan(&sc.ScenarioID, &sc.Title, &sc.Description)
	if err != nil {
		return model.Scenario{}, notFound(err, "scenario", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT quest_id, scenario_id, quest_order, title, prompt, max_points FROM quests
		 WHERE scenario_id = ? ORDER BY quest_order, quest_id`, id)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("list quests: %w", err)
	}
	defer rows.Close()

	sc.Quests = make([]model.Quest, 0)
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return model.Scenario{}, fmt.Errorf("scan quest: %w", err)
		}
		sc.Quests = append(sc.Quests, q)
	}
	return sc, rows.Err()
}

func scanQuest(row scanner) (model.Quest, error) {
	var q model.Quest
	err := row.Scan(&q.QuestID, &q.ScenarioID, &q.QuestOrder, &q.Title, &q.Prompt, &q.MaxPoints)
	return q, err
}

func (s *SQLiteStore) UpsertQuest(ctx context.Context, q model.Quest) error {
	if strings.TrimSpace(q.QuestID) == "" {
		return fmt.Errorf("quest id is required: %w", ErrInvalid)
	}
	if _, err := s.db.ExecContext(ctx, upsertQuestSQL,
		q.QuestID, q.ScenarioID, q.QuestOrder, q.Title, q.Prompt, q.MaxPoints); err != nil {
		return fmt.Errorf("upsert quest: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetQuest(ctx context.Context, id string) (model.Quest, error) {
	q, err := scanQuest(s.db.QueryRowContext(ctx,
		`SELECT quest_id, scenario_id, quest_order, title, prompt, max_points FROM quests WHERE quest_id = ?`, id))
	if err != nil {
		return model.Quest{}, notFound(err, "quest", id)
	}
	return q, nil
}

func (s *SQLiteStore) UpsertSound(ctx context.Context, snd model.Sound) error {
	if strings.TrimSpace(snd.SoundID) == "" {
		return fmt.Errorf("sound id is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sounds (sound_id, name, url, volume, loop) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (sound_id) DO UPDATE SET name = excluded.name, url = excluded.url,
		   volume = excluded.volume, loop = excluded.loop`,
		snd.SoundID, snd.Name, snd.URL, snd.Volume, snd.Loop,
	)
	if err != nil {
		return fmt.Errorf("upsert sound: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSound(ctx context.Context, id string) (model.Sound, error) {
	var snd model.Sound
	err := s.db.QueryRowContext(ctx, `SELECT sound_id, name, url, volume, loop FROM sounds WHERE sound_id = ?`, id).
		Scan(&snd.SoundID, &snd.Name, &snd.URL, &snd.Volume, &snd.Loop)
	if err != nil {
		return model.Sound{}, notFound(err, "sound", id)
	}
	return snd, nil
}

func (s *SQLiteStore) CreateCertificate(ctx context.Context, c model.Certificate) error {
	if strings.TrimSpace(c.CertificateID) == "" {
		return fmt.Errorf("certificate id is required: %w", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates (certificate_id, user_id, session_id, name, village_name, score, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.CertificateID, c.UserID, c.SessionID, c.Name, c.VillageName, c.Score, toMillis(c.IssuedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("certificate %q: %w", c.CertificateID, ErrConflict)
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCertificates(ctx context.Context) ([]model.Certificate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT certificate_id, user_id, session_id, name, village_name, score, issued_at
		 FROM certificates ORDER BY issued_at, certificate_id`)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	out := make([]model.Certificate, 0)
	for rows.Next() {
		var (
			c      model.Certificate
			issued int64
		)
		if err := rows.Scan(&c.CertificateID, &c.UserID, &c.SessionID, &c.Name, &c.VillageName,
			&c.Score, &issued); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		c.IssuedAt = fromMillis(issued)
		out = append(out, c)
	}
	return out, rows.Err()
}
