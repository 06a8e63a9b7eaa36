// Package model contains domain models passed between layers.
package model

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Village is an administrative grouping of participants and the unit ranked
// on the leaderboard.
type Village struct {
	VillageID   string    `json:"village_id"`
	VillageName string    `json:"village_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// User is a participant who finished a training session. Score is nil when
// the client never reported one.
type User struct {
	UserID    string    `json:"user_id"`
	VillageID string    `json:"village_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Age       int       `json:"age"`
	IsGuest   bool      `json:"is_guest"`
	SessionID string    `json:"session_id,omitempty"`
	Score     *int      `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is one play-through of a scenario.
type Session struct {
	SessionID          string     `json:"session_id"`
	ScenarioID         string     `json:"scenario_id"`
	VillageID          string     `json:"village_id,omitempty"`
	UserID             string     `json:"user_id,omitempty"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time"`
	TotalAttempts      int        `json:"total_attempts"`
	TotalScore         int        `json:"total_score"`
	FavoriteScene      *string    `json:"favorite_scene,omitempty"`
	SatisfactionRating *int       `json:"satisfaction_rating,omitempty"`
	SurveySubmittedAt  *time.Time `json:"survey_submitted_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SurveyUpdate carries the optional post-game survey answers.
type SurveyUpdate struct {
	FavoriteScene      *string
	SatisfactionRating *int
}

// Empty reports whether the update carries no answer at all.
func (u SurveyUpdate) Empty() bool {
	return u.FavoriteScene == nil && u.SatisfactionRating == nil
}

// Apply copies the answers onto s and stamps the survey time.
func (u SurveyUpdate) Apply(s *Session, now time.Time) {
	if u.Empty() {
		return
	}
	if u.FavoriteScene != nil {
		scene := *u.FavoriteScene
		s.FavoriteScene = &scene
	}
	if u.SatisfactionRating != nil {
		rating := *u.SatisfactionRating
		s.SatisfactionRating = &rating
	}
	s.SurveySubmittedAt = &now
	s.UpdatedAt = now
}

// Attempt is a single answer submitted for a quest within a session.
type Attempt struct {
	AttemptID      string    `json:"attempt_id"`
	SessionID      string    `json:"session_id"`
	QuestID        string    `json:"quest_id"`
	AttemptNumber  int       `json:"attempt_number"`
	ScoreAwarded   int       `json:"score_awarded"`
	SelectedOption string    `json:"selected_option"`
	IsCorrect      bool      `json:"is_correct"`
	ResponseTime   float64   `json:"response_time"`
	Timestamp      time.Time `json:"timestamp"`
}

// QuestResult summarises the attempts made on one quest.
type QuestResult struct {
	QuestID  string `json:"quest_id"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
}

// SummarizeQuests groups attempts by quest in order of first attempt. A
// quest succeeds when any of its attempts was correct.
func SummarizeQuests(attempts []Attempt) []QuestResult {
	ordered := make([]Attempt, len(attempts))
	copy(ordered, attempts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	results := make([]QuestResult, 0)
	index := make(map[string]int)
	for _, a := range ordered {
		i, ok := index[a.QuestID]
		if !ok {
			i = len(results)
			index[a.QuestID] = i
			results = append(results, QuestResult{QuestID: a.QuestID})
		}
		results[i].Attempts++
		if a.IsCorrect {
			results[i].Success = true
		}
	}
	return results
}

// Scenario is a scripted play-through made of ordered quests.
type Scenario struct {
	ScenarioID  string  `json:"scenario_id" koanf:"scenario_id"`
	Title       string  `json:"title" koanf:"title"`
	Description string  `json:"description,omitempty" koanf:"description"`
	Quests      []Quest `json:"quests,omitempty" koanf:"quests"`
}

// Quest is one minigame within a scenario.
type Quest struct {
	QuestID    string `json:"quest_id" koanf:"quest_id"`
	ScenarioID string `json:"scenario_id" koanf:"scenario_id"`
	QuestOrder int    `json:"quest_order" koanf:"quest_order"`
	Title      string `json:"title" koanf:"title"`
	Prompt     string `json:"prompt,omitempty" koanf:"prompt"`
	MaxPoints  int    `json:"max_points,omitempty" koanf:"max_points"`
}

// Certificate records a completion certificate issued to a user.
type Certificate struct {
	CertificateID string    `json:"certificate_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Name          string    `json:"name"`
	VillageName   string    `json:"village_name,omitempty"`
	Score         int       `json:"score"`
	IssuedAt      time.Time `json:"issued_at"`
}

// Sound describes a sound asset referenced by the client.
type Sound struct {
	SoundID string  `json:"sound_id" koanf:"sound_id"`
	Name    string  `json:"name" koanf:"name"`
	URL     string  `json:"url" koanf:"url"`
	Volume  float64 `json:"volume" koanf:"volume"`
	Loop    bool    `json:"loop" koanf:"loop"`
}

// NormalizeVillageName trims surrounding space, collapses inner runs of
// whitespace and applies Unicode NFC so visually identical names compare equal.
func NormalizeVillageName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}
