// Package scoring settles how many points a quest attempt is worth.
package scoring

import (
	"context"
	"fmt"
)

// Default point values used by the training quests.
const (
	defaultCorrectPoints   = 20
	defaultIncorrectPoints = 10
)

// Points configures the awards for one quest.
type Points struct {
	Correct   int
	Incorrect int
	// Max caps a client-claimed award. Zero means Correct.
	Max int
}

func (p Points) max() int {
	if p.Max > 0 {
		return p.Max
	}
	return p.Correct
}

// Option applies a configuration option to the PolicyScorer.
type Option func(*PolicyScorer)

// WithDefaultPoints sets the awards for quests without their own entry.
func WithDefaultPoints(correct, incorrect int) Option {
	return func(s *PolicyScorer) {
		if correct > 0 {
			s.defaults.Correct = correct
		}
		if incorrect >= 0 && incorrect <= s.defaults.Correct {
			s.defaults.Incorrect = incorrect
		}
	}
}

// WithQuestMaxPoints sets per-quest caps from a configuration map.
func WithQuestMaxPoints(caps map[string]int) Option {
	return func(s *PolicyScorer) {
		for quest, limit := range caps {
			if limit <= 0 {
				continue
			}
			p := s.pointsFor(quest)
			p.Max = limit
			if p.Correct > limit {
				p.Correct = limit
			}
			if p.Incorrect > limit {
				p.Incorrect = limit
			}
			s.quests[quest] = p
		}
	}
}

// WithQuestPoints overrides the awards for a single quest.
func WithQuestPoints(questID string, p Points) Option {
	return func(s *PolicyScorer) {
		if questID != "" && p.Correct >= 0 && p.Incorrect >= 0 {
			s.quests[questID] = p
		}
	}
}

// Input abstracts the attempt fields needed for scoring.
type Input struct {
	QuestID   string
	IsCorrect bool
	// Claimed is the award reported by the client, if any.
	Claimed *int
}

// Result contains the settled award.
type Result struct {
	QuestID string
	Score   int
	// Clamped is true when a claimed award had to be pulled into range.
	Clamped bool
}

// Scorer computes the award for an attempt.
type Scorer interface {
	// Score computes a score, honoring ctx for cancellation.
	Score(ctx context.Context, in Input) (Result, error)
}

// PolicyScorer implements Scorer with fixed per-quest point tables.
type PolicyScorer struct {
	defaults Points
	quests   map[string]Points
}

// NewPolicyScorer creates a scorer with configuration options.
func NewPolicyScorer(opts ...Option) *PolicyScorer {
	s := &PolicyScorer{
		defaults: Points{Correct: defaultCorrectPoints, Incorrect: defaultIncorrectPoints},
		quests:   make(map[string]Points),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PolicyScorer) pointsFor(questID string) Points {
	if p, ok := s.quests[questID]; ok {
		return p
	}
	return s.defaults
}

// Score settles the award for in. A claimed award is kept when it lies within
// [0, max] for the quest and clamped otherwise; without a claim the quest's
// correct or incorrect award applies.
func (s *PolicyScorer) Score(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("context cancelled: %w", err)
	}
	p := s.pointsFor(in.QuestID)

	if in.Claimed == nil {
		award := p.Incorrect
		if in.IsCorrect {
			award = p.Correct
		}
		return Result{QuestID: in.QuestID, Score: award}, nil
	}

	award := *in.Claimed
	limit := p.max()
	switch {
	case award < 0:
		return Result{QuestID: in.QuestID, Score: 0, Clamped: true}, nil
	case award > limit:
		return Result{QuestID: in.QuestID, Score: limit, Clamped: true}, nil
	}
	return Result{QuestID: in.QuestID, Score: award}, nil
}

// MaxPoints returns the largest award a quest can yield.
func (s *PolicyScorer) MaxPoints(questID string) int {
	return s.pointsFor(questID).max()
}
