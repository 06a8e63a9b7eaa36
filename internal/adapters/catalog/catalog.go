// Package catalog loads scenario, quest and sound reference data from a
// YAML file into the record store.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/saferide/internal/domain/model"
)

// ErrInvalidCatalog marks a catalog that parsed but failed validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the decoded file.
type Catalog struct {
	Scenarios []model.Scenario `koanf:"scenarios"`
	Sounds    []model.Sound    `koanf:"sounds"`
}

// Writer is the store surface the catalog is written to.
type Writer interface {
	UpsertScenario(ctx context.Context, s model.Scenario) error
	UpsertSound(ctx context.Context, s model.Sound) error
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return decode(k)
}

func decode(k *koanf.Koanf) (*Catalog, error) {
	var c Catalog
	if err := k.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	quests := make(map[string]string)
	for i, s := range c.Scenarios {
		if s.ScenarioID == "" {
			return fmt.Errorf("%w: scenario #%d has no scenario_id", ErrInvalidCatalog, i)
		}
		for j, q := range s.Quests {
			if q.QuestID == "" {
				return fmt.Errorf("%w: quest #%d of %s has no quest_id", ErrInvalidCatalog, j, s.ScenarioID)
			}
			if owner, dup := quests[q.QuestID]; dup {
				return fmt.Errorf("%w: quest %s listed under %s and %s", ErrInvalidCatalog, q.QuestID, owner, s.ScenarioID)
			}
			quests[q.QuestID] = s.ScenarioID
		}
	}
	for i, s := range c.Sounds {
		if s.SoundID == "" {
			return fmt.Errorf("%w: sound #%d has no sound_id", ErrInvalidCatalog, i)
		}
	}
	return nil
}

// QuestMaxPoints returns the caps declared by quests with max_points set.
func (c *Catalog) QuestMaxPoints() map[string]int {
	out := make(map[string]int)
	for _, s := range c.Scenarios {
		for _, q := range s.Quests {
			if q.MaxPoints > 0 {
				out[q.QuestID] = q.MaxPoints
			}
		}
	}
	return out
}

// Apply upserts every scenario (with its quests) and sound into w.
func (c *Catalog) Apply(ctx context.Context, w Writer) error {
	for _, s := range c.Scenarios {
		if err := w.UpsertScenario(ctx, s); err != nil {
			return fmt.Errorf("upsert scenario %s: %w", s.ScenarioID, err)
		}
	}
	for _, s := range c.Sounds {
		if err := w.UpsertSound(ctx, s); err != nil {
			return fmt.Errorf("upsert sound %s: %w", s.SoundID, err)
		}
	}
	return nil
}
