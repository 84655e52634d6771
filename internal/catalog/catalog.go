// Package catalog holds the static set of threat templates instances are
// spawned from. Templates come from config and never change at runtime.
package catalog

import (
	"fmt"
	"math/rand"
	"time"

	"threatline/internal/config"
	"threatline/internal/domain"
)

// Catalog is an immutable template set.
type Catalog struct {
	templates []domain.ThreatTemplate
	byID      map[string]domain.ThreatTemplate
}

// FromConfig builds a catalog from the config template section.
func FromConfig(cfg *config.Config) (*Catalog, error) {
	if cfg == nil || len(cfg.Templates) == 0 {
		return nil, fmt.Errorf("no threat templates configured")
	}
	c := &Catalog{byID: make(map[string]domain.ThreatTemplate, len(cfg.Templates))}
	for _, t := range cfg.Templates {
		tpl := domain.ThreatTemplate{
			ID:             t.ID,
			Name:           t.Name,
			Description:    t.Description,
			Zone:           t.Zone,
			Theme:          t.Theme,
			PrimaryStat:    domain.Stat(t.PrimaryStat),
			RequiredSkills: append([]string(nil), t.RequiredSkills...),
			Difficulty:     clampDifficulty(t.Difficulty),
			Lifetime:       time.Duration(t.LifetimeMinutes) * time.Minute,
		}
		if !domain.ValidStat(tpl.PrimaryStat) {
			return nil, fmt.Errorf("template %s: unknown primary stat %q", t.ID, t.PrimaryStat)
		}
		c.templates = append(c.templates, tpl)
		c.byID[tpl.ID] = tpl
	}
	return c, nil
}

// All returns the templates in config order.
func (c *Catalog) All() []domain.ThreatTemplate {
	return append([]domain.ThreatTemplate(nil), c.templates...)
}

// Get looks up a template by id.
func (c *Catalog) Get(id string) (domain.ThreatTemplate, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Random picks a template uniformly.
func (c *Catalog) Random(rng *rand.Rand) domain.ThreatTemplate {
	return c.templates[rng.Intn(len(c.templates))]
}

// Len returns the template count.
func (c *Catalog) Len() int {
	return len(c.templates)
}

func clampDifficulty(d int) int {
	if d < 1 {
		return 1
	}
	if d > 10 {
		return 10
	}
	return d
}
