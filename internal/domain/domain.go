package domain

import "time"

// Stat identifies one of the three agent aptitudes a threat can key on.
type Stat string

const (
	StatCourage       Stat = "courage"
	StatInvestigation Stat = "investigation"
	StatOccultism     Stat = "occultism"
)

// ValidStat reports whether s is one of the three known stats.
func ValidStat(s Stat) bool {
	switch s {
	case StatCourage, StatInvestigation, StatOccultism:
		return true
	}
	return false
}

// ThreatStatus is the lifecycle state of a threat instance.
// cleared and expired are terminal and only ever seen in the archive.
type ThreatStatus string

const (
	StatusActive  ThreatStatus = "active"
	StatusCleared ThreatStatus = "cleared"
	StatusExpired ThreatStatus = "expired"
)

// ThreatTemplate is an immutable catalog entry a live instance is stamped from.
type ThreatTemplate struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Zone           string        `json:"zone"`
	Theme          string        `json:"theme,omitempty"`
	PrimaryStat    Stat          `json:"primary_stat" enum:"courage,investigation,occultism"`
	RequiredSkills []string      `json:"required_skills,omitempty"`
	Difficulty     int           `json:"difficulty"`
	Lifetime       time.Duration `json:"-"`
}

// AgentStats are the three base aptitudes of an agent.
type AgentStats struct {
	Courage       float64 `json:"courage"`
	Investigation float64 `json:"investigation"`
	Occultism     float64 `json:"occultism"`
}

// Value returns the stat keyed by s, or 0 for an unknown stat.
func (a AgentStats) Value(s Stat) float64 {
	switch s {
	case StatCourage:
		return a.Courage
	case StatInvestigation:
		return a.Investigation
	case StatOccultism:
		return a.Occultism
	}
	return 0
}

// Sum returns the combined value of all three stats.
func (a AgentStats) Sum() float64 {
	return a.Courage + a.Investigation + a.Occultism
}

// AgentModifiers scale an agent's output and losses. All default to 1.
type AgentModifiers struct {
	Power      float64 `json:"power"`
	HealthLoss float64 `json:"health_loss"`
	SanityLoss float64 `json:"sanity_loss"`
}

// AgentSnapshot is a sanitized copy of a player's agent, owned by the
// instance. Drain during ticking mutates only this copy.
type AgentSnapshot struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Stats     AgentStats     `json:"stats"`
	Health    float64        `json:"health"`
	Sanity    float64        `json:"sanity"`
	Skills    []string       `json:"skills,omitempty"`
	Modifiers AgentModifiers `json:"modifiers"`
}

// HasSkill reports whether the agent lists the given skill.
func (a AgentSnapshot) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// AssignmentBundle is one player's roster on the active instance.
type AssignmentBundle struct {
	PlayerID     string          `json:"player_id"`
	DirectorName string          `json:"director_name"`
	Agents       []AgentSnapshot `json:"agents"`
}

// ContributionLedger accumulates power-seconds per player for one instance.
// Totals only ever grow while the instance is active; Buckets maps player id
// to minute-aligned RFC3339 keys for heatmap queries.
type ContributionLedger struct {
	Totals  map[string]float64            `json:"totals"`
	Buckets map[string]map[string]float64 `json:"buckets"`
}

// NewLedger returns an empty ledger.
func NewLedger() *ContributionLedger {
	return &ContributionLedger{
		Totals:  map[string]float64{},
		Buckets: map[string]map[string]float64{},
	}
}

// MinuteKey is the bucket key for t: minute-aligned UTC RFC3339.
func MinuteKey(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format(time.RFC3339)
}

// Record adds powerSeconds to the player's total and current-minute bucket.
func (l *ContributionLedger) Record(playerID string, powerSeconds float64, now time.Time) {
	if powerSeconds <= 0 {
		return
	}
	l.Totals[playerID] += powerSeconds
	buckets, ok := l.Buckets[playerID]
	if !ok {
		buckets = map[string]float64{}
		l.Buckets[playerID] = buckets
	}
	buckets[MinuteKey(now)] += powerSeconds
}

// Prune drops buckets older than retention relative to now. Totals are kept.
func (l *ContributionLedger) Prune(now time.Time, retention time.Duration) {
	cutoff := now.Add(-retention)
	for playerID, buckets := range l.Buckets {
		for key := range buckets {
			ts, err := time.Parse(time.RFC3339, key)
			if err != nil || ts.Before(cutoff) {
				delete(buckets, key)
			}
		}
		if len(buckets) == 0 {
			delete(l.Buckets, playerID)
		}
	}
}

// Clone deep-copies the ledger.
func (l *ContributionLedger) Clone() *ContributionLedger {
	if l == nil {
		return nil
	}
	out := NewLedger()
	for k, v := range l.Totals {
		out.Totals[k] = v
	}
	for player, buckets := range l.Buckets {
		copied := make(map[string]float64, len(buckets))
		for k, v := range buckets {
			copied[k] = v
		}
		out.Buckets[player] = copied
	}
	return out
}

// ThreatInstance is the mutable aggregate for one spawned threat. While
// active it is owned exclusively by the engine; once terminal it is frozen
// except for the one-time eligibility/end stamping done during archival.
type ThreatInstance struct {
	ID             string       `json:"id"`
	TemplateID     string       `json:"template_id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Zone           string       `json:"zone"`
	Theme          string       `json:"theme,omitempty"`
	PrimaryStat    Stat         `json:"primary_stat" enum:"courage,investigation,occultism"`
	RequiredSkills []string     `json:"required_skills,omitempty"`
	Difficulty     int          `json:"difficulty"`
	Progress       float64      `json:"progress"`
	Status         ThreatStatus `json:"status" enum:"active,cleared,expired"`
	CreatedAt      time.Time    `json:"created_at"`
	LastTickAt     time.Time    `json:"last_tick_at"`
	ExpiresAt      time.Time    `json:"expires_at"`

	Bundles []AssignmentBundle  `json:"bundles"`
	Ledger  *ContributionLedger `json:"ledger,omitempty"`

	// Set once, at termination.
	Eligible map[string]bool `json:"eligible_for_reward_by_player_id,omitempty"`
	EndedAt  *time.Time      `json:"ended_at,omitempty"`
}

// Terminal reports whether the instance has left the active state.
func (t *ThreatInstance) Terminal() bool {
	return t.Status == StatusCleared || t.Status == StatusExpired
}

// BundleFor returns the index of the player's bundle, or -1.
func (t *ThreatInstance) BundleFor(playerID string) int {
	for i, b := range t.Bundles {
		if b.PlayerID == playerID {
			return i
		}
	}
	return -1
}

// Clone deep-copies the instance so callers can hand it out without
// exposing engine-owned state.
func (t *ThreatInstance) Clone() *ThreatInstance {
	if t == nil {
		return nil
	}
	out := *t
	out.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	out.Bundles = make([]AssignmentBundle, len(t.Bundles))
	for i, b := range t.Bundles {
		cb := b
		cb.Agents = make([]AgentSnapshot, len(b.Agents))
		for j, a := range b.Agents {
			ca := a
			ca.Skills = append([]string(nil), a.Skills...)
			cb.Agents[j] = ca
		}
		out.Bundles[i] = cb
	}
	out.Ledger = t.Ledger.Clone()
	if t.Eligible != nil {
		out.Eligible = make(map[string]bool, len(t.Eligible))
		for k, v := range t.Eligible {
			out.Eligible[k] = v
		}
	}
	if t.EndedAt != nil {
		end := *t.EndedAt
		out.EndedAt = &end
	}
	return &out
}
