// Package engine owns all mutable world-threat state: the single active
// instance, the archive, and the cooldown clock. Every mutation (the
// periodic tick, player assignments, admin force actions) runs behind one
// mutex, so a tick and a request can never interleave a read-modify-write
// on the same instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"threatline/internal/catalog"
	"threatline/internal/config"
	"threatline/internal/domain"
	"threatline/internal/journal"
)

// Drain rates are per real minute, before difficulty easing and per-agent
// loss multipliers.
const (
	healthDrainPerMinute = 2.0
	sanityDrainPerMinute = 3.0

	maxAgentsPerBundle = 3
	archiveLimit       = 50
	ledgerRetention    = 6 * time.Hour
)

var (
	// ErrNoActiveThreat is returned when an operation needs an active
	// instance and none exists.
	ErrNoActiveThreat = errors.New("no active threat")
	// ErrStaleThreat is returned when a request targets an instance id that
	// is not the currently active one.
	ErrStaleThreat = errors.New("threat is not the active instance")
	// ErrNotFound is returned for unknown instance ids.
	ErrNotFound = errors.New("threat not found")
)

// World is the single owner of live threat state.
type World struct {
	Catalog *catalog.Catalog
	Journal *journal.Writer
	Logger  *log.Logger
	Rand    *rand.Rand
	Now     func() time.Time

	baseRate     float64
	cooldown     time.Duration
	tickInterval time.Duration

	mu            sync.Mutex
	active        *domain.ThreatInstance
	archive       []*domain.ThreatInstance // newest first
	cooldownUntil time.Time
}

// New builds a world from config and a template catalog. The first threat
// spawns on the first tick; there is no cooldown at startup.
func New(cfg *config.Config, cat *catalog.Catalog) *World {
	return &World{
		Catalog:      cat,
		Logger:       log.Default(),
		Rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:          time.Now,
		baseRate:     cfg.Sim.BaseRate,
		cooldown:     cfg.Cooldown(),
		tickInterval: cfg.TickInterval(),
	}
}

func (w *World) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Tick advances the simulation to now. It is the only writer of progress,
// drain and archival transitions.
func (w *World) Tick(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tickLocked(now)
}

func (w *World) tickLocked(now time.Time) {
	if w.active == nil {
		if now.Before(w.cooldownUntil) {
			return
		}
		w.spawnLocked(now)
		return
	}

	inst := w.active
	elapsed := now.Sub(inst.LastTickAt).Seconds()
	if elapsed <= 0 {
		return
	}
	// The tick clock moves exactly once per effective tick, before any
	// transition, so a concurrent caller can never double-apply drain for
	// the same interval.
	inst.LastTickAt = now

	// Expiry wins over everything else: an expired instance gets no drain,
	// no contribution and no progress this tick, and can never be recorded
	// as cleared.
	if !now.Before(inst.ExpiresAt) {
		w.terminateLocked(domain.StatusExpired, now)
		return
	}

	speed := SpeedMultiplier(inst.Difficulty)
	minutes := elapsed / 60

	// Drain is a pure next-state transform over the current bundles,
	// swapped in atomically at the end: no reader ever observes an agent
	// at or below zero.
	next := make([]domain.AssignmentBundle, 0, len(inst.Bundles))
	totalPower := 0.0
	for _, bundle := range inst.Bundles {
		kept := make([]domain.AgentSnapshot, 0, len(bundle.Agents))
		for _, agent := range bundle.Agents {
			agent.Health -= healthDrainPerMinute * minutes / speed * agent.Modifiers.HealthLoss
			agent.Sanity -= sanityDrainPerMinute * minutes / speed * agent.Modifiers.SanityLoss
			if agent.Health <= 0 || agent.Sanity <= 0 {
				continue
			}
			kept = append(kept, agent)
		}
		if len(kept) == 0 {
			continue
		}
		bundle.Agents = kept

		bundlePower := 0.0
		for _, agent := range kept {
			bundlePower += AgentPower(agent, inst)
		}
		inst.Ledger.Record(bundle.PlayerID, bundlePower*elapsed, now)
		totalPower += bundlePower
		next = append(next, bundle)
	}
	inst.Bundles = next
	inst.Ledger.Prune(now, ledgerRetention)

	inst.Progress += elapsed * totalPower * w.baseRate * speed
	if inst.Progress >= 100 {
		inst.Progress = 100
		w.terminateLocked(domain.StatusCleared, now)
	}
}

func (w *World) spawnLocked(now time.Time) {
	tpl := w.Catalog.Random(w.Rand)
	inst := &domain.ThreatInstance{
		ID:             tpl.ID + "-" + shortSuffix(),
		TemplateID:     tpl.ID,
		Name:           tpl.Name,
		Description:    tpl.Description,
		Zone:           tpl.Zone,
		Theme:          tpl.Theme,
		PrimaryStat:    tpl.PrimaryStat,
		RequiredSkills: append([]string(nil), tpl.RequiredSkills...),
		Difficulty:     tpl.Difficulty,
		Progress:       0,
		Status:         domain.StatusActive,
		CreatedAt:      now,
		LastTickAt:     now,
		ExpiresAt:      now.Add(tpl.Lifetime),
		Ledger:         domain.NewLedger(),
	}
	w.active = inst
	w.appendJournal("threat.spawned", inst.ID, "", map[string]any{
		"template_id": inst.TemplateID,
		"zone":        inst.Zone,
		"difficulty":  inst.Difficulty,
		"expires_at":  inst.ExpiresAt.UTC().Format(time.RFC3339),
	})
	w.Logger.Printf("threat spawned: %s (%s) in %s, expires %s", inst.ID, inst.Name, inst.Zone, inst.ExpiresAt.UTC().Format(time.RFC3339))
}

// terminateLocked freezes the active instance, stamps eligibility from
// whoever is still assigned, moves it to the archive and arms the cooldown.
func (w *World) terminateLocked(status domain.ThreatStatus, now time.Time) {
	inst := w.active
	inst.Status = status
	end := now
	inst.EndedAt = &end
	inst.Eligible = make(map[string]bool, len(inst.Bundles))
	for _, b := range inst.Bundles {
		inst.Eligible[b.PlayerID] = true
	}

	w.archive = append([]*domain.ThreatInstance{inst}, w.archive...)
	if len(w.archive) > archiveLimit {
		w.archive = w.archive[:archiveLimit]
	}
	w.active = nil
	w.cooldownUntil = now.Add(w.cooldown)

	w.appendJournal("threat."+string(status), inst.ID, "", map[string]any{
		"progress":     inst.Progress,
		"participants": len(inst.Eligible),
	})
	w.Logger.Printf("threat %s: %s at progress %.1f, cooldown until %s", status, inst.ID, inst.Progress, w.cooldownUntil.UTC().Format(time.RFC3339))
}

// Assign replaces or appends the player's bundle on the active instance.
// threatID may be empty to target whatever is currently active. Submitted
// agents beyond the roster cap are silently dropped; every kept agent is
// sanitized before it touches the instance. On error, nothing is mutated.
func (w *World) Assign(threatID, playerID, directorName string, agents []map[string]any) (*domain.ThreatInstance, error) {
	if playerID == "" {
		return nil, fmt.Errorf("player_id is required")
	}
	if directorName == "" {
		return nil, fmt.Errorf("director_name is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil, ErrNoActiveThreat
	}
	if threatID != "" && threatID != w.active.ID {
		return nil, fmt.Errorf("%w: %s", ErrStaleThreat, threatID)
	}

	if len(agents) > maxAgentsPerBundle {
		agents = agents[:maxAgentsPerBundle]
	}
	bundle := domain.AssignmentBundle{
		PlayerID:     playerID,
		DirectorName: directorName,
		Agents:       make([]domain.AgentSnapshot, 0, len(agents)),
	}
	for _, raw := range agents {
		bundle.Agents = append(bundle.Agents, sanitizeAgent(raw))
	}

	if i := w.active.BundleFor(playerID); i >= 0 {
		w.active.Bundles[i] = bundle
	} else {
		w.active.Bundles = append(w.active.Bundles, bundle)
	}
	w.appendJournal("threat.assigned", w.active.ID, playerID, map[string]any{
		"director_name": directorName,
		"agents":        len(bundle.Agents),
	})
	return w.active.Clone(), nil
}

// Unassign removes the player's bundle if present. It is idempotent and
// succeeds even when there is no active instance, so client undo logic
// never needs to special-case "nothing to undo".
func (w *World) Unassign(threatID, playerID string) (*domain.ThreatInstance, error) {
	if playerID == "" {
		return nil, fmt.Errorf("player_id is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil || (threatID != "" && threatID != w.active.ID) {
		return w.active.Clone(), nil
	}
	if i := w.active.BundleFor(playerID); i >= 0 {
		w.active.Bundles = append(w.active.Bundles[:i], w.active.Bundles[i+1:]...)
		w.appendJournal("threat.unassigned", w.active.ID, playerID, nil)
	}
	return w.active.Clone(), nil
}

// ForceFinish drives progress to 100 and runs the clear transition
// immediately, ignoring normal timing.
func (w *World) ForceFinish() (*domain.ThreatInstance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active == nil {
		return nil, ErrNoActiveThreat
	}
	now := w.now()
	id := w.active.ID
	w.active.Progress = 100
	w.active.LastTickAt = now
	w.terminateLocked(domain.StatusCleared, now)
	w.appendJournal("threat.force_finished", id, "", nil)
	return w.archive[0].Clone(), nil
}

// ForceCycle expires the current instance (if any), zeroes the cooldown and
// spawns a fresh instance right away. This is the one path that bypasses
// the cooldown check, and it bypasses it exactly once.
func (w *World) ForceCycle() (*domain.ThreatInstance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if w.active != nil {
		w.active.LastTickAt = now
		w.terminateLocked(domain.StatusExpired, now)
	}
	w.cooldownUntil = now
	w.spawnLocked(now)
	w.appendJournal("threat.force_cycled", w.active.ID, "", nil)
	return w.active.Clone(), nil
}

// Active returns a copy of the active instance, or nil.
func (w *World) Active() *domain.ThreatInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Clone()
}

// Archive returns copies of terminated instances, newest first.
func (w *World) Archive() []*domain.ThreatInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*domain.ThreatInstance, len(w.archive))
	for i, inst := range w.archive {
		out[i] = inst.Clone()
	}
	return out
}

// Get finds an instance, active or archived, by id.
func (w *World) Get(id string) (*domain.ThreatInstance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil && w.active.ID == id {
		return w.active.Clone(), nil
	}
	for _, inst := range w.archive {
		if inst.ID == id {
			return inst.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ContributionReport is the ledger read model for one instance.
type ContributionReport struct {
	ThreatID string                        `json:"threat_id"`
	Totals   map[string]float64            `json:"totals"`
	Buckets  map[string]map[string]float64 `json:"buckets"`
}

// Contributions returns the ledger for the given instance id, or for the
// active instance when id is empty.
func (w *World) Contributions(id string) (ContributionReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var inst *domain.ThreatInstance
	switch {
	case id == "" && w.active != nil:
		inst = w.active
	case id == "":
		return ContributionReport{}, fmt.Errorf("%w: no active threat", ErrNotFound)
	case w.active != nil && w.active.ID == id:
		inst = w.active
	default:
		for _, a := range w.archive {
			if a.ID == id {
				inst = a
				break
			}
		}
	}
	if inst == nil {
		return ContributionReport{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst.Ledger == nil {
		return ContributionReport{}, fmt.Errorf("%w: %s has no ledger", ErrNotFound, inst.ID)
	}
	ledger := inst.Ledger.Clone()
	return ContributionReport{ThreatID: inst.ID, Totals: ledger.Totals, Buckets: ledger.Buckets}, nil
}

// CooldownUntil reports when the next natural spawn may happen.
func (w *World) CooldownUntil() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cooldownUntil
}

func (w *World) appendJournal(evtType, threatID, playerID string, payload map[string]any) {
	if w.Journal == nil {
		return
	}
	if err := w.Journal.Append(context.Background(), evtType, threatID, playerID, payload); err != nil {
		w.Logger.Printf("journal append %s failed: %v", evtType, err)
	}
}

func shortSuffix() string {
	return uuid.NewString()[:8]
}
