package engine_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"threatline/internal/catalog"
	"threatline/internal/config"
	"threatline/internal/engine"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newTestWorld builds a world with a single deterministic template so spawn
// order never depends on the RNG.
func newTestWorld(t *testing.T, difficulty, lifetimeMinutes int) *engine.World {
	t.Helper()
	cfg := config.Default()
	cfg.Templates = []config.TemplateConfig{{
		ID:              "test-threat",
		Name:            "Test Threat",
		Zone:            "test-zone",
		PrimaryStat:     "investigation",
		RequiredSkills:  []string{"research"},
		Difficulty:      difficulty,
		LifetimeMinutes: lifetimeMinutes,
	}}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	w := engine.New(cfg, cat)
	w.Now = func() time.Time { return t0 }
	return w
}

func testAgent(investigation float64) map[string]any {
	return map[string]any{
		"id":            "agent-1",
		"name":          "Agent One",
		"investigation": investigation,
		"courage":       5.0,
		"occultism":     5.0,
		"health":        30.0,
		"sanity":        30.0,
	}
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}

func TestSpawnOnFirstTick(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	if w.Active() != nil {
		t.Fatalf("expected no active threat before first tick")
	}
	w.Tick(t0)
	inst := w.Active()
	if inst == nil {
		t.Fatalf("expected active threat after first tick")
	}
	if inst.TemplateID != "test-threat" || inst.Status != "active" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if !inst.ExpiresAt.Equal(t0.Add(120 * time.Minute)) {
		t.Fatalf("expires_at = %v", inst.ExpiresAt)
	}
}

func TestProgressAccrual(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "Director", []map[string]any{testAgent(10)}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// power = 10*1.5 + 20*0.6 = 27, speed(10) = 1.0
	w.Tick(t0.Add(10 * time.Second))
	inst = w.Active()
	approx(t, "progress", inst.Progress, 10*27*0.02)

	agent := inst.Bundles[0].Agents[0]
	approx(t, "health", agent.Health, 30-2.0*(10.0/60))
	approx(t, "sanity", agent.Sanity, 30-3.0*(10.0/60))

	report, err := w.Contributions(inst.ID)
	if err != nil {
		t.Fatalf("contributions: %v", err)
	}
	approx(t, "ledger total", report.Totals["p1"], 27*10)
}

func TestDifficultyEasing(t *testing.T) {
	// difficulty 1 runs at speed 1.9: progress scales up, drain scales down.
	w := newTestWorld(t, 1, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "Director", []map[string]any{testAgent(10)}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	w.Tick(t0.Add(10 * time.Second))
	inst = w.Active()
	approx(t, "progress", inst.Progress, 10*27*0.02*1.9)
	approx(t, "health", inst.Bundles[0].Agents[0].Health, 30-2.0*(10.0/60)/1.9)
}

func TestSkillBonus(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	agent := testAgent(10)
	agent["skills"] = []any{"research"}
	if _, err := w.Assign(inst.ID, "p1", "Director", []map[string]any{agent}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	w.Tick(t0.Add(10 * time.Second))
	approx(t, "progress", w.Active().Progress, 10*(27+2)*0.02)
}

func TestExpiryWinsOverClear(t *testing.T) {
	w := newTestWorld(t, 10, 1)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "Director", []map[string]any{testAgent(1000)}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	// One giant tick past the deadline: no drain, no contribution, no
	// progress, just expiry.
	w.Tick(t0.Add(2 * time.Minute))
	if w.Active() != nil {
		t.Fatalf("expected no active threat after expiry")
	}
	archived := w.Archive()
	if len(archived) != 1 {
		t.Fatalf("archive length = %d", len(archived))
	}
	got := archived[0]
	if got.Status != "expired" {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Progress != 0 {
		t.Fatalf("progress = %v, want 0", got.Progress)
	}
	if !got.Eligible["p1"] {
		t.Fatalf("expected p1 stamped eligible at termination")
	}
	report, err := w.Contributions(got.ID)
	if err != nil {
		t.Fatalf("contributions: %v", err)
	}
	if report.Totals["p1"] != 0 {
		t.Fatalf("expected no contribution on the expiry tick, got %v", report.Totals["p1"])
	}
}

func TestClearAndEligibility(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "Director A", []map[string]any{testAgent(10)}); err != nil {
		t.Fatalf("assign p1: %v", err)
	}
	if _, err := w.Assign(inst.ID, "p2", "Director B", []map[string]any{testAgent(10)}); err != nil {
		t.Fatalf("assign p2: %v", err)
	}
	// 54 power total at 0.02 clears 100 in under 200s.
	w.Tick(t0.Add(200 * time.Second))
	if w.Active() != nil {
		t.Fatalf("expected clear")
	}
	got := w.Archive()[0]
	if got.Status != "cleared" || got.Progress != 100 {
		t.Fatalf("status=%s progress=%v", got.Status, got.Progress)
	}
	if !got.Eligible["p1"] || !got.Eligible["p2"] {
		t.Fatalf("eligible = %v", got.Eligible)
	}
}

func TestUnassignedBeforeClearNotEligible(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "A", []map[string]any{testAgent(10)}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Assign(inst.ID, "p2", "B", []map[string]any{testAgent(10)}); err != nil {
		t.Fatal(err)
	}
	w.Tick(t0.Add(60 * time.Second))
	if _, err := w.Unassign(inst.ID, "p2"); err != nil {
		t.Fatal(err)
	}
	w.Tick(t0.Add(400 * time.Second))
	got := w.Archive()[0]
	if got.Status != "cleared" {
		t.Fatalf("status = %s", got.Status)
	}
	if !got.Eligible["p1"] || got.Eligible["p2"] {
		t.Fatalf("eligible = %v", got.Eligible)
	}
	// Contribution earned before withdrawing is retained.
	report, err := w.Contributions(got.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Totals["p2"] <= 0 {
		t.Fatalf("expected retained contribution for p2, got %v", report.Totals["p2"])
	}
}

func TestCooldownGatesRespawn(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Assign(inst.ID, "p1", "A", []map[string]any{testAgent(10)}); err != nil {
		t.Fatal(err)
	}
	end := t0.Add(200 * time.Second)
	w.Tick(end)
	if w.Active() != nil {
		t.Fatalf("expected terminated threat")
	}
	// Default cooldown is 10 minutes from termination.
	w.Tick(end.Add(5 * time.Minute))
	if w.Active() != nil {
		t.Fatalf("expected no spawn during cooldown")
	}
	w.Tick(end.Add(10 * time.Minute))
	if w.Active() == nil {
		t.Fatalf("expected spawn once cooldown elapsed")
	}
}

func TestAssignValidation(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	if _, err := w.Assign("", "p1", "A", nil); !errors.Is(err, engine.ErrNoActiveThreat) {
		t.Fatalf("expected ErrNoActiveThreat, got %v", err)
	}
	w.Tick(t0)
	if _, err := w.Assign("", "", "A", nil); err == nil {
		t.Fatalf("expected player_id error")
	}
	if _, err := w.Assign("", "p1", "", nil); err == nil {
		t.Fatalf("expected director_name error")
	}
	if _, err := w.Assign("stale-id", "p1", "A", nil); !errors.Is(err, engine.ErrStaleThreat) {
		t.Fatalf("expected ErrStaleThreat, got %v", err)
	}
}

func TestAssignCapsAndReplaces(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	agents := []map[string]any{
		{"id": "a1"}, {"id": "a2"}, {"id": "a3"}, {"id": "a4"}, {"id": "a5"},
	}
	inst, err := w.Assign("", "p1", "A", agents)
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Bundles[0].Agents) != 3 {
		t.Fatalf("agents = %d, want cap of 3", len(inst.Bundles[0].Agents))
	}
	// Re-assign replaces the bundle wholesale.
	inst, err = w.Assign("", "p1", "A", []map[string]any{{"id": "solo"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(inst.Bundles) != 1 || len(inst.Bundles[0].Agents) != 1 || inst.Bundles[0].Agents[0].ID != "solo" {
		t.Fatalf("unexpected bundles: %+v", inst.Bundles)
	}
}

func TestAssignSanitizesAgents(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst, err := w.Assign("", "p1", "A", []map[string]any{{
		"name":          "Sloppy",
		"courage":       "not-a-number",
		"investigation": math.NaN(),
		"health":        nil,
		"skills":        []any{"research", 42},
	}})
	if err != nil {
		t.Fatal(err)
	}
	agent := inst.Bundles[0].Agents[0]
	if agent.ID != "Sloppy" {
		t.Fatalf("id fallback = %q", agent.ID)
	}
	if agent.Stats.Courage != 0 || agent.Stats.Investigation != 0 {
		t.Fatalf("stats not defaulted: %+v", agent.Stats)
	}
	if agent.Health != 30 || agent.Sanity != 30 {
		t.Fatalf("pools not defaulted: health=%v sanity=%v", agent.Health, agent.Sanity)
	}
	if len(agent.Skills) != 1 || agent.Skills[0] != "research" {
		t.Fatalf("skills = %v", agent.Skills)
	}
	if agent.Modifiers.Power != 1 {
		t.Fatalf("power modifier = %v", agent.Modifiers.Power)
	}
}

func TestUnassignIsIdempotent(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	if _, err := w.Unassign("", "p1"); err != nil {
		t.Fatalf("unassign with no active: %v", err)
	}
	w.Tick(t0)
	if _, err := w.Unassign("", "never-assigned"); err != nil {
		t.Fatalf("unassign unknown player: %v", err)
	}
	inst, err := w.Unassign("some-old-id", "p1")
	if err != nil {
		t.Fatalf("unassign stale id: %v", err)
	}
	if inst == nil {
		t.Fatalf("expected active instance back")
	}
}

func TestIncapacitatedAgentRemoved(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	weak := testAgent(10)
	weak["health"] = 0.5
	if _, err := w.Assign("", "p1", "A", []map[string]any{weak}); err != nil {
		t.Fatal(err)
	}
	// 60s drains 2.0 health, dropping the agent before it contributes.
	w.Tick(t0.Add(60 * time.Second))
	inst := w.Active()
	if len(inst.Bundles) != 0 {
		t.Fatalf("expected empty bundle removed, got %+v", inst.Bundles)
	}
	report, err := w.Contributions(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if report.Totals["p1"] != 0 {
		t.Fatalf("incapacitated agent contributed %v", report.Totals["p1"])
	}
}

func TestForceFinish(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	if _, err := w.ForceFinish(); !errors.Is(err, engine.ErrNoActiveThreat) {
		t.Fatalf("expected ErrNoActiveThreat, got %v", err)
	}
	w.Tick(t0)
	if _, err := w.Assign("", "p1", "A", []map[string]any{testAgent(1)}); err != nil {
		t.Fatal(err)
	}
	got, err := w.ForceFinish()
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "cleared" || got.Progress != 100 {
		t.Fatalf("status=%s progress=%v", got.Status, got.Progress)
	}
	if !got.Eligible["p1"] {
		t.Fatalf("eligible = %v", got.Eligible)
	}
}

func TestForceCycleBypassesCooldown(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	first := w.Active()
	got, err := w.ForceCycle()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID == first.ID {
		t.Fatalf("expected a fresh instance")
	}
	if w.Active() == nil {
		t.Fatalf("expected active threat after cycle")
	}
	archived := w.Archive()
	if len(archived) != 1 || archived[0].ID != first.ID || archived[0].Status != "expired" {
		t.Fatalf("unexpected archive: %+v", archived)
	}
	// Cycling with no active also works.
	w2 := newTestWorld(t, 10, 120)
	if _, err := w2.ForceCycle(); err != nil {
		t.Fatal(err)
	}
}

func TestGetAndArchiveLookup(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	inst := w.Active()
	if _, err := w.Get(inst.ID); err != nil {
		t.Fatalf("get active: %v", err)
	}
	if _, err := w.Get("nope"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := w.ForceCycle(); err != nil {
		t.Fatal(err)
	}
	if got, err := w.Get(inst.ID); err != nil || got.Status != "expired" {
		t.Fatalf("archived lookup: %v %+v", err, got)
	}
}

func TestArchiveBoundedAtFifty(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	var terminated []string
	for i := 0; i < 55; i++ {
		terminated = append(terminated, w.Active().ID)
		if _, err := w.ForceCycle(); err != nil {
			t.Fatal(err)
		}
	}
	archived := w.Archive()
	if len(archived) != 50 {
		t.Fatalf("archive length = %d, want 50", len(archived))
	}
	// Newest first; the five oldest fell off.
	if archived[0].ID != terminated[54] {
		t.Fatalf("newest = %s, want %s", archived[0].ID, terminated[54])
	}
	if archived[49].ID != terminated[5] {
		t.Fatalf("oldest kept = %s, want %s", archived[49].ID, terminated[5])
	}
	kept := make(map[string]bool, len(archived))
	for _, inst := range archived {
		kept[inst.ID] = true
	}
	for _, id := range terminated[:5] {
		if kept[id] {
			t.Fatalf("expected %s evicted", id)
		}
	}
}

func TestViewEtaMatchesTickRate(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	if _, err := w.Assign("", "p1", "A", []map[string]any{testAgent(10)}); err != nil {
		t.Fatal(err)
	}
	view := w.DecorateActive()
	if view.EtaSeconds == nil {
		t.Fatalf("expected eta with assigned power")
	}
	// 100 / (27 * 0.02) = 185.2 rounded up.
	if *view.EtaSeconds != 186 {
		t.Fatalf("eta = %d, want 186", *view.EtaSeconds)
	}
	if view.SecondsToExpiry != 120*60 {
		t.Fatalf("seconds_to_expiry = %d", view.SecondsToExpiry)
	}

	// No power, no estimate.
	if _, err := w.Unassign("", "p1"); err != nil {
		t.Fatal(err)
	}
	view = w.DecorateActive()
	if view.EtaSeconds != nil {
		t.Fatalf("expected no eta without assigned power")
	}
}

func TestContributionSummaryTopFive(t *testing.T) {
	w := newTestWorld(t, 10, 120)
	w.Tick(t0)
	players := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	for i, p := range players {
		if _, err := w.Assign("", p, "D", []map[string]any{testAgent(float64(10 + i))}); err != nil {
			t.Fatal(err)
		}
	}
	w.Tick(t0.Add(10 * time.Second))
	view := w.DecorateActive()
	if view.Contribution.Contributors != len(players) {
		t.Fatalf("contributors = %d", view.Contribution.Contributors)
	}
	if len(view.Contribution.Top) != 5 {
		t.Fatalf("top = %d", len(view.Contribution.Top))
	}
	if view.Contribution.Top[0].PlayerID != "p7" {
		t.Fatalf("top contributor = %s", view.Contribution.Top[0].PlayerID)
	}
	for i := 1; i < len(view.Contribution.Top); i++ {
		if view.Contribution.Top[i].Total > view.Contribution.Top[i-1].Total {
			t.Fatalf("top not sorted: %+v", view.Contribution.Top)
		}
	}
}
