package engine

import (
	"math"

	"threatline/internal/domain"
)

// Power model weights. The tick loop and the read-only ETA estimate both go
// through AgentPower, so the two always agree.
const (
	primaryStatWeight = 1.5
	statSumWeight     = 0.6
	skillMatchBonus   = 2.0
)

// Difficulty easing. Lower difficulty speeds progress up and slows drain
// down by the same multiplier, never a trade-off.
const (
	easyScalar         = 0.10
	baselineDifficulty = 10
)

// AgentPower computes one agent's contribution rate against a threat.
// It is pure: same inputs, same output, always finite and non-negative.
func AgentPower(agent domain.AgentSnapshot, threat *domain.ThreatInstance) float64 {
	principal := agent.Stats.Value(threat.PrimaryStat)
	statSum := agent.Stats.Sum()
	skillBonus := 0.0
	for _, skill := range threat.RequiredSkills {
		if agent.HasSkill(skill) {
			skillBonus += skillMatchBonus
		}
	}
	power := (principal*primaryStatWeight + statSum*statSumWeight + skillBonus) * agent.Modifiers.Power
	if math.IsNaN(power) || math.IsInf(power, 0) || power < 0 {
		return 0
	}
	return power
}

// SpeedMultiplier maps a difficulty rating to the easing multiplier.
// Difficulty is clamped to [1,10]; anything out of range counts as the
// baseline 10. speed(10)=1.0, speed(1)=1.9.
func SpeedMultiplier(difficulty int) float64 {
	if difficulty < 1 || difficulty > 10 {
		difficulty = baselineDifficulty
	}
	return 1 + float64(baselineDifficulty-difficulty)*easyScalar
}
