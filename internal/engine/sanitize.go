package engine

import (
	"fmt"
	"math"

	"threatline/internal/domain"
)

// Ingest defaults. Malformed numeric fields never reject a request; they
// fall back to these so one bad payload cannot poison the shared instance.
const (
	defaultHealth = 30.0
	defaultSanity = 30.0
)

// sanitizeAgent turns a loosely-typed client agent payload into a fully
// populated snapshot. All domain logic downstream assumes sanitized input.
func sanitizeAgent(raw map[string]any) domain.AgentSnapshot {
	agent := domain.AgentSnapshot{
		ID:   stringField(raw, "id"),
		Name: stringField(raw, "name"),
		Stats: domain.AgentStats{
			Courage:       numberField(raw, "courage", 0),
			Investigation: numberField(raw, "investigation", 0),
			Occultism:     numberField(raw, "occultism", 0),
		},
		Health: numberField(raw, "health", defaultHealth),
		Sanity: numberField(raw, "sanity", defaultSanity),
		Skills: stringListField(raw, "skills"),
		Modifiers: domain.AgentModifiers{
			Power:      1,
			HealthLoss: 1,
			SanityLoss: 1,
		},
	}
	if mods, ok := raw["modifiers"].(map[string]any); ok {
		agent.Modifiers.Power = numberField(mods, "power", 1)
		agent.Modifiers.HealthLoss = numberField(mods, "health_loss", 1)
		agent.Modifiers.SanityLoss = numberField(mods, "sanity_loss", 1)
	}
	if agent.ID == "" {
		agent.ID = agent.Name
	}
	return agent
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// numberField extracts a finite float64 or the default. JSON numbers decode
// as float64; everything else (strings, nulls, objects, NaN/Inf) falls back.
func numberField(m map[string]any, key string, def float64) float64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	default:
		return def
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return def
	}
	return n
}

// stringListField coerces a loosely-typed list to strings, skipping
// anything that is not one.
func stringListField(m map[string]any, key string) []string {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
