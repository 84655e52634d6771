package engine

import (
	"math"
	"sort"
	"time"

	"threatline/internal/domain"
)

const topContributorCount = 5

// ThreatView is a read-only decoration of an instance. Derived fields are
// computed per call and never stored.
type ThreatView struct {
	Instance        *domain.ThreatInstance `json:"instance"`
	SecondsToExpiry int64                  `json:"seconds_to_expiry"`
	EtaSeconds      *int64                 `json:"eta_seconds,omitempty"`
	EstimatedClear  *time.Time             `json:"estimated_clear_at,omitempty"`
	Contribution    ContributionSummary    `json:"contribution"`
}

// ContributionSummary is the compact contributor digest attached to views.
type ContributionSummary struct {
	Contributors int               `json:"contributors"`
	Top          []ContributorRank `json:"top,omitempty"`
}

// ContributorRank is one row of the leaderboard.
type ContributorRank struct {
	PlayerID string  `json:"player_id"`
	Total    float64 `json:"total"`
}

// Decorate builds the view for an instance (active or archived) as of now.
// It goes through the same power model as the tick, in read-only mode, so
// the advisory ETA always agrees with the authoritative progress rate.
func (w *World) Decorate(inst *domain.ThreatInstance, now time.Time) *ThreatView {
	if inst == nil {
		return nil
	}
	view := &ThreatView{Instance: inst}

	if secs := inst.ExpiresAt.Sub(now).Seconds(); secs > 0 {
		view.SecondsToExpiry = int64(math.Floor(secs))
	}

	if inst.Status == domain.StatusActive && inst.Progress < 100 {
		totalPower := 0.0
		for _, b := range inst.Bundles {
			for _, a := range b.Agents {
				totalPower += AgentPower(a, inst)
			}
		}
		rate := totalPower * w.baseRate * SpeedMultiplier(inst.Difficulty)
		if rate > 0 {
			eta := int64(math.Ceil((100 - inst.Progress) / rate))
			clearAt := now.Add(time.Duration(eta) * time.Second)
			view.EtaSeconds = &eta
			view.EstimatedClear = &clearAt
		}
	}

	view.Contribution = summarize(inst.Ledger)
	return view
}

// DecorateActive returns the decorated active instance, or nil.
func (w *World) DecorateActive() *ThreatView {
	return w.Decorate(w.Active(), w.now())
}

func summarize(ledger *domain.ContributionLedger) ContributionSummary {
	if ledger == nil || len(ledger.Totals) == 0 {
		return ContributionSummary{}
	}
	ranks := make([]ContributorRank, 0, len(ledger.Totals))
	for playerID, total := range ledger.Totals {
		ranks = append(ranks, ContributorRank{PlayerID: playerID, Total: total})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Total != ranks[j].Total {
			return ranks[i].Total > ranks[j].Total
		}
		return ranks[i].PlayerID < ranks[j].PlayerID
	})
	summary := ContributionSummary{Contributors: len(ranks)}
	if len(ranks) > topContributorCount {
		ranks = ranks[:topContributorCount]
	}
	summary.Top = ranks
	return summary
}
