package server

import (
	"sort"
	"time"

	"threatline/internal/domain"
	"threatline/internal/engine"
)

// Request payloads

type AssignRequest struct {
	PlayerID     string           `json:"player_id"`
	DirectorName string           `json:"director_name"`
	Agents       []map[string]any `json:"agents,omitempty"`
}

type UnassignRequest struct {
	PlayerID string `json:"player_id"`
}

// Response payloads

type AgentResponse struct {
	ID        string                `json:"id"`
	Name      string                `json:"name,omitempty"`
	Stats     domain.AgentStats     `json:"stats"`
	Health    float64               `json:"health"`
	Sanity    float64               `json:"sanity"`
	Skills    []string              `json:"skills,omitempty"`
	Modifiers domain.AgentModifiers `json:"modifiers"`
}

type BundleResponse struct {
	PlayerID     string          `json:"player_id"`
	DirectorName string          `json:"director_name"`
	Agents       []AgentResponse `json:"agents"`
}

type ThreatResponse struct {
	ID               string                     `json:"id"`
	TemplateID       string                     `json:"template_id"`
	Name             string                     `json:"name"`
	Description      string                     `json:"description,omitempty"`
	Zone             string                     `json:"zone"`
	Theme            string                     `json:"theme,omitempty"`
	PrimaryStat      string                     `json:"primary_stat"`
	RequiredSkills   []string                   `json:"required_skills,omitempty"`
	Difficulty       int                        `json:"difficulty"`
	Progress         float64                    `json:"progress"`
	Status           string                     `json:"status" enum:"active,cleared,expired"`
	CreatedAt        string                     `json:"created_at"`
	ExpiresAt        string                     `json:"expires_at"`
	EndedAt          *string                    `json:"ended_at,omitempty"`
	SecondsToExpiry  int64                      `json:"seconds_to_expiry"`
	EtaSeconds       *int64                     `json:"eta_seconds,omitempty"`
	EstimatedClearAt *string                    `json:"estimated_clear_at,omitempty"`
	Bundles          []BundleResponse           `json:"bundles"`
	Contribution     engine.ContributionSummary `json:"contribution"`
	Eligible         []string                   `json:"eligible,omitempty"`
}

type ThreatListResponse struct {
	Active  *ThreatResponse  `json:"active"`
	Archive []ThreatResponse `json:"archive"`
}

type WorldStatusResponse struct {
	ServerTime    string          `json:"server_time"`
	Active        bool            `json:"active"`
	Threat        *ThreatResponse `json:"threat,omitempty"`
	CooldownUntil *string         `json:"cooldown_until,omitempty"`
}

type ContributionResponse struct {
	ThreatID string                        `json:"threat_id"`
	Totals   map[string]float64            `json:"totals"`
	Buckets  map[string]map[string]float64 `json:"buckets,omitempty"`
}

type TemplateResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Zone           string   `json:"zone"`
	Theme          string   `json:"theme,omitempty"`
	PrimaryStat    string   `json:"primary_stat"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Difficulty     int      `json:"difficulty"`
	LifetimeSecs   int64    `json:"lifetime_seconds"`
}

func threatResponse(view *engine.ThreatView) *ThreatResponse {
	if view == nil || view.Instance == nil {
		return nil
	}
	inst := view.Instance
	resp := &ThreatResponse{
		ID:              inst.ID,
		TemplateID:      inst.TemplateID,
		Name:            inst.Name,
		Description:     inst.Description,
		Zone:            inst.Zone,
		Theme:           inst.Theme,
		PrimaryStat:     string(inst.PrimaryStat),
		RequiredSkills:  inst.RequiredSkills,
		Difficulty:      inst.Difficulty,
		Progress:        inst.Progress,
		Status:          string(inst.Status),
		CreatedAt:       rfc3339(inst.CreatedAt),
		ExpiresAt:       rfc3339(inst.ExpiresAt),
		SecondsToExpiry: view.SecondsToExpiry,
		EtaSeconds:      view.EtaSeconds,
		Bundles:         mapBundles(inst.Bundles),
		Contribution:    view.Contribution,
	}
	if inst.EndedAt != nil {
		s := rfc3339(*inst.EndedAt)
		resp.EndedAt = &s
	}
	if view.EstimatedClear != nil {
		s := rfc3339(*view.EstimatedClear)
		resp.EstimatedClearAt = &s
	}
	if len(inst.Eligible) > 0 {
		eligible := make([]string, 0, len(inst.Eligible))
		for playerID := range inst.Eligible {
			eligible = append(eligible, playerID)
		}
		sort.Strings(eligible)
		resp.Eligible = eligible
	}
	return resp
}

func mapBundles(bundles []domain.AssignmentBundle) []BundleResponse {
	out := make([]BundleResponse, 0, len(bundles))
	for _, b := range bundles {
		agents := make([]AgentResponse, 0, len(b.Agents))
		for _, a := range b.Agents {
			agents = append(agents, AgentResponse{
				ID:        a.ID,
				Name:      a.Name,
				Stats:     a.Stats,
				Health:    a.Health,
				Sanity:    a.Sanity,
				Skills:    a.Skills,
				Modifiers: a.Modifiers,
			})
		}
		out = append(out, BundleResponse{
			PlayerID:     b.PlayerID,
			DirectorName: b.DirectorName,
			Agents:       agents,
		})
	}
	return out
}

func contributionResponse(report engine.ContributionReport) ContributionResponse {
	return ContributionResponse{
		ThreatID: report.ThreatID,
		Totals:   report.Totals,
		Buckets:  report.Buckets,
	}
}

func templateResponse(tpl domain.ThreatTemplate) TemplateResponse {
	return TemplateResponse{
		ID:             tpl.ID,
		Name:           tpl.Name,
		Zone:           tpl.Zone,
		Theme:          tpl.Theme,
		PrimaryStat:    string(tpl.PrimaryStat),
		RequiredSkills: tpl.RequiredSkills,
		Difficulty:     tpl.Difficulty,
		LifetimeSecs:   int64(tpl.Lifetime / time.Second),
	}
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
