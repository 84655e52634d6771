package threatlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Threatline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Agent mirrors the API agent model.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Stats  struct {
		Courage       float64 `json:"courage"`
		Investigation float64 `json:"investigation"`
		Occultism     float64 `json:"occultism"`
	} `json:"stats"`
	Health float64  `json:"health"`
	Sanity float64  `json:"sanity"`
	Skills []string `json:"skills,omitempty"`
}

// Bundle is one player's roster on a threat.
type Bundle struct {
	PlayerID     string  `json:"player_id"`
	DirectorName string  `json:"director_name"`
	Agents       []Agent `json:"agents"`
}

// Threat mirrors the API threat model (partial).
type Threat struct {
	ID               string   `json:"id"`
	TemplateID       string   `json:"template_id"`
	Name             string   `json:"name"`
	Zone             string   `json:"zone"`
	PrimaryStat      string   `json:"primary_stat"`
	Difficulty       int      `json:"difficulty"`
	Progress         float64  `json:"progress"`
	Status           string   `json:"status"`
	ExpiresAt        string   `json:"expires_at"`
	SecondsToExpiry  int64    `json:"seconds_to_expiry"`
	EtaSeconds       *int64   `json:"eta_seconds,omitempty"`
	EstimatedClearAt *string  `json:"estimated_clear_at,omitempty"`
	Bundles          []Bundle `json:"bundles"`
	Eligible         []string `json:"eligible,omitempty"`
}

// WorldStatus is the top-level world snapshot.
type WorldStatus struct {
	ServerTime    string  `json:"server_time"`
	Active        bool    `json:"active"`
	Threat        *Threat `json:"threat,omitempty"`
	CooldownUntil *string `json:"cooldown_until,omitempty"`
}

// Contributions is the per-player ledger for one threat.
type Contributions struct {
	ThreatID string                        `json:"threat_id"`
	Totals   map[string]float64            `json:"totals"`
	Buckets  map[string]map[string]float64 `json:"buckets,omitempty"`
}

// Template mirrors one catalog entry.
type Template struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Zone         string `json:"zone"`
	PrimaryStat  string `json:"primary_stat"`
	Difficulty   int    `json:"difficulty"`
	LifetimeSecs int64  `json:"lifetime_seconds"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// WorldStatus returns the current world snapshot.
func (c *Client) WorldStatus(ctx context.Context) (WorldStatus, error) {
	var resp WorldStatus
	err := c.do(ctx, http.MethodGet, "v0/world/status", nil, &resp)
	return resp, err
}

// ActiveThreat returns the active threat, or an APIError with status 404.
func (c *Client) ActiveThreat(ctx context.Context) (Threat, error) {
	var resp Threat
	err := c.do(ctx, http.MethodGet, "v0/threats/active", nil, &resp)
	return resp, err
}

// Threat fetches a threat by id, active or archived.
func (c *Client) Threat(ctx context.Context, id string) (Threat, error) {
	var resp Threat
	err := c.do(ctx, http.MethodGet, "v0/threats/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Archive lists archived threats, newest first.
func (c *Client) Archive(ctx context.Context, limit int) ([]Threat, error) {
	endpoint := "v0/threats/archive"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Threat
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Templates lists the threat catalog.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	var resp []Template
	err := c.do(ctx, http.MethodGet, "v0/templates", nil, &resp)
	return resp, err
}

// Assign replaces the player's roster on the given threat. An empty or
// "active" id targets the current instance. Agents are free form maps;
// the server sanitizes them.
func (c *Client) Assign(ctx context.Context, threatID, playerID, directorName string, agents []map[string]any) (Threat, error) {
	body := map[string]any{
		"player_id":     playerID,
		"director_name": directorName,
		"agents":        agents,
	}
	var resp Threat
	endpoint := "v0/threats/assign"
	if threatID != "" && threatID != "active" {
		endpoint = fmt.Sprintf("v0/threats/%s/assign", url.PathEscape(threatID))
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Unassign withdraws the player's roster from the given threat. An empty
// or "active" id targets the current instance.
func (c *Client) Unassign(ctx context.Context, threatID, playerID string) (WorldStatus, error) {
	body := map[string]any{"player_id": playerID}
	var resp WorldStatus
	endpoint := "v0/threats/unassign"
	if threatID != "" && threatID != "active" {
		endpoint = fmt.Sprintf("v0/threats/%s/unassign", url.PathEscape(threatID))
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Contributions returns the ledger for a threat. Pass "active" for the
// current instance.
func (c *Client) Contributions(ctx context.Context, threatID string) (Contributions, error) {
	var resp Contributions
	endpoint := fmt.Sprintf("v0/threats/%s/contributions", url.PathEscape(threatID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ForceFinish clears the active threat immediately. Requires a bearer token.
func (c *Client) ForceFinish(ctx context.Context) (Threat, error) {
	var resp Threat
	err := c.do(ctx, http.MethodPost, "v0/admin/threats/finish", nil, &resp)
	return resp, err
}

// ForceCycle expires the active threat and spawns a fresh one. Requires a
// bearer token.
func (c *Client) ForceCycle(ctx context.Context) (Threat, error) {
	var resp Threat
	err := c.do(ctx, http.MethodPost, "v0/admin/threats/cycle", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
