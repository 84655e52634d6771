package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"threatline/internal/catalog"
	"threatline/internal/config"
	"threatline/internal/engine"
	"threatline/internal/server"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestWorld(t *testing.T) *engine.World {
	t.Helper()
	cfg := config.Default()
	cfg.Templates = []config.TemplateConfig{{
		ID:              "test-threat",
		Name:            "Test Threat",
		Zone:            "test-zone",
		PrimaryStat:     "investigation",
		RequiredSkills:  []string{"research"},
		Difficulty:      10,
		LifetimeMinutes: 120,
	}}
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	w := engine.New(cfg, cat)
	w.Now = func() time.Time { return t0 }
	return w
}

func newTestServer(t *testing.T, world *engine.World, adminSecret string) *httptest.Server {
	t.Helper()
	handler, err := server.New(server.Config{
		World:    world,
		BasePath: "/v0",
		Auth:     server.AuthConfig{AdminSecret: adminSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestAssignFlow(t *testing.T) {
	world := newTestWorld(t)
	world.Tick(t0)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/threats/active", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get active: %d %s", res.StatusCode, string(data))
	}
	var active struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &active); err != nil {
		t.Fatalf("unmarshal active: %v", err)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/threats/"+active.ID+"/assign", map[string]any{
		"player_id":     "p1",
		"director_name": "Director",
		"agents": []map[string]any{{
			"id":            "a1",
			"investigation": 10,
			"courage":       5,
			"occultism":     5,
		}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var threat struct {
		Bundles []struct {
			PlayerID string `json:"player_id"`
		} `json:"bundles"`
		EtaSeconds *int64 `json:"eta_seconds"`
	}
	if err := json.Unmarshal(data, &threat); err != nil {
		t.Fatalf("unmarshal threat: %v", err)
	}
	if len(threat.Bundles) != 1 || threat.Bundles[0].PlayerID != "p1" {
		t.Fatalf("bundles = %+v", threat.Bundles)
	}
	if threat.EtaSeconds == nil {
		t.Fatalf("expected eta once power is assigned")
	}

	world.Tick(t0.Add(10 * time.Second))
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/threats/"+active.ID+"/contributions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contributions: %d %s", res.StatusCode, string(data))
	}
	var contrib struct {
		Totals map[string]float64 `json:"totals"`
	}
	if err := json.Unmarshal(data, &contrib); err != nil {
		t.Fatalf("unmarshal contributions: %v", err)
	}
	if contrib.Totals["p1"] <= 0 {
		t.Fatalf("totals = %v", contrib.Totals)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/threats/"+active.ID+"/unassign", map[string]any{
		"player_id": "p1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unassign: %d %s", res.StatusCode, string(data))
	}
}

func TestAssignErrors(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	// No active threat yet.
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/threats/any/assign", map[string]any{
		"player_id":     "p1",
		"director_name": "D",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "no_active_threat" {
		t.Fatalf("expected 409 no_active_threat, got %d %s", res.StatusCode, string(data))
	}

	world.Tick(t0)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/threats/stale-id/assign", map[string]any{
		"player_id":     "p1",
		"director_name": "D",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "stale_threat" {
		t.Fatalf("expected 409 stale_threat, got %d %s", res.StatusCode, string(data))
	}

	active := world.Active()
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/threats/"+active.ID+"/assign", map[string]any{
		"director_name": "D",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing player_id, got %d %s", res.StatusCode, string(data))
	}
}

func TestGetThreatNotFound(t *testing.T) {
	world := newTestWorld(t)
	world.Tick(t0)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/threats/unknown-id", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorldStatus(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/world/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var status struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Active {
		t.Fatalf("expected inactive world before first tick")
	}

	world.Tick(t0)
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/world/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !status.Active {
		t.Fatalf("expected active world after tick")
	}
}

func TestAdminAuth(t *testing.T) {
	world := newTestWorld(t)
	world.Tick(t0)
	srv := newTestServer(t, world, "test-secret")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/admin/threats/finish", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/threats/finish", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d %s", res.StatusCode, string(data))
	}

	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/admin/threats/finish", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}
	var finished struct {
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(data, &finished); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if finished.Status != "cleared" || finished.Progress != 100 {
		t.Fatalf("finished = %+v", finished)
	}

	// Non-admin routes stay open.
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/world/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("world status should be open: %d %s", res.StatusCode, string(data))
	}
}

func TestAdminCycle(t *testing.T) {
	world := newTestWorld(t)
	world.Tick(t0)
	first := world.Active()
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/admin/threats/cycle", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle: %d %s", res.StatusCode, string(data))
	}
	var cycled struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &cycled); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cycled.ID == first.ID || cycled.Status != "active" {
		t.Fatalf("cycled = %+v", cycled)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/threats/archive", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("archive: %d %s", res.StatusCode, string(data))
	}
	var archived []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatalf("unmarshal archive: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != first.ID || archived[0].Status != "expired" {
		t.Fatalf("archive = %+v", archived)
	}
}

func TestAssignWithoutThreatID(t *testing.T) {
	world := newTestWorld(t)
	world.Tick(t0)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/threats/assign", map[string]any{
		"player_id":     "p1",
		"director_name": "Director",
		"agents": []map[string]any{{
			"id":            "a1",
			"investigation": 10,
		}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", res.StatusCode, string(data))
	}
	var threat struct {
		ID      string `json:"id"`
		Bundles []struct {
			PlayerID string `json:"player_id"`
		} `json:"bundles"`
	}
	if err := json.Unmarshal(data, &threat); err != nil {
		t.Fatalf("unmarshal threat: %v", err)
	}
	if threat.ID != world.Active().ID {
		t.Fatalf("assigned to %s, active is %s", threat.ID, world.Active().ID)
	}
	if len(threat.Bundles) != 1 || threat.Bundles[0].PlayerID != "p1" {
		t.Fatalf("bundles = %+v", threat.Bundles)
	}

	world.Tick(t0.Add(10 * time.Second))
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/threats/contributions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("contributions: %d %s", res.StatusCode, string(data))
	}
	var contrib struct {
		Totals map[string]float64 `json:"totals"`
	}
	if err := json.Unmarshal(data, &contrib); err != nil {
		t.Fatalf("unmarshal contributions: %v", err)
	}
	if contrib.Totals["p1"] <= 0 {
		t.Fatalf("totals = %v", contrib.Totals)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/threats/unassign", map[string]any{
		"player_id": "p1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unassign: %d %s", res.StatusCode, string(data))
	}
	var status struct {
		Active bool `json:"active"`
		Threat *struct {
			Bundles []any `json:"bundles"`
		} `json:"threat"`
	}
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if !status.Active || status.Threat == nil || len(status.Threat.Bundles) != 0 {
		t.Fatalf("status after unassign = %s", string(data))
	}
}

func TestAssignWithoutThreatIDNoActive(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/threats/assign", map[string]any{
		"player_id":     "p1",
		"director_name": "Director",
	}, nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "no_active_threat" {
		t.Fatalf("expected 409 no_active_threat, got %d %s", res.StatusCode, string(data))
	}
}

func TestListThreats(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/threats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var listing struct {
		Active *struct {
			ID string `json:"id"`
		} `json:"active"`
		Archive []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"archive"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if listing.Active != nil || len(listing.Archive) != 0 {
		t.Fatalf("expected empty world, got %s", string(data))
	}

	world.Tick(t0)
	first := world.Active()
	if _, err := world.ForceCycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	second := world.Active()

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/threats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if listing.Active == nil || listing.Active.ID != second.ID {
		t.Fatalf("active = %+v, want %s", listing.Active, second.ID)
	}
	if len(listing.Archive) != 1 || listing.Archive[0].ID != first.ID || listing.Archive[0].Status != "expired" {
		t.Fatalf("archive = %+v", listing.Archive)
	}
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	var wg sync.WaitGroup
	bodies := make([][]byte, 4)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := http.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("openapi status = %d", res.StatusCode)
				return
			}
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(bodies); i++ {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("document differs between concurrent fetches")
		}
	}
}

func TestHealthAndTemplates(t *testing.T) {
	world := newTestWorld(t)
	srv := newTestServer(t, world, "")

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/templates", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("templates: %d %s", res.StatusCode, string(data))
	}
	var templates []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &templates); err != nil {
		t.Fatalf("unmarshal templates: %v", err)
	}
	if len(templates) != 1 || templates[0].ID != "test-threat" {
		t.Fatalf("templates = %+v", templates)
	}
}
