package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"polymarket-sentry/internal/alert"
	"polymarket-sentry/internal/state"
	"polymarket-sentry/pkg/types"
)

// testRouter mirrors the server's route wiring against fixed fixtures, so the
// handlers can be exercised without a live engine.
func testRouter(t *testing.T) (http.Handler, *alert.Store, *state.State) {
	t.Helper()

	store, err := alert.OpenStore(filepath.Join(t.TempDir(), "alerts.json"), 100)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("state.Load: %v", err)
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))
	r.Get("/alerts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, store.Recent(recentAlertLimit))
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"alerts": store.Stats(), "totalAlerts": store.Total()})
	})
	r.Get("/opportunities", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, st.GetUnresolvedOpportunities())
	})
	return r, store, st
}

func TestAlertsEndpoint(t *testing.T) {
	r, store, _ := testRouter(t)

	a := types.Anomaly{
		Type:      types.AnomalyLargeTrade,
		MarketID:  "m1",
		Severity:  types.SeverityHigh,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := store.Add(a, "big trade"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	var alerts []types.StoredAlert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 || alerts[0].MarketID != "m1" {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestStatsEndpoint(t *testing.T) {
	r, store, _ := testRouter(t)

	_ = store.Add(types.Anomaly{Type: types.AnomalyVolumeSpike, MarketID: "m1", Severity: types.SeverityMedium}, "x")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		TotalAlerts int `json:"totalAlerts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalAlerts != 1 {
		t.Errorf("totalAlerts = %d, want 1", body.TotalAlerts)
	}
}

func TestOpportunitiesEndpoint(t *testing.T) {
	r, _, st := testRouter(t)

	rel := types.MarketRelation{
		LeaderID:     "L",
		FollowerID:   "F",
		Relationship: types.RelSameOutcome,
		Confidence:   0.8,
	}
	if _, err := st.AddOpportunity(rel); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/opportunities", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var opps []types.Opportunity
	if err := json.Unmarshal(rec.Body.Bytes(), &opps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(opps) != 1 || opps[0].ID != "L-F" {
		t.Errorf("opportunities = %+v", opps)
	}
}
