package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/pkg/types"
)

func TestConvertMarket(t *testing.T) {
	gm := types.GammaMarket{
		ID:            "123",
		ConditionID:   "0xabc",
		Slug:          "fed-cut-march",
		Question:      "Will the Fed cut rates in March?",
		EndDate:       "2026-03-31T00:00:00Z",
		ClobTokenIds:  `["tok-yes","tok-no"]`,
		OutcomePrices: `["0.62","0.38"]`,
		Volume24hr:    50000,
	}

	info, ok := ConvertMarket(gm, []string{"Fed", "Economy"})
	if !ok {
		t.Fatal("ConvertMarket rejected a valid market")
	}
	if info.YesTokenID != "tok-yes" || info.NoTokenID != "tok-no" {
		t.Errorf("tokens = %s/%s", info.YesTokenID, info.NoTokenID)
	}
	if info.YesPrice != 0.62 || info.NoPrice != 0.38 {
		t.Errorf("prices = %v/%v, want 0.62/0.38", info.YesPrice, info.NoPrice)
	}
	if info.EndDate.Year() != 2026 || info.EndDate.Month() != 3 {
		t.Errorf("end date = %v", info.EndDate)
	}
	if len(info.Tags) != 2 {
		t.Errorf("tags = %v", info.Tags)
	}
}

func TestConvertMarketRejectsMissingTokens(t *testing.T) {
	cases := []string{"", `[]`, `["only-one"]`, `not json`}
	for _, ids := range cases {
		gm := types.GammaMarket{ID: "1", Question: "q", ClobTokenIds: ids}
		if _, ok := ConvertMarket(gm, nil); ok {
			t.Errorf("ClobTokenIds %q accepted, want rejection", ids)
		}
	}
}

func TestFetchActiveEventsPaginates(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)

		// First page full, second page short: pagination must stop there.
		n := pageLimit
		if offset != "0" {
			n = 3
		}
		events := make([]types.GammaEvent, n)
		for i := range events {
			events[i] = types.GammaEvent{ID: fmt.Sprintf("%s-%d", offset, i)}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	c := NewClient(config.APIConfig{
		GammaBaseURL:  srv.URL,
		CLOBBaseURL:   srv.URL,
		MaxMarketPage: 10,
	}, slog.Default())

	events, err := c.FetchActiveEvents(context.Background())
	if err != nil {
		t.Fatalf("FetchActiveEvents: %v", err)
	}
	if len(events) != pageLimit+3 {
		t.Errorf("events = %d, want %d", len(events), pageLimit+3)
	}
	if len(offsets) != 2 || offsets[0] != "0" || offsets[1] != "100" {
		t.Errorf("offsets = %v, want [0 100]", offsets)
	}
}

func TestFetchActiveEventsSurfacesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(config.APIConfig{
		GammaBaseURL:  srv.URL,
		CLOBBaseURL:   srv.URL,
		MaxMarketPage: 10,
	}, slog.Default())

	if _, err := c.FetchActiveEvents(context.Background()); err == nil {
		t.Error("rate-limited fetch returned no error")
	}
}

func TestFetchMarketStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/m-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.MarketStatus{
			ID:     "m-1",
			Closed: true,
			Tokens: []types.StatusToken{{Outcome: "Yes", Price: 0.97}},
		})
	}))
	defer srv.Close()

	c := NewClient(config.APIConfig{
		GammaBaseURL:  srv.URL,
		CLOBBaseURL:   srv.URL,
		MaxMarketPage: 1,
	}, slog.Default())

	status, err := c.FetchMarketStatus(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("FetchMarketStatus: %v", err)
	}
	if !status.Closed {
		t.Error("Closed = false, want true")
	}
	if yes, ok := status.YesPrice(); !ok || yes != 0.97 {
		t.Errorf("YesPrice = %v, %v", yes, ok)
	}
}
