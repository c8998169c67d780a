package alert

import (
	"path/filepath"
	"testing"

	"polymarket-sentry/pkg/types"
)

func TestStoreBoundAndOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s, err := OpenStore(path, 3)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	for i := 0; i < 5; i++ {
		a := testAnomaly("m1", types.AnomalyLargeTrade, int64(i))
		if err := s.Add(a, "msg"); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	recent := s.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent = %d alerts, want 3 (bounded)", len(recent))
	}
	// Newest first.
	if recent[0].ID != "m1:LARGE_TRADE:4" {
		t.Errorf("newest alert = %s, want m1:LARGE_TRADE:4", recent[0].ID)
	}
	if s.Total() != 5 {
		t.Errorf("Total = %d, want 5 (truncation keeps the count)", s.Total())
	}
}

func TestStoreStatsAggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	s, err := OpenStore(path, 100)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	_ = s.Add(testAnomaly("m1", types.AnomalyLargeTrade, 1), "a")
	_ = s.Add(testAnomaly("m2", types.AnomalyLargeTrade, 2), "b")
	_ = s.Add(testAnomaly("m3", types.AnomalyVolumeSpike, 3), "c")

	stats := s.Stats()
	if stats.ByType[types.AnomalyLargeTrade] != 2 {
		t.Errorf("ByType[LARGE_TRADE] = %d, want 2", stats.ByType[types.AnomalyLargeTrade])
	}
	if stats.ByType[types.AnomalyVolumeSpike] != 1 {
		t.Errorf("ByType[VOLUME_SPIKE] = %d, want 1", stats.ByType[types.AnomalyVolumeSpike])
	}
	if stats.BySeverity[types.SeverityHigh] != 3 {
		t.Errorf("BySeverity[HIGH] = %d, want 3", stats.BySeverity[types.SeverityHigh])
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")

	s, err := OpenStore(path, 100)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Add(testAnomaly("m1", types.AnomalyRapidPriceMove, 7), "moved"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened, err := OpenStore(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recent := reopened.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("reopened Recent = %d alerts, want 1", len(recent))
	}
	if recent[0].ID != "m1:RAPID_PRICE_MOVE:7" {
		t.Errorf("reopened alert = %s", recent[0].ID)
	}
	if recent[0].Message != "moved" {
		t.Errorf("message = %q, want %q", recent[0].Message, "moved")
	}
}
