// Package alert turns anomalies into delivered, persisted alerts: the
// manager paces and formats them, the store keeps the bounded local log and
// its JSON snapshot.
package alert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-sentry/pkg/types"
)

// StoreStats are the aggregates recomputed on every write.
type StoreStats struct {
	ByType     map[types.AnomalyType]int `json:"byType"`
	BySeverity map[types.Severity]int    `json:"bySeverity"`
	Last24h    int                       `json:"last24h"`
	Last7d     int                       `json:"last7d"`
}

// snapshot is the on-disk layout of smart-money-alerts.json.
type snapshot struct {
	LastUpdated time.Time           `json:"lastUpdated"`
	TotalAlerts int                 `json:"totalAlerts"`
	Alerts      []types.StoredAlert `json:"alerts"`
	Stats       StoreStats          `json:"stats"`
}

// Store is the append-only bounded alert log. Newest alerts sit first; the
// list is truncated at maxAlerts. Add guarantees the local snapshot file is
// durable before returning.
type Store struct {
	mu        sync.RWMutex
	path      string
	maxAlerts int
	alerts    []types.StoredAlert
	total     int
	stats     StoreStats
}

// OpenStore loads an existing snapshot from path, or starts empty.
func OpenStore(path string, maxAlerts int) (*Store, error) {
	s := &Store{path: path, maxAlerts: maxAlerts}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.recomputeStatsLocked()
			return s, nil
		}
		return nil, fmt.Errorf("read alert snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal alert snapshot: %w", err)
	}
	s.alerts = snap.Alerts
	s.total = snap.TotalAlerts
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[:maxAlerts]
	}
	s.recomputeStatsLocked()
	return s, nil
}

// Add prepends a normalized StoredAlert, truncates at the cap, recomputes
// stats, and persists the snapshot before returning.
func (s *Store) Add(a types.Anomaly, message string) error {
	stored := types.StoredAlert{
		ID:           a.AlertID(),
		Type:         a.Type,
		MarketID:     a.MarketID,
		Question:     a.Question,
		Severity:     a.Severity,
		Direction:    a.Direction,
		CurrentPrice: a.CurrentPrice,
		Timestamp:    time.UnixMilli(a.Timestamp),
		Message:      message,
	}
	if a.Trade != nil {
		stored.TradeSizeUSD = a.Trade.SizeUSD
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append([]types.StoredAlert{stored}, s.alerts...)
	if len(s.alerts) > s.maxAlerts {
		s.alerts = s.alerts[:s.maxAlerts]
	}
	s.total++
	s.recomputeStatsLocked()

	return s.saveLocked()
}

// Recent returns up to n of the most recent alerts, newest first.
func (s *Store) Recent(n int) []types.StoredAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.alerts) {
		n = len(s.alerts)
	}
	out := make([]types.StoredAlert, n)
	copy(out, s.alerts[:n])
	return out
}

// Stats returns a copy of the current aggregates.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := StoreStats{
		ByType:     make(map[types.AnomalyType]int, len(s.stats.ByType)),
		BySeverity: make(map[types.Severity]int, len(s.stats.BySeverity)),
		Last24h:    s.stats.Last24h,
		Last7d:     s.stats.Last7d,
	}
	for k, v := range s.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range s.stats.BySeverity {
		out.BySeverity[k] = v
	}
	return out
}

// Total reports how many alerts were ever accepted.
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Publish rewrites the snapshot file. The orchestrator calls this on a slow
// ticker; Add already persists after every write.
func (s *Store) Publish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) recomputeStatsLocked() {
	st := StoreStats{
		ByType:     make(map[types.AnomalyType]int),
		BySeverity: make(map[types.Severity]int),
	}
	now := time.Now()
	for _, a := range s.alerts {
		st.ByType[a.Type]++
		st.BySeverity[a.Severity]++
		age := now.Sub(a.Timestamp)
		if age <= 24*time.Hour {
			st.Last24h++
		}
		if age <= 7*24*time.Hour {
			st.Last7d++
		}
	}
	s.stats = st
}

// saveLocked writes the snapshot atomically: temp file, fsync, rename.
func (s *Store) saveLocked() error {
	snap := snapshot{
		LastUpdated: time.Now(),
		TotalAlerts: s.total,
		Alerts:      s.alerts,
		Stats:       s.stats,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert snapshot: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open snapshot tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	return os.Rename(tmp, s.path)
}
