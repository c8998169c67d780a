// Package state owns the durable JSON document holding discovered
// opportunities, the analyzed-pair cache, seen-market digests, and cached
// embeddings. One instance is created at startup and passed explicitly to
// the discovery pipeline and the leader monitor.
//
// Saves are atomic: write to a temp file, fsync, rename. Every mutating
// operation persists before returning, so a crash between a fetch and a mark
// costs at most one retried poll, never a lost transition.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"polymarket-sentry/pkg/types"
)

// cache is the nested cache section of the state document.
type cache struct {
	SeenMarkets   map[string]types.SeenMarket   `json:"seenMarkets"`
	AnalyzedPairs map[string]types.AnalyzedPair `json:"analyzedPairs"`
	Embeddings    map[string][]float64          `json:"embeddings"`
}

// document is the on-disk layout.
type document struct {
	Opportunities []types.Opportunity `json:"opportunities"`
	LastChecked   time.Time           `json:"lastChecked"`
	Cache         cache               `json:"cache"`
}

// State is the process-wide opportunity and cache store.
type State struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Load reads the state file or creates an empty document.
func Load(path string) (*State, error) {
	s := &State{path: path}
	s.doc.Cache = cache{
		SeenMarkets:   make(map[string]types.SeenMarket),
		AnalyzedPairs: make(map[string]types.AnalyzedPair),
		Embeddings:    make(map[string][]float64),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if s.doc.Cache.SeenMarkets == nil {
		s.doc.Cache.SeenMarkets = make(map[string]types.SeenMarket)
	}
	if s.doc.Cache.AnalyzedPairs == nil {
		s.doc.Cache.AnalyzedPairs = make(map[string]types.AnalyzedPair)
	}
	if s.doc.Cache.Embeddings == nil {
		s.doc.Cache.Embeddings = make(map[string][]float64)
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Opportunities
// ---------------------------------------------------------------------------

// HasOpportunity reports whether the pair id is already registered.
func (s *State) HasOpportunity(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id) >= 0
}

// AddOpportunity registers an actionable relation. Idempotent: a second call
// for the same pair id is a no-op returning false.
func (s *State) AddOpportunity(rel types.MarketRelation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rel.PairID()
	if s.findLocked(id) >= 0 {
		return false, nil
	}

	now := time.Now()
	s.doc.Opportunities = append(s.doc.Opportunities, types.Opportunity{
		ID:        id,
		Relation:  rel,
		Status:    types.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return true, s.saveLocked()
}

// GetOpportunity returns a copy of the opportunity, or nil.
func (s *State) GetOpportunity(id string) *types.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.findLocked(id)
	if i < 0 {
		return nil
	}
	cp := s.doc.Opportunities[i]
	return &cp
}

// GetUnresolvedOpportunities returns every opportunity not yet resolved.
func (s *State) GetUnresolvedOpportunities() []types.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Opportunity
	for _, o := range s.doc.Opportunities {
		if o.Status != types.StatusResolved {
			out = append(out, o)
		}
	}
	return out
}

// GetActiveOpportunities returns opportunities that are neither resolved nor
// threshold-triggered.
func (s *State) GetActiveOpportunities() []types.Opportunity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Opportunity
	for _, o := range s.doc.Opportunities {
		if o.Status == types.StatusActive {
			out = append(out, o)
		}
	}
	return out
}

// GetOpportunitiesInSeries returns opportunities sharing a series tag,
// ordered by leader end date.
func (s *State) GetOpportunitiesInSeries(seriesID string) []types.Opportunity {
	if seriesID == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Opportunity
	for _, o := range s.doc.Opportunities {
		if o.Relation.SeriesID == seriesID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Relation.LeaderEndDate.Before(out[j].Relation.LeaderEndDate)
	})
	return out
}

// MarkThresholdTriggered advances an opportunity to threshold_triggered,
// recording the YES price that crossed the line. Backward transitions are
// rejected.
func (s *State) MarkThresholdTriggered(id string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findLocked(id)
	if i < 0 {
		return fmt.Errorf("unknown opportunity %q", id)
	}
	o := &s.doc.Opportunities[i]
	if !o.Status.CanAdvanceTo(types.StatusThresholdTriggered) {
		return fmt.Errorf("opportunity %q: cannot move %s -> %s", id, o.Status, types.StatusThresholdTriggered)
	}
	o.Status = types.StatusThresholdTriggered
	o.TriggerPrice = price
	o.UpdatedAt = time.Now()
	return s.saveLocked()
}

// MarkLeaderResolved advances an opportunity to resolved with the leader's
// outcome. Valid from both active and threshold_triggered.
func (s *State) MarkLeaderResolved(id, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.findLocked(id)
	if i < 0 {
		return fmt.Errorf("unknown opportunity %q", id)
	}
	o := &s.doc.Opportunities[i]
	if !o.Status.CanAdvanceTo(types.StatusResolved) {
		return fmt.Errorf("opportunity %q: cannot move %s -> %s", id, o.Status, types.StatusResolved)
	}
	o.Status = types.StatusResolved
	o.LeaderOutcome = outcome
	o.UpdatedAt = time.Now()
	return s.saveLocked()
}

func (s *State) findLocked(id string) int {
	for i := range s.doc.Opportunities {
		if s.doc.Opportunities[i].ID == id {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Pair cache
// ---------------------------------------------------------------------------

// IsPairAnalyzed reports whether the pair was ever evaluated, in either
// orientation.
func (s *State) IsPairAnalyzed(id1, id2 string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doc.Cache.AnalyzedPairs[types.CanonicalPairID(id1, id2)]
	return ok
}

// GetPairResult returns the cached evaluation, or nil.
func (s *State) GetPairResult(id1, id2 string) *types.AnalyzedPair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.doc.Cache.AnalyzedPairs[types.CanonicalPairID(id1, id2)]
	if !ok {
		return nil
	}
	return &p
}

// SavePairResult caches an evaluation under the canonical pair id.
func (s *State) SavePairResult(id1, id2 string, result types.RelationshipType, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Cache.AnalyzedPairs[types.CanonicalPairID(id1, id2)] = types.AnalyzedPair{
		Market1ID:  id1,
		Market2ID:  id2,
		Result:     result,
		Confidence: confidence,
		AnalyzedAt: time.Now(),
	}
	return s.saveLocked()
}

// ---------------------------------------------------------------------------
// Market + embedding cache
// ---------------------------------------------------------------------------

// IsMarketNew reports whether the market has never been seen.
func (s *State) IsMarketNew(marketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, seen := s.doc.Cache.SeenMarkets[marketID]
	return !seen
}

// MarkMarketSeen records a market digest. First-seen time is preserved on
// repeat calls; question and end date refresh.
func (s *State) MarkMarketSeen(marketID, question string, endDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	firstSeen := time.Now()
	if prev, ok := s.doc.Cache.SeenMarkets[marketID]; ok {
		firstSeen = prev.FirstSeen
	}
	s.doc.Cache.SeenMarkets[marketID] = types.SeenMarket{
		Question:  question,
		EndDate:   endDate,
		FirstSeen: firstSeen,
	}
	return s.saveLocked()
}

// GetEmbedding returns the cached vector for a market, or nil.
func (s *State) GetEmbedding(marketID string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.doc.Cache.Embeddings[marketID]
	if !ok {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}

// SaveEmbedding caches a vector for a market.
func (s *State) SaveEmbedding(marketID string, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]float64, len(vec))
	copy(cp, vec)
	s.doc.Cache.Embeddings[marketID] = cp
	return s.saveLocked()
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

// CleanupEndedMarkets purges seen markets and embeddings whose end time is
// older than the retention window, then drops analyzed pairs referencing any
// purged market. Returns how many market entries were removed.
func (s *State) CleanupEndedMarkets(retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	removed := 0

	for id, m := range s.doc.Cache.SeenMarkets {
		if !m.EndDate.IsZero() && m.EndDate.Before(cutoff) {
			delete(s.doc.Cache.SeenMarkets, id)
			delete(s.doc.Cache.Embeddings, id)
			removed++
		}
	}

	// Pairs hold only the two market ids, so cleanup walks markets first and
	// then filters entries whose endpoints are gone.
	for key, p := range s.doc.Cache.AnalyzedPairs {
		_, ok1 := s.doc.Cache.SeenMarkets[p.Market1ID]
		_, ok2 := s.doc.Cache.SeenMarkets[p.Market2ID]
		if !ok1 || !ok2 {
			delete(s.doc.Cache.AnalyzedPairs, key)
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

// SetLastChecked records the monitor's last poll time and persists.
func (s *State) SetLastChecked(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.LastChecked = t
	return s.saveLocked()
}

// Save persists the current document.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes atomically: temp file, fsync, rename.
func (s *State) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open state tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
