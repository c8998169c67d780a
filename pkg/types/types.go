// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the surveillance engine: market
// metadata, executed trades, anomalies, alerts, discovered relations, and
// WebSocket event payloads. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Core enums
// ---------------------------------------------------------------------------

// Side represents the direction of an executed trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Severity grades how unusual an anomaly is.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityOrder fixes the ladder used by Rank and minimum-severity checks.
var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s on the severity ladder, or -1 for NONE
// and unknown values.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is at or above min on the ladder.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= 0 && s.Rank() >= min.Rank()
}

// ParseSeverity maps a string to a Severity, defaulting to MEDIUM.
func ParseSeverity(v string) Severity {
	switch Severity(v) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(v)
	}
	return SeverityMedium
}

// Direction is the outcome a trade or anomaly implies informed money favors.
type Direction string

const (
	DirectionYes     Direction = "YES"
	DirectionNo      Direction = "NO"
	DirectionUnknown Direction = "UNKNOWN"
)

// AnomalyType enumerates the four detector variants, in detection order.
type AnomalyType string

const (
	AnomalyUnusualLowPriceBuy AnomalyType = "UNUSUAL_LOW_PRICE_BUY"
	AnomalyLargeTrade         AnomalyType = "LARGE_TRADE"
	AnomalyVolumeSpike        AnomalyType = "VOLUME_SPIKE"
	AnomalyRapidPriceMove     AnomalyType = "RAPID_PRICE_MOVE"
)

// ---------------------------------------------------------------------------
// Market metadata
// ---------------------------------------------------------------------------

// MarketInfo is the internal representation of a Polymarket binary market.
// Populated from the Gamma API during scanning and refresh. A binary market
// has exactly two tokens (YES and NO) whose prices sum to ~$1.
type MarketInfo struct {
	ID          string    `json:"id"`
	ConditionID string    `json:"conditionId,omitempty"`
	Slug        string    `json:"slug,omitempty"`
	Question    string    `json:"question"`
	Description string    `json:"description,omitempty"`
	EndDate     time.Time `json:"endDate"`

	YesTokenID string `json:"yesTokenId"`
	NoTokenID  string `json:"noTokenId"`

	YesPrice float64 `json:"yesPrice"` // last observed YES price
	NoPrice  float64 `json:"noPrice"`  // last observed NO price

	Volume24h float64 `json:"volume24h"`
	Closed    bool    `json:"closed"`

	Tags []string `json:"tags,omitempty"`

	// Priority is the multiplier assigned by the market filter: 1.0, 1.5 or 2.0.
	Priority float64 `json:"priority,omitempty"`
}

// Trade is one executed trade on a monitored market. Immutable once recorded.
type Trade struct {
	MarketID  string  `json:"marketId"`
	TokenID   string  `json:"tokenId"`
	Price     float64 `json:"price"` // 0.0–1.0
	Size      float64 `json:"size"`  // shares
	SizeUSD   float64 `json:"sizeUsd"`
	Side      Side    `json:"side"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

// Time returns the trade timestamp as a time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// ---------------------------------------------------------------------------
// Anomalies and alerts
// ---------------------------------------------------------------------------

// Anomaly is one detection result. The header fields are common to all four
// variants; Details carries the variant-specific payload selected by Type.
type Anomaly struct {
	Type         AnomalyType    `json:"type"`
	MarketID     string         `json:"marketId"`
	Question     string         `json:"question"`
	Severity     Severity       `json:"severity"`
	Timestamp    int64          `json:"timestamp"` // unix milliseconds
	CurrentPrice float64        `json:"currentPrice"`
	Direction    Direction      `json:"direction"`
	Trade        *Trade         `json:"trade,omitempty"` // triggering trade, if any
	Details      AnomalyDetails `json:"details"`
}

// AnomalyDetails is the variant payload. The detectors and the formatter
// agree on which fields each AnomalyType populates; the rest stay zero.
type AnomalyDetails struct {
	// LARGE_TRADE
	TradeSizeUSD float64  `json:"tradeSizeUsd,omitempty"`
	ZScore       *float64 `json:"zScore,omitempty"`

	// VOLUME_SPIKE
	WindowVolume   float64 `json:"windowVolume,omitempty"`
	ExpectedVolume float64 `json:"expectedVolume,omitempty"`
	VolumeMultiple float64 `json:"volumeMultiple,omitempty"`

	// RAPID_PRICE_MOVE
	PriceChange    float64 `json:"priceChange,omitempty"`
	PriceChangePct float64 `json:"priceChangePct,omitempty"`
	PriceDirection string  `json:"priceDirection,omitempty"` // "UP" or "DOWN"

	// UNUSUAL_LOW_PRICE_BUY
	Percentile    float64 `json:"percentile,omitempty"`
	Rank          int     `json:"rank,omitempty"`
	TotalSamples  int     `json:"totalSamples,omitempty"`
	MedianSizeUSD float64 `json:"medianSizeUsd,omitempty"`
}

// AlertID builds the stable identifier for a persisted anomaly.
func (a Anomaly) AlertID() string {
	return fmt.Sprintf("%s:%s:%d", a.MarketID, a.Type, a.Timestamp)
}

// StoredAlert is the persisted form of an emitted anomaly.
type StoredAlert struct {
	ID           string      `json:"id"` // {market}:{type}:{timestamp}
	Type         AnomalyType `json:"type"`
	MarketID     string      `json:"marketId"`
	Question     string      `json:"question"`
	Severity     Severity    `json:"severity"`
	Direction    Direction   `json:"direction"`
	CurrentPrice float64     `json:"currentPrice"`
	TradeSizeUSD float64     `json:"tradeSizeUsd,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Message      string      `json:"message"`

	// Post-hoc outcome fields, filled by offline analysis.
	Outcome      string   `json:"outcome,omitempty"`
	OutcomePrice *float64 `json:"outcomePrice,omitempty"`
}

// ---------------------------------------------------------------------------
// Discovery: relations and opportunities
// ---------------------------------------------------------------------------

// RelationshipType classifies how two markets' resolutions are linked.
type RelationshipType string

const (
	RelSameOutcome      RelationshipType = "SAME_OUTCOME"
	RelDifferentOutcome RelationshipType = "DIFFERENT_OUTCOME"
	RelUnrelated        RelationshipType = "UNRELATED"
	RelSameEventReject  RelationshipType = "SAME_EVENT_REJECT"
)

// MarketRelation is a directed-by-time link between two markets: the leader
// resolves before the follower. Created by the discovery pipeline and never
// mutated afterward.
type MarketRelation struct {
	LeaderID         string           `json:"leaderId"`
	FollowerID       string           `json:"followerId"`
	LeaderQuestion   string           `json:"leaderQuestion"`
	FollowerQuestion string           `json:"followerQuestion"`
	LeaderEndDate    time.Time        `json:"leaderEndDate"`
	FollowerEndDate  time.Time        `json:"followerEndDate"`
	Relationship     RelationshipType `json:"relationship"`
	Confidence       float64          `json:"confidence"` // 0.0–1.0
	Rationale        string           `json:"rationale,omitempty"`
	ExpectedEdge     string           `json:"expectedEdge,omitempty"`
	TimeGapDays      float64          `json:"timeGapDays"`
	SeriesID         string           `json:"seriesId,omitempty"`
}

// PairID returns the opportunity key: leader id x follower id.
func (r MarketRelation) PairID() string {
	return r.LeaderID + "-" + r.FollowerID
}

// OpportunityStatus is the lifecycle of an opportunity. Transitions only move
// forward: active -> threshold_triggered -> resolved, with a direct
// active -> resolved shortcut when the leader resolves without warning.
type OpportunityStatus string

const (
	StatusActive             OpportunityStatus = "active"
	StatusThresholdTriggered OpportunityStatus = "threshold_triggered"
	StatusResolved           OpportunityStatus = "resolved"
)

func (s OpportunityStatus) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusThresholdTriggered:
		return 1
	case StatusResolved:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s OpportunityStatus) CanAdvanceTo(next OpportunityStatus) bool {
	return next.rank() > s.rank()
}

// Opportunity wraps one actionable MarketRelation with lifecycle state.
type Opportunity struct {
	ID            string            `json:"id"` // leaderId-followerId
	Relation      MarketRelation    `json:"relation"`
	Status        OpportunityStatus `json:"status"`
	LeaderOutcome string            `json:"leaderOutcome,omitempty"` // YES or NO once resolved
	TriggerPrice  float64           `json:"triggerPrice,omitempty"`  // YES price at threshold trigger
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ---------------------------------------------------------------------------
// Cache state
// ---------------------------------------------------------------------------

// SeenMarket records a market the discovery pipeline has already observed.
type SeenMarket struct {
	Question  string    `json:"question"`
	EndDate   time.Time `json:"endDate"`
	FirstSeen time.Time `json:"firstSeen"`
}

// AnalyzedPair is a cached LLM evaluation, keyed by the canonical pair id.
type AnalyzedPair struct {
	Market1ID  string           `json:"market1Id"`
	Market2ID  string           `json:"market2Id"`
	Result     RelationshipType `json:"result"`
	Confidence float64          `json:"confidence"`
	AnalyzedAt time.Time        `json:"analyzedAt"`
}

// CanonicalPairID orders the two ids lexicographically so both orientations
// of a pair map to the same cache key.
func CanonicalPairID(id1, id2 string) string {
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	return id1 + "|" + id2
}

// ---------------------------------------------------------------------------
// Monitor events
// ---------------------------------------------------------------------------

// MonitorEventType labels events emitted by the leader monitor.
type MonitorEventType string

const (
	EventLeaderResolved MonitorEventType = "LEADER_RESOLVED"
	EventNearCertainty  MonitorEventType = "NEAR_CERTAINTY"
	EventCascade        MonitorEventType = "CASCADE"
)

// MonitorEvent is one actionable signal from the leader monitor.
type MonitorEvent struct {
	Type          MonitorEventType `json:"type"`
	OpportunityID string           `json:"opportunityId"`
	LeaderID      string           `json:"leaderId"`
	FollowerID    string           `json:"followerId"`
	Outcome       string           `json:"outcome,omitempty"`     // LEADER_RESOLVED only
	YesPrice      float64          `json:"yesPrice,omitempty"`    // NEAR_CERTAINTY / CASCADE
	TradeAction   string           `json:"tradeAction,omitempty"` // derived follower action
	Timestamp     time.Time        `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Exchange wire formats
// ---------------------------------------------------------------------------
// These structs map 1:1 to the JSON the Gamma API and the CLOB market
// WebSocket emit. Decimal fields arrive as strings to preserve precision.

// GammaEvent is one event from GET /events; it groups related markets.
type GammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Slug    string        `json:"slug"`
	Tags    []GammaTag    `json:"tags"`
	Markets []GammaMarket `json:"markets"`
}

// GammaTag is a category label attached to an event.
type GammaTag struct {
	Label string `json:"label"`
	Slug  string `json:"slug"`
}

// GammaMarket is the JSON shape of one market inside a Gamma event.
type GammaMarket struct {
	ID            string  `json:"id"`
	ConditionID   string  `json:"conditionId"`
	Slug          string  `json:"slug"`
	Question      string  `json:"question"`
	Description   string  `json:"description"`
	EndDate       string  `json:"endDate"`
	ClobTokenIds  string  `json:"clobTokenIds"`  // JSON array of two token id strings
	OutcomePrices string  `json:"outcomePrices"` // JSON array of two decimal strings
	Volume24hr    float64 `json:"volume24hr"`
	Closed        bool    `json:"closed"`
	Active        bool    `json:"active"`
}

// MarketStatus is the leader-status snapshot from the CLOB markets endpoint.
type MarketStatus struct {
	ID             string        `json:"id"`
	Question       string        `json:"question"`
	Closed         bool          `json:"closed"`
	Resolved       bool          `json:"resolved"`
	Outcome        string        `json:"outcome"`
	WinningOutcome string        `json:"winning_outcome"`
	Tokens         []StatusToken `json:"tokens"`
}

// StatusToken is one outcome token inside a MarketStatus.
type StatusToken struct {
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
}

// YesPrice returns the YES token price, or false when absent.
func (m MarketStatus) YesPrice() (float64, bool) {
	for _, t := range m.Tokens {
		if t.Outcome == "Yes" || t.Outcome == "YES" || t.Outcome == "yes" {
			return t.Price, true
		}
	}
	return 0, false
}

// WSSubscribeMsg is the subscription message for the market WS channel.
type WSSubscribeMsg struct {
	Type     string   `json:"type"` // "subscribe"
	Channel  string   `json:"channel"`
	AssetIDs []string `json:"assets_ids"`
}

// WSTradeEvent is a trade message from the market WS channel. Both
// "last_trade_price" and "price_change" event types share this shape.
// Decimal fields are strings; Timestamp may be milliseconds or seconds.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"` // condition id
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}
