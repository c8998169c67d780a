// Package monitor polls leader markets of unresolved opportunities and turns
// resolutions, near-certainty prices, and series cascades into notifications
// plus durable status transitions.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/internal/notify"
	"polymarket-sentry/internal/state"
	"polymarket-sentry/pkg/types"
)

// StatusFetcher reads one market's resolution snapshot.
type StatusFetcher interface {
	FetchMarketStatus(ctx context.Context, marketID string) (*types.MarketStatus, error)
}

// Monitor is the leader-resolution poller. One Check pass walks every
// unresolved opportunity; the state store makes each transition idempotent,
// so an overlapping or retried pass never double-fires.
type Monitor struct {
	client   StatusFetcher
	st       *state.State
	notifier notify.Notifier
	cfg      config.MonitorConfig
	logger   *slog.Logger
	now      func() time.Time

	// sleep is swapped out by tests; production uses the per-market delay.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a leader monitor.
func New(client StatusFetcher, st *state.State, notifier notify.Notifier, cfg config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		client:   client,
		st:       st,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "monitor"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Check runs one monitoring pass. Fetch failures for individual leaders are
// logged and skipped so one flaky market never blocks the rest.
func (m *Monitor) Check(ctx context.Context) ([]types.MonitorEvent, error) {
	opportunities := m.st.GetUnresolvedOpportunities()
	if len(opportunities) == 0 {
		return nil, m.st.SetLastChecked(m.now())
	}

	var events []types.MonitorEvent
	for i, opp := range opportunities {
		if i > 0 {
			if err := m.sleep(ctx, m.cfg.PerMarketDelay); err != nil {
				return events, err
			}
		}

		status, err := m.client.FetchMarketStatus(ctx, opp.Relation.LeaderID)
		if err != nil {
			if ctx.Err() != nil {
				return events, ctx.Err()
			}
			m.logger.Warn("leader status fetch failed",
				"opportunity", opp.ID,
				"leader", opp.Relation.LeaderID,
				"error", err,
			)
			continue
		}

		evts, err := m.inspect(ctx, opp, status)
		if err != nil {
			return events, err
		}
		events = append(events, evts...)
	}

	if err := m.st.SetLastChecked(m.now()); err != nil {
		return events, err
	}
	return events, nil
}

// inspect applies the resolution and near-certainty rules to one opportunity.
// The status is re-read from state first: a cascade earlier in the same pass
// may already have advanced this opportunity.
func (m *Monitor) inspect(ctx context.Context, opp types.Opportunity, status *types.MarketStatus) ([]types.MonitorEvent, error) {
	if cur := m.st.GetOpportunity(opp.ID); cur != nil {
		opp = *cur
	}
	if opp.Status == types.StatusResolved {
		return nil, nil
	}
	if status.Resolved || status.Closed {
		outcome, ok := parseOutcome(status)
		if !ok {
			// Closed but no recognizable outcome yet. Leave the opportunity
			// unresolved; the next pass rechecks.
			m.logger.Warn("leader closed with ambiguous outcome",
				"opportunity", opp.ID,
				"leader", opp.Relation.LeaderID,
				"outcome", status.Outcome,
				"winning", status.WinningOutcome,
			)
			return nil, nil
		}
		return m.handleResolution(ctx, opp, outcome)
	}

	yes, ok := status.YesPrice()
	if ok && yes >= m.cfg.NearCertaintyThreshold && opp.Status == types.StatusActive {
		return m.handleNearCertainty(ctx, opp, yes)
	}
	return nil, nil
}

func (m *Monitor) handleResolution(ctx context.Context, opp types.Opportunity, outcome string) ([]types.MonitorEvent, error) {
	if err := m.st.MarkLeaderResolved(opp.ID, outcome); err != nil {
		return nil, fmt.Errorf("mark resolved %s: %w", opp.ID, err)
	}

	evt := types.MonitorEvent{
		Type:          types.EventLeaderResolved,
		OpportunityID: opp.ID,
		LeaderID:      opp.Relation.LeaderID,
		FollowerID:    opp.Relation.FollowerID,
		Outcome:       outcome,
		TradeAction:   tradeAction(opp.Relation.Relationship, outcome),
		Timestamp:     m.now(),
	}

	m.logger.Info("leader resolved",
		"opportunity", opp.ID,
		"outcome", outcome,
		"action", evt.TradeAction,
	)
	m.notify(ctx, fmt.Sprintf(
		"✅ Leader resolved %s\n%s\n→ Follower: %s\nAction: %s",
		outcome, opp.Relation.LeaderQuestion, opp.Relation.FollowerQuestion, evt.TradeAction,
	))
	return []types.MonitorEvent{evt}, nil
}

func (m *Monitor) handleNearCertainty(ctx context.Context, opp types.Opportunity, yes float64) ([]types.MonitorEvent, error) {
	if err := m.st.MarkThresholdTriggered(opp.ID, yes); err != nil {
		return nil, fmt.Errorf("mark triggered %s: %w", opp.ID, err)
	}

	events := []types.MonitorEvent{{
		Type:          types.EventNearCertainty,
		OpportunityID: opp.ID,
		LeaderID:      opp.Relation.LeaderID,
		FollowerID:    opp.Relation.FollowerID,
		YesPrice:      yes,
		TradeAction:   tradeAction(opp.Relation.Relationship, "YES"),
		Timestamp:     m.now(),
	}}

	m.logger.Info("leader near certainty",
		"opportunity", opp.ID,
		"yes_price", yes,
	)
	m.notify(ctx, fmt.Sprintf(
		"⚡ Leader near certainty (YES %.2f)\n%s\n→ Follower: %s",
		yes, opp.Relation.LeaderQuestion, opp.Relation.FollowerQuestion,
	))

	cascades, err := m.cascade(ctx, opp, yes)
	if err != nil {
		return events, err
	}
	return append(events, cascades...), nil
}

// cascade propagates a near-certainty trigger to still-active series siblings
// whose leaders resolve later: if "by March" is nearly certain, every later
// deadline in the series is too.
func (m *Monitor) cascade(ctx context.Context, source types.Opportunity, yes float64) ([]types.MonitorEvent, error) {
	seriesID := source.Relation.SeriesID
	if seriesID == "" {
		return nil, nil
	}

	var events []types.MonitorEvent
	for _, sibling := range m.st.GetOpportunitiesInSeries(seriesID) {
		if sibling.ID == source.ID || sibling.Status != types.StatusActive {
			continue
		}
		if !sibling.Relation.LeaderEndDate.After(source.Relation.LeaderEndDate) {
			continue
		}

		if err := m.st.MarkThresholdTriggered(sibling.ID, yes); err != nil {
			return events, fmt.Errorf("cascade %s: %w", sibling.ID, err)
		}
		events = append(events, types.MonitorEvent{
			Type:          types.EventCascade,
			OpportunityID: sibling.ID,
			LeaderID:      sibling.Relation.LeaderID,
			FollowerID:    sibling.Relation.FollowerID,
			YesPrice:      yes,
			TradeAction:   tradeAction(sibling.Relation.Relationship, "YES"),
			Timestamp:     m.now(),
		})

		m.logger.Info("cascade trigger",
			"series", seriesID,
			"source", source.ID,
			"sibling", sibling.ID,
		)
		m.notify(ctx, fmt.Sprintf(
			"🌊 Cascade: series trigger\nSource: %s\nSibling leader: %s",
			source.Relation.LeaderQuestion, sibling.Relation.LeaderQuestion,
		))
	}
	return events, nil
}

func (m *Monitor) notify(ctx context.Context, msg string) {
	if err := m.notifier.Send(ctx, msg); err != nil {
		m.logger.Warn("monitor notification failed", "error", err)
	}
}

// parseOutcome normalizes the resolution fields to YES or NO. Accepts
// yes/1/true and no/0/false in either the outcome or winning_outcome field.
func parseOutcome(status *types.MarketStatus) (string, bool) {
	for _, raw := range []string{status.Outcome, status.WinningOutcome} {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "yes", "1", "true":
			return "YES", true
		case "no", "0", "false":
			return "NO", true
		}
	}
	return "", false
}

// tradeAction derives the follower position implied by the leader outcome:
// SAME_OUTCOME followers move with the leader, DIFFERENT_OUTCOME against it.
func tradeAction(rel types.RelationshipType, outcome string) string {
	follow := outcome == "YES"
	if rel == types.RelDifferentOutcome {
		follow = !follow
	}
	if follow {
		return "BUY_FOLLOWER_YES"
	}
	return "BUY_FOLLOWER_NO"
}
