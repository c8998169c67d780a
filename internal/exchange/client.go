// Package exchange talks to the public Polymarket surfaces: the Gamma events
// API for market metadata, the CLOB markets endpoint for leader status, and
// the market WebSocket for the trade stream. All surfaces are unauthenticated
// reads; the engine never places orders.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polymarket-sentry/internal/config"
	"polymarket-sentry/pkg/types"
)

const pageLimit = 100

// Client wraps the Gamma and CLOB REST endpoints.
type Client struct {
	gamma    *resty.Client
	clob     *resty.Client
	maxPages int
	status   *TokenBucket // paces leader-status reads
	logger   *slog.Logger
}

// NewClient creates a REST client with retries and finite timeouts.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	gamma := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	clob := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		gamma:    gamma,
		clob:     clob,
		maxPages: cfg.MaxMarketPage,
		status:   NewTokenBucket(10, 5),
		logger:   logger.With("component", "exchange"),
	}
}

// FetchActiveEvents pages through GET /events for active open events sorted
// by 24h volume, up to the configured page cap.
func (c *Client) FetchActiveEvents(ctx context.Context) ([]types.GammaEvent, error) {
	var all []types.GammaEvent
	offset := 0

	for page := 0; page < c.maxPages; page++ {
		var batch []types.GammaEvent
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  fmt.Sprintf("%d", pageLimit),
				"offset": fmt.Sprintf("%d", offset),
				"active": "true",
				"closed": "false",
				"order":  "volume24hr",
			}).
			SetResult(&batch).
			Get("/events")
		if err != nil {
			return nil, fmt.Errorf("fetch events offset %d: %w", offset, err)
		}
		if resp.StatusCode() == 429 {
			return all, fmt.Errorf("fetch events: rate limited")
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch events: status %d", resp.StatusCode())
		}

		all = append(all, batch...)
		if len(batch) < pageLimit {
			break
		}
		offset += pageLimit
	}

	return all, nil
}

// FetchMarketStatus reads the leader-status snapshot for one market,
// pacing through the status token bucket.
func (c *Client) FetchMarketStatus(ctx context.Context, marketID string) (*types.MarketStatus, error) {
	if err := c.status.Wait(ctx); err != nil {
		return nil, err
	}

	var status types.MarketStatus
	resp, err := c.clob.R().
		SetContext(ctx).
		SetResult(&status).
		Get("/markets/" + marketID)
	if err != nil {
		return nil, fmt.Errorf("fetch market status %s: %w", marketID, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch market status %s: status %d", marketID, resp.StatusCode())
	}
	return &status, nil
}

// ConvertMarket transforms a Gamma market plus its event tags into the
// internal MarketInfo. Token ids and outcome prices arrive as JSON-encoded
// arrays of strings; prices are decimal strings.
func ConvertMarket(gm types.GammaMarket, tags []string) (types.MarketInfo, bool) {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	if len(tokenIDs) < 2 {
		return types.MarketInfo{}, false
	}

	info := types.MarketInfo{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		Description: gm.Description,
		YesTokenID:  tokenIDs[0],
		NoTokenID:   tokenIDs[1],
		Volume24h:   gm.Volume24hr,
		Closed:      gm.Closed,
		Tags:        tags,
	}

	if gm.EndDate != "" {
		if end, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			info.EndDate = end
		}
	}

	if gm.OutcomePrices != "" {
		var prices []string
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &prices); err == nil && len(prices) >= 2 {
			if yes, err := decimal.NewFromString(prices[0]); err == nil {
				info.YesPrice = yes.InexactFloat64()
			}
			if no, err := decimal.NewFromString(prices[1]); err == nil {
				info.NoPrice = no.InexactFloat64()
			}
		}
	}

	return info, true
}
