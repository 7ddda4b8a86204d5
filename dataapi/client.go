// Package dataapi is the client for the venue's historical data service.
// Trade history fetched here is the poll-side fallback for fills the push
// stream missed; the service is shared and rate limited, so all requests go
// through a RateGate.
package dataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/robotter-hq/mango-connect/orderid"
)

const (
	DefaultBaseURL = "https://api.mngo.cloud/data/v4"

	defaultTimeout       = 15 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMax      = 5 * time.Second

	// How long to stand down after the service says we are over quota.
	rateLimitCooldown = 10 * time.Second
)

// PerpTrade is one row of the perp trade history endpoint.
type PerpTrade struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	BlockDatetime      time.Time       `json:"block_datetime"`
	Maker              string          `json:"maker"`
	MakerClientOrderID json.Number     `json:"maker_client_order_id"`
	MakerFee           decimal.Decimal `json:"maker_fee"`
	Taker              string          `json:"taker"`
	TakerClientOrderID json.Number     `json:"taker_client_order_id"`
	TakerFee           decimal.Decimal `json:"taker_fee"`
	TakerSide          string          `json:"taker_side"`
	PerpMarket         string          `json:"perp_market"`
	MarketIndex        uint64          `json:"market_index"`
	Price              decimal.Decimal `json:"price"`
	Quantity           decimal.Decimal `json:"quantity"`
	SeqNum             uint64          `json:"seq_num"`
	PerpMarketName     string          `json:"perp_market_name"`
}

// FillID is the same slot-seqnum identity the push stream derives, so trades
// observed on both paths deduplicate against each other.
func (t PerpTrade) FillID() string {
	return fmt.Sprintf("%d-%d", t.Slot, t.SeqNum)
}

// Client talks to the data service.
type Client struct {
	http   *resty.Client
	gate   RateGate
	logger *slog.Logger
}

type Option func(*Client)

func WithRateGate(gate RateGate) Option {
	return func(c *Client) { c.gate = gate }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient swaps the underlying transport. Tests point this at an
// httptest server.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = resty.NewWithClient(hc) }
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	c := &Client{
		gate:   NewRateGate(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithGroup("dataapi")

	if c.http == nil {
		c.http = resty.New()
	}
	c.http.
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBase).
		SetRetryMaxWaitTime(defaultRetryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			// 429 is excluded: the rate gate owns over-quota handling.
			code := r.StatusCode()
			return code >= 500 || code == http.StatusRequestTimeout
		})
	return c
}

// PerpTradeHistory fetches recent perp trades involving the account, newest
// first. limit and offset page through the history.
func (c *Client) PerpTradeHistory(ctx context.Context, account orderid.AccountID, limit, offset int) ([]PerpTrade, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"mango-account": account.String(),
			"limit":         strconv.Itoa(limit),
			"offset":        strconv.Itoa(offset),
			"rev-chrono":    "true",
		}).
		Get("/stats/perp-trade-history")
	if err != nil {
		return nil, fmt.Errorf("dataapi: fetch perp trade history: %w", err)
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		c.gate.Cooldown(rateLimitCooldown)
		c.logger.Warn("data api rate limited, cooling down",
			slog.Duration("cooldown", rateLimitCooldown))
		return nil, fmt.Errorf("dataapi: rate limited (HTTP %d)", resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("dataapi: perp trade history HTTP %d: %s", resp.StatusCode(), resp.String())
	}

	var trades []PerpTrade
	if err := json.Unmarshal(resp.Body(), &trades); err != nil {
		return nil, fmt.Errorf("dataapi: decode perp trade history: %w", err)
	}
	return trades, nil
}
