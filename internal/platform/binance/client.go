// Package binance implements domain.Connector against the Binance spot REST API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Venue is the connector's venue name.
const Venue = "binance"

// Config holds the client parameters.
type Config struct {
	BaseURL    string // e.g. "https://api.binance.com"
	APIKey     string
	APISecret  string
	QuoteAsset string   // every conversion is routed through this asset
	Symbols    []string // base assets to track; empty tracks every quote pair
	RecvWindow int      // milliseconds
}

// RequestError is a 4xx answer from the API other than rate limiting.
type RequestError struct {
	Status int
	Code   int
	Msg    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("binance: http %d: code %d: %s", e.Status, e.Code, e.Msg)
}

// Client is the Binance spot connector.
type Client struct {
	cfg        Config
	auth       hmacAuth
	httpClient *http.Client
	now        func() time.Time

	mu    sync.Mutex
	steps map[string]lotSize // pair -> LOT_SIZE filter
}

type lotSize struct {
	step   decimal.Decimal
	minQty decimal.Decimal
}

var _ domain.Connector = (*Client)(nil)

// New creates a Binance client.
func New(cfg Config) *Client {
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		auth: hmacAuth{key: cfg.APIKey, secret: cfg.APISecret},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now:   time.Now,
		steps: make(map[string]lotSize),
	}
}

// Venue implements domain.Connector.
func (c *Client) Venue() string { return Venue }

// QuoteAsset implements domain.Connector.
func (c *Client) QuoteAsset() string { return c.cfg.QuoteAsset }

// GetSnapshots returns a snapshot per tracked base asset, priced in the
// quote asset.
func (c *Client) GetSnapshots(ctx context.Context) ([]domain.MarketSnapshot, error) {
	params := url.Values{}
	if len(c.cfg.Symbols) > 0 {
		pairs := make([]string, 0, len(c.cfg.Symbols))
		for _, s := range c.cfg.Symbols {
			if s == c.cfg.QuoteAsset {
				continue
			}
			pairs = append(pairs, s+c.cfg.QuoteAsset)
		}
		raw, err := json.Marshal(pairs)
		if err != nil {
			return nil, fmt.Errorf("binance: get snapshots: %w", err)
		}
		params.Set("symbols", string(raw))
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", params, false)
	if err != nil {
		return nil, fmt.Errorf("binance: get snapshots: %w", err)
	}
	var tickers []apiTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, fmt.Errorf("binance: decode tickers: %w: %w", domain.ErrConnectorFailure, err)
	}

	out := make([]domain.MarketSnapshot, 0, len(tickers))
	for _, t := range tickers {
		base, ok := strings.CutSuffix(t.Symbol, c.cfg.QuoteAsset)
		if !ok || base == "" {
			continue
		}
		snap := t.toSnapshot(Venue, base)
		if snap.LastPrice <= 0 {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetBalances returns every non-zero account balance.
func (c *Client) GetBalances(ctx context.Context) ([]domain.HeldAsset, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return nil, fmt.Errorf("binance: get balances: %w", err)
	}
	var acct apiAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("binance: decode account: %w: %w", domain.ErrConnectorFailure, err)
	}
	out := make([]domain.HeldAsset, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		h := domain.HeldAsset{
			Venue:  Venue,
			Asset:  b.Asset,
			Free:   parseDecimal(b.Free),
			Locked: parseDecimal(b.Locked),
		}
		if h.Total().IsZero() {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Execute converts opp.Quantity of the from asset into the to asset with
// market orders. Conversions between two non-quote assets take two legs
// through the quote asset. clientOrderID names the first leg so a retried
// call is rejected as a duplicate by the venue.
func (c *Client) Execute(ctx context.Context, opp domain.ScoredOpportunity, clientOrderID string) (domain.ExecutionReceipt, error) {
	cand := opp.Candidate
	quote := c.cfg.QuoteAsset
	qty := decimal.NewFromFloat(opp.Quantity)
	rec := domain.ExecutionReceipt{
		ClientOrderID: clientOrderID,
		Venue:         Venue,
		FromAsset:     cand.FromAsset,
		ToAsset:       cand.ToAsset,
	}

	var err error
	switch {
	case cand.FromAsset == quote:
		var f fill
		f, err = c.marketOrder(ctx, cand.ToAsset, "BUY", qty, clientOrderID)
		rec.VenueOrderID, rec.Status, rec.Fee = f.orderID, f.status, f.fee
		rec.QtyIn, rec.QtyOut = f.quoteQty, f.baseQty
	case cand.ToAsset == quote:
		var f fill
		f, err = c.marketOrder(ctx, cand.FromAsset, "SELL", qty, clientOrderID)
		rec.VenueOrderID, rec.Status, rec.Fee = f.orderID, f.status, f.fee
		rec.QtyIn, rec.QtyOut = f.baseQty, f.quoteQty.Sub(f.fee)
	default:
		rec, err = c.twoLeg(ctx, rec, qty)
	}

	rec.ExecutedAt = c.now()
	if rec.QtyIn.IsPositive() {
		rec.Price = rec.QtyOut.Div(rec.QtyIn)
	}
	if err != nil {
		if rec.Status == "" {
			rec.Status = domain.ExecutionFailed
		}
		rec.Error = err.Error()
		return rec, err
	}
	if rec.Status == domain.ExecutionRejected {
		err = fmt.Errorf("binance: execute %s: %w: order not filled", cand, domain.ErrExecution)
		rec.Error = err.Error()
		return rec, err
	}
	return rec, nil
}

func (c *Client) twoLeg(ctx context.Context, rec domain.ExecutionReceipt, qty decimal.Decimal) (domain.ExecutionReceipt, error) {
	sell, err := c.marketOrder(ctx, rec.FromAsset, "SELL", qty, rec.ClientOrderID)
	rec.VenueOrderID, rec.Fee = sell.orderID, sell.fee
	rec.QtyIn = sell.baseQty
	if err != nil || sell.status == domain.ExecutionRejected {
		rec.Status = sell.status
		return rec, err
	}

	proceeds := sell.quoteQty.Sub(sell.fee)
	buy, err := c.marketOrder(ctx, rec.ToAsset, "BUY", proceeds, secondLegID(rec.ClientOrderID))
	rec.Fee = rec.Fee.Add(buy.fee)
	rec.QtyOut = buy.baseQty
	if buy.orderID != "" {
		rec.VenueOrderID += "," + buy.orderID
	}
	if err != nil || buy.status != domain.ExecutionFilled {
		// The proceeds sit in the quote asset until the next cycle.
		rec.Status = domain.ExecutionPartial
		if err == nil {
			err = fmt.Errorf("binance: second leg %s: %w: status %s", rec.ToAsset, domain.ErrExecution, buy.status)
		}
		return rec, err
	}
	rec.Status = sell.status
	return rec, nil
}

// secondLegID derives a distinct, deterministic client id within the 36
// character limit.
func secondLegID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 33 {
		id = id[:33]
	}
	return id + "-b"
}

// marketOrder places a MARKET order on base+quote. For BUY, amount is the
// quote quantity to spend; for SELL it is the base quantity to sell.
func (c *Client) marketOrder(ctx context.Context, base, side string, amount decimal.Decimal, clientID string) (fill, error) {
	pair := base + c.cfg.QuoteAsset
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "FULL")

	if side == "BUY" {
		params.Set("quoteOrderQty", amount.Truncate(8).String())
	} else {
		lot, err := c.lotSize(ctx, pair)
		if err != nil {
			return fill{}, err
		}
		qty := amount
		if lot.step.IsPositive() {
			qty = amount.Div(lot.step).Floor().Mul(lot.step)
		}
		if !qty.IsPositive() || qty.LessThan(lot.minQty) {
			return fill{status: domain.ExecutionRejected},
				fmt.Errorf("binance: %s %s: %w: quantity %s below lot size", side, pair, domain.ErrExecution, amount)
		}
		params.Set("quantity", qty.String())
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return fill{status: domain.ExecutionRejected}, fmt.Errorf("binance: %s %s: %w: %w", side, pair, domain.ErrExecution, err)
		}
		return fill{}, fmt.Errorf("binance: %s %s: %w", side, pair, err)
	}
	var o apiOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return fill{}, fmt.Errorf("binance: decode order: %w: %w", domain.ErrConnectorFailure, err)
	}
	return o.toFill(base, c.cfg.QuoteAsset), nil
}

func (c *Client) lotSize(ctx context.Context, pair string) (lotSize, error) {
	c.mu.Lock()
	lot, ok := c.steps[pair]
	c.mu.Unlock()
	if ok {
		return lot, nil
	}

	params := url.Values{}
	params.Set("symbol", pair)
	body, err := c.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return lotSize{}, fmt.Errorf("binance: exchange info %s: %w", pair, err)
	}
	var info apiExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return lotSize{}, fmt.Errorf("binance: decode exchange info: %w: %w", domain.ErrConnectorFailure, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != pair {
			continue
		}
		for _, f := range s.Filters {
			if f.FilterType == "LOT_SIZE" {
				lot = lotSize{step: parseDecimal(f.StepSize), minQty: parseDecimal(f.MinQty)}
			}
		}
	}
	c.mu.Lock()
	c.steps[pair] = lot
	c.mu.Unlock()
	return lot, nil
}

// do executes a request. Signed requests carry timestamp, recvWindow and the
// HMAC signature in the query string.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if signed {
		params.Set("recvWindow", strconv.Itoa(c.cfg.RecvWindow))
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + c.auth.sign(query)
	}

	target := c.cfg.BaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.auth.key != "" {
		req.Header.Set("X-MBX-APIKEY", c.auth.key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", domain.ErrConnectorFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrConnectorFailure, err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to errors. Rate limits and
// server errors are connector failures; other 4xx are request errors.
func checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	if status == http.StatusTooManyRequests || status == http.StatusTeapot || status >= 500 {
		return fmt.Errorf("%w: http %d: %s", domain.ErrConnectorFailure, status, ae.Msg)
	}
	return &RequestError{Status: status, Code: ae.Code, Msg: ae.Msg}
}
