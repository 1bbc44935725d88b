package questrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.BrokerageClient = (*Client)(nil)
	_ driven.ConnectionProbe = (*Client)(nil)
)

// Client is the rate-limited gateway for every resource call against the
// brokerage API. Each call acquires a RateGate slot, obtains a token from the
// TokenSource, and recovers from exactly one class of failure: a 401 response
// triggers one token refresh and one retry. Everything else propagates to the
// caller unchanged.
type Client struct {
	httpClient *http.Client
	tokens     driven.TokenSource
	gate       *RateGate
	timeout    time.Duration
}

// NewClient creates a gateway client with an httpcache memory transport
// (conditional request caching where the upstream supplies validators) and a
// shared rate gate sized by the given per-second and concurrency budgets.
func NewClient(tokens driven.TokenSource, maxPerSecond, maxConcurrent int, timeout time.Duration) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()

	return &Client{
		httpClient: &http.Client{Transport: cacheTransport},
		tokens:     tokens,
		gate:       NewRateGate(maxPerSecond, maxConcurrent),
		timeout:    timeout,
	}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and rate
// gate. This constructor is intended for testing, allowing injection of an
// httptest server and a tiny budget.
func NewClientWithHTTPClient(httpClient *http.Client, tokens driven.TokenSource, gate *RateGate, timeout time.Duration) *Client {
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		gate:       gate,
		timeout:    timeout,
	}
}

// Accounts returns the person's brokerage accounts.
func (c *Client) Accounts(ctx context.Context, personName string) ([]model.Account, error) {
	var payload struct {
		Accounts []struct {
			Type      *string `json:"type"`
			Number    *string `json:"number"`
			Status    *string `json:"status"`
			IsPrimary *bool   `json:"isPrimary"`
			Currency  *string `json:"currency"`
		} `json:"accounts"`
	}

	if err := c.do(ctx, personName, http.MethodGet, "/v1/accounts", nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("listing accounts for %s: %w", personName, err)
	}

	now := time.Now().UTC()
	accounts := make([]model.Account, 0, len(payload.Accounts))
	for _, a := range payload.Accounts {
		accounts = append(accounts, model.Account{
			PersonName: personName,
			Number:     strVal(a.Number),
			Type:       strVal(a.Type),
			Status:     strVal(a.Status),
			IsPrimary:  boolVal(a.IsPrimary),
			Currency:   strVal(a.Currency),
			SyncedAt:   now,
		})
	}

	return accounts, nil
}

// Positions returns the open positions in the given account.
func (c *Client) Positions(ctx context.Context, personName, accountNumber string) ([]model.Position, error) {
	var payload struct {
		Positions []struct {
			Symbol             *string  `json:"symbol"`
			OpenQuantity       *float64 `json:"openQuantity"`
			AverageEntryPrice  *float64 `json:"averageEntryPrice"`
			CurrentPrice       *float64 `json:"currentPrice"`
			CurrentMarketValue *float64 `json:"currentMarketValue"`
			OpenPnL            *float64 `json:"openPnl"`
			ClosedPnL          *float64 `json:"closedPnl"`
		} `json:"positions"`
	}

	path := "/v1/accounts/" + url.PathEscape(accountNumber) + "/positions"
	if err := c.do(ctx, personName, http.MethodGet, path, nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("listing positions for account %s: %w", accountNumber, err)
	}

	now := time.Now().UTC()
	positions := make([]model.Position, 0, len(payload.Positions))
	for _, p := range payload.Positions {
		positions = append(positions, model.Position{
			AccountNumber:      accountNumber,
			Symbol:             strVal(p.Symbol),
			OpenQuantity:       floatVal(p.OpenQuantity),
			AverageEntryPrice:  floatVal(p.AverageEntryPrice),
			CurrentPrice:       floatVal(p.CurrentPrice),
			CurrentMarketValue: floatVal(p.CurrentMarketValue),
			OpenPnL:            floatVal(p.OpenPnL),
			ClosedPnL:          floatVal(p.ClosedPnL),
			SyncedAt:           now,
		})
	}

	return positions, nil
}

// Activities returns account activities within the [start, end] window.
func (c *Client) Activities(ctx context.Context, personName, accountNumber string, start, end time.Time) ([]model.Activity, error) {
	var payload struct {
		Activities []struct {
			Type            *string  `json:"type"`
			Action          *string  `json:"action"`
			Symbol          *string  `json:"symbol"`
			Description     *string  `json:"description"`
			Quantity        *float64 `json:"quantity"`
			Price           *float64 `json:"price"`
			GrossAmount     *float64 `json:"grossAmount"`
			Commission      *float64 `json:"commission"`
			NetAmount       *float64 `json:"netAmount"`
			Currency        *string  `json:"currency"`
			TradeDate       *string  `json:"tradeDate"`
			SettlementDate  *string  `json:"settlementDate"`
			TransactionDate *string  `json:"transactionDate"`
		} `json:"activities"`
	}

	query := url.Values{
		"startTime": {start.UTC().Format(time.RFC3339)},
		"endTime":   {end.UTC().Format(time.RFC3339)},
	}

	path := "/v1/accounts/" + url.PathEscape(accountNumber) + "/activities"
	if err := c.do(ctx, personName, http.MethodGet, path, query, nil, &payload); err != nil {
		return nil, fmt.Errorf("listing activities for account %s: %w", accountNumber, err)
	}

	activities := make([]model.Activity, 0, len(payload.Activities))
	for _, a := range payload.Activities {
		activities = append(activities, model.Activity{
			AccountNumber:   accountNumber,
			Type:            strVal(a.Type),
			Action:          strVal(a.Action),
			Symbol:          strVal(a.Symbol),
			Description:     strVal(a.Description),
			Quantity:        floatVal(a.Quantity),
			Price:           floatVal(a.Price),
			GrossAmount:     floatVal(a.GrossAmount),
			Commission:      floatVal(a.Commission),
			NetAmount:       floatVal(a.NetAmount),
			Currency:        strVal(a.Currency),
			TradeDate:       timeVal(a.TradeDate),
			SettlementDate:  timeVal(a.SettlementDate),
			TransactionDate: timeVal(a.TransactionDate),
		})
	}

	return activities, nil
}

// Quotes returns market data snapshots for the given symbols in one upstream
// call. Symbols the brokerage does not know are simply absent from the result;
// the caller decides what absence means.
func (c *Client) Quotes(ctx context.Context, personName string, symbols []string) ([]model.Quote, error) {
	var payload struct {
		Quotes []struct {
			Symbol         *string  `json:"symbol"`
			BidPrice       *float64 `json:"bidPrice"`
			AskPrice       *float64 `json:"askPrice"`
			LastTradePrice *float64 `json:"lastTradePrice"`
			BidSize        *int     `json:"bidSize"`
			AskSize        *int     `json:"askSize"`
			Volume         *int64   `json:"volume"`
			IsHalted       *bool    `json:"isHalted"`
			LastTradeTime  *string  `json:"lastTradeTime"`
		} `json:"quotes"`
	}

	query := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := c.do(ctx, personName, http.MethodGet, "/v1/markets/quotes", query, nil, &payload); err != nil {
		return nil, fmt.Errorf("fetching quotes for %s: %w", strings.Join(symbols, ","), err)
	}

	quotes := make([]model.Quote, 0, len(payload.Quotes))
	for _, q := range payload.Quotes {
		quotes = append(quotes, model.Quote{
			Symbol:         strVal(q.Symbol),
			BidPrice:       floatVal(q.BidPrice),
			AskPrice:       floatVal(q.AskPrice),
			LastTradePrice: floatVal(q.LastTradePrice),
			BidSize:        intVal(q.BidSize),
			AskSize:        intVal(q.AskSize),
			Volume:         int64Val(q.Volume),
			IsHalted:       boolVal(q.IsHalted),
			Timestamp:      timeVal(q.LastTradeTime),
		})
	}

	return quotes, nil
}

// ServerTime makes the lightest authenticated call the API offers. Used as
// the end-to-end connection probe.
func (c *Client) ServerTime(ctx context.Context, personName string) (time.Time, error) {
	var payload struct {
		Time *string `json:"time"`
	}

	if err := c.do(ctx, personName, http.MethodGet, "/v1/time", nil, nil, &payload); err != nil {
		return time.Time{}, fmt.Errorf("fetching server time: %w", err)
	}

	return timeVal(payload.Time), nil
}

// do runs one gateway call: limiter slot, token, HTTP attempt, and the
// bounded 401 recovery. The slot is held across the retry so a refresh storm
// cannot multiply in-flight calls.
func (c *Client) do(ctx context.Context, personName, method, path string, query url.Values, body, out any) error {
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	var bodyBytes []byte
	if body != nil {
		if bodyBytes, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	tok, err := c.tokens.AccessToken(ctx, personName)
	if err != nil {
		return err
	}

	status, err := c.attempt(ctx, tok, method, path, query, bodyBytes, out)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	// Exactly one refresh and one retry. A second 401 means the credential
	// pair is beyond automatic repair and the person must be re-enrolled.
	slog.Debug("401 from upstream, refreshing token", "person", personName, "endpoint", path)

	tok, err = c.tokens.ForceRefresh(ctx, personName)
	if err != nil {
		return fmt.Errorf("refresh after 401: %w", err)
	}

	status, err = c.attempt(ctx, tok, method, path, query, bodyBytes, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return driven.ErrAuthenticationFailed
	}

	return nil
}

// attempt performs one HTTP exchange. It returns the status code so the
// caller can see a 401; any other non-2xx status is converted to an error
// here. Cancellation of the caller's context does not propagate to an
// already-sent upstream request beyond the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, tok *model.AccessToken, method, path string, query url.Values, body []byte, out any) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := tok.APIServer + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, u, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &driven.UpstreamUnavailableError{Operation: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, &driven.UpstreamUnavailableError{Operation: method + " " + path, Err: err}
	}

	slog.Debug("questrade api call",
		"endpoint", path,
		"person", tok.PersonName,
		"status", resp.StatusCode,
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, &driven.UpstreamUnavailableError{
			Operation: method + " " + path,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response for %s %s: %w", method, path, err)
		}
	}

	return resp.StatusCode, nil
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatVal(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func int64Val(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

func boolVal(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}

// timeVal parses an upstream RFC3339 timestamp; absent or malformed values
// map to the zero time at this boundary.
func timeVal(s *string) time.Time {
	if s == nil || *s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Time{}
	}
	return t
}
