package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/brokersync/internal/application"
	"github.com/ericfisherdev/brokersync/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// TokenStatusResponse is the JSON representation of a person's token health.
type TokenStatusResponse struct {
	Person                string `json:"person"`
	HasRefreshToken       bool   `json:"has_refresh_token"`
	HasAccessToken        bool   `json:"has_access_token"`
	AccessTokenExpiresAt  string `json:"access_token_expires_at,omitempty"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at,omitempty"`
	APIServer             string `json:"api_server,omitempty"`
	ErrorCount            int    `json:"error_count"`
	LastError             string `json:"last_error,omitempty"`
	LastUsedAt            string `json:"last_used_at,omitempty"`
	IsHealthy             bool   `json:"is_healthy"`
}

// AccessTokenResponse is the JSON representation of a valid access token.
type AccessTokenResponse struct {
	Person      string `json:"person"`
	AccessToken string `json:"access_token"`
	APIServer   string `json:"api_server"`
	ExpiresAt   string `json:"expires_at"`
}

// SetupTokenRequest is the JSON body for the person enrollment endpoint.
type SetupTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// QuoteResponse is the JSON representation of a cached quote.
type QuoteResponse struct {
	Symbol         string  `json:"symbol"`
	BidPrice       float64 `json:"bid_price"`
	AskPrice       float64 `json:"ask_price"`
	LastTradePrice float64 `json:"last_trade_price"`
	BidSize        int     `json:"bid_size"`
	AskSize        int     `json:"ask_size"`
	Volume         int64   `json:"volume"`
	IsHalted       bool    `json:"is_halted"`
	FetchedAt      string  `json:"fetched_at"`
	Stale          bool    `json:"stale"`
}

// AccountResponse is the JSON representation of a mirrored account.
type AccountResponse struct {
	Person    string `json:"person"`
	Number    string `json:"number"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	IsPrimary bool   `json:"is_primary"`
	Currency  string `json:"currency"`
	SyncedAt  string `json:"synced_at"`
}

// PositionResponse is the JSON representation of a mirrored position.
type PositionResponse struct {
	AccountNumber      string  `json:"account_number"`
	Symbol             string  `json:"symbol"`
	OpenQuantity       float64 `json:"open_quantity"`
	AverageEntryPrice  float64 `json:"average_entry_price"`
	CurrentPrice       float64 `json:"current_price"`
	CurrentMarketValue float64 `json:"current_market_value"`
	OpenPnL            float64 `json:"open_pnl"`
	ClosedPnL          float64 `json:"closed_pnl"`
	SyncedAt           string  `json:"synced_at"`
}

// ActivityResponse is the JSON representation of a mirrored account activity.
type ActivityResponse struct {
	AccountNumber   string  `json:"account_number"`
	Type            string  `json:"type"`
	Action          string  `json:"action,omitempty"`
	Symbol          string  `json:"symbol,omitempty"`
	Description     string  `json:"description,omitempty"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	GrossAmount     float64 `json:"gross_amount"`
	Commission      float64 `json:"commission"`
	NetAmount       float64 `json:"net_amount"`
	Currency        string  `json:"currency,omitempty"`
	TradeDate       string  `json:"trade_date,omitempty"`
	SettlementDate  string  `json:"settlement_date,omitempty"`
	TransactionDate string  `json:"transaction_date,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func toTokenStatusResponse(s model.TokenStatus) TokenStatusResponse {
	return TokenStatusResponse{
		Person:                s.PersonName,
		HasRefreshToken:       s.HasRefreshToken,
		HasAccessToken:        s.HasAccessToken,
		AccessTokenExpiresAt:  formatTime(s.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: formatTime(s.RefreshTokenExpiresAt),
		APIServer:             s.APIServer,
		ErrorCount:            s.ErrorCount,
		LastError:             s.LastError,
		LastUsedAt:            formatTime(s.LastUsedAt),
		IsHealthy:             s.IsHealthy,
	}
}

func toAccessTokenResponse(t model.AccessToken) AccessTokenResponse {
	return AccessTokenResponse{
		Person:      t.PersonName,
		AccessToken: t.Token,
		APIServer:   t.APIServer,
		ExpiresAt:   formatTime(t.ExpiresAt),
	}
}

func toQuoteResponse(q application.CachedQuote) QuoteResponse {
	return QuoteResponse{
		Symbol:         q.Quote.Symbol,
		BidPrice:       q.Quote.BidPrice,
		AskPrice:       q.Quote.AskPrice,
		LastTradePrice: q.Quote.LastTradePrice,
		BidSize:        q.Quote.BidSize,
		AskSize:        q.Quote.AskSize,
		Volume:         q.Quote.Volume,
		IsHalted:       q.Quote.IsHalted,
		FetchedAt:      formatTime(q.FetchedAt),
		Stale:          q.Stale,
	}
}

func toAccountResponse(a model.Account) AccountResponse {
	return AccountResponse{
		Person:    a.PersonName,
		Number:    a.Number,
		Type:      a.Type,
		Status:    a.Status,
		IsPrimary: a.IsPrimary,
		Currency:  a.Currency,
		SyncedAt:  formatTime(a.SyncedAt),
	}
}

func toPositionResponse(p model.Position) PositionResponse {
	return PositionResponse{
		AccountNumber:      p.AccountNumber,
		Symbol:             p.Symbol,
		OpenQuantity:       p.OpenQuantity,
		AverageEntryPrice:  p.AverageEntryPrice,
		CurrentPrice:       p.CurrentPrice,
		CurrentMarketValue: p.CurrentMarketValue,
		OpenPnL:            p.OpenPnL,
		ClosedPnL:          p.ClosedPnL,
		SyncedAt:           formatTime(p.SyncedAt),
	}
}

func toActivityResponse(a model.Activity) ActivityResponse {
	return ActivityResponse{
		AccountNumber:   a.AccountNumber,
		Type:            a.Type,
		Action:          a.Action,
		Symbol:          a.Symbol,
		Description:     a.Description,
		Quantity:        a.Quantity,
		Price:           a.Price,
		GrossAmount:     a.GrossAmount,
		Commission:      a.Commission,
		NetAmount:       a.NetAmount,
		Currency:        a.Currency,
		TradeDate:       formatTime(a.TradeDate),
		SettlementDate:  formatTime(a.SettlementDate),
		TransactionDate: formatTime(a.TransactionDate),
	}
}

// formatTime renders t as RFC3339, or empty for the zero time so omitempty
// fields drop cleanly.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
