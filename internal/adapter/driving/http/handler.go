// Package httphandler is the HTTP driving adapter serving the REST API.
package httphandler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ericfisherdev/brokersync/internal/application"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	manager       *application.TokenManager
	quotes        *application.QuoteService
	syncSvc       *application.SyncService
	accountStore  driven.AccountStore
	positionStore driven.PositionStore
	activityStore driven.ActivityStore
	logger        *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	manager *application.TokenManager,
	quotes *application.QuoteService,
	syncSvc *application.SyncService,
	accountStore driven.AccountStore,
	positionStore driven.PositionStore,
	activityStore driven.ActivityStore,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		manager:       manager,
		quotes:        quotes,
		syncSvc:       syncSvc,
		accountStore:  accountStore,
		positionStore: positionStore,
		activityStore: activityStore,
		logger:        logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/persons", h.ListPersons)
	mux.HandleFunc("POST /api/v1/persons/{person}/token", h.SetupToken)
	mux.HandleFunc("GET /api/v1/persons/{person}/token", h.GetAccessToken)
	mux.HandleFunc("POST /api/v1/persons/{person}/token/refresh", h.RefreshToken)
	mux.HandleFunc("GET /api/v1/persons/{person}/token/status", h.GetTokenStatus)
	mux.HandleFunc("POST /api/v1/persons/{person}/test", h.TestConnection)
	mux.HandleFunc("DELETE /api/v1/persons/{person}", h.DeletePerson)
	mux.HandleFunc("GET /api/v1/persons/{person}/accounts", h.ListAccounts)
	mux.HandleFunc("GET /api/v1/accounts/{number}/positions", h.ListPositions)
	mux.HandleFunc("GET /api/v1/accounts/{number}/activities", h.ListActivities)
	mux.HandleFunc("GET /api/v1/quotes/{symbol}", h.GetQuote)
	mux.HandleFunc("GET /api/v1/quotes", h.GetQuotes)
	mux.HandleFunc("POST /api/v1/quotes/clear", h.ClearQuotes)
	mux.HandleFunc("POST /api/v1/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// writeTokenError maps token lifecycle failures to responses. A dead refresh
// token is an operator problem, not a server bug: it surfaces as a 409 asking
// for re-enrollment rather than a generic 500.
func (h *Handler) writeTokenError(w http.ResponseWriter, personName string, err error) {
	var authErr *driven.UpstreamAuthError
	var unavailable *driven.UpstreamUnavailableError

	switch {
	case errors.Is(err, driven.ErrNoRefreshToken):
		writeError(w, http.StatusNotFound, "person not enrolled")
	case errors.Is(err, driven.ErrRefreshTokenFormat):
		writeError(w, http.StatusBadRequest, "refresh token is missing or malformed")
	case errors.Is(err, driven.ErrAuthenticationFailed):
		writeError(w, http.StatusConflict, "brokerage rejected the credentials; reconnect the brokerage account")
	case errors.As(err, &authErr) && authErr.TokenInvalid():
		writeError(w, http.StatusConflict, "refresh token is no longer valid; reconnect the brokerage account")
	case errors.As(err, &authErr):
		writeError(w, http.StatusBadGateway, "brokerage auth endpoint error")
	case errors.As(err, &unavailable):
		writeError(w, http.StatusBadGateway, "brokerage unavailable")
	default:
		h.logger.Error("token operation failed", "person", personName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ListPersons returns the health projection for every enrolled person.
func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.manager.ListStatuses(r.Context())
	if err != nil {
		h.logger.Error("failed to list persons", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]TokenStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		resp = append(resp, toTokenStatusResponse(status))
	}

	writeJSON(w, http.StatusOK, resp)
}

// SetupToken enrolls or re-enrolls a person with a fresh refresh token.
func (h *Handler) SetupToken(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	var req SetupTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.manager.SetupPersonToken(r.Context(), personName, strings.TrimSpace(req.RefreshToken)); err != nil {
		h.writeTokenError(w, personName, err)
		return
	}

	status, err := h.manager.TokenStatus(r.Context(), personName)
	if err != nil {
		h.logger.Error("failed to load status after enrollment", "person", personName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, toTokenStatusResponse(*status))
}

// GetAccessToken returns a valid access token for the person, refreshing if
// needed.
func (h *Handler) GetAccessToken(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	token, err := h.manager.GetValidAccessToken(r.Context(), personName)
	if err != nil {
		h.writeTokenError(w, personName, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccessTokenResponse(*token))
}

// RefreshToken forces one refresh of the person's credential pair.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	token, err := h.manager.RefreshAccessToken(r.Context(), personName)
	if err != nil {
		h.writeTokenError(w, personName, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccessTokenResponse(*token))
}

// GetTokenStatus returns the person's token health projection.
func (h *Handler) GetTokenStatus(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	status, err := h.manager.TokenStatus(r.Context(), personName)
	if err != nil {
		h.logger.Error("failed to get token status", "person", personName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, toTokenStatusResponse(*status))
}

// TestConnection exercises the person's credentials end to end.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	if err := h.manager.TestConnection(r.Context(), personName); err != nil {
		h.writeTokenError(w, personName, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeletePerson soft-deactivates the person's credentials.
func (h *Handler) DeletePerson(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	if err := h.manager.DeletePersonTokens(r.Context(), personName); err != nil {
		h.logger.Error("failed to delete person tokens", "person", personName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetQuote returns the quote for a single symbol, optionally forcing a live
// fetch with ?force=true.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	force := r.URL.Query().Get("force") == "true"

	quote, err := h.quotes.Quote(r.Context(), symbol, force)
	if err != nil {
		if errors.Is(err, driven.ErrSymbolNotFound) {
			writeError(w, http.StatusNotFound, "symbol not found")
			return
		}
		h.logger.Error("failed to get quote", "symbol", symbol, "error", err)
		writeError(w, http.StatusBadGateway, "quote fetch failed")
		return
	}

	writeJSON(w, http.StatusOK, toQuoteResponse(*quote))
}

// GetQuotes returns quotes for a comma-separated ?symbols= list. Symbols that
// cannot be resolved are omitted from the response.
func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	quotes, err := h.quotes.Quotes(r.Context(), symbols)
	if err != nil {
		h.logger.Error("failed to get quotes", "symbols", symbols, "error", err)
		writeError(w, http.StatusBadGateway, "quote fetch failed")
		return
	}

	resp := make([]QuoteResponse, 0, len(quotes))
	for _, symbol := range symbols {
		if quote, ok := quotes[symbol]; ok {
			resp = append(resp, toQuoteResponse(*quote))
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ClearQuotes drops every cached quote.
func (h *Handler) ClearQuotes(w http.ResponseWriter, r *http.Request) {
	h.quotes.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ListAccounts returns the person's mirrored accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	personName := r.PathValue("person")

	accounts, err := h.accountStore.ListByPerson(r.Context(), personName)
	if err != nil {
		h.logger.Error("failed to list accounts", "person", personName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, account := range accounts {
		resp = append(resp, toAccountResponse(account))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListPositions returns the mirrored positions of an account.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")

	positions, err := h.positionStore.ListByAccount(r.Context(), number)
	if err != nil {
		h.logger.Error("failed to list positions", "account", number, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]PositionResponse, 0, len(positions))
	for _, position := range positions {
		resp = append(resp, toPositionResponse(position))
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListActivities returns the mirrored activities of an account within an
// optional ?start=/&end= RFC3339 window (defaults: last 30 days).
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("start"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
		start = parsed
	}
	if v := r.URL.Query().Get("end"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
		end = parsed
	}

	activities, err := h.activityStore.ListByAccount(r.Context(), number, start, end)
	if err != nil {
		h.logger.Error("failed to list activities", "account", number, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]ActivityResponse, 0, len(activities))
	for _, activity := range activities {
		resp = append(resp, toActivityResponse(activity))
	}

	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync runs a manual mirror sync, for everyone or for ?person=.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	personName := r.URL.Query().Get("person")

	if err := h.syncSvc.Sync(r.Context(), personName); err != nil {
		h.logger.Error("manual sync failed", "person", personName, "error", err)
		writeError(w, http.StatusBadGateway, "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// Health reports service liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
