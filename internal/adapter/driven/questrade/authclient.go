// Package questrade implements the brokerage ports against the Questrade
// HTTP API: the OAuth token endpoint and the rate-limited resource gateway.
package questrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AuthClient = (*AuthClient)(nil)

// AuthClient talks to the OAuth token endpoint. It is deliberately outside
// the rate gate: refreshes are rare, and a starved gate must never block the
// refresh that would un-starve it.
type AuthClient struct {
	httpClient *http.Client
	loginURL   string
}

// NewAuthClient creates an AuthClient against the given login base URL
// (e.g. "https://login.questrade.com").
func NewAuthClient(loginURL string, timeout time.Duration) *AuthClient {
	return &AuthClient{
		httpClient: &http.Client{Timeout: timeout},
		loginURL:   strings.TrimSuffix(loginURL, "/"),
	}
}

// tokenResponse is the wire shape of the OAuth token endpoint. Pointer fields
// distinguish "absent" from "zero"; defaulting happens in Exchange and
// nowhere deeper.
type tokenResponse struct {
	AccessToken  *string  `json:"access_token"`
	RefreshToken *string  `json:"refresh_token"`
	APIServer    *string  `json:"api_server"`
	ExpiresIn    *float64 `json:"expires_in"`
}

// Exchange consumes the refresh token against POST /oauth2/token with
// grant_type=refresh_token. The upstream invalidates the consumed token on
// success, so the caller must persist the returned pair before declaring the
// refresh done. Non-200 responses map to UpstreamAuthError; network failures
// map to UpstreamUnavailableError.
func (c *AuthClient) Exchange(ctx context.Context, refreshToken string) (*model.TokenGrant, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.loginURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &driven.UpstreamUnavailableError{Operation: "token refresh", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &driven.UpstreamUnavailableError{Operation: "token refresh", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &driven.UpstreamAuthError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	var payload tokenResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	if payload.AccessToken == nil || *payload.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	if payload.RefreshToken == nil || *payload.RefreshToken == "" {
		return nil, fmt.Errorf("token response missing refresh_token")
	}
	if payload.APIServer == nil || *payload.APIServer == "" {
		// An access token without its API server cannot address any
		// resource endpoint, so it must never be stored.
		return nil, fmt.Errorf("token response missing api_server")
	}

	var expiresIn float64
	if payload.ExpiresIn != nil {
		expiresIn = *payload.ExpiresIn
	}

	return &model.TokenGrant{
		AccessToken:  *payload.AccessToken,
		RefreshToken: *payload.RefreshToken,
		APIServer:    normalizeAPIServer(*payload.APIServer),
		ExpiresIn:    time.Duration(expiresIn * float64(time.Second)),
	}, nil
}

// normalizeAPIServer strips any trailing slash and defaults the scheme to
// https so the stored value is directly usable as a base URL.
func normalizeAPIServer(raw string) string {
	s := strings.TrimSuffix(strings.TrimSpace(raw), "/")
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s
}
