// Package application contains the service layer: the token lifecycle
// manager, the quote cache, and the mirror sync loop. Services depend only on
// driven ports and are wired to concrete adapters in main.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Refresh tokens issued by the brokerage are opaque strings well over this
// length; anything shorter is a paste error, not a token.
const minRefreshTokenLength = 20

// refreshTokenValidity is how long a freshly minted refresh token stays
// usable. The upstream does not report this in the grant; it documents a
// seven day window.
const refreshTokenValidity = 7 * 24 * time.Hour

// accessExpirySkew is subtracted from the stored expiry when deciding whether
// an access token is still worth handing out. A token about to expire
// mid-request is worse than a refresh now.
const accessExpirySkew = 30 * time.Second

var _ driven.TokenSource = (*TokenManager)(nil)

// TokenManager owns the credential lifecycle for every enrolled person. It is
// the only writer of credential rows. Refreshes are single-flighted per
// person because the upstream refresh token is single-use: two concurrent
// refreshes with the same token would leave one caller holding a grant the
// upstream has already invalidated.
type TokenManager struct {
	store driven.CredentialStore
	auth  driven.AuthClient
	group singleflight.Group

	probeMu sync.RWMutex
	probe   driven.ConnectionProbe

	now func() time.Time
}

// NewTokenManager creates a TokenManager. The connection probe is wired later
// via SetConnectionProbe because the gateway that implements it needs this
// manager as its token source.
func NewTokenManager(store driven.CredentialStore, auth driven.AuthClient) *TokenManager {
	return &TokenManager{
		store: store,
		auth:  auth,
		now:   time.Now,
	}
}

// SetConnectionProbe wires the upstream probe used by TestConnection.
func (m *TokenManager) SetConnectionProbe(probe driven.ConnectionProbe) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	m.probe = probe
}

// GetValidAccessToken returns the person's active unexpired access token,
// refreshing the pair when the stored one is missing or expired. Returns
// driven.ErrNoRefreshToken when the person has never been enrolled.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, personName string) (*model.AccessToken, error) {
	cred, err := m.store.ActiveCredential(ctx, personName, model.CredentialAccess)
	if err != nil {
		return nil, fmt.Errorf("loading access token for %s: %w", personName, err)
	}

	if cred != nil && cred.Usable(m.now().Add(accessExpirySkew)) {
		if err := m.store.MarkUsed(ctx, personName, model.CredentialAccess, m.now()); err != nil {
			slog.Warn("failed to stamp token use", "person", personName, "error", err)
		}
		return &model.AccessToken{
			PersonName: personName,
			Token:      cred.Value,
			APIServer:  cred.APIServer,
			ExpiresAt:  cred.ExpiresAt,
		}, nil
	}

	return m.RefreshAccessToken(ctx, personName)
}

// RefreshAccessToken consumes the person's active refresh token against the
// OAuth endpoint and atomically rotates in the returned pair. Concurrent
// callers for the same person share one in-flight refresh. A 400 or 401 from
// the token endpoint means the refresh token itself is dead; the row is
// retired so the next attempt reports driven.ErrNoRefreshToken instead of
// replaying a consumed token.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, personName string) (*model.AccessToken, error) {
	result, err, _ := m.group.Do(personName, func() (any, error) {
		return m.refresh(ctx, personName)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.AccessToken), nil
}

func (m *TokenManager) refresh(ctx context.Context, personName string) (*model.AccessToken, error) {
	cred, err := m.store.ActiveCredential(ctx, personName, model.CredentialRefresh)
	if err != nil {
		return nil, fmt.Errorf("loading refresh token for %s: %w", personName, err)
	}
	if cred == nil {
		return nil, driven.ErrNoRefreshToken
	}
	if len(cred.Value) < minRefreshTokenLength {
		return nil, driven.ErrRefreshTokenFormat
	}

	grant, err := m.auth.Exchange(ctx, cred.Value)
	if err != nil {
		m.RecordTokenError(ctx, personName, err.Error())

		var authErr *driven.UpstreamAuthError
		if errors.As(err, &authErr) && authErr.TokenInvalid() {
			// The upstream consumed or rejected the token; it will never
			// work again, so retire the row rather than retry it forever.
			if derr := m.store.Deactivate(ctx, personName, model.CredentialRefresh); derr != nil {
				slog.Error("failed to retire dead refresh token", "person", personName, "error", derr)
			}
			slog.Warn("refresh token rejected by upstream, person must re-enroll",
				"person", personName, "status", authErr.Status)
		}

		return nil, fmt.Errorf("refreshing token for %s: %w", personName, err)
	}

	token, err := m.rotate(ctx, personName, grant)
	if err != nil {
		return nil, err
	}

	slog.Info("token pair rotated", "person", personName, "expires_at", token.ExpiresAt)
	return token, nil
}

// rotate persists the grant as the person's new active pair and clears error
// bookkeeping. The new pair is written before any success is reported; the
// consumed refresh token is already dead upstream, so losing the grant here
// locks the person out.
func (m *TokenManager) rotate(ctx context.Context, personName string, grant *model.TokenGrant) (*model.AccessToken, error) {
	now := m.now()
	access := model.Credential{
		PersonName: personName,
		Kind:       model.CredentialAccess,
		Value:      grant.AccessToken,
		APIServer:  grant.APIServer,
		ExpiresAt:  now.Add(grant.ExpiresIn),
	}
	refresh := model.Credential{
		PersonName: personName,
		Kind:       model.CredentialRefresh,
		Value:      grant.RefreshToken,
		ExpiresAt:  now.Add(refreshTokenValidity),
	}

	if err := m.store.RotatePair(ctx, personName, access, refresh); err != nil {
		return nil, fmt.Errorf("rotating credential pair for %s: %w", personName, err)
	}
	if err := m.store.ClearErrors(ctx, personName, now); err != nil {
		slog.Warn("failed to clear error bookkeeping", "person", personName, "error", err)
	}

	return &model.AccessToken{
		PersonName: personName,
		Token:      grant.AccessToken,
		APIServer:  grant.APIServer,
		ExpiresAt:  access.ExpiresAt,
	}, nil
}

// SetupPersonToken enrolls (or re-enrolls) a person with an operator-supplied
// refresh token. The token is trial-exchanged against the upstream before
// anything is persisted; prior credentials are then deleted and the fresh
// pair rotated in. Re-enrollment always wins.
func (m *TokenManager) SetupPersonToken(ctx context.Context, personName, refreshToken string) error {
	if len(refreshToken) < minRefreshTokenLength {
		return driven.ErrRefreshTokenFormat
	}

	grant, err := m.auth.Exchange(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("verifying refresh token for %s: %w", personName, err)
	}

	if err := m.store.DeleteAll(ctx, personName); err != nil {
		return fmt.Errorf("clearing prior credentials for %s: %w", personName, err)
	}
	if _, err := m.rotate(ctx, personName, grant); err != nil {
		return err
	}

	slog.Info("person enrolled", "person", personName, "api_server", grant.APIServer)
	return nil
}

// TokenStatus returns the health projection for one person. When the person
// has no active refresh token (retired after a dead-token refresh failure),
// error bookkeeping is read from the most recent retired row so the operator
// still sees what went wrong.
func (m *TokenManager) TokenStatus(ctx context.Context, personName string) (*model.TokenStatus, error) {
	refresh, err := m.store.ActiveCredential(ctx, personName, model.CredentialRefresh)
	if err != nil {
		return nil, fmt.Errorf("loading refresh credential for %s: %w", personName, err)
	}
	access, err := m.store.ActiveCredential(ctx, personName, model.CredentialAccess)
	if err != nil {
		return nil, fmt.Errorf("loading access credential for %s: %w", personName, err)
	}

	status := &model.TokenStatus{PersonName: personName}

	errSource := refresh
	if errSource == nil {
		errSource, err = m.store.LatestCredential(ctx, personName, model.CredentialRefresh)
		if err != nil {
			return nil, fmt.Errorf("loading latest refresh credential for %s: %w", personName, err)
		}
	}
	if errSource != nil {
		status.ErrorCount = errSource.ErrorCount
		status.LastError = errSource.LastError
		status.LastUsedAt = errSource.LastUsedAt
	}

	if refresh != nil {
		status.HasRefreshToken = true
		status.RefreshTokenExpiresAt = refresh.ExpiresAt
	}
	if access != nil {
		status.HasAccessToken = access.Usable(m.now())
		status.AccessTokenExpiresAt = access.ExpiresAt
		status.APIServer = access.APIServer
	}

	status.IsHealthy = status.HasRefreshToken && (status.HasAccessToken || status.ErrorCount == 0)
	return status, nil
}

// ListStatuses returns the health projection for every person that has ever
// held a credential row.
func (m *TokenManager) ListStatuses(ctx context.Context) ([]model.TokenStatus, error) {
	persons, err := m.store.Persons(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing persons: %w", err)
	}

	statuses := make([]model.TokenStatus, 0, len(persons))
	for _, person := range persons {
		status, err := m.TokenStatus(ctx, person)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *status)
	}

	return statuses, nil
}

// RecordTokenError stores an error against the person's active refresh
// credential. Bookkeeping must never mask the error that triggered it, so
// failures here are logged and swallowed.
func (m *TokenManager) RecordTokenError(ctx context.Context, personName, message string) {
	if err := m.store.RecordError(ctx, personName, message); err != nil {
		slog.Error("failed to record token error", "person", personName, "error", err)
	}
}

// TestConnection validates end-to-end health for a person: a valid access
// token plus one lightweight authenticated upstream call. Success clears the
// person's error bookkeeping.
func (m *TokenManager) TestConnection(ctx context.Context, personName string) error {
	if _, err := m.GetValidAccessToken(ctx, personName); err != nil {
		return err
	}

	m.probeMu.RLock()
	probe := m.probe
	m.probeMu.RUnlock()
	if probe == nil {
		return errors.New("connection probe not configured")
	}

	if _, err := probe.ServerTime(ctx, personName); err != nil {
		m.RecordTokenError(ctx, personName, err.Error())
		return fmt.Errorf("connection test for %s: %w", personName, err)
	}

	if err := m.store.ClearErrors(ctx, personName, m.now()); err != nil {
		slog.Warn("failed to clear error bookkeeping", "person", personName, "error", err)
	}
	return nil
}

// DeletePersonTokens soft-retires every credential the person holds. Rows are
// kept for audit; use SetupPersonToken to re-enroll.
func (m *TokenManager) DeletePersonTokens(ctx context.Context, personName string) error {
	if err := m.store.DeactivateAll(ctx, personName); err != nil {
		return fmt.Errorf("deactivating credentials for %s: %w", personName, err)
	}
	slog.Info("person credentials deactivated", "person", personName)
	return nil
}

// AccessToken implements driven.TokenSource for the gateway.
func (m *TokenManager) AccessToken(ctx context.Context, personName string) (*model.AccessToken, error) {
	return m.GetValidAccessToken(ctx, personName)
}

// ForceRefresh implements driven.TokenSource for the gateway's 401 recovery.
func (m *TokenManager) ForceRefresh(ctx context.Context, personName string) (*model.AccessToken, error) {
	return m.RefreshAccessToken(ctx, personName)
}
