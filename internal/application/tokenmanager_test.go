package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// memCredentialStore is an in-memory CredentialStore for service tests. It
// mirrors the sqlite repo's semantics including the single-active-per-kind
// invariant.
type memCredentialStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []model.Credential

	rotateErr error
}

func (s *memCredentialStore) ActiveCredential(_ context.Context, personName string, kind model.CredentialKind) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].PersonName == personName && s.rows[i].Kind == kind && s.rows[i].IsActive {
			cred := s.rows[i]
			return &cred, nil
		}
	}
	return nil, nil
}

func (s *memCredentialStore) LatestCredential(_ context.Context, personName string, kind model.CredentialKind) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.rows) - 1; i >= 0; i-- {
		if s.rows[i].PersonName == personName && s.rows[i].Kind == kind {
			cred := s.rows[i]
			return &cred, nil
		}
	}
	return nil, nil
}

func (s *memCredentialStore) RotatePair(_ context.Context, personName string, access, refresh model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotateErr != nil {
		return s.rotateErr
	}
	for i := range s.rows {
		if s.rows[i].PersonName == personName {
			s.rows[i].IsActive = false
		}
	}
	for _, cred := range []model.Credential{access, refresh} {
		s.nextID++
		cred.ID = s.nextID
		cred.IsActive = true
		cred.CreatedAt = time.Now()
		s.rows = append(s.rows, cred)
	}
	return nil
}

func (s *memCredentialStore) MarkUsed(_ context.Context, personName string, kind model.CredentialKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].PersonName == personName && s.rows[i].Kind == kind && s.rows[i].IsActive {
			s.rows[i].LastUsedAt = at
		}
	}
	return nil
}

func (s *memCredentialStore) RecordError(_ context.Context, personName, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].PersonName == personName && s.rows[i].Kind == model.CredentialRefresh && s.rows[i].IsActive {
			s.rows[i].ErrorCount++
			s.rows[i].LastError = message
		}
	}
	return nil
}

func (s *memCredentialStore) ClearErrors(_ context.Context, personName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].PersonName == personName && s.rows[i].IsActive {
			s.rows[i].ErrorCount = 0
			s.rows[i].LastError = ""
			s.rows[i].LastSuccessAt = at
		}
	}
	return nil
}

func (s *memCredentialStore) Deactivate(_ context.Context, personName string, kind model.CredentialKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].PersonName == personName && s.rows[i].Kind == kind {
			s.rows[i].IsActive = false
		}
	}
	return nil
}

func (s *memCredentialStore) DeactivateAll(_ context.Context, personName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].PersonName == personName {
			s.rows[i].IsActive = false
		}
	}
	return nil
}

func (s *memCredentialStore) DeleteAll(_ context.Context, personName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, row := range s.rows {
		if row.PersonName != personName {
			kept = append(kept, row)
		}
	}
	s.rows = kept
	return nil
}

func (s *memCredentialStore) Persons(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var persons []string
	for _, row := range s.rows {
		if !seen[row.PersonName] {
			seen[row.PersonName] = true
			persons = append(persons, row.PersonName)
		}
	}
	return persons, nil
}

func (s *memCredentialStore) activeCount(personName string, kind model.CredentialKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows {
		if row.PersonName == personName && row.Kind == kind && row.IsActive {
			n++
		}
	}
	return n
}

func (s *memCredentialStore) seedPair(personName, accessValue, refreshValue string, accessExpiry time.Time) {
	_ = s.RotatePair(context.Background(), personName, model.Credential{
		PersonName: personName,
		Kind:       model.CredentialAccess,
		Value:      accessValue,
		APIServer:  "https://api01.example.com",
		ExpiresAt:  accessExpiry,
	}, model.Credential{
		PersonName: personName,
		Kind:       model.CredentialRefresh,
		Value:      refreshValue,
		ExpiresAt:  time.Now().Add(refreshTokenValidity),
	})
}

// mockAuthClient counts exchanges and returns a canned grant or error. The
// optional gate channel blocks Exchange until closed, for racing callers.
type mockAuthClient struct {
	mu        sync.Mutex
	exchanges int
	grant     *model.TokenGrant
	err       error
	gate      chan struct{}
}

func (a *mockAuthClient) Exchange(_ context.Context, _ string) (*model.TokenGrant, error) {
	a.mu.Lock()
	a.exchanges++
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if a.err != nil {
		return nil, a.err
	}
	grant := *a.grant
	return &grant, nil
}

func (a *mockAuthClient) exchangeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exchanges
}

type mockProbe struct {
	err   error
	calls int
}

func (p *mockProbe) ServerTime(_ context.Context, _ string) (time.Time, error) {
	p.calls++
	if p.err != nil {
		return time.Time{}, p.err
	}
	return time.Now(), nil
}

const validRefreshToken = "rt-0123456789abcdefghijklmnop"

func freshGrant() *model.TokenGrant {
	return &model.TokenGrant{
		AccessToken:  "at-new-0123456789abcdef",
		RefreshToken: "rt-new-0123456789abcdef",
		APIServer:    "https://api01.example.com",
		ExpiresIn:    1800 * time.Second,
	}
}

func TestTokenManager_ReturnsStoredTokenWithoutRefresh(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(20*time.Minute))
	auth := &mockAuthClient{grant: freshGrant()}
	mgr := NewTokenManager(store, auth)

	tok, err := mgr.GetValidAccessToken(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "at-stored-0123456789", tok.Token)
	assert.Equal(t, "https://api01.example.com", tok.APIServer)
	assert.Equal(t, 0, auth.exchangeCount())

	// Handing out the token stamps its use.
	cred, err := store.ActiveCredential(context.Background(), "alice", model.CredentialAccess)
	require.NoError(t, err)
	assert.False(t, cred.LastUsedAt.IsZero())
}

func TestTokenManager_RefreshesExpiredToken(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", validRefreshToken, time.Now().Add(-time.Minute))
	auth := &mockAuthClient{grant: freshGrant()}
	mgr := NewTokenManager(store, auth)

	before := time.Now()
	tok, err := mgr.GetValidAccessToken(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, "at-new-0123456789abcdef", tok.Token)
	assert.Equal(t, 1, auth.exchangeCount())
	assert.WithinDuration(t, before.Add(1800*time.Second), tok.ExpiresAt, 5*time.Second)

	// Rotation replaced the pair: exactly one active row of each kind, and
	// the refresh token is the newly minted one.
	assert.Equal(t, 1, store.activeCount("alice", model.CredentialAccess))
	assert.Equal(t, 1, store.activeCount("alice", model.CredentialRefresh))
	refresh, err := store.ActiveCredential(context.Background(), "alice", model.CredentialRefresh)
	require.NoError(t, err)
	assert.Equal(t, "rt-new-0123456789abcdef", refresh.Value)
}

func TestTokenManager_NoEnrollment(t *testing.T) {
	mgr := NewTokenManager(&memCredentialStore{}, &mockAuthClient{grant: freshGrant()})

	_, err := mgr.GetValidAccessToken(context.Background(), "nobody")
	assert.ErrorIs(t, err, driven.ErrNoRefreshToken)
}

func TestTokenManager_RejectsShortRefreshToken(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", "tiny", time.Now().Add(-time.Minute))
	auth := &mockAuthClient{grant: freshGrant()}
	mgr := NewTokenManager(store, auth)

	_, err := mgr.RefreshAccessToken(context.Background(), "alice")
	assert.ErrorIs(t, err, driven.ErrRefreshTokenFormat)
	assert.Equal(t, 0, auth.exchangeCount())
}

func TestTokenManager_DeadRefreshTokenIsRetired(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", validRefreshToken, time.Now().Add(-time.Minute))
	auth := &mockAuthClient{err: &driven.UpstreamAuthError{Status: 400, Body: "invalid_grant"}}
	mgr := NewTokenManager(store, auth)

	_, err := mgr.RefreshAccessToken(context.Background(), "alice")
	var authErr *driven.UpstreamAuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 400, authErr.Status)

	// The consumed token is left inactive, never silently retried.
	assert.Equal(t, 0, store.activeCount("alice", model.CredentialRefresh))

	// Error bookkeeping survives retirement and flips health.
	status, err := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, status.IsHealthy)
	assert.False(t, status.HasRefreshToken)
	assert.Equal(t, 1, status.ErrorCount)
	assert.Contains(t, status.LastError, "invalid_grant")

	// Without an active refresh token the next attempt asks for re-enrollment.
	_, err = mgr.RefreshAccessToken(context.Background(), "alice")
	assert.ErrorIs(t, err, driven.ErrNoRefreshToken)
}

func TestTokenManager_TransientErrorKeepsRefreshToken(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", validRefreshToken, time.Now().Add(-time.Minute))
	auth := &mockAuthClient{err: &driven.UpstreamUnavailableError{Operation: "POST /oauth2/token", Err: errors.New("timeout")}}
	mgr := NewTokenManager(store, auth)

	_, err := mgr.RefreshAccessToken(context.Background(), "alice")
	require.Error(t, err)

	// A network failure is not a dead token; the row stays active for retry.
	assert.Equal(t, 1, store.activeCount("alice", model.CredentialRefresh))
	status, serr := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, serr)
	assert.Equal(t, 1, status.ErrorCount)
}

func TestTokenManager_ConcurrentRefreshesShareOneExchange(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", validRefreshToken, time.Now().Add(-time.Minute))
	gate := make(chan struct{})
	auth := &mockAuthClient{grant: freshGrant(), gate: gate}
	mgr := NewTokenManager(store, auth)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]*model.AccessToken, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.GetValidAccessToken(context.Background(), "alice")
		}(i)
	}

	// Let every caller observe the expired token and pile onto the refresh.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-new-0123456789abcdef", tokens[i].Token)
	}
	assert.Equal(t, 1, auth.exchangeCount(), "concurrent callers must share one upstream refresh")
}

func TestTokenManager_SetupPersonToken(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", "rt-old-0123456789abcdef", time.Now().Add(-time.Hour))
	auth := &mockAuthClient{grant: freshGrant()}
	mgr := NewTokenManager(store, auth)

	err := mgr.SetupPersonToken(context.Background(), "alice", validRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, auth.exchangeCount())

	// Prior rows are gone entirely, replaced by the fresh pair.
	latest, err := store.LatestCredential(context.Background(), "alice", model.CredentialRefresh)
	require.NoError(t, err)
	assert.Equal(t, "rt-new-0123456789abcdef", latest.Value)
	assert.Equal(t, 1, store.activeCount("alice", model.CredentialAccess))
	assert.Equal(t, 1, store.activeCount("alice", model.CredentialRefresh))
}

func TestTokenManager_SetupRejectsBadToken(t *testing.T) {
	store := &memCredentialStore{}
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	err := mgr.SetupPersonToken(context.Background(), "alice", "short")
	assert.ErrorIs(t, err, driven.ErrRefreshTokenFormat)
}

func TestTokenManager_SetupFailedTrialPersistsNothing(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-old-0123456789", "rt-old-0123456789abcdef", time.Now().Add(time.Hour))
	auth := &mockAuthClient{err: &driven.UpstreamAuthError{Status: 400, Body: "invalid_grant"}}
	mgr := NewTokenManager(store, auth)

	err := mgr.SetupPersonToken(context.Background(), "alice", validRefreshToken)
	require.Error(t, err)

	// The existing enrollment is untouched when the trial refresh fails.
	cred, cerr := store.ActiveCredential(context.Background(), "alice", model.CredentialRefresh)
	require.NoError(t, cerr)
	require.NotNil(t, cred)
	assert.Equal(t, "rt-old-0123456789abcdef", cred.Value)
}

func TestTokenManager_TokenStatusHealthy(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(20*time.Minute))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	status, err := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, status.IsHealthy)
	assert.True(t, status.HasRefreshToken)
	assert.True(t, status.HasAccessToken)
	assert.Equal(t, "https://api01.example.com", status.APIServer)
}

func TestTokenManager_TokenStatusExpiredAccessStillHealthy(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(-time.Minute))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	status, err := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, err)
	// Expired access with a live refresh token and no errors: a refresh away
	// from working.
	assert.False(t, status.HasAccessToken)
	assert.True(t, status.IsHealthy)
}

func TestTokenManager_ListStatuses(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-a-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	store.seedPair("bob", "at-b-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	statuses, err := mgr.ListStatuses(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	names := []string{statuses[0].PersonName, statuses[1].PersonName}
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestTokenManager_TestConnection(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	_ = store.RecordError(context.Background(), "alice", "old failure")
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})
	probe := &mockProbe{}
	mgr.SetConnectionProbe(probe)

	err := mgr.TestConnection(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, probe.calls)

	status, err := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, status.ErrorCount, "successful test clears error bookkeeping")
}

func TestTokenManager_TestConnectionFailureRecordsError(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})
	mgr.SetConnectionProbe(&mockProbe{err: fmt.Errorf("upstream down")})

	err := mgr.TestConnection(context.Background(), "alice")
	require.Error(t, err)

	status, serr := mgr.TokenStatus(context.Background(), "alice")
	require.NoError(t, serr)
	assert.Equal(t, 1, status.ErrorCount)
}

func TestTokenManager_DeletePersonTokens(t *testing.T) {
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	require.NoError(t, mgr.DeletePersonTokens(context.Background(), "alice"))
	assert.Equal(t, 0, store.activeCount("alice", model.CredentialAccess))
	assert.Equal(t, 0, store.activeCount("alice", model.CredentialRefresh))

	_, err := mgr.GetValidAccessToken(context.Background(), "alice")
	assert.ErrorIs(t, err, driven.ErrNoRefreshToken)
}
