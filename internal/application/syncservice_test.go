package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
)

// syncBrokerage serves canned mirror data per person.
type syncBrokerage struct {
	mu          sync.Mutex
	accounts    map[string][]model.Account
	positions   map[string][]model.Position
	activities  map[string][]model.Activity
	accountsErr error
}

func (b *syncBrokerage) Accounts(_ context.Context, personName string) ([]model.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountsErr != nil {
		return nil, b.accountsErr
	}
	return b.accounts[personName], nil
}

func (b *syncBrokerage) Positions(_ context.Context, _, accountNumber string) ([]model.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[accountNumber], nil
}

func (b *syncBrokerage) Activities(_ context.Context, _, accountNumber string, _, _ time.Time) ([]model.Activity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activities[accountNumber], nil
}

func (b *syncBrokerage) Quotes(context.Context, string, []string) ([]model.Quote, error) {
	return nil, nil
}

func (b *syncBrokerage) ServerTime(context.Context, string) (time.Time, error) {
	return time.Now(), nil
}

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]model.Account
}

func (s *memAccountStore) Upsert(_ context.Context, account model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accounts == nil {
		s.accounts = map[string]model.Account{}
	}
	s.accounts[account.Number] = account
	return nil
}

func (s *memAccountStore) ListByPerson(_ context.Context, personName string) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Account
	for _, a := range s.accounts {
		if a.PersonName == personName {
			out = append(out, a)
		}
	}
	return out, nil
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string][]model.Position
}

func (s *memPositionStore) ReplaceForAccount(_ context.Context, accountNumber string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions == nil {
		s.positions = map[string][]model.Position{}
	}
	s.positions[accountNumber] = positions
	return nil
}

func (s *memPositionStore) ListByAccount(_ context.Context, accountNumber string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[accountNumber], nil
}

type memActivityStore struct {
	mu         sync.Mutex
	activities map[string][]model.Activity
}

func (s *memActivityStore) Insert(_ context.Context, activity model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activities == nil {
		s.activities = map[string][]model.Activity{}
	}
	s.activities[activity.AccountNumber] = append(s.activities[activity.AccountNumber], activity)
	return nil
}

func (s *memActivityStore) ListByAccount(_ context.Context, accountNumber string, _, _ time.Time) ([]model.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activities[accountNumber], nil
}

type syncFixture struct {
	svc        *SyncService
	brokerage  *syncBrokerage
	accounts   *memAccountStore
	positions  *memPositionStore
	activities *memActivityStore
	store      *memCredentialStore
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	store := &memCredentialStore{}
	store.seedPair("alice", "at-stored-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	mgr := NewTokenManager(store, &mockAuthClient{grant: freshGrant()})

	brokerage := &syncBrokerage{
		accounts: map[string][]model.Account{
			"alice": {{PersonName: "alice", Number: "26598145", Type: "TFSA", Currency: "CAD"}},
		},
		positions: map[string][]model.Position{
			"26598145": {{AccountNumber: "26598145", Symbol: "AAPL", OpenQuantity: 10}},
		},
		activities: map[string][]model.Activity{
			"26598145": {{AccountNumber: "26598145", Type: "Trades", Symbol: "AAPL", NetAmount: -1825}},
		},
	}

	f := &syncFixture{
		brokerage:  brokerage,
		accounts:   &memAccountStore{},
		positions:  &memPositionStore{},
		activities: &memActivityStore{},
		store:      store,
	}
	f.svc = NewSyncService(brokerage, mgr, f.accounts, f.positions, f.activities, time.Hour)
	return f
}

func TestSyncService_SyncPersonMirrorsEverything(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.syncPerson(ctx, "alice"))

	accounts, err := f.accounts.ListByPerson(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "26598145", accounts[0].Number)

	positions, err := f.positions.ListByAccount(ctx, "26598145")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)

	activities, err := f.activities.ListByAccount(ctx, "26598145", time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Len(t, activities, 1)
}

func TestSyncService_PositionsAreReplacedNotAppended(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.syncPerson(ctx, "alice"))

	// The position closes upstream; the next sync must drop it locally.
	f.brokerage.mu.Lock()
	f.brokerage.positions["26598145"] = nil
	f.brokerage.mu.Unlock()

	require.NoError(t, f.svc.syncPerson(ctx, "alice"))
	positions, err := f.positions.ListByAccount(ctx, "26598145")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSyncService_SkipsUnhealthyPersons(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()

	// An unhealthy enrollment alongside the healthy one.
	f.store.seedPair("bob", "at-b-0123456789", validRefreshToken, time.Now().Add(time.Hour))
	require.NoError(t, f.store.RecordError(ctx, "bob", "refresh rejected"))
	require.NoError(t, f.store.Deactivate(ctx, "bob", model.CredentialAccess))
	f.brokerage.mu.Lock()
	f.brokerage.accounts["bob"] = []model.Account{{PersonName: "bob", Number: "99999999"}}
	f.brokerage.mu.Unlock()

	require.NoError(t, f.svc.syncAll(ctx))

	accounts, err := f.accounts.ListByPerson(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, accounts, "unhealthy person must not be synced")

	aliceAccounts, err := f.accounts.ListByPerson(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, aliceAccounts, 1)
}

func TestSyncService_AccountsFailurePropagates(t *testing.T) {
	f := newSyncFixture(t)
	f.brokerage.accountsErr = errors.New("upstream down")

	err := f.svc.syncPerson(context.Background(), "alice")
	assert.Error(t, err)
}

func TestSyncService_ManualSyncTrigger(t *testing.T) {
	f := newSyncFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.svc.Start(ctx)

	// The manual trigger is served by the running loop.
	require.NoError(t, f.svc.Sync(ctx, "alice"))

	accounts, err := f.accounts.ListByPerson(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}
