package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
)

// AuthClient talks to the upstream OAuth token endpoint. Exchange consumes
// the given refresh token and returns a freshly minted pair; the upstream
// invalidates the consumed token whether or not the caller persists the
// result, so callers must persist before declaring success.
type AuthClient interface {
	Exchange(ctx context.Context, refreshToken string) (*model.TokenGrant, error)
}

// TokenSource supplies valid access tokens to the gateway. Implemented by the
// token lifecycle manager; the gateway never reads credential rows itself.
type TokenSource interface {
	// AccessToken returns the active unexpired access token for the person,
	// refreshing transparently when needed.
	AccessToken(ctx context.Context, personName string) (*model.AccessToken, error)

	// ForceRefresh discards the cached access token state and performs one
	// refresh. Used by the gateway's 401 recovery path.
	ForceRefresh(ctx context.Context, personName string) (*model.AccessToken, error)
}

// BrokerageClient is the rate-limited gateway to the brokerage resource API.
// Every call authenticates as the given person and may suspend waiting for a
// limiter slot or an in-flight token refresh.
type BrokerageClient interface {
	Accounts(ctx context.Context, personName string) ([]model.Account, error)
	Positions(ctx context.Context, personName, accountNumber string) ([]model.Position, error)
	Activities(ctx context.Context, personName, accountNumber string, start, end time.Time) ([]model.Activity, error)
	Quotes(ctx context.Context, personName string, symbols []string) ([]model.Quote, error)
	ServerTime(ctx context.Context, personName string) (time.Time, error)
}

// ConnectionProbe makes one lightweight authenticated upstream call, purely
// to validate end-to-end health for a person.
type ConnectionProbe interface {
	ServerTime(ctx context.Context, personName string) (time.Time, error)
}

// AccountStore persists mirrored brokerage accounts.
type AccountStore interface {
	Upsert(ctx context.Context, account model.Account) error
	ListByPerson(ctx context.Context, personName string) ([]model.Account, error)
}

// PositionStore persists mirrored positions. ReplaceForAccount swaps the full
// position set for an account in one transaction so closed positions do not
// linger.
type PositionStore interface {
	ReplaceForAccount(ctx context.Context, accountNumber string, positions []model.Position) error
	ListByAccount(ctx context.Context, accountNumber string) ([]model.Position, error)
}

// ActivityStore persists mirrored account activities. Insert ignores rows
// already mirrored (activities have no upstream identifier).
type ActivityStore interface {
	Insert(ctx context.Context, activity model.Activity) error
	ListByAccount(ctx context.Context, accountNumber string, start, end time.Time) ([]model.Activity, error)
}
