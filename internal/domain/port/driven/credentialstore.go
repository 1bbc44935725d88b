package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
)

// CredentialStore persists per-person OAuth credential pairs, encrypted at
// rest. The token lifecycle manager is the only writer; implementations must
// uphold the invariant that at most one active row exists per (person, kind).
type CredentialStore interface {
	// ActiveCredential returns the active credential of the given kind, or
	// nil, nil when none exists.
	ActiveCredential(ctx context.Context, personName string, kind model.CredentialKind) (*model.Credential, error)

	// LatestCredential returns the most recently created credential of the
	// given kind regardless of active flag, or nil, nil when the person has
	// never held one. Used for error bookkeeping after a consumed refresh
	// token has been deactivated.
	LatestCredential(ctx context.Context, personName string, kind model.CredentialKind) (*model.Credential, error)

	// RotatePair atomically retires every active credential for the person
	// and inserts the new access/refresh pair in a single transaction. There
	// is never an observable moment with neither the old pair nor the new.
	RotatePair(ctx context.Context, personName string, access, refresh model.Credential) error

	// MarkUsed stamps last_used_at on the active credential of the kind.
	MarkUsed(ctx context.Context, personName string, kind model.CredentialKind, at time.Time) error

	// RecordError increments error_count and sets last_error on the active
	// refresh credential. A missing row is not an error.
	RecordError(ctx context.Context, personName, message string) error

	// ClearErrors resets error bookkeeping and stamps last_success_at on the
	// person's active credentials.
	ClearErrors(ctx context.Context, personName string, at time.Time) error

	// Deactivate soft-retires the active credential of the given kind.
	Deactivate(ctx context.Context, personName string, kind model.CredentialKind) error

	// DeactivateAll soft-retires every active credential for the person.
	DeactivateAll(ctx context.Context, personName string) error

	// DeleteAll hard-deletes every credential row for the person. Used only
	// by operator re-enrollment, where the new enrollment always wins.
	DeleteAll(ctx context.Context, personName string) error

	// Persons returns the distinct person names that have any credential row.
	Persons(ctx context.Context) ([]string, error)
}
