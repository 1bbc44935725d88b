package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.AccountStore = (*AccountRepo)(nil)

// AccountRepo is the SQLite implementation of the AccountStore port.
type AccountRepo struct {
	db *DB
}

// NewAccountRepo creates a new AccountRepo backed by the given DB.
func NewAccountRepo(db *DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// Upsert inserts or replaces a mirrored account keyed by (person, number).
func (r *AccountRepo) Upsert(ctx context.Context, account model.Account) error {
	const query = `
		INSERT INTO accounts (person_name, number, type, status, is_primary, currency, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(person_name, number) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			is_primary = excluded.is_primary,
			currency = excluded.currency,
			synced_at = excluded.synced_at
	`

	isPrimary := 0
	if account.IsPrimary {
		isPrimary = 1
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		account.PersonName, account.Number, account.Type, account.Status,
		isPrimary, account.Currency, account.SyncedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert account %s/%s: %w", account.PersonName, account.Number, err)
	}

	return nil
}

// ListByPerson returns all mirrored accounts for the person, ordered by number.
func (r *AccountRepo) ListByPerson(ctx context.Context, personName string) ([]model.Account, error) {
	const query = `
		SELECT id, person_name, number, type, status, is_primary, currency, synced_at
		FROM accounts
		WHERE person_name = ?
		ORDER BY number
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, personName)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %q: %w", personName, err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		var (
			acct      model.Account
			isPrimary int
			syncedAt  string
		)
		if err := rows.Scan(&acct.ID, &acct.PersonName, &acct.Number, &acct.Type,
			&acct.Status, &isPrimary, &acct.Currency, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		acct.IsPrimary = isPrimary != 0
		if acct.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("parse synced_at for account %s: %w", acct.Number, err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}

	return accounts, nil
}
