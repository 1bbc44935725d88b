package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ActivityStore = (*ActivityRepo)(nil)

// ActivityRepo is the SQLite implementation of the ActivityStore port.
type ActivityRepo struct {
	db *DB
}

// NewActivityRepo creates a new ActivityRepo backed by the given DB.
func NewActivityRepo(db *DB) *ActivityRepo {
	return &ActivityRepo{db: db}
}

// Insert mirrors one activity row. Activities carry no upstream identifier,
// so rows already mirrored (same account, date, type, action, symbol, and
// net amount) are silently ignored.
func (r *ActivityRepo) Insert(ctx context.Context, activity model.Activity) error {
	const query = `
		INSERT INTO activities (account_number, type, action, symbol, description,
			quantity, price, gross_amount, commission, net_amount, currency,
			trade_date, settlement_date, transaction_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_number, transaction_date, type, action, symbol, net_amount)
		DO NOTHING
	`

	_, err := r.db.Writer.ExecContext(ctx, query,
		activity.AccountNumber, activity.Type, activity.Action, activity.Symbol,
		activity.Description, activity.Quantity, activity.Price, activity.GrossAmount,
		activity.Commission, activity.NetAmount, activity.Currency,
		nullableTime(activity.TradeDate), nullableTime(activity.SettlementDate),
		activity.TransactionDate.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert activity for %s: %w", activity.AccountNumber, err)
	}

	return nil
}

// ListByAccount returns mirrored activities for the account within the
// [start, end] transaction-date window, newest first.
func (r *ActivityRepo) ListByAccount(ctx context.Context, accountNumber string, start, end time.Time) ([]model.Activity, error) {
	const query = `
		SELECT id, account_number, type, action, symbol, description,
			quantity, price, gross_amount, commission, net_amount, currency,
			trade_date, settlement_date, transaction_date
		FROM activities
		WHERE account_number = ? AND transaction_date >= ? AND transaction_date <= ?
		ORDER BY transaction_date DESC
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, accountNumber, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("list activities for %s: %w", accountNumber, err)
	}
	defer rows.Close()

	var activities []model.Activity
	for rows.Next() {
		var (
			act        model.Activity
			trade      sql.NullString
			settlement sql.NullString
			txDate     string
		)
		if err := rows.Scan(&act.ID, &act.AccountNumber, &act.Type, &act.Action,
			&act.Symbol, &act.Description, &act.Quantity, &act.Price, &act.GrossAmount,
			&act.Commission, &act.NetAmount, &act.Currency, &trade, &settlement, &txDate); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if act.TradeDate, err = parseNullTime(trade); err != nil {
			return nil, fmt.Errorf("parse trade_date: %w", err)
		}
		if act.SettlementDate, err = parseNullTime(settlement); err != nil {
			return nil, fmt.Errorf("parse settlement_date: %w", err)
		}
		if act.TransactionDate, err = parseTime(txDate); err != nil {
			return nil, fmt.Errorf("parse transaction_date: %w", err)
		}
		activities = append(activities, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}

	return activities, nil
}

// nullableTime maps the zero time to NULL so absent upstream dates stay absent.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
