package sqlite

import (
	"context"
	"fmt"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PositionStore = (*PositionRepo)(nil)

// PositionRepo is the SQLite implementation of the PositionStore port.
type PositionRepo struct {
	db *DB
}

// NewPositionRepo creates a new PositionRepo backed by the given DB.
func NewPositionRepo(db *DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// ReplaceForAccount swaps the full position set for an account in one
// transaction so closed positions do not linger after a sync.
func (r *PositionRepo) ReplaceForAccount(ctx context.Context, accountNumber string, positions []model.Position) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin position replace for %s: %w", accountNumber, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM positions WHERE account_number = ?`, accountNumber,
	); err != nil {
		return fmt.Errorf("clear positions for %s: %w", accountNumber, err)
	}

	const insert = `
		INSERT INTO positions (account_number, symbol, open_quantity, average_entry_price,
			current_price, current_market_value, open_pnl, closed_pnl, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, insert,
			accountNumber, p.Symbol, p.OpenQuantity, p.AverageEntryPrice,
			p.CurrentPrice, p.CurrentMarketValue, p.OpenPnL, p.ClosedPnL, p.SyncedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert position %s/%s: %w", accountNumber, p.Symbol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit position replace for %s: %w", accountNumber, err)
	}
	return nil
}

// ListByAccount returns all mirrored positions for the account, ordered by symbol.
func (r *PositionRepo) ListByAccount(ctx context.Context, accountNumber string) ([]model.Position, error) {
	const query = `
		SELECT id, account_number, symbol, open_quantity, average_entry_price,
			current_price, current_market_value, open_pnl, closed_pnl, synced_at
		FROM positions
		WHERE account_number = ?
		ORDER BY symbol
	`

	rows, err := r.db.Reader.QueryContext(ctx, query, accountNumber)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", accountNumber, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var (
			pos      model.Position
			syncedAt string
		)
		if err := rows.Scan(&pos.ID, &pos.AccountNumber, &pos.Symbol, &pos.OpenQuantity,
			&pos.AverageEntryPrice, &pos.CurrentPrice, &pos.CurrentMarketValue,
			&pos.OpenPnL, &pos.ClosedPnL, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if pos.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("parse synced_at for position %s: %w", pos.Symbol, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}

	return positions, nil
}
