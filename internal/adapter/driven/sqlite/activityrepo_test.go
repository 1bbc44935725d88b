package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/brokersync/internal/domain/model"
)

func TestActivityRepo_InsertAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewActivityRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	act := model.Activity{
		AccountNumber:   "26598145",
		Type:            "Trades",
		Action:          "Buy",
		Symbol:          "AAPL",
		Description:     "AAPL 10 @ 182.50",
		Quantity:        10,
		Price:           182.50,
		GrossAmount:     -1825.00,
		Commission:      -4.95,
		NetAmount:       -1829.95,
		Currency:        "USD",
		TradeDate:       now.Add(-48 * time.Hour),
		SettlementDate:  now.Add(-24 * time.Hour),
		TransactionDate: now.Add(-48 * time.Hour),
	}
	require.NoError(t, repo.Insert(ctx, act))

	activities, err := repo.ListByAccount(ctx, "26598145", now.Add(-72*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "Buy", activities[0].Action)
	assert.Equal(t, -1829.95, activities[0].NetAmount)
	assert.WithinDuration(t, act.TradeDate, activities[0].TradeDate, time.Second)
}

func TestActivityRepo_DuplicateInsertIgnored(t *testing.T) {
	db := setupTestDB(t)
	repo := NewActivityRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	act := model.Activity{
		AccountNumber:   "26598145",
		Type:            "Dividends",
		Symbol:          "MSFT",
		NetAmount:       12.40,
		Currency:        "USD",
		TransactionDate: now,
	}
	require.NoError(t, repo.Insert(ctx, act))
	require.NoError(t, repo.Insert(ctx, act))

	activities, err := repo.ListByAccount(ctx, "26598145", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, activities, 1)
}

func TestActivityRepo_WindowFilters(t *testing.T) {
	db := setupTestDB(t)
	repo := NewActivityRepo(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	old := model.Activity{AccountNumber: "26598145", Type: "Trades", Symbol: "AAPL", NetAmount: -100, TransactionDate: now.Add(-90 * 24 * time.Hour)}
	recent := model.Activity{AccountNumber: "26598145", Type: "Trades", Symbol: "MSFT", NetAmount: -200, TransactionDate: now.Add(-24 * time.Hour)}
	require.NoError(t, repo.Insert(ctx, old))
	require.NoError(t, repo.Insert(ctx, recent))

	activities, err := repo.ListByAccount(ctx, "26598145", now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "MSFT", activities[0].Symbol)
}
