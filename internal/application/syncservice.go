package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/ericfisherdev/brokersync/internal/domain/port/driven"
)

// activityWindow is how far back each sync cycle fetches account activities.
// Older activities are already mirrored; duplicates are ignored on insert.
const activityWindow = 30 * 24 * time.Hour

// syncRequest represents a manual sync trigger.
type syncRequest struct {
	personName string
	done       chan error
}

// SyncService periodically mirrors accounts, positions, and activities for
// every healthy enrolled person into the local store.
type SyncService struct {
	brokerage     driven.BrokerageClient
	manager       *TokenManager
	accountStore  driven.AccountStore
	positionStore driven.PositionStore
	activityStore driven.ActivityStore
	interval      time.Duration
	syncCh        chan syncRequest
}

// NewSyncService creates a SyncService with all required dependencies.
func NewSyncService(
	brokerage driven.BrokerageClient,
	manager *TokenManager,
	accountStore driven.AccountStore,
	positionStore driven.PositionStore,
	activityStore driven.ActivityStore,
	interval time.Duration,
) *SyncService {
	return &SyncService{
		brokerage:     brokerage,
		manager:       manager,
		accountStore:  accountStore,
		positionStore: positionStore,
		activityStore: activityStore,
		interval:      interval,
		syncCh:        make(chan syncRequest),
	}
}

// Start begins the sync loop. It runs an immediate sync, then syncs on the
// configured interval. It also listens for manual sync requests. Start blocks
// until the context is canceled.
func (s *SyncService) Start(ctx context.Context) {
	if err := s.syncAll(ctx); err != nil {
		slog.Error("initial sync failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync service stopped")
			return
		case <-ticker.C:
			if err := s.syncAll(ctx); err != nil {
				slog.Error("sync cycle failed", "error", err)
			}
		case req := <-s.syncCh:
			req.done <- s.handleSync(ctx, req)
		}
	}
}

// Sync triggers a manual sync, bypassing the interval. An empty personName
// syncs everyone. It blocks until the sync completes or the context is
// canceled.
func (s *SyncService) Sync(ctx context.Context, personName string) error {
	done := make(chan error, 1)
	req := syncRequest{
		personName: personName,
		done:       done,
	}

	select {
	case s.syncCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncAll mirrors data for every healthy person. Unhealthy persons are
// skipped, never deactivated; whether to disable a long-unhealthy enrollment
// is an operator decision.
func (s *SyncService) syncAll(ctx context.Context) error {
	start := time.Now()

	statuses, err := s.manager.ListStatuses(ctx)
	if err != nil {
		return err
	}

	var synced, skipped, syncErrors int
	for _, status := range statuses {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !status.IsHealthy {
			slog.Debug("skipping unhealthy person", "person", status.PersonName, "last_error", status.LastError)
			skipped++
			continue
		}

		if err := s.syncPerson(ctx, status.PersonName); err != nil {
			slog.Error("person sync failed", "person", status.PersonName, "error", err)
			syncErrors++
			continue
		}
		synced++
	}

	slog.Info("sync cycle complete",
		"synced", synced,
		"skipped", skipped,
		"errors", syncErrors,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return nil
}

// syncPerson mirrors one person: accounts first, then positions and the
// recent activity window per account. Per-account failures are logged but do
// not abort the remaining accounts.
func (s *SyncService) syncPerson(ctx context.Context, personName string) error {
	accounts, err := s.brokerage.Accounts(ctx, personName)
	if err != nil {
		return err
	}

	var accountErrors int
	for _, account := range accounts {
		if err := s.accountStore.Upsert(ctx, account); err != nil {
			slog.Error("account upsert failed", "person", personName, "account", account.Number, "error", err)
			accountErrors++
			continue
		}

		if err := s.syncAccount(ctx, personName, account.Number); err != nil {
			slog.Error("account sync failed", "person", personName, "account", account.Number, "error", err)
			accountErrors++
		}
	}

	slog.Info("person synced",
		"person", personName,
		"accounts", len(accounts),
		"errors", accountErrors,
	)

	return nil
}

// syncAccount mirrors positions and the recent activity window for one
// account. Positions are a full replacement so closed positions disappear.
func (s *SyncService) syncAccount(ctx context.Context, personName, accountNumber string) error {
	positions, err := s.brokerage.Positions(ctx, personName, accountNumber)
	if err != nil {
		return err
	}
	if err := s.positionStore.ReplaceForAccount(ctx, accountNumber, positions); err != nil {
		return err
	}

	end := time.Now().UTC()
	activities, err := s.brokerage.Activities(ctx, personName, accountNumber, end.Add(-activityWindow), end)
	if err != nil {
		return err
	}
	for _, activity := range activities {
		if err := s.activityStore.Insert(ctx, activity); err != nil {
			slog.Error("activity insert failed", "account", accountNumber, "error", err)
		}
	}

	slog.Debug("account synced",
		"account", accountNumber,
		"positions", len(positions),
		"activities", len(activities),
	)

	return nil
}

// handleSync dispatches a manual sync request.
func (s *SyncService) handleSync(ctx context.Context, req syncRequest) error {
	if req.personName != "" {
		return s.syncPerson(ctx, req.personName)
	}
	return s.syncAll(ctx)
}
