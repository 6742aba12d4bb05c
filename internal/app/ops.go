package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/engine"
	"github.com/alanyoungcy/papertrader/internal/reconcile"
)

// RepairResult describes a balance repair.
type RepairResult struct {
	UserID string  `json:"user_id"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	// Degraded is set when the repair ran against the local cache only.
	Degraded bool `json:"degraded"`
}

// ArchiveResult describes an archive run.
type ArchiveResult struct {
	UserID string    `json:"user_id"`
	Before time.Time `json:"before"`
	Key    string    `json:"key,omitempty"`
	Count  int       `json:"count"`
}

// Diagnose compares remote and local state for userID without changing
// anything.
func (a *App) Diagnose(ctx context.Context, userID string) (reconcile.Report, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return reconcile.Report{}, err
	}
	return deps.Reconciler.Diagnose(ctx, userID)
}

// Recover repairs divergence between remote and local state for userID.
func (a *App) Recover(ctx context.Context, userID string) (reconcile.Report, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return reconcile.Report{}, err
	}
	return deps.Reconciler.Recover(ctx, userID)
}

// Backup writes a snapshot of userID's state to blob storage.
func (a *App) Backup(ctx context.Context, userID string) (string, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return "", err
	}
	return deps.Reconciler.Backup(ctx, userID)
}

// Repair recomputes userID's cash balance from the record history and saves
// it.
func (a *App) Repair(ctx context.Context, userID string) (RepairResult, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return RepairResult{}, err
	}
	res, err := deps.Reconciler.Load(ctx, userID)
	if err != nil {
		return RepairResult{}, fmt.Errorf("app: repair %s: %w", userID, err)
	}
	if res.Snapshot.Account.InitialBalance == 0 && len(res.Snapshot.Orders) == 0 {
		return RepairResult{}, fmt.Errorf("app: repair %s: %w", userID, domain.ErrNotFound)
	}

	eng := engine.New(userID, a.engineOptions(), deps.Reconciler, nil, a.logger)
	eng.Restore(res.Snapshot)
	before, after := eng.RepairBalance()
	if err := deps.Reconciler.SaveAccount(ctx, eng.Account()); err != nil {
		return RepairResult{}, fmt.Errorf("app: repair %s: save: %w", userID, err)
	}

	a.logger.InfoContext(ctx, "app: balance repaired",
		slog.String("user_id", userID),
		slog.Float64("before", before),
		slog.Float64("after", after),
	)
	return RepairResult{UserID: userID, Before: before, After: after, Degraded: res.Degraded}, nil
}

// Archive uploads userID's finished records older than sync.archive_after to
// blob storage.
func (a *App) Archive(ctx context.Context, userID string) (ArchiveResult, error) {
	deps, err := a.wire(ctx)
	if err != nil {
		return ArchiveResult{}, err
	}
	if deps.Archiver == nil {
		return ArchiveResult{}, fmt.Errorf("app: archive requires s3.enabled: %w", domain.ErrInvalidInput)
	}

	before := time.Now().UTC().Add(-a.cfg.Sync.ArchiveAfter.Duration)
	key, n, err := deps.Archiver.ArchiveHistory(ctx, userID, before)
	if err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{UserID: userID, Before: before, Key: key, Count: n}, nil
}
