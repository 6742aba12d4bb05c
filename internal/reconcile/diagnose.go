package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"sort"
	"time"

	"github.com/alanyoungcy/papertrader/internal/codec"
	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Report is the result of Diagnose or Recover.
type Report struct {
	UserID          string    `json:"user_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	RemoteAvailable bool      `json:"remote_available"`
	RemoteError     string    `json:"remote_error,omitempty"`
	LocalError      string    `json:"local_error,omitempty"`

	Remote Counts `json:"remote"`
	Local  Counts `json:"local"`

	Orphans       []string         `json:"orphans"`
	Unrecoverable []DiscardSummary `json:"unrecoverable"`
	Dirty         []string         `json:"dirty"`
	AccountDirty  bool             `json:"account_dirty"`

	StoredBalance     float64 `json:"stored_balance"`
	RecomputedBalance float64 `json:"recomputed_balance"`
	Consistent        bool    `json:"consistent"`

	// Actions is filled by Recover.
	Actions     []string `json:"actions,omitempty"`
	RestoredKey string   `json:"restored_key,omitempty"`
	ReportKey   string   `json:"report_key,omitempty"`
}

// DiscardSummary names a discarded orphan in a report.
type DiscardSummary struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// Diagnose compares the remote store with the local cache without writing to
// either.
func (r *Reconciler) Diagnose(ctx context.Context, userID string) (Report, error) {
	rep := Report{UserID: userID, GeneratedAt: r.opts.Now()}

	local, lerr := r.local.Load(ctx, userID)
	if lerr != nil {
		rep.LocalError = lerr.Error()
		local = domain.LocalSnapshot{}
	}
	rep.Local = countOrders(local.Orders)
	for id := range local.Dirty {
		rep.Dirty = append(rep.Dirty, id)
	}
	sort.Strings(rep.Dirty)
	rep.AccountDirty = local.AccountDirty

	remote, rerr := r.fetchRemote(ctx, userID)
	if rerr != nil {
		rep.RemoteError = rerr.Error()
		rep.StoredBalance = local.Account.Balance
		rep.RecomputedBalance = RecomputeBalance(local.Snapshot)
		rep.Consistent = math.Abs(rep.StoredBalance-rep.RecomputedBalance) <= balanceTolerance
		if lerr != nil {
			return rep, fmt.Errorf("reconcile: diagnose %s: %w", userID, errors.Join(rerr, lerr))
		}
		return rep, nil
	}
	rep.RemoteAvailable = true
	rep.Remote = countOrders(remote.Orders)

	merged := Merge(remote, local, r.opts.Policy, r.opts.Now())
	rep.Orphans = merged.Orphans
	for _, d := range merged.Discarded {
		rep.Unrecoverable = append(rep.Unrecoverable, DiscardSummary{OrderID: d.Order.ID, Reason: d.Reason})
	}
	rep.StoredBalance = merged.Snapshot.Account.Balance
	rep.RecomputedBalance = RecomputeBalance(merged.Snapshot)
	rep.Consistent = math.Abs(rep.StoredBalance-rep.RecomputedBalance) <= balanceTolerance
	return rep, nil
}

// Recover is the best-effort repair path for data loss. It resubmits
// recoverable orphans and, when neither the remote store nor the local cache
// holds anything, restores the newest snapshot backup. The report is
// uploaded to blob storage when one is configured.
func (r *Reconciler) Recover(ctx context.Context, userID string) (Report, error) {
	rep, err := r.Diagnose(ctx, userID)
	if err != nil {
		return rep, err
	}
	if !rep.RemoteAvailable {
		return rep, fmt.Errorf("reconcile: recover %s: %w", userID, domain.ErrRemoteUnavailable)
	}

	if rep.Remote.Total() == 0 && rep.Local.Total() == 0 && r.blobs != nil {
		key, err := r.restoreLatest(ctx, userID)
		switch {
		case err == nil && key != "":
			rep.RestoredKey = key
			rep.Actions = append(rep.Actions, "restored backup "+key)
		case err != nil:
			rep.Actions = append(rep.Actions, "restore failed: "+err.Error())
		}
	}

	res, err := r.Load(ctx, userID)
	if err != nil {
		rep.Actions = append(rep.Actions, "load failed: "+err.Error())
	} else {
		for _, id := range res.Orphans {
			rep.Actions = append(rep.Actions, "merged orphan "+id)
		}
		for _, d := range res.Discarded {
			rep.Actions = append(rep.Actions, "discarded "+d.Order.ID+" ("+d.Reason+")")
		}
		if res.Resynced > 0 {
			rep.Actions = append(rep.Actions, fmt.Sprintf("resynced %d records", res.Resynced))
		}
	}

	if r.blobs != nil {
		key := r.objectKey(r.opts.ReportPrefix, userID)
		if err := r.putJSON(ctx, key, rep); err != nil {
			r.logger.Warn("reconcile: report upload failed", slog.String("key", key), slog.String("error", err.Error()))
		} else {
			rep.ReportKey = key
		}
	}
	r.logAudit(ctx, userID, "recover", map[string]any{"actions": len(rep.Actions)})
	r.logger.Info("reconcile: recover finished",
		slog.String("user_id", userID),
		slog.Int("actions", len(rep.Actions)),
	)
	return rep, nil
}

// Backup uploads the locally cached snapshot of userID to blob storage and
// returns the object key.
func (r *Reconciler) Backup(ctx context.Context, userID string) (string, error) {
	if r.blobs == nil {
		return "", errors.New("reconcile: backup: no blob store configured")
	}
	local, err := r.local.Load(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reconcile: backup %s: %w", userID, err)
	}
	local.Account.UserID = userID
	key := r.objectKey(r.opts.BackupPrefix, userID)
	if err := r.putJSON(ctx, key, codec.FromSnapshot(local.Snapshot)); err != nil {
		return "", fmt.Errorf("reconcile: backup %s: %w", userID, err)
	}
	r.logger.Info("reconcile: backup written",
		slog.String("user_id", userID),
		slog.String("key", key),
		slog.Int("orders", len(local.Orders)),
	)
	if r.opts.BackupKeep > 0 {
		if err := r.pruneBackups(ctx, userID); err != nil {
			r.logger.Warn("reconcile: prune backups failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
	return key, nil
}

// pruneBackups deletes all but the newest BackupKeep backups of userID.
func (r *Reconciler) pruneBackups(ctx context.Context, userID string) error {
	infos, err := r.listBackups(ctx, userID)
	if err != nil {
		return err
	}
	if len(infos) <= r.opts.BackupKeep {
		return nil
	}
	var errs []error
	for _, info := range infos[r.opts.BackupKeep:] {
		if err := r.blobs.Delete(ctx, info.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// listBackups returns the backups of userID, newest first.
func (r *Reconciler) listBackups(ctx context.Context, userID string) ([]domain.BlobInfo, error) {
	infos, err := r.blobs.List(ctx, path.Join(r.opts.BackupPrefix, userID)+"/")
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].Path > infos[j].Path
		}
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

// restoreLatest writes the newest backup of userID to the remote store and
// returns its key, or "" when there is none.
func (r *Reconciler) restoreLatest(ctx context.Context, userID string) (string, error) {
	infos, err := r.listBackups(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", nil
	}
	key := infos[0].Path

	rc, err := r.blobs.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()

	var doc codec.Snapshot
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode %s: %w", key, err)
	}
	snap := doc.ToSnapshot()
	snap.Account.UserID = userID

	for _, o := range snap.Orders {
		o.UserID = userID
		if err := r.remote.InsertOrder(ctx, o); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return "", r.classify("restore "+o.ID, err)
		}
	}
	if cur, err := r.remote.GetAccount(ctx, userID); err == nil && cur.Revision >= snap.Account.Revision {
		snap.Account.Revision = cur.Revision + 1
	}
	if err := r.remote.UpsertAccount(ctx, snap.Account); err != nil {
		return "", r.classify("restore account", err)
	}
	r.logAudit(ctx, userID, "backup.restored", map[string]any{"key": key, "orders": len(snap.Orders)})
	return key, nil
}

func (r *Reconciler) objectKey(prefix, userID string) string {
	return path.Join(prefix, userID, r.opts.Now().Format("20060102T150405Z")+".json")
}

func (r *Reconciler) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return r.blobs.Put(ctx, key, bytes.NewReader(data), "application/json")
}

const balanceTolerance = 1e-6
