package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// Options tunes a Reconciler.
type Options struct {
	Policy Policy
	// ReportPrefix and BackupPrefix are object-key prefixes; the user id and a
	// timestamped file name are appended.
	ReportPrefix string
	BackupPrefix string
	// BackupKeep is how many backups per user survive a Backup call; zero
	// keeps all of them.
	BackupKeep int
	Now        func() time.Time
}

// Reconciler loads and persists engine state against the remote store, with
// the local cache as fallback. It implements engine.Persister.
type Reconciler struct {
	remote domain.RemoteStore
	local  domain.LocalCache
	audit  domain.AuditStore
	blobs  domain.BlobStore
	opts   Options
	logger *slog.Logger
}

// New creates a Reconciler. audit and blobs may be nil.
func New(remote domain.RemoteStore, local domain.LocalCache, audit domain.AuditStore, blobs domain.BlobStore, opts Options, logger *slog.Logger) *Reconciler {
	if opts.ReportPrefix == "" {
		opts.ReportPrefix = "reports"
	}
	if opts.BackupPrefix == "" {
		opts.BackupPrefix = "backups"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		remote: remote,
		local:  local,
		audit:  audit,
		blobs:  blobs,
		opts:   opts,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

// LoadResult describes how a snapshot was assembled.
type LoadResult struct {
	Snapshot domain.Snapshot
	// Degraded is set when the remote store could not be reached and the
	// snapshot came from the local cache alone.
	Degraded  bool
	Flushed   int
	Orphans   []string
	Resynced  int
	Discarded []Discarded
}

// Load assembles the working set for userID. Pending local writes are
// flushed first; the remote snapshot is then merged with the local cache and
// the result written back to the cache. When the remote store is unreachable
// the local cache is returned with Degraded set.
func (r *Reconciler) Load(ctx context.Context, userID string) (LoadResult, error) {
	flushed, ferr := r.Flush(ctx, userID)
	if ferr != nil && !errors.Is(ferr, domain.ErrRemoteUnavailable) {
		r.logger.Warn("reconcile: flush before load failed", slog.String("user_id", userID), slog.String("error", ferr.Error()))
	}

	local, lerr := r.local.Load(ctx, userID)
	if lerr != nil {
		r.logger.Warn("reconcile: local cache load failed", slog.String("user_id", userID), slog.String("error", lerr.Error()))
		local = domain.LocalSnapshot{Dirty: map[string]bool{}}
	}

	remote, rerr := r.fetchRemote(ctx, userID)
	if rerr != nil {
		if lerr != nil {
			return LoadResult{}, fmt.Errorf("reconcile: load %s: %w", userID, errors.Join(rerr, lerr))
		}
		r.logger.Warn("reconcile: remote unavailable, using local cache",
			slog.String("user_id", userID),
			slog.String("error", rerr.Error()),
		)
		snap := local.Snapshot
		snap.Account.UserID = userID
		return LoadResult{Snapshot: snap, Degraded: true}, nil
	}

	merged := Merge(remote, local, r.opts.Policy, r.opts.Now())
	merged.Snapshot.Account.UserID = userID

	if err := r.local.Replace(ctx, merged.Snapshot); err != nil {
		r.logger.Warn("reconcile: local cache replace failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}

	resynced := 0
	for _, rs := range merged.Resync {
		if err := r.resubmit(ctx, rs); err != nil {
			r.logger.Warn("reconcile: resync failed",
				slog.String("order_id", rs.Order.ID),
				slog.String("error", err.Error()),
			)
			_ = r.local.SaveOrder(ctx, rs.Order, true)
			continue
		}
		resynced++
	}
	if merged.AccountResync {
		if err := r.remote.UpsertAccount(ctx, merged.Snapshot.Account); err != nil {
			_ = r.local.SaveAccount(ctx, merged.Snapshot.Account, true)
		}
	}

	for _, d := range merged.Discarded {
		r.logger.Warn("reconcile: discarded unrecoverable orphan",
			slog.String("order_id", d.Order.ID),
			slog.String("reason", d.Reason),
		)
		r.logAudit(ctx, userID, "orphan.discarded", map[string]any{"order_id": d.Order.ID, "reason": d.Reason})
	}
	if len(merged.Orphans) > 0 {
		r.logger.Info("reconcile: merged orphans",
			slog.String("user_id", userID),
			slog.Int("orphans", len(merged.Orphans)),
			slog.Int("resynced", resynced),
		)
	}

	return LoadResult{
		Snapshot:  merged.Snapshot,
		Flushed:   flushed,
		Orphans:   merged.Orphans,
		Resynced:  resynced,
		Discarded: merged.Discarded,
	}, nil
}

// Persist writes a committed record locally, marked dirty, then remotely.
// FILL, CANCEL and CLOSE only apply when the remote status still matches the
// expected prior state; otherwise domain.ErrConflict is returned and the
// local cache takes the remote copy. Transport failures leave the record
// dirty and return domain.ErrRemoteUnavailable.
func (r *Reconciler) Persist(ctx context.Context, o domain.Order, op domain.WriteOp, acct domain.Account) error {
	if err := r.local.SaveOrder(ctx, o, true); err != nil {
		r.logger.Warn("reconcile: local save failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
	if err := r.local.SaveAccount(ctx, acct, true); err != nil {
		r.logger.Warn("reconcile: local account save failed", slog.String("error", err.Error()))
	}

	if err := r.writeRemote(ctx, o, op); err != nil {
		return err
	}
	if err := r.local.MarkClean(ctx, o.UserID, o.ID); err != nil {
		r.logger.Warn("reconcile: mark clean failed", slog.String("order_id", o.ID), slog.String("error", err.Error()))
	}
	r.pushAccount(ctx, acct)

	r.logAudit(ctx, o.UserID, "order."+strings.ToLower(string(op)), map[string]any{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"status":   string(o.Status),
		"margin":   o.Margin,
		"balance":  acct.Balance,
	})
	return nil
}

// SaveAccount writes the account locally, then remotely.
func (r *Reconciler) SaveAccount(ctx context.Context, acct domain.Account) error {
	if err := r.local.SaveAccount(ctx, acct, true); err != nil {
		r.logger.Warn("reconcile: local account save failed", slog.String("error", err.Error()))
	}
	if !r.pushAccount(ctx, acct) {
		return fmt.Errorf("reconcile: save account %s: %w", acct.UserID, domain.ErrRemoteUnavailable)
	}
	return nil
}

// Fetch returns the remote copy of a record.
func (r *Reconciler) Fetch(ctx context.Context, userID, id string) (domain.Order, error) {
	o, err := r.remote.GetOrder(ctx, userID, id)
	if err != nil {
		return domain.Order{}, r.classify("fetch "+id, err)
	}
	return o, nil
}

// Flush retries every dirty local record against the remote store and
// returns how many were confirmed.
func (r *Reconciler) Flush(ctx context.Context, userID string) (int, error) {
	local, err := r.local.Load(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: flush %s: %w", userID, err)
	}

	byID := make(map[string]domain.Order, len(local.Orders))
	for _, o := range local.Orders {
		byID[o.ID] = o
	}

	flushed := 0
	var errs []error
	for id := range local.Dirty {
		o, ok := byID[id]
		if !ok {
			continue
		}
		if err := r.flushOrder(ctx, o); err != nil {
			errs = append(errs, err)
			if errors.Is(err, domain.ErrRemoteUnavailable) {
				break
			}
			continue
		}
		flushed++
	}
	if local.AccountDirty && len(errs) == 0 && local.Account.UserID != "" {
		if !r.pushAccount(ctx, local.Account) {
			errs = append(errs, fmt.Errorf("reconcile: flush account: %w", domain.ErrRemoteUnavailable))
		}
	}
	if flushed > 0 {
		r.logger.Info("reconcile: flushed dirty records", slog.String("user_id", userID), slog.Int("count", flushed))
	}
	return flushed, errors.Join(errs...)
}

// flushOrder brings the remote copy of o up to date. A remote copy that is
// further along wins and replaces the local one.
func (r *Reconciler) flushOrder(ctx context.Context, o domain.Order) error {
	cur, err := r.remote.GetOrder(ctx, o.UserID, o.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		err = r.remote.InsertOrder(ctx, o)
	case err != nil:
		return r.classify("flush "+o.ID, err)
	case o.Status.Rank() > cur.Status.Rank():
		err = r.transition(ctx, o, cur.Status)
	case o.Status == cur.Status && !o.Status.Terminal():
		err = r.remote.UpdateOrder(ctx, o)
	default:
		// Remote is at least as far along.
		return r.local.SaveOrder(ctx, cur, false)
	}
	if err != nil {
		return r.classify("flush "+o.ID, err)
	}
	return r.local.MarkClean(ctx, o.UserID, o.ID)
}

func (r *Reconciler) writeRemote(ctx context.Context, o domain.Order, op domain.WriteOp) error {
	from, conditional := op.Precondition()
	var err error
	switch {
	case conditional:
		err = r.conditional(ctx, o, from)
	case op == domain.WriteInsert:
		err = r.remote.InsertOrder(ctx, o)
		if errors.Is(err, domain.ErrAlreadyExists) {
			err = r.remote.UpdateOrder(ctx, o)
		}
	default:
		err = r.remote.UpdateOrder(ctx, o)
		if errors.Is(err, domain.ErrNotFound) {
			err = r.remote.InsertOrder(ctx, o)
		}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("reconcile: %s %s: %w", strings.ToLower(string(op)), o.ID, err)
	}
	return r.classify(strings.ToLower(string(op))+" "+o.ID, err)
}

// conditional applies a guarded transition. A remote copy that is behind the
// expected state (an earlier write was lost) is moved forward from where it
// is; one that is ahead or terminal is a conflict.
func (r *Reconciler) conditional(ctx context.Context, o domain.Order, from domain.OrderStatus) error {
	err := r.remote.TransitionOrder(ctx, o, from)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return r.remote.InsertOrder(ctx, o)
	case !errors.Is(err, domain.ErrConflict):
		return err
	}

	cur, gerr := r.remote.GetOrder(ctx, o.UserID, o.ID)
	if gerr != nil {
		return err
	}
	if !cur.Status.Terminal() && cur.Status.Rank() < from.Rank() {
		return r.remote.TransitionOrder(ctx, o, cur.Status)
	}
	if serr := r.local.SaveOrder(ctx, cur, false); serr != nil {
		r.logger.Warn("reconcile: local save of remote copy failed", slog.String("order_id", cur.ID), slog.String("error", serr.Error()))
	}
	r.logAudit(ctx, o.UserID, "order.conflict", map[string]any{
		"order_id":      o.ID,
		"local_status":  string(o.Status),
		"remote_status": string(cur.Status),
	})
	return err
}

func (r *Reconciler) transition(ctx context.Context, o domain.Order, from domain.OrderStatus) error {
	err := r.remote.TransitionOrder(ctx, o, from)
	if errors.Is(err, domain.ErrNotFound) {
		return r.remote.InsertOrder(ctx, o)
	}
	return err
}

// resubmit pushes a merged record the remote store does not have yet.
func (r *Reconciler) resubmit(ctx context.Context, rs Resync) error {
	var err error
	if rs.From == "" {
		err = r.remote.InsertOrder(ctx, rs.Order)
		if errors.Is(err, domain.ErrAlreadyExists) {
			err = nil
		}
	} else {
		err = r.transition(ctx, rs.Order, rs.From)
	}
	if err != nil {
		return r.classify("resubmit "+rs.Order.ID, err)
	}
	r.logAudit(ctx, rs.Order.UserID, "order.resubmitted", map[string]any{"order_id": rs.Order.ID})
	return nil
}

func (r *Reconciler) fetchRemote(ctx context.Context, userID string) (domain.Snapshot, error) {
	acct, err := r.remote.GetAccount(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Snapshot{}, r.classify("get account", err)
	}
	working, err := r.remote.ListOrders(ctx, userID)
	if err != nil {
		return domain.Snapshot{}, r.classify("list orders", err)
	}
	history, err := r.remote.ListHistory(ctx, userID, domain.ListOpts{})
	if err != nil {
		return domain.Snapshot{}, r.classify("list history", err)
	}
	orders := make([]domain.Order, 0, len(working)+len(history))
	orders = append(orders, working...)
	orders = append(orders, history...)
	return domain.Snapshot{Account: acct, Orders: orders}, nil
}

// pushAccount upserts acct and marks the local copy clean on success. The
// remote store ignores an acct older than what it holds, so a late push
// never rolls the balance back.
func (r *Reconciler) pushAccount(ctx context.Context, acct domain.Account) bool {
	if err := r.remote.UpsertAccount(ctx, acct); err != nil {
		r.logger.Warn("reconcile: account upsert deferred", slog.String("user_id", acct.UserID), slog.String("error", err.Error()))
		return false
	}
	if err := r.local.MarkAccountClean(ctx, acct.UserID, acct.Revision); err != nil {
		r.logger.Warn("reconcile: mark account clean failed", slog.String("error", err.Error()))
	}
	return true
}

// classify wraps err, mapping anything that is not a known domain error to
// domain.ErrRemoteUnavailable.
func (r *Reconciler) classify(op string, err error) error {
	for _, known := range []error{
		domain.ErrNotFound, domain.ErrAlreadyExists, domain.ErrConflict,
		domain.ErrInvalidInput, domain.ErrRemoteUnavailable,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("reconcile: %s: %w", op, err)
		}
	}
	return fmt.Errorf("reconcile: %s: %w: %w", op, domain.ErrRemoteUnavailable, err)
}

func (r *Reconciler) logAudit(ctx context.Context, userID, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, userID, event, detail); err != nil {
		r.logger.Debug("reconcile: audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
