package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RemoteStore is the authoritative store of orders and accounts. Transport or
// auth failures surface as plain errors; the reconciler treats any error that
// is not one of the sentinel errors below as the remote being unavailable.
type RemoteStore interface {
	GetAccount(ctx context.Context, userID string) (Account, error)
	// UpsertAccount writes acct unless the stored revision is already at or
	// past acct.Revision, in which case it is a no-op.
	UpsertAccount(ctx context.Context, acct Account) error

	ListOrders(ctx context.Context, userID string) ([]Order, error)
	GetOrder(ctx context.Context, userID, id string) (Order, error)
	ListHistory(ctx context.Context, userID string, opts ListOpts) ([]Order, error)

	// InsertOrder returns ErrAlreadyExists when the id is taken.
	InsertOrder(ctx context.Context, o Order) error
	// UpdateOrder replaces the mutable fields of a working order.
	UpdateOrder(ctx context.Context, o Order) error
	// TransitionOrder writes o only if the stored status still equals from.
	// It returns ErrConflict when the status has moved on and ErrNotFound
	// when the id does not exist.
	TransitionOrder(ctx context.Context, o Order, from OrderStatus) error
}

// LocalSnapshot is a Snapshot as held by the local cache, with the ids of
// records whose last write was never confirmed by the remote store.
type LocalSnapshot struct {
	Snapshot
	Dirty        map[string]bool
	AccountDirty bool
}

// LocalCache is the non-authoritative on-device copy used for offline
// continuity and orphan recovery.
type LocalCache interface {
	Load(ctx context.Context, userID string) (LocalSnapshot, error)
	// SaveAccount ignores acct when the cached revision is newer.
	SaveAccount(ctx context.Context, acct Account, dirty bool) error
	SaveOrder(ctx context.Context, o Order, dirty bool) error
	MarkClean(ctx context.Context, userID string, ids ...string) error
	// MarkAccountClean clears the dirty flag only if the cached revision is
	// not newer than revision.
	MarkAccountClean(ctx context.Context, userID string, revision int64) error
	// Replace overwrites everything cached for snap.Account.UserID with snap,
	// all rows clean.
	Replace(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, userID string, ids ...string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	UserID    string
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of engine mutations.
type AuditStore interface {
	Log(ctx context.Context, userID, event string, detail map[string]any) error
	List(ctx context.Context, userID string, opts ListOpts) ([]AuditEntry, error)
}

// WriteOp names the kind of persistence write for a single record.
type WriteOp string

const (
	WriteInsert WriteOp = "INSERT"
	WriteUpdate WriteOp = "UPDATE"
	WriteFill   WriteOp = "FILL"
	WriteCancel WriteOp = "CANCEL"
	WriteClose  WriteOp = "CLOSE"
)

// Precondition returns the status the remote record must still hold for a
// conditional write. ok is false for unconditional writes.
func (op WriteOp) Precondition() (from OrderStatus, ok bool) {
	switch op {
	case WriteFill, WriteCancel:
		return OrderStatusPending, true
	case WriteClose:
		return OrderStatusOpen, true
	}
	return "", false
}
