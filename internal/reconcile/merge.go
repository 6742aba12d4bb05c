// Package reconcile keeps an engine's working set in step with the remote
// authoritative store and the local cache.
package reconcile

import (
	"sort"
	"time"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// DefaultRetention is how long an orphan stays recoverable.
const DefaultRetention = 30 * 24 * time.Hour

// Policy controls which orphans Merge keeps.
type Policy struct {
	Retention time.Duration
}

func (p Policy) retention() time.Duration {
	if p.Retention <= 0 {
		return DefaultRetention
	}
	return p.Retention
}

// Discard reasons.
const (
	DiscardMissingFields = "missing_fields"
	DiscardExpired       = "expired"
)

// Discarded is a local record Merge refused to resurrect.
type Discarded struct {
	Order  domain.Order
	Reason string
}

// Resync is a record the remote store must be told about. From is the status
// the remote copy currently holds, or empty when the remote has no copy.
type Resync struct {
	Order domain.Order
	From  domain.OrderStatus
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	Snapshot  domain.Snapshot
	Resync    []Resync
	Discarded []Discarded
	// Orphans lists the ids of local-only records that were kept.
	Orphans []string
	// AccountResync is set when the local account was kept over the remote.
	AccountResync bool
}

// Merge combines the remote snapshot with the local cache. The remote copy of
// a record wins unless the local copy is dirty and further along its
// lifecycle. Local-only records are orphans: those missing a symbol or margin,
// or older than the retention window, are discarded; the rest are kept and
// listed for resync. Merge does no I/O.
func Merge(remote domain.Snapshot, local domain.LocalSnapshot, policy Policy, now time.Time) MergeResult {
	var res MergeResult

	localByID := make(map[string]domain.Order, len(local.Orders))
	for _, o := range local.Orders {
		localByID[o.ID] = o
	}

	remoteIDs := make(map[string]bool, len(remote.Orders))
	orders := make([]domain.Order, 0, len(remote.Orders)+len(local.Orders))
	for _, r := range remote.Orders {
		remoteIDs[r.ID] = true
		l, ok := localByID[r.ID]
		if ok && local.Dirty[r.ID] && l.Status.Rank() > r.Status.Rank() {
			orders = append(orders, l.Clone())
			res.Resync = append(res.Resync, Resync{Order: l.Clone(), From: r.Status})
			continue
		}
		orders = append(orders, r.Clone())
	}

	var orphans []domain.Order
	for _, l := range local.Orders {
		if remoteIDs[l.ID] {
			continue
		}
		switch {
		case l.Symbol == "" || l.Margin <= 0:
			res.Discarded = append(res.Discarded, Discarded{Order: l.Clone(), Reason: DiscardMissingFields})
		case now.Sub(l.CreatedAt) > policy.retention():
			res.Discarded = append(res.Discarded, Discarded{Order: l.Clone(), Reason: DiscardExpired})
		default:
			orphans = append(orphans, l.Clone())
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].CreatedAt.Equal(orphans[j].CreatedAt) {
			return orphans[i].ID < orphans[j].ID
		}
		return orphans[i].CreatedAt.Before(orphans[j].CreatedAt)
	})
	for _, o := range orphans {
		orders = append(orders, o)
		res.Orphans = append(res.Orphans, o.ID)
		res.Resync = append(res.Resync, Resync{Order: o.Clone()})
	}

	acct := remote.Account
	if local.AccountDirty || acct.UserID == "" {
		if local.Account.UserID != "" {
			acct = local.Account
			res.AccountResync = true
		}
	}
	// Later writes must outrank whichever copy either side holds.
	acct.Revision = max(remote.Account.Revision, local.Account.Revision)
	if res.AccountResync {
		acct.Revision++
	}

	res.Snapshot = domain.Snapshot{Account: acct, Orders: orders}
	return res
}

// RecomputeBalance derives the balance a snapshot implies: initial balance
// plus realized pnl of terminal records minus margin held by working ones.
func RecomputeBalance(s domain.Snapshot) float64 {
	b := s.Account.InitialBalance
	for _, o := range s.Orders {
		switch o.Status {
		case domain.OrderStatusPending, domain.OrderStatusOpen:
			b -= o.Margin
		case domain.OrderStatusClosed:
			b += o.RealizedPnL
		}
	}
	return b
}

// Counts tallies records by status.
type Counts struct {
	Pending   int `json:"pending"`
	Open      int `json:"open"`
	Closed    int `json:"closed"`
	Cancelled int `json:"cancelled"`
}

// Total returns the number of records counted.
func (c Counts) Total() int {
	return c.Pending + c.Open + c.Closed + c.Cancelled
}

func countOrders(orders []domain.Order) Counts {
	var c Counts
	for _, o := range orders {
		switch o.Status {
		case domain.OrderStatusPending:
			c.Pending++
		case domain.OrderStatusOpen:
			c.Open++
		case domain.OrderStatusClosed:
			c.Closed++
		case domain.OrderStatusCancelled:
			c.Cancelled++
		}
	}
	return c
}
