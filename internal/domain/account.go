package domain

import "time"

// Account is the per-user settings record: cash balance and the balance the
// user started with. Revision increases with every balance change; stores
// refuse to overwrite a row with an older revision.
type Account struct {
	UserID         string
	Balance        float64
	InitialBalance float64
	Revision       int64
	UpdatedAt      time.Time
}

// Snapshot is the full persisted state of one user: the account plus every
// order in any state.
type Snapshot struct {
	Account Account
	Orders  []Order
}

// Equity is a read-only projection of the account. It is never persisted.
type Equity struct {
	Balance       float64
	UsedMargin    float64 // margin of open positions
	PendingMargin float64 // margin reserved by pending orders
	UnrealizedPnL float64
	Equity        float64
}
