package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidPriceRelation = errors.New("invalid price relation")
	ErrInvalidState         = errors.New("invalid state")
	ErrAlreadyClosed        = errors.New("already closed")
	ErrConflict             = errors.New("conditional write conflict")
	ErrRemoteUnavailable    = errors.New("remote store unavailable")
	ErrInconsistent         = errors.New("balance inconsistent with history")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrNotEditable          = errors.New("trade mode does not permit editing")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrLockHeld             = errors.New("lock already held")
)

// IsBenign reports whether err only says the record has moved on already.
// Such errors are logged and swallowed when they originate from a price tick.
func IsBenign(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrAlreadyClosed)
}
