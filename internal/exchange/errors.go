package exchange

import (
	"errors"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindState      Kind = "state"
	KindResource   Kind = "resource"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Error is a business-rule failure with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidQuantity = newError(KindValidation, "invalid_quantity", "quantity must be a positive integer")
	ErrInvalidSide     = newError(KindValidation, "invalid_side", "side must be BUY or SELL")
	ErrInvalidPrice    = newError(KindValidation, "invalid_price", "price must be at least 1")
	ErrInvalidCategory = newError(KindValidation, "invalid_category", "category must be popularity or strength")
	ErrInvalidBucket   = newError(KindValidation, "invalid_bucket", "vote bucket does not match character")
	ErrInvalidInput    = newError(KindValidation, "invalid_input", "invalid input")
	ErrCharacterExists = newError(KindValidation, "character_exists", "character already exists")

	ErrMarketClosed   = newError(KindState, "market_closed", "market is closed")
	ErrAssetFrozen    = newError(KindState, "asset_frozen", "asset is frozen")
	ErrCooldownActive = newError(KindState, "cooldown_active", "order cooldown active")
	ErrVotingDisabled = newError(KindState, "voting_disabled", "voting is disabled")
	ErrAlreadyVoted   = newError(KindState, "already_voted", "daily vote quota reached")
	ErrAccountBanned  = newError(KindState, "account_banned", "account is banned")

	ErrInsufficientFunds     = newError(KindResource, "insufficient_funds", "insufficient funds")
	ErrInsufficientHoldings  = newError(KindResource, "insufficient_holdings", "insufficient holdings")
	ErrPositionLimitExceeded = newError(KindResource, "position_limit_exceeded", "position limit exceeded")

	ErrAssetNotFound   = newError(KindNotFound, "asset_not_found", "character not found")
	ErrAccountNotFound = newError(KindNotFound, "account_not_found", "account not found")

	ErrTransactionConflict = newError(KindConflict, "transaction_conflict", "transaction conflict, retry later")
	ErrDuplicateRequest    = newError(KindConflict, "duplicate_request", "duplicate idempotency key")

	ErrForbidden = newError(KindForbidden, "forbidden", "forbidden")
)

// ErrWriteConflict is reported by a Store when a transaction lost a race with
// a concurrent writer. The engine retries it; callers never see it directly.
var ErrWriteConflict = errors.New("store: write conflict")

// KindOf reports the kind of err, or KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the stable code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
