package model

import "errors"

// Sentinel errors for domain-level failures. The market package maps these
// to HTTP status codes; callers wrap them with fmt.Errorf("%w: ...") to
// carry exact available-vs-requested amounts. Every failure is scoped to
// the single requested operation — none is fatal to the process.
var (
	// ErrInvalidOrder covers non-positive price or quantity at placement.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidQuantity covers an execution quantity outside
	// 0 < qty ≤ remaining.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrGameEnded rejects trading operations on an ended game.
	ErrGameEnded = errors.New("game has ended")

	// ErrInsufficientFunds means available cash (cash minus cash committed
	// to open buy orders) cannot cover the request.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares means available shares (held minus shares
	// committed to open sell orders) cannot cover the request.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrStaleOrder means the resting order's owner no longer has the
	// resources to honor it. The order is auto-cancelled as a side effect.
	ErrStaleOrder = errors.New("stale order")

	// ErrOrderUnavailable means the order does not exist or is no longer
	// open.
	ErrOrderUnavailable = errors.New("order not available")

	// ErrSelfTrade rejects a participant accepting their own order.
	ErrSelfTrade = errors.New("cannot execute your own order")

	// ErrNotFound is returned for a cancel against an order the requester
	// does not own. Ownership mismatch is deliberately indistinguishable
	// from nonexistence so order ownership never leaks.
	ErrNotFound = errors.New("not found")

	// ErrOrderNotOpen rejects cancelling an already filled or cancelled
	// order.
	ErrOrderNotOpen = errors.New("order is not open")

	// ErrForbidden rejects a non-admin calling an admin-only operation.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyEnded rejects ending a game twice.
	ErrAlreadyEnded = errors.New("game already ended")

	// ErrConflict signals a lost concurrent-mutation race. Retryable.
	ErrConflict = errors.New("conflict")

	// ErrInvalidToken means no participant matches the access token.
	ErrInvalidToken = errors.New("invalid token")
)
