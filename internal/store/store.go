// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
)

// OrderFilter narrows order queries. Zero-value fields are ignored.
type OrderFilter struct {
	GameID        string
	ParticipantID string
	Side          string
	Entity        string
}

// Settlement is the atomic unit applied when an order is accepted: cash
// transfer, share transfer, order reduction, and transaction append either
// all happen or none do.
type Settlement struct {
	OrderID  string
	BuyerID  string
	SellerID string
	Entity   string
	Price    decimal.Decimal // resting order's price
	Shares   int64
	Txn      *model.Transaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Every method that mutates
// state applies its changes atomically with respect to concurrent calls.
type Store interface {
	// --- Games ---

	// CreateGame persists a new game in active state.
	CreateGame(ctx context.Context, g *model.Game) error

	// GetGame retrieves a game by its ID.
	GetGame(ctx context.Context, id string) (*model.Game, error)

	// SetGameEnded transitions an active game to ended, recording the
	// winner (empty for none) and, for final_points scoring, the supplied
	// entity scores. Returns model.ErrAlreadyEnded if the game is not
	// active.
	SetGameEnded(ctx context.Context, gameID, winnerID string, finalScores map[string]decimal.Decimal) error

	// --- Participants ---

	// CreateParticipant persists a new participant.
	CreateParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID.
	GetParticipant(ctx context.Context, id string) (*model.Participant, error)

	// GetParticipantByToken resolves an access token to its participant.
	// Returns model.ErrInvalidToken when no participant matches.
	GetParticipantByToken(ctx context.Context, token string) (*model.Participant, error)

	// ListParticipants returns a game's participants in creation order,
	// optionally filtered by role ("" for all).
	ListParticipants(ctx context.Context, gameID, role string) ([]model.Participant, error)

	// --- Holdings ---

	// GetShares returns the share balance of one participant in one
	// entity; 0 when no holding row exists.
	GetShares(ctx context.Context, participantID, entity string) (int64, error)

	// ListHoldings returns all holding rows for a participant.
	ListHoldings(ctx context.Context, participantID string) ([]model.Holding, error)

	// UpsertHolding sets a holding balance directly. Used only by game
	// setup; trades go through ApplyTrade.
	UpsertHolding(ctx context.Context, h *model.Holding) error

	// --- Orders ---

	// CreateOrder inserts a new open order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID. Returns model.ErrOrderUnavailable
	// when it does not exist.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns open orders matching the filter, in creation
	// order.
	ListOpenOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// CancelOrder transitions one open order to cancelled. Returns
	// model.ErrOrderNotOpen if the order is in a terminal state and
	// model.ErrOrderUnavailable if it does not exist.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelOpenOrders cancels every open order matching the filter and
	// returns the count. Zero matches is a no-op, not an error.
	CancelOpenOrders(ctx context.Context, f OrderFilter) (int, error)

	// --- Transactions ---

	// ListTransactions returns a game's transactions oldest first.
	ListTransactions(ctx context.Context, gameID string) ([]model.Transaction, error)

	// --- Settlement ---

	// ApplyTrade applies a settlement as one atomic unit: debit the buyer
	// and credit the seller Price×Shares, move Shares of Entity from
	// seller to buyer (creating the buyer's holding row if needed), reduce
	// the order by Shares (filling it at zero remaining), and append the
	// transaction. Guards re-checked under the same lock/transaction:
	// the order must be open with remaining ≥ Shares (else
	// model.ErrConflict), the buyer's cash must cover the cost (else
	// model.ErrInsufficientFunds), and the seller's holding must cover the
	// shares (else model.ErrInsufficientShares). A failed guard leaves all
	// state untouched.
	ApplyTrade(ctx context.Context, s *Settlement) error
}
