// Package model defines the core domain types shared across the trading
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Share counts are whole int64s.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Game lifecycle states.
const (
	GameActive = "active"
	GameEnded  = "ended"
)

// Scoring modes for end-of-game winner determination.
const (
	ScoringOutrightWinner = "outright_winner"
	ScoringFinalPoints    = "final_points"
	ScoringTopPositions   = "top_positions"
)

// Participant roles. The admin is a regular participant row whose role
// grants end-game and game-wide cancel privileges.
const (
	RolePlayer = "player"
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

// Order sides and lifecycle states. open → {filled | cancelled}, both
// terminal; a partial fill keeps the order open with reduced quantity.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderOpen      = "open"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
)

// Game represents one trading session tied to a real-world game night.
// Entities are the tradeable names (board-game competitors), not users.
type Game struct {
	ID             string                     `json:"id" db:"id"`
	Name           string                     `json:"name" db:"name"`
	Status         string                     `json:"status" db:"status"`
	Entities       []string                   `json:"entities" db:"entities"`
	ScoringMode    string                     `json:"scoring_mode" db:"scoring_mode"`
	IncludeCash    bool                       `json:"include_cash" db:"include_cash"`
	PositionValues map[string]decimal.Decimal `json:"position_values,omitempty" db:"position_values"` // rank → value, top_positions only
	WinnerID       string                     `json:"winner_id,omitempty" db:"winner_id"`
	FinalScores    map[string]decimal.Decimal `json:"final_scores,omitempty" db:"final_scores"` // entity → score, final_points only
	AdminToken     string                     `json:"-" db:"admin_token"`
	CreatedAt      time.Time                  `json:"created_at" db:"created_at"`
}

// Participant is a system actor in one game. The access token is a
// capability: possessing it grants exactly that participant's permissions.
type Participant struct {
	ID          string          `json:"id" db:"id"`
	GameID      string          `json:"game_id" db:"game_id"`
	Name        string          `json:"name" db:"name"`
	Role        string          `json:"role" db:"role"`
	AccessToken string          `json:"-" db:"access_token"`
	Cash        decimal.Decimal `json:"cash" db:"cash"`
}

// Holding is the share balance of one participant in one entity. At most
// one row per (participant, entity); a balance of 0 keeps the row.
type Holding struct {
	ParticipantID string `json:"participant_id" db:"participant_id"`
	Entity        string `json:"entity" db:"entity"`
	Shares        int64  `json:"shares" db:"shares"`
}

// Order is a manually posted limit order resting until another participant
// accepts it. Quantity is the remaining unfilled share count.
type Order struct {
	ID            string          `json:"id" db:"id"`
	GameID        string          `json:"game_id" db:"game_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	Side          string          `json:"side" db:"side"`
	Entity        string          `json:"entity" db:"entity"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	Status        string          `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Cost is the cash the order commits (price × remaining quantity).
func (o *Order) Cost() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Transaction is an immutable record of one (possibly partial) execution.
// Price is always the resting order's price, not the acceptor's.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	GameID    string          `json:"game_id" db:"game_id"`
	BuyerID   string          `json:"buyer_id" db:"buyer_id"`
	SellerID  string          `json:"seller_id" db:"seller_id"`
	Entity    string          `json:"entity" db:"entity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Shares    int64           `json:"shares" db:"shares"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
