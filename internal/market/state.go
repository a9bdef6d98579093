package market

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
	"github.com/gameday/traders/internal/store"
)

// recentTransactionLimit bounds the transaction tail in the state view.
const recentTransactionLimit = 20

// OrderView is one anonymized order-book entry. Owner identity is never
// exposed; the caller only learns whether an entry is their own.
type OrderView struct {
	ID     string          `json:"id"`
	Entity string          `json:"entity"`
	Price  decimal.Decimal `json:"price"`
	Shares int64           `json:"shares"`
	IsMine bool            `json:"is_mine"`
}

// TransactionView is one recent trade tagged relative to the caller:
// Type is "buy" or "sell" when the caller was a party, empty otherwise.
type TransactionView struct {
	Entity    string          `json:"entity"`
	Price     decimal.Decimal `json:"price"`
	Shares    int64           `json:"shares"`
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type,omitempty"`
	IsMine    bool            `json:"is_mine"`
}

// GameStateResponse is the JSON body for GET /api/v1/state/{token}.
type GameStateResponse struct {
	GameStatus         string            `json:"game_status"`
	Entities           []string          `json:"entities"`
	Cash               decimal.Decimal   `json:"cash"`
	AvailableCash      decimal.Decimal   `json:"available_cash"`
	Holdings           map[string]int64  `json:"holdings"`
	BuyOrders          []OrderView       `json:"buy_orders"`
	SellOrders         []OrderView       `json:"sell_orders"`
	RecentTransactions []TransactionView `json:"recent_transactions"`
}

// HandleGameState handles GET /api/v1/state/{token}: the polling view
// behind the trading dashboard.
func (s *Service) HandleGameState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	p, err := s.store.GetParticipantByToken(ctx, chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, err)
		return
	}

	game, err := s.store.GetGame(ctx, p.GameID)
	if err != nil {
		writeErr(w, err)
		return
	}

	holdings, err := s.store.ListHoldings(ctx, p.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	availCash, err := s.AvailableCash(ctx, p, "")
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := GameStateResponse{
		GameStatus:         game.Status,
		Entities:           game.Entities,
		Cash:               p.Cash,
		AvailableCash:      availCash,
		Holdings:           make(map[string]int64, len(holdings)),
		BuyOrders:          []OrderView{},
		SellOrders:         []OrderView{},
		RecentTransactions: []TransactionView{},
	}
	for _, h := range holdings {
		resp.Holdings[h.Entity] = h.Shares
	}

	for _, side := range []string{model.SideBuy, model.SideSell} {
		orders, err := s.store.ListOpenOrders(ctx, store.OrderFilter{GameID: game.ID, Side: side})
		if err != nil {
			writeErr(w, err)
			return
		}
		views := make([]OrderView, 0, len(orders))
		for _, o := range orders {
			views = append(views, OrderView{
				ID:     o.ID,
				Entity: o.Entity,
				Price:  o.Price,
				Shares: o.Quantity,
				IsMine: o.ParticipantID == p.ID,
			})
		}
		if side == model.SideBuy {
			resp.BuyOrders = views
		} else {
			resp.SellOrders = views
		}
	}

	txns, err := s.store.ListTransactions(ctx, game.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Newest first, capped.
	for i := len(txns) - 1; i >= 0 && len(resp.RecentTransactions) < recentTransactionLimit; i-- {
		t := txns[i]
		view := TransactionView{
			Entity:    t.Entity,
			Price:     t.Price,
			Shares:    t.Shares,
			Timestamp: t.Timestamp.Format(time.RFC3339),
		}
		switch p.ID {
		case t.BuyerID:
			view.Type = model.SideBuy
			view.IsMine = true
		case t.SellerID:
			view.Type = model.SideSell
			view.IsMine = true
		}
		resp.RecentTransactions = append(resp.RecentTransactions, view)
	}

	writeJSON(w, http.StatusOK, resp)
}
