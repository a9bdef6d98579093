// Package market implements the order lifecycle and settlement engine:
// placement against encumbered resources, manual accept execution with
// full or partial fills, cancellation, and end-of-game scoring. It also
// provides the HTTP handlers consumed by the router.
//
// All monetary values use shopspring/decimal — never float64 for money.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/metrics"
	"github.com/gameday/traders/internal/model"
	"github.com/gameday/traders/internal/store"
)

// Service handles trading operations. A mutex serializes every mutating
// operation (single-instance); the store's ApplyTrade guards re-check the
// same invariants so a PostgreSQL deployment can rely on row locks instead.
type Service struct {
	store    store.Store
	validate *validator.Validate
	mu       sync.Mutex
	hub      *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trading service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *Hub) *Service {
	return &Service{
		store:    st,
		validate: validator.New(),
		hub:      hub,
	}
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	Token    string          `json:"token"`
	Side     string          `json:"side"`   // "buy" or "sell"
	Entity   string          `json:"entity"` // tradeable entity name
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// ExecuteOrderRequest is the JSON body for POST /api/v1/orders/execute.
// Quantity nil accepts the order's full remaining quantity.
type ExecuteOrderRequest struct {
	Token    string `json:"token"`
	OrderID  string `json:"order_id"`
	Quantity *int64 `json:"quantity,omitempty"`
}

// CancelOrderRequest is the JSON body for POST /api/v1/orders/cancel.
type CancelOrderRequest struct {
	Token   string `json:"token"`
	OrderID string `json:"order_id"`
}

// CancelAllRequest is the JSON body for POST /api/v1/orders/cancel-all.
// Side may be "buy", "sell", or empty/"all" for both.
type CancelAllRequest struct {
	Token string `json:"token"`
	Side  string `json:"side,omitempty"`
}

// TradeReceipt is returned from a successful execution.
type TradeReceipt struct {
	OrderID   string          `json:"order_id"`
	Entity    string          `json:"entity"`
	Price     decimal.Decimal `json:"price"`
	Shares    int64           `json:"shares"`
	Remaining int64           `json:"remaining"`
}

// --- Encumbrance queries ---
//
// Available balances are recomputed from live open-order state on every
// check. They are never cached: a stored running total drifts unless it is
// updated transactionally with every order mutation.

// AvailableCash is the participant's cash minus the cash committed to
// their open buy orders. excludeOrderID omits one order from the
// encumbrance, used when that order is itself being executed.
func (s *Service) AvailableCash(ctx context.Context, p *model.Participant, excludeOrderID string) (decimal.Decimal, error) {
	open, err := s.store.ListOpenOrders(ctx, store.OrderFilter{
		ParticipantID: p.ID,
		Side:          model.SideBuy,
	})
	if err != nil {
		return decimal.Zero, err
	}

	committed := decimal.Zero
	for i := range open {
		if open[i].ID == excludeOrderID {
			continue
		}
		committed = committed.Add(open[i].Cost())
	}
	return p.Cash.Sub(committed), nil
}

// AvailableShares is the participant's holding in entity minus the shares
// committed to their open sell orders for that entity.
func (s *Service) AvailableShares(ctx context.Context, participantID, entity, excludeOrderID string) (int64, error) {
	held, err := s.store.GetShares(ctx, participantID, entity)
	if err != nil {
		return 0, err
	}

	open, err := s.store.ListOpenOrders(ctx, store.OrderFilter{
		ParticipantID: participantID,
		Side:          model.SideSell,
		Entity:        entity,
	})
	if err != nil {
		return 0, err
	}

	available := held
	for i := range open {
		if open[i].ID == excludeOrderID {
			continue
		}
		available -= open[i].Quantity
	}
	return available, nil
}

// --- Core operations ---

// Place validates and inserts a new open order. The encumbrance check runs
// before insertion, so the new order does not count against its own
// availability.
func (s *Service) Place(ctx context.Context, p *model.Participant, side, entity string, price decimal.Decimal, qty int64) (*model.Order, error) {
	if side != model.SideBuy && side != model.SideSell {
		return nil, fmt.Errorf("%w: side must be buy or sell", model.ErrInvalidOrder)
	}
	if price.LessThanOrEqual(decimal.Zero) || qty <= 0 {
		return nil, fmt.Errorf("%w: price and quantity must be positive", model.ErrInvalidOrder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The handler resolved p before the lock; a settlement or end-of-game
	// sweep may have serialized ahead of us. Every check below must run
	// against state no peer operation can still move, so re-read both the
	// participant and the game here.
	p, err := s.store.GetParticipant(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	game, err := s.store.GetGame(ctx, p.GameID)
	if err != nil {
		return nil, err
	}
	if game.Status != model.GameActive {
		return nil, model.ErrGameEnded
	}
	if !containsEntity(game.Entities, entity) {
		return nil, fmt.Errorf("%w: unknown entity %q", model.ErrInvalidOrder, entity)
	}

	cost := price.Mul(decimal.NewFromInt(qty))
	switch side {
	case model.SideBuy:
		avail, err := s.AvailableCash(ctx, p, "")
		if err != nil {
			return nil, err
		}
		if avail.LessThan(cost) {
			return nil, fmt.Errorf("%w: order costs %s but only %s of %s cash is uncommitted",
				model.ErrInsufficientFunds, cost, avail, p.Cash)
		}
	case model.SideSell:
		avail, err := s.AvailableShares(ctx, p.ID, entity, "")
		if err != nil {
			return nil, err
		}
		if avail < qty {
			held, _ := s.store.GetShares(ctx, p.ID, entity)
			return nil, fmt.Errorf("%w: %d requested but only %d of %d held shares are uncommitted",
				model.ErrInsufficientShares, qty, avail, held)
		}
	}

	order := &model.Order{
		ID:            uuid.New().String(),
		GameID:        p.GameID,
		ParticipantID: p.ID,
		Side:          side,
		Entity:        entity,
		Price:         price,
		Quantity:      qty,
		Status:        model.OrderOpen,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(side).Inc()
	s.broadcast(p.GameID, Event{
		Type:   "order_placed",
		Entity: entity,
		Side:   side,
		Price:  price.String(),
		Shares: qty,
	})
	return order, nil
}

// Execute settles qty shares of the resting order against the acceptor.
// Both sides are re-validated at execution time: balances may have moved
// since placement via other trades. An owner-side shortfall auto-cancels
// the stale order; an acceptor-side shortfall leaves the order untouched.
func (s *Service) Execute(ctx context.Context, acceptor *model.Participant, orderID string, qty *int64) (*TradeReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Refresh the acceptor under the lock: the handler's snapshot may
	// predate a settlement that already moved their cash or shares.
	acceptor, err := s.store.GetParticipant(ctx, acceptor.ID)
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderOpen || order.GameID != acceptor.GameID {
		return nil, model.ErrOrderUnavailable
	}
	if order.ParticipantID == acceptor.ID {
		return nil, model.ErrSelfTrade
	}

	game, err := s.store.GetGame(ctx, acceptor.GameID)
	if err != nil {
		return nil, err
	}
	if game.Status != model.GameActive {
		return nil, model.ErrGameEnded
	}

	shares := order.Quantity
	if qty != nil {
		shares = *qty
	}
	if shares <= 0 || shares > order.Quantity {
		return nil, fmt.Errorf("%w: %d requested, order has %d remaining",
			model.ErrInvalidQuantity, shares, order.Quantity)
	}

	owner, err := s.store.GetParticipant(ctx, order.ParticipantID)
	if err != nil {
		return nil, err
	}

	// Resolve buyer/seller by the resting order's side.
	var buyer, seller *model.Participant
	if order.Side == model.SideSell {
		buyer, seller = acceptor, owner
	} else {
		buyer, seller = owner, acceptor
	}

	cost := order.Price.Mul(decimal.NewFromInt(shares))

	// Owner side first: the resting order itself is excluded from the
	// owner's encumbrance since its commitment is what is being consumed.
	if err := s.checkOwnerResources(ctx, order, owner, shares, cost); err != nil {
		return nil, err
	}

	// Acceptor side: a shortfall here fails without mutating the order.
	if order.Side == model.SideSell {
		avail, err := s.AvailableCash(ctx, buyer, "")
		if err != nil {
			return nil, err
		}
		if avail.LessThan(cost) {
			return nil, fmt.Errorf("%w: trade costs %s but only %s cash is available",
				model.ErrInsufficientFunds, cost, avail)
		}
	} else {
		avail, err := s.AvailableShares(ctx, seller.ID, order.Entity, "")
		if err != nil {
			return nil, err
		}
		if avail < shares {
			return nil, fmt.Errorf("%w: %d requested but only %d shares are available",
				model.ErrInsufficientShares, shares, avail)
		}
	}

	txn := &model.Transaction{
		ID:        uuid.New().String(),
		GameID:    order.GameID,
		BuyerID:   buyer.ID,
		SellerID:  seller.ID,
		Entity:    order.Entity,
		Price:     order.Price, // always the resting order's price
		Shares:    shares,
		Timestamp: time.Now().UTC(),
	}

	if err := s.store.ApplyTrade(ctx, &store.Settlement{
		OrderID:  order.ID,
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Entity:   order.Entity,
		Price:    order.Price,
		Shares:   shares,
		Txn:      txn,
	}); err != nil {
		return nil, err
	}

	metrics.TradesSettled.WithLabelValues(order.Side).Inc()
	metrics.SharesTraded.Add(float64(shares))

	remaining := order.Quantity - shares
	slog.Info("trade settled",
		"game", order.GameID,
		"order", order.ID,
		"entity", order.Entity,
		"price", order.Price.String(),
		"shares", shares,
		"remaining", remaining,
	)

	s.broadcast(order.GameID, Event{
		Type:   "trade_executed",
		Entity: order.Entity,
		Side:   order.Side,
		Price:  order.Price.String(),
		Shares: shares,
	})

	return &TradeReceipt{
		OrderID:   order.ID,
		Entity:    order.Entity,
		Price:     order.Price,
		Shares:    shares,
		Remaining: remaining,
	}, nil
}

// checkOwnerResources verifies the resting order's owner can still honor
// it. On a shortfall the order is auto-cancelled and ErrStaleOrder is
// returned.
func (s *Service) checkOwnerResources(ctx context.Context, order *model.Order, owner *model.Participant, shares int64, cost decimal.Decimal) error {
	stale := false
	var detail string

	if order.Side == model.SideSell {
		avail, err := s.AvailableShares(ctx, owner.ID, order.Entity, order.ID)
		if err != nil {
			return err
		}
		if avail < shares {
			stale = true
			detail = fmt.Sprintf("seller has %d of %d shares", avail, shares)
		}
	} else {
		avail, err := s.AvailableCash(ctx, owner, order.ID)
		if err != nil {
			return err
		}
		if avail.LessThan(cost) {
			stale = true
			detail = fmt.Sprintf("buyer has %s of %s cash", avail, cost)
		}
	}

	if !stale {
		return nil
	}

	if err := s.store.CancelOrder(ctx, order.ID); err != nil {
		return err
	}
	metrics.OrdersCancelled.WithLabelValues("stale").Inc()
	slog.Info("stale order auto-cancelled", "order", order.ID, "detail", detail)
	s.broadcast(order.GameID, Event{
		Type:   "orders_cancelled",
		Entity: order.Entity,
		Side:   order.Side,
		Shares: order.Quantity,
	})
	return fmt.Errorf("%w: %s", model.ErrStaleOrder, detail)
}

// Cancel transitions the requester's open order to cancelled. An order
// owned by someone else is reported as not found, indistinguishable from
// nonexistence.
func (s *Service) Cancel(ctx context.Context, p *model.Participant, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil || order.ParticipantID != p.ID {
		return model.ErrNotFound
	}
	if order.Status != model.OrderOpen {
		return model.ErrOrderNotOpen
	}

	if err := s.store.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	metrics.OrdersCancelled.WithLabelValues("requested").Inc()
	s.broadcast(order.GameID, Event{
		Type:   "orders_cancelled",
		Entity: order.Entity,
		Side:   order.Side,
		Shares: order.Quantity,
	})
	return nil
}

// CancelAll cancels the requester's open orders, optionally filtered by
// side. Idempotent: zero matches cancels nothing and reports zero.
func (s *Service) CancelAll(ctx context.Context, p *model.Participant, side string) (int, error) {
	switch side {
	case "", "all":
		side = ""
	case model.SideBuy, model.SideSell:
	default:
		return 0, fmt.Errorf("%w: side filter must be buy, sell, or all", model.ErrInvalidOrder)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.store.CancelOpenOrders(ctx, store.OrderFilter{
		ParticipantID: p.ID,
		Side:          side,
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		metrics.OrdersCancelled.WithLabelValues("bulk").Add(float64(count))
		s.broadcast(p.GameID, Event{Type: "orders_cancelled"})
	}
	return count, nil
}

// --- HTTP handlers ---

// HandlePlaceOrder handles POST /api/v1/orders.
func (s *Service) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipantByToken(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	order, err := s.Place(r.Context(), p, req.Side, req.Entity, req.Price, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"order_id": order.ID})
}

// HandleExecuteOrder handles POST /api/v1/orders/execute.
func (s *Service) HandleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipantByToken(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	receipt, err := s.Execute(r.Context(), p, req.OrderID, req.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}

	metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, receipt)
}

// HandleCancelOrder handles POST /api/v1/orders/cancel.
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipantByToken(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.Cancel(r.Context(), p, req.OrderID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// HandleCancelAll handles POST /api/v1/orders/cancel-all.
func (s *Service) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	var req CancelAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipantByToken(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	count, err := s.CancelAll(r.Context(), p, req.Side)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_count": count})
}

// --- Shared helpers ---

func containsEntity(entities []string, name string) bool {
	for _, e := range entities {
		if e == name {
			return true
		}
	}
	return false
}

func (s *Service) broadcast(gameID string, ev Event) {
	if s.hub != nil {
		ev.GameID = gameID
		s.hub.Broadcast(ev)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps a domain error to its HTTP status and error code.
func writeErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  errCode(err),
	})
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidOrder),
		errors.Is(err, model.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrGameEnded),
		errors.Is(err, model.ErrAlreadyEnded),
		errors.Is(err, model.ErrOrderUnavailable),
		errors.Is(err, model.ErrSelfTrade),
		errors.Is(err, model.ErrStaleOrder),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrOrderNotOpen),
		errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, model.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, model.ErrGameEnded):
		return "game_ended"
	case errors.Is(err, model.ErrAlreadyEnded):
		return "already_ended"
	case errors.Is(err, model.ErrOrderUnavailable):
		return "order_unavailable"
	case errors.Is(err, model.ErrSelfTrade):
		return "self_trade_rejected"
	case errors.Is(err, model.ErrStaleOrder):
		return "stale_order"
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_resources"
	case errors.Is(err, model.ErrOrderNotOpen):
		return "invalid_state"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	}
	return "internal"
}
