package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	games        map[string]*model.Game
	participants map[string]*model.Participant // id → participant
	byToken      map[string]string             // access token → participant id
	holdings     map[string]map[string]int64   // participant id → entity → shares
	orders       map[string]*model.Order
	orderSeq     []string // order ids in creation order
	partSeq      []string // participant ids in creation order
	txns         map[string][]model.Transaction // game id → oldest first
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:        make(map[string]*model.Game),
		participants: make(map[string]*model.Participant),
		byToken:      make(map[string]string),
		holdings:     make(map[string]map[string]int64),
		orders:       make(map[string]*model.Order),
		txns:         make(map[string][]model.Transaction),
	}
}

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("game %s already exists", g.ID)
	}

	// Store a copy to avoid external mutation.
	cp := *g
	s.games[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, model.ErrNotFound)
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) SetGameEnded(_ context.Context, gameID, winnerID string, finalScores map[string]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[gameID]
	if !ok {
		return fmt.Errorf("game %s: %w", gameID, model.ErrNotFound)
	}
	if g.Status != model.GameActive {
		return model.ErrAlreadyEnded
	}
	g.Status = model.GameEnded
	g.WinnerID = winnerID
	g.FinalScores = finalScores
	return nil
}

func (s *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[p.ID]; ok {
		return fmt.Errorf("participant %s already exists", p.ID)
	}
	cp := *p
	s.participants[p.ID] = &cp
	s.byToken[p.AccessToken] = p.ID
	s.partSeq = append(s.partSeq, p.ID)
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetParticipantByToken(_ context.Context, token string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byToken[token]
	if !ok {
		return nil, model.ErrInvalidToken
	}
	cp := *s.participants[id]
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, gameID, role string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Creation order matters for the scoring tie-break, so iterate the
	// insertion sequence rather than the map.
	var out []model.Participant
	for _, id := range s.partSeq {
		p := s.participants[id]
		if p.GameID != gameID {
			continue
		}
		if role != "" && p.Role != role {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) GetShares(_ context.Context, participantID, entity string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.holdings[participantID][entity], nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, participantID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for entity, shares := range s.holdings[participantID] {
		out = append(out, model.Holding{
			ParticipantID: participantID,
			Entity:        entity,
			Shares:        shares,
		})
	}
	return out, nil
}

func (s *MemoryStore) UpsertHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holdings[h.ParticipantID] == nil {
		s.holdings[h.ParticipantID] = make(map[string]int64)
	}
	s.holdings[h.ParticipantID][h.Entity] = h.Shares
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.orderSeq = append(s.orderSeq, o.ID)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderUnavailable)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, id := range s.orderSeq {
		o := s.orders[id]
		if o.Status != model.OrderOpen || !matchesFilter(o, f) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, model.ErrOrderUnavailable)
	}
	if o.Status != model.OrderOpen {
		return model.ErrOrderNotOpen
	}
	o.Status = model.OrderCancelled
	return nil
}

func (s *MemoryStore) CancelOpenOrders(_ context.Context, f OrderFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, o := range s.orders {
		if o.Status != model.OrderOpen || !matchesFilter(o, f) {
			continue
		}
		o.Status = model.OrderCancelled
		count++
	}
	return count, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, gameID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Transaction, len(s.txns[gameID]))
	copy(out, s.txns[gameID])
	return out, nil
}

// ApplyTrade applies the full settlement under a single lock. Guards are
// re-checked here so a concurrent settlement that already consumed the
// order or the balances fails without partial effects.
func (s *MemoryStore) ApplyTrade(_ context.Context, st *Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[st.OrderID]
	if !ok {
		return fmt.Errorf("order %s: %w", st.OrderID, model.ErrOrderUnavailable)
	}
	if o.Status != model.OrderOpen || o.Quantity < st.Shares {
		return model.ErrConflict
	}

	buyer, ok := s.participants[st.BuyerID]
	if !ok {
		return fmt.Errorf("buyer %s: %w", st.BuyerID, model.ErrNotFound)
	}
	seller, ok := s.participants[st.SellerID]
	if !ok {
		return fmt.Errorf("seller %s: %w", st.SellerID, model.ErrNotFound)
	}

	cost := st.Price.Mul(decimal.NewFromInt(st.Shares))
	if buyer.Cash.LessThan(cost) {
		return fmt.Errorf("%w: cost %s exceeds cash %s",
			model.ErrInsufficientFunds, cost, buyer.Cash)
	}
	if s.holdings[seller.ID][st.Entity] < st.Shares {
		return fmt.Errorf("%w: %d requested, %d held",
			model.ErrInsufficientShares, st.Shares, s.holdings[seller.ID][st.Entity])
	}

	// All guards passed; apply everything.
	buyer.Cash = buyer.Cash.Sub(cost)
	seller.Cash = seller.Cash.Add(cost)

	s.holdings[seller.ID][st.Entity] -= st.Shares
	if s.holdings[buyer.ID] == nil {
		s.holdings[buyer.ID] = make(map[string]int64)
	}
	s.holdings[buyer.ID][st.Entity] += st.Shares

	o.Quantity -= st.Shares
	if o.Quantity == 0 {
		o.Status = model.OrderFilled
	}

	s.txns[st.Txn.GameID] = append(s.txns[st.Txn.GameID], *st.Txn)
	return nil
}

func matchesFilter(o *model.Order, f OrderFilter) bool {
	if f.GameID != "" && o.GameID != f.GameID {
		return false
	}
	if f.ParticipantID != "" && o.ParticipantID != f.ParticipantID {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.Entity != "" && o.Entity != f.Entity {
		return false
	}
	return true
}
