package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Games are cached whole; the token→participant mapping is cached
// because every authenticated request resolves a token. Writes go to the
// primary store and invalidate the affected keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Games ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheGame(ctx, g)
	return nil
}

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	data, err := s.rdb.Get(ctx, gameKey(id)).Bytes()
	if err == nil {
		var c cachedGame
		if json.Unmarshal(data, &c) == nil {
			return c.game(), nil
		}
	}

	g, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheGame(ctx, g)
	return g, nil
}

func (s *CachedStore) SetGameEnded(ctx context.Context, gameID, winnerID string, finalScores map[string]decimal.Decimal) error {
	if err := s.primary.SetGameEnded(ctx, gameID, winnerID, finalScores); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the ended state.
	s.rdb.Del(ctx, gameKey(gameID))
	return nil
}

// --- Participants ---

func (s *CachedStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	if err := s.primary.CreateParticipant(ctx, p); err != nil {
		return err
	}
	s.rdb.Set(ctx, tokenKey(p.AccessToken), p.ID, s.ttl)
	return nil
}

func (s *CachedStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return s.primary.GetParticipant(ctx, id)
}

// GetParticipantByToken caches only the token→ID mapping, never the
// participant itself: cash moves on every settlement and a stale balance
// here would leak into encumbrance checks.
func (s *CachedStore) GetParticipantByToken(ctx context.Context, token string) (*model.Participant, error) {
	id, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	if err == nil {
		p, err := s.primary.GetParticipant(ctx, id)
		if err == nil {
			return p, nil
		}
	}

	p, err := s.primary.GetParticipantByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	s.rdb.Set(ctx, tokenKey(token), p.ID, s.ttl)
	return p, nil
}

// --- Passthrough (balances, holdings, orders, transactions change on
// every settlement; serving them stale would break validation) ---

func (s *CachedStore) ListParticipants(ctx context.Context, gameID, role string) ([]model.Participant, error) {
	return s.primary.ListParticipants(ctx, gameID, role)
}

func (s *CachedStore) GetShares(ctx context.Context, participantID, entity string) (int64, error) {
	return s.primary.GetShares(ctx, participantID, entity)
}

func (s *CachedStore) ListHoldings(ctx context.Context, participantID string) ([]model.Holding, error) {
	return s.primary.ListHoldings(ctx, participantID)
}

func (s *CachedStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	return s.primary.UpsertHolding(ctx, h)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, f)
}

func (s *CachedStore) CancelOrder(ctx context.Context, orderID string) error {
	return s.primary.CancelOrder(ctx, orderID)
}

func (s *CachedStore) CancelOpenOrders(ctx context.Context, f OrderFilter) (int, error) {
	return s.primary.CancelOpenOrders(ctx, f)
}

func (s *CachedStore) ListTransactions(ctx context.Context, gameID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, gameID)
}

func (s *CachedStore) ApplyTrade(ctx context.Context, st *Settlement) error {
	return s.primary.ApplyTrade(ctx, st)
}

// --- Cache helpers ---

// cachedGame carries the admin token explicitly; model.Game hides it
// from JSON so a plain marshal would drop it.
type cachedGame struct {
	Game       model.Game `json:"game"`
	AdminToken string     `json:"admin_token"`
}

func (c *cachedGame) game() *model.Game {
	g := c.Game
	g.AdminToken = c.AdminToken
	return &g
}

func (s *CachedStore) cacheGame(ctx context.Context, g *model.Game) {
	c := cachedGame{Game: *g, AdminToken: g.AdminToken}
	if data, err := json.Marshal(&c); err == nil {
		s.rdb.Set(ctx, gameKey(g.ID), data, s.ttl)
	}
}

func gameKey(id string) string     { return fmt.Sprintf("game:%s", id) }
func tokenKey(token string) string { return fmt.Sprintf("token:%s", token) }
