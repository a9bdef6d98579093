package market

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
	"github.com/gameday/traders/internal/store"
)

// bookDepthLimit caps the per-side depth returned in the metrics view.
const bookDepthLimit = 10

// PricePoint is one executed trade in an entity's price history.
type PricePoint struct {
	Timestamp string          `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
}

// VolumePoint is the share volume traded in one clock hour.
type VolumePoint struct {
	Timestamp string `json:"timestamp"`
	Volume    int64  `json:"volume"`
}

// DepthLevel is one order-book entry in the depth view (anonymized).
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Shares int64           `json:"shares"`
}

// EntityMetrics aggregates trading statistics for one tradeable entity.
// Pure read-side aggregation with no invariants — recomputed on demand.
type EntityMetrics struct {
	LastPrice          *decimal.Decimal `json:"last_price"`
	PriceChange        decimal.Decimal  `json:"price_change"`
	PriceChangePercent decimal.Decimal  `json:"price_change_percent"`
	AvgPrice           *decimal.Decimal `json:"avg_price"`
	HighPrice          *decimal.Decimal `json:"high_price"`
	LowPrice           *decimal.Decimal `json:"low_price"`
	TotalVolume        int64            `json:"total_volume"`
	BestBid            *decimal.Decimal `json:"best_bid"`
	BestAsk            *decimal.Decimal `json:"best_ask"`
	Spread             *decimal.Decimal `json:"spread"`
	PriceHistory       []PricePoint     `json:"price_history"`
	VolumeHistory      []VolumePoint    `json:"volume_history"`
	Bids               []DepthLevel     `json:"bids"`
	Asks               []DepthLevel     `json:"asks"`
	TransactionCount   int              `json:"transaction_count"`
}

// MarketOverview summarizes activity across the whole game.
type MarketOverview struct {
	TotalTrades    int   `json:"total_trades"`
	TotalVolume    int64 `json:"total_volume"`
	ActiveEntities int   `json:"active_entities"`
}

// MarketMetricsResponse is the JSON body for
// GET /api/v1/market-metrics/{token}.
type MarketMetricsResponse struct {
	Metrics  map[string]EntityMetrics `json:"metrics"`
	Overview MarketOverview           `json:"market_overview"`
}

// HandleMarketMetrics handles GET /api/v1/market-metrics/{token}.
func (s *Service) HandleMarketMetrics(w http.ResponseWriter, r *http.Request) {
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

	txns, err := s.store.ListTransactions(ctx, game.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := MarketMetricsResponse{
		Metrics: make(map[string]EntityMetrics, len(game.Entities)),
		Overview: MarketOverview{
			TotalTrades:    len(txns),
			ActiveEntities: len(game.Entities),
		},
	}
	for _, t := range txns {
		resp.Overview.TotalVolume += t.Shares
	}

	for _, entity := range game.Entities {
		em, err := s.entityMetrics(ctx, game.ID, entity, txns)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp.Metrics[entity] = em
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) entityMetrics(ctx context.Context, gameID, entity string, all []model.Transaction) (EntityMetrics, error) {
	em := EntityMetrics{
		PriceHistory:  []PricePoint{},
		VolumeHistory: []VolumePoint{},
		Bids:          []DepthLevel{},
		Asks:          []DepthLevel{},
	}

	var txns []model.Transaction
	for _, t := range all {
		if t.Entity == entity {
			txns = append(txns, t)
		}
	}
	em.TransactionCount = len(txns)

	// Trade statistics from the transaction tape (oldest first).
	if len(txns) > 0 {
		sum := decimal.Zero
		high, low := txns[0].Price, txns[0].Price
		for _, t := range txns {
			em.PriceHistory = append(em.PriceHistory, PricePoint{
				Timestamp: t.Timestamp.Format(time.RFC3339),
				Price:     t.Price,
				Volume:    t.Shares,
			})
			em.TotalVolume += t.Shares
			sum = sum.Add(t.Price)
			if t.Price.GreaterThan(high) {
				high = t.Price
			}
			if t.Price.LessThan(low) {
				low = t.Price
			}
		}

		last := txns[len(txns)-1].Price
		first := txns[0].Price
		avg := sum.Div(decimal.NewFromInt(int64(len(txns)))).Round(4)

		em.LastPrice = &last
		em.AvgPrice = &avg
		em.HighPrice = &high
		em.LowPrice = &low
		if len(txns) > 1 {
			em.PriceChange = last.Sub(first)
			if first.IsPositive() {
				em.PriceChangePercent = em.PriceChange.Div(first).Mul(decimal.NewFromInt(100)).Round(2)
			}
		}

		em.VolumeHistory = hourlyVolume(txns)
	}

	// Book depth from open orders: bids highest first, asks lowest first.
	bids, err := s.store.ListOpenOrders(ctx, store.OrderFilter{GameID: gameID, Side: model.SideBuy, Entity: entity})
	if err != nil {
		return em, err
	}
	asks, err := s.store.ListOpenOrders(ctx, store.OrderFilter{GameID: gameID, Side: model.SideSell, Entity: entity})
	if err != nil {
		return em, err
	}

	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	for i, o := range bids {
		if i == bookDepthLimit {
			break
		}
		em.Bids = append(em.Bids, DepthLevel{Price: o.Price, Shares: o.Quantity})
	}
	for i, o := range asks {
		if i == bookDepthLimit {
			break
		}
		em.Asks = append(em.Asks, DepthLevel{Price: o.Price, Shares: o.Quantity})
	}

	if len(bids) > 0 {
		em.BestBid = &bids[0].Price
	}
	if len(asks) > 0 {
		em.BestAsk = &asks[0].Price
	}
	if em.BestBid != nil && em.BestAsk != nil {
		spread := em.BestAsk.Sub(*em.BestBid)
		em.Spread = &spread
	}

	return em, nil
}

// hourlyVolume buckets executed share volume by clock hour for the volume
// chart.
func hourlyVolume(txns []model.Transaction) []VolumePoint {
	byHour := make(map[time.Time]int64)
	for _, t := range txns {
		byHour[t.Timestamp.Truncate(time.Hour)] += t.Shares
	}

	hours := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	out := make([]VolumePoint, 0, len(hours))
	for _, h := range hours {
		out = append(out, VolumePoint{
			Timestamp: h.Format(time.RFC3339),
			Volume:    byHour[h],
		})
	}
	return out
}
