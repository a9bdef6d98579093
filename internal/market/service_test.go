package market_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/market"
	"github.com/gameday/traders/internal/model"
	"github.com/gameday/traders/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*market.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := market.NewService(ms, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/games", svc.HandleCreateGame)
	r.Post("/api/v1/games/end", svc.HandleEndGame)
	r.Get("/api/v1/games/{gameID}/results", svc.HandleResults)
	r.Post("/api/v1/orders", svc.HandlePlaceOrder)
	r.Post("/api/v1/orders/execute", svc.HandleExecuteOrder)
	r.Post("/api/v1/orders/cancel", svc.HandleCancelOrder)
	r.Post("/api/v1/orders/cancel-all", svc.HandleCancelAll)
	r.Get("/api/v1/state/{token}", svc.HandleGameState)
	r.Get("/api/v1/market-metrics/{token}", svc.HandleMarketMetrics)

	return svc, ms, r
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// createGame sets up a standard game with even distribution (cash 1000,
// 10 shares per entity) and returns the creation response.
func createGame(t *testing.T, router chi.Router, req market.CreateGameRequest) market.CreateGameResponse {
	t.Helper()
	if req.Name == "" {
		req.Name = "Test Game"
	}
	if req.Entities == nil {
		req.Entities = []string{"Red", "Blue", "Green"}
	}
	if req.NumPlayers == 0 {
		req.NumPlayers = 2
	}
	if req.ScoringMode == "" {
		req.ScoringMode = model.ScoringOutrightWinner
	}
	if req.Distribution.Mode == "" {
		req.Distribution.Mode = market.DistEven
	}

	w := doPost(t, router, "/api/v1/games", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("game creation failed: %d %s", w.Code, w.Body.String())
	}
	var resp market.CreateGameResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

// placeOrder posts an order and returns the new order ID, failing the
// test on any non-201 response.
func placeOrder(t *testing.T, router chi.Router, token, side, entity string, price float64, qty int64) string {
	t.Helper()
	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: token, Side: side, Entity: entity, Price: d(price), Quantity: qty,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place order failed: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp["order_id"]
}

func executeOrder(t *testing.T, router chi.Router, token, orderID string, qty *int64) *httptest.ResponseRecorder {
	t.Helper()
	return doPost(t, router, "/api/v1/orders/execute", market.ExecuteOrderRequest{
		Token: token, OrderID: orderID, Quantity: qty,
	})
}

func errCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp["code"]
}

func gameState(t *testing.T, router chi.Router, token string) market.GameStateResponse {
	t.Helper()
	w := doGet(t, router, "/api/v1/state/"+token)
	if w.Code != http.StatusOK {
		t.Fatalf("state failed: %d %s", w.Code, w.Body.String())
	}
	var resp market.GameStateResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func i64(v int64) *int64 { return &v }

// --- Order placement ---

func TestPlaceOrder_Valid(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	p1 := game.Participants[0].Token

	id := placeOrder(t, router, p1, "sell", "Red", 10, 5)
	if id == "" {
		t.Fatal("expected non-empty order_id")
	}

	state := gameState(t, router, p1)
	if len(state.SellOrders) != 1 {
		t.Fatalf("expected 1 sell order, got %d", len(state.SellOrders))
	}
	if !state.SellOrders[0].IsMine {
		t.Error("own order should be tagged is_mine")
	}
}

func TestPlaceOrder_InvalidToken(t *testing.T) {
	_, _, router := newTestEnv(t)
	createGame(t, router, market.CreateGameRequest{})

	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: "bogus", Side: "buy", Entity: "Red", Price: d(10), Quantity: 1,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestPlaceOrder_InvalidSide(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})

	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: game.Participants[0].Token, Side: "hold", Entity: "Red", Price: d(10), Quantity: 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if code := errCodeOf(t, w); code != "invalid_order" {
		t.Errorf("expected invalid_order, got %s", code)
	}
}

func TestPlaceOrder_NonPositivePriceOrQuantity(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	for _, req := range []market.PlaceOrderRequest{
		{Token: token, Side: "buy", Entity: "Red", Price: decimal.Zero, Quantity: 1},
		{Token: token, Side: "buy", Entity: "Red", Price: d(-5), Quantity: 1},
		{Token: token, Side: "buy", Entity: "Red", Price: d(10), Quantity: 0},
		{Token: token, Side: "buy", Entity: "Red", Price: d(10), Quantity: -3},
	} {
		w := doPost(t, router, "/api/v1/orders", req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("price=%s qty=%d: expected 400, got %d", req.Price, req.Quantity, w.Code)
		}
	}
}

func TestPlaceOrder_UnknownEntity(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})

	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: game.Participants[0].Token, Side: "buy", Entity: "Purple", Price: d(10), Quantity: 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown entity, got %d", w.Code)
	}
}

func TestPlaceOrder_BuyEncumbrance(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	// Cash 1000: first buy commits 600.
	placeOrder(t, router, token, "buy", "Red", 60, 10)

	// Second buy needs 500 but only 400 is uncommitted.
	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: token, Side: "buy", Entity: "Blue", Price: d(50), Quantity: 10,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errCodeOf(t, w); code != "insufficient_resources" {
		t.Errorf("expected insufficient_resources, got %s", code)
	}

	// A 400 order still fits.
	placeOrder(t, router, token, "buy", "Blue", 40, 10)
}

func TestPlaceOrder_SellEncumbrance(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	// 10 Red shares: first sell commits 8.
	placeOrder(t, router, token, "sell", "Red", 10, 8)

	// Only 2 uncommitted shares left.
	w := doPost(t, router, "/api/v1/orders", market.PlaceOrderRequest{
		Token: token, Side: "sell", Entity: "Red", Price: d(10), Quantity: 5,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Other entities are not encumbered by Red sells.
	placeOrder(t, router, token, "sell", "Blue", 10, 10)
}

// --- Execution ---

func TestExecuteOrder_FullFill(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 10, 5)

	w := executeOrder(t, router, buyer, orderID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var receipt market.TradeReceipt
	json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.Shares != 5 || receipt.Remaining != 0 {
		t.Errorf("expected 5 shares, 0 remaining; got %d, %d", receipt.Shares, receipt.Remaining)
	}
	if !receipt.Price.Equal(d(10)) {
		t.Errorf("trade price should be the resting order's price, got %s", receipt.Price)
	}

	// Cash and shares moved; the filled order left the book.
	sellerState := gameState(t, router, seller)
	buyerState := gameState(t, router, buyer)
	if !sellerState.Cash.Equal(d(1050)) {
		t.Errorf("seller cash should be 1050, got %s", sellerState.Cash)
	}
	if !buyerState.Cash.Equal(d(950)) {
		t.Errorf("buyer cash should be 950, got %s", buyerState.Cash)
	}
	if sellerState.Holdings["Red"] != 5 || buyerState.Holdings["Red"] != 15 {
		t.Errorf("shares should be 5/15, got %d/%d",
			sellerState.Holdings["Red"], buyerState.Holdings["Red"])
	}
	if len(sellerState.SellOrders) != 0 {
		t.Errorf("filled order should leave the book, got %d open", len(sellerState.SellOrders))
	}
	if len(buyerState.RecentTransactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(buyerState.RecentTransactions))
	}
	if buyerState.RecentTransactions[0].Type != "buy" {
		t.Errorf("buyer's view should tag the trade as buy, got %q",
			buyerState.RecentTransactions[0].Type)
	}
}

func TestExecuteOrder_PartialFill(t *testing.T) {
	_, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 5, 10)

	w := executeOrder(t, router, buyer, orderID, i64(4))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var receipt market.TradeReceipt
	json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.Remaining != 6 {
		t.Errorf("expected 6 remaining, got %d", receipt.Remaining)
	}

	// The order stays open with the reduced quantity at the same price.
	order, err := ms.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != model.OrderOpen || order.Quantity != 6 {
		t.Errorf("expected open/6, got %s/%d", order.Status, order.Quantity)
	}

	// Accepting the remainder fills it.
	w = executeOrder(t, router, buyer, orderID, i64(6))
	if w.Code != http.StatusOK {
		t.Fatalf("second fill failed: %d %s", w.Code, w.Body.String())
	}
	order, _ = ms.GetOrder(context.Background(), orderID)
	if order.Status != model.OrderFilled {
		t.Errorf("expected filled, got %s", order.Status)
	}
}

func TestExecuteOrder_BuyOrderAccepted(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	buyer := game.Participants[0].Token
	seller := game.Participants[1].Token

	// Participant 0 posts a bid; participant 1 accepts as the seller.
	orderID := placeOrder(t, router, buyer, "buy", "Blue", 20, 3)

	w := executeOrder(t, router, seller, orderID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	buyerState := gameState(t, router, buyer)
	sellerState := gameState(t, router, seller)
	if !buyerState.Cash.Equal(d(940)) {
		t.Errorf("order owner (buyer) cash should be 940, got %s", buyerState.Cash)
	}
	if !sellerState.Cash.Equal(d(1060)) {
		t.Errorf("acceptor (seller) cash should be 1060, got %s", sellerState.Cash)
	}
	if buyerState.Holdings["Blue"] != 13 || sellerState.Holdings["Blue"] != 7 {
		t.Errorf("shares should be 13/7, got %d/%d",
			buyerState.Holdings["Blue"], sellerState.Holdings["Blue"])
	}
}

func TestExecuteOrder_SelfTradeRejected(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	orderID := placeOrder(t, router, token, "sell", "Red", 10, 5)

	w := executeOrder(t, router, token, orderID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := errCodeOf(t, w); code != "self_trade_rejected" {
		t.Errorf("expected self_trade_rejected, got %s", code)
	}
}

func TestExecuteOrder_QuantityOutOfRange(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 10, 5)

	for _, qty := range []int64{0, -1, 6} {
		w := executeOrder(t, router, buyer, orderID, i64(qty))
		if w.Code != http.StatusBadRequest {
			t.Errorf("qty=%d: expected 400, got %d", qty, w.Code)
		}
		if code := errCodeOf(t, w); code != "invalid_quantity" {
			t.Errorf("qty=%d: expected invalid_quantity, got %s", qty, code)
		}
	}
}

func TestExecuteOrder_UnknownOrder(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})

	w := executeOrder(t, router, game.Participants[0].Token, "no-such-order", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if code := errCodeOf(t, w); code != "order_unavailable" {
		t.Errorf("expected order_unavailable, got %s", code)
	}
}

func TestExecuteOrder_CrossGame(t *testing.T) {
	_, _, router := newTestEnv(t)
	game1 := createGame(t, router, market.CreateGameRequest{Name: "One"})
	game2 := createGame(t, router, market.CreateGameRequest{Name: "Two"})

	orderID := placeOrder(t, router, game1.Participants[0].Token, "sell", "Red", 10, 5)

	// A token from another game cannot see or accept the order.
	w := executeOrder(t, router, game2.Participants[0].Token, orderID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	if code := errCodeOf(t, w); code != "order_unavailable" {
		t.Errorf("expected order_unavailable, got %s", code)
	}
}

func TestExecuteOrder_AcceptorInsufficientCash(t *testing.T) {
	_, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	// 8 shares at 200 costs 1600 > the acceptor's 1000.
	orderID := placeOrder(t, router, seller, "sell", "Red", 200, 8)

	w := executeOrder(t, router, buyer, orderID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errCodeOf(t, w); code != "insufficient_resources" {
		t.Errorf("expected insufficient_resources, got %s", code)
	}

	// The order survives an acceptor-side failure.
	order, _ := ms.GetOrder(context.Background(), orderID)
	if order.Status != model.OrderOpen {
		t.Errorf("order should remain open, got %s", order.Status)
	}
}

func TestExecuteOrder_StaleOrderAutoCancelled(t *testing.T) {
	_, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 10, 10)

	// Simulate drift: the seller's holding drops below the committed
	// quantity behind the order's back.
	sellerP, err := ms.GetParticipantByToken(context.Background(), seller)
	if err != nil {
		t.Fatalf("resolve seller: %v", err)
	}
	ms.UpsertHolding(context.Background(), &model.Holding{
		ParticipantID: sellerP.ID, Entity: "Red", Shares: 3,
	})

	w := executeOrder(t, router, buyer, orderID, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errCodeOf(t, w); code != "stale_order" {
		t.Errorf("expected stale_order, got %s", code)
	}

	// The stale order was auto-cancelled, not left open.
	order, _ := ms.GetOrder(context.Background(), orderID)
	if order.Status != model.OrderCancelled {
		t.Errorf("stale order should be cancelled, got %s", order.Status)
	}

	// Nothing settled.
	buyerState := gameState(t, router, buyer)
	if !buyerState.Cash.Equal(d(1000)) || buyerState.Holdings["Red"] != 10 {
		t.Errorf("buyer should be untouched, cash=%s red=%d",
			buyerState.Cash, buyerState.Holdings["Red"])
	}
}

func TestExecuteOrder_ConcurrentAccepts(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{
		NumPlayers: 3,
	})
	seller := game.Participants[0].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 10, 5)

	p2, _ := ms.GetParticipantByToken(context.Background(), game.Participants[1].Token)
	p3, _ := ms.GetParticipantByToken(context.Background(), game.Participants[2].Token)

	// Both acceptors race for the full quantity; exactly one settles.
	errs := make(chan error, 2)
	for _, p := range []*model.Participant{p2, p3} {
		p := p
		go func() {
			_, err := svc.Execute(context.Background(), p, orderID, nil)
			errs <- err
		}()
	}

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one loser, got %d failures", failures)
	}

	order, _ := ms.GetOrder(context.Background(), orderID)
	if order.Status != model.OrderFilled {
		t.Errorf("order should be filled once, got %s", order.Status)
	}

	// Exactly 5 shares changed hands in total.
	sellerP, _ := ms.GetParticipantByToken(context.Background(), seller)
	held, _ := ms.GetShares(context.Background(), sellerP.ID, "Red")
	if held != 5 {
		t.Errorf("seller should hold 5 Red, got %d", held)
	}
	txns, _ := ms.ListTransactions(context.Background(), game.GameID)
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txns))
	}
}

func TestPlaceOrder_RevalidatesBalanceUnderLock(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	buyerToken := game.Participants[0].Token
	sellerToken := game.Participants[1].Token

	// Resolve the buyer the way the handler does, before anything settles.
	buyer, err := ms.GetParticipantByToken(context.Background(), buyerToken)
	if err != nil {
		t.Fatalf("resolve buyer: %v", err)
	}

	// A settlement serializes between resolution and placement, dropping
	// the buyer's cash from 1000 to 100.
	sellID := placeOrder(t, router, sellerToken, "sell", "Red", 100, 9)
	if w := executeOrder(t, router, buyerToken, sellID, nil); w.Code != http.StatusOK {
		t.Fatalf("execute failed: %d %s", w.Code, w.Body.String())
	}

	// The snapshot still says 1000; placement must check the live balance.
	_, err = svc.Place(context.Background(), buyer, "buy", "Blue", d(100), 8)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds against 100 live cash, got %v", err)
	}

	state := gameState(t, router, buyerToken)
	if !state.AvailableCash.Equal(d(100)) {
		t.Errorf("available cash should stay at 100, got %s", state.AvailableCash)
	}
}

func TestPlaceOrder_StaleSnapshotAfterGameEnd(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	p, err := ms.GetParticipantByToken(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve participant: %v", err)
	}

	w := doPost(t, router, "/api/v1/games/end", market.EndGameRequest{
		Token:         game.AdminToken,
		WinningEntity: "Red",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("end game failed: %d %s", w.Code, w.Body.String())
	}

	// The end-of-game sweep already ran; a snapshot from before it must
	// not slip an open order onto the ended game.
	_, err = svc.Place(context.Background(), p, "sell", "Red", d(10), 1)
	if !errors.Is(err, model.ErrGameEnded) {
		t.Fatalf("expected game ended, got %v", err)
	}
	open, _ := ms.ListOpenOrders(context.Background(), store.OrderFilter{GameID: game.GameID})
	if len(open) != 0 {
		t.Errorf("ended game should have no open orders, got %d", len(open))
	}
}

func TestExecuteOrder_RevalidatesAcceptorUnderLock(t *testing.T) {
	svc, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{NumPlayers: 3})
	buyerToken := game.Participants[0].Token

	buyer, err := ms.GetParticipantByToken(context.Background(), buyerToken)
	if err != nil {
		t.Fatalf("resolve buyer: %v", err)
	}

	// First trade drains the buyer to 100 cash.
	firstID := placeOrder(t, router, game.Participants[1].Token, "sell", "Red", 100, 9)
	if w := executeOrder(t, router, buyerToken, firstID, nil); w.Code != http.StatusOK {
		t.Fatalf("first execute failed: %d %s", w.Code, w.Body.String())
	}

	// Accepting a 900 order with the pre-trade snapshot must fail against
	// the live balance, and the order must survive.
	secondID := placeOrder(t, router, game.Participants[2].Token, "sell", "Blue", 100, 9)
	_, err = svc.Execute(context.Background(), buyer, secondID, nil)
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds against 100 live cash, got %v", err)
	}
	order, _ := ms.GetOrder(context.Background(), secondID)
	if order.Status != model.OrderOpen {
		t.Errorf("order should remain open, got %s", order.Status)
	}
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	orderID := placeOrder(t, router, token, "buy", "Red", 10, 5)

	w := doPost(t, router, "/api/v1/orders/cancel", market.CancelOrderRequest{
		Token: token, OrderID: orderID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Cancellation released the committed cash.
	state := gameState(t, router, token)
	if !state.AvailableCash.Equal(d(1000)) {
		t.Errorf("available cash should be back to 1000, got %s", state.AvailableCash)
	}

	// Cancelling again is an invalid state transition.
	w = doPost(t, router, "/api/v1/orders/cancel", market.CancelOrderRequest{
		Token: token, OrderID: orderID,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for repeat cancel, got %d", w.Code)
	}
	if code := errCodeOf(t, w); code != "invalid_state" {
		t.Errorf("expected invalid_state, got %s", code)
	}
}

func TestCancelOrder_FilledOrderRejected(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	seller := game.Participants[0].Token
	buyer := game.Participants[1].Token

	orderID := placeOrder(t, router, seller, "sell", "Red", 10, 5)
	if w := executeOrder(t, router, buyer, orderID, nil); w.Code != http.StatusOK {
		t.Fatalf("execute failed: %d %s", w.Code, w.Body.String())
	}

	// A filled order is a terminal state; cancelling it is rejected.
	w := doPost(t, router, "/api/v1/orders/cancel", market.CancelOrderRequest{
		Token: seller, OrderID: orderID,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errCodeOf(t, w); code != "invalid_state" {
		t.Errorf("expected invalid_state, got %s", code)
	}
}

func TestCancelOrder_NotOwnerLooksLikeMissing(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})

	orderID := placeOrder(t, router, game.Participants[0].Token, "buy", "Red", 10, 5)

	// Someone else's order and a nonexistent order are indistinguishable.
	for _, id := range []string{orderID, "no-such-order"} {
		w := doPost(t, router, "/api/v1/orders/cancel", market.CancelOrderRequest{
			Token: game.Participants[1].Token, OrderID: id,
		})
		if w.Code != http.StatusNotFound {
			t.Errorf("order %q: expected 404, got %d", id, w.Code)
		}
	}
}

func TestCancelAll(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})
	token := game.Participants[0].Token

	placeOrder(t, router, token, "buy", "Red", 10, 2)
	placeOrder(t, router, token, "buy", "Blue", 10, 2)
	placeOrder(t, router, token, "sell", "Green", 10, 2)

	// Side filter cancels only the bids.
	w := doPost(t, router, "/api/v1/orders/cancel-all", market.CancelAllRequest{
		Token: token, Side: "buy",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["cancelled_count"] != 2 {
		t.Errorf("expected 2 cancelled, got %d", resp["cancelled_count"])
	}

	// "all" sweeps up the rest; a repeat is an idempotent zero.
	for i, want := range []int{1, 0} {
		w = doPost(t, router, "/api/v1/orders/cancel-all", market.CancelAllRequest{
			Token: token, Side: "all",
		})
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["cancelled_count"] != want {
			t.Errorf("pass %d: expected %d cancelled, got %d", i, want, resp["cancelled_count"])
		}
	}
}

func TestCancelAll_InvalidSide(t *testing.T) {
	_, _, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{})

	w := doPost(t, router, "/api/v1/orders/cancel-all", market.CancelAllRequest{
		Token: game.Participants[0].Token, Side: "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Conservation ---

func TestSettlement_ConservesCashAndShares(t *testing.T) {
	_, ms, router := newTestEnv(t)
	game := createGame(t, router, market.CreateGameRequest{NumPlayers: 3})
	tokens := []string{
		game.Participants[0].Token,
		game.Participants[1].Token,
		game.Participants[2].Token,
	}

	o1 := placeOrder(t, router, tokens[0], "sell", "Red", 12, 6)
	o2 := placeOrder(t, router, tokens[1], "buy", "Blue", 8, 4)
	o3 := placeOrder(t, router, tokens[2], "sell", "Green", 25, 3)

	executeOrder(t, router, tokens[1], o1, i64(4))
	executeOrder(t, router, tokens[2], o2, nil)
	executeOrder(t, router, tokens[0], o3, i64(2))
	executeOrder(t, router, tokens[1], o1, nil) // remainder

	totalCash := decimal.Zero
	totalShares := make(map[string]int64)
	players, _ := ms.ListParticipants(context.Background(), game.GameID, model.RolePlayer)
	for _, p := range players {
		totalCash = totalCash.Add(p.Cash)
		hs, _ := ms.ListHoldings(context.Background(), p.ID)
		for _, h := range hs {
			totalShares[h.Entity] += h.Shares
		}
	}

	if !totalCash.Equal(d(3000)) {
		t.Errorf("total cash should stay 3000, got %s", totalCash)
	}
	for _, entity := range []string{"Red", "Blue", "Green"} {
		if totalShares[entity] != 30 {
			t.Errorf("total %s shares should stay 30, got %d", entity, totalShares[entity])
		}
	}
}
