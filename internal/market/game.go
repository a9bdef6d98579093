package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/metrics"
	"github.com/gameday/traders/internal/model"
	"github.com/gameday/traders/internal/scoring"
	"github.com/gameday/traders/internal/store"
)

// Distribution policies for initial cash and shares.
const (
	// DistEven gives every participant the same cash and the same share
	// count in every entity.
	DistEven = "even"

	// DistOwnShares gives each player shares only in "their" entity
	// (players are paired with entities in order); viewers get cash only.
	DistOwnShares = "own_shares"
)

// DistributionConfig selects and parameterizes the initial allocation.
type DistributionConfig struct {
	Mode          string          `json:"mode" validate:"required,oneof=even own_shares"`
	InitialCash   decimal.Decimal `json:"initial_cash,omitempty"`   // even: cash per participant (default 1000)
	InitialShares int64           `json:"initial_shares,omitempty"` // even: shares per entity (default 10)
	OwnShares     int64           `json:"own_shares,omitempty"`     // own_shares: shares in own entity (default 100)
	PlayerCash    decimal.Decimal `json:"player_cash,omitempty"`    // own_shares: cash per player (default 0)
	ViewerCash    decimal.Decimal `json:"viewer_cash,omitempty"`    // own_shares: cash per viewer (default 1000)
}

// CreateGameRequest is the JSON body for POST /api/v1/games.
type CreateGameRequest struct {
	Name           string                     `json:"name" validate:"required,max=100"`
	Entities       []string                   `json:"entities" validate:"required,min=1,unique,dive,required,max=100"`
	NumPlayers     int                        `json:"num_players" validate:"required,min=1"`
	NumViewers     int                        `json:"num_viewers" validate:"min=0"`
	ScoringMode    string                     `json:"scoring_mode" validate:"required,oneof=outright_winner final_points top_positions"`
	IncludeCash    bool                       `json:"include_cash"`
	PositionValues map[string]decimal.Decimal `json:"position_values,omitempty"` // rank → value, top_positions only
	Distribution   DistributionConfig         `json:"distribution"`
}

// ParticipantLink is one participant's join credential returned from game
// creation. This is the only place tokens are ever exposed.
type ParticipantLink struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Token string `json:"token"`
}

// CreateGameResponse is the JSON body returned from POST /api/v1/games.
type CreateGameResponse struct {
	GameID       string            `json:"game_id"`
	AdminToken   string            `json:"admin_token"`
	Participants []ParticipantLink `json:"participants"`
}

// EndGameRequest is the JSON body for POST /api/v1/games/end. Exactly one
// of the scoring payloads applies, chosen by the game's scoring mode.
type EndGameRequest struct {
	Token          string                     `json:"token"`
	WinningEntity  string                     `json:"winning_entity,omitempty"`
	FinalScores    map[string]decimal.Decimal `json:"final_scores,omitempty"`
	FinalPositions map[string]int             `json:"final_positions,omitempty"`
}

// EndGameResponse is the JSON body returned from POST /api/v1/games/end.
type EndGameResponse struct {
	Winner    string `json:"winner,omitempty"`
	Tied      bool   `json:"tied"`
	Cancelled int    `json:"cancelled_orders"`
	Redirect  string `json:"redirect"`
}

// HandleCreateGame handles POST /api/v1/games. Game setup is plain value
// assignment: it allocates initial cash and holdings under the chosen
// distribution policy and mints capability tokens.
func (s *Service) HandleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Entities) < req.NumPlayers {
		writeError(w, fmt.Sprintf("need at least %d entities for %d players, got %d",
			req.NumPlayers, req.NumPlayers, len(req.Entities)), http.StatusBadRequest)
		return
	}
	if req.ScoringMode == model.ScoringTopPositions && len(req.PositionValues) == 0 {
		writeError(w, "position_values are required for top_positions scoring", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	game := &model.Game{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Status:         model.GameActive,
		Entities:       req.Entities,
		ScoringMode:    req.ScoringMode,
		IncludeCash:    req.IncludeCash,
		PositionValues: req.PositionValues,
		AdminToken:     uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateGame(ctx, game); err != nil {
		writeErr(w, err)
		return
	}

	links, err := s.seedParticipants(ctx, game, &req)
	if err != nil {
		writeErr(w, err)
		return
	}

	// The admin is a regular participant row with a distinguished role and
	// the game's admin token as its capability.
	admin := &model.Participant{
		ID:          uuid.New().String(),
		GameID:      game.ID,
		Name:        "Admin",
		Role:        model.RoleAdmin,
		AccessToken: game.AdminToken,
		Cash:        decimal.Zero,
	}
	if err := s.store.CreateParticipant(ctx, admin); err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("game created",
		"id", game.ID,
		"name", game.Name,
		"entities", len(game.Entities),
		"players", req.NumPlayers,
		"viewers", req.NumViewers,
		"scoring", game.ScoringMode,
		"distribution", req.Distribution.Mode,
	)

	writeJSON(w, http.StatusCreated, CreateGameResponse{
		GameID:       game.ID,
		AdminToken:   game.AdminToken,
		Participants: links,
	})
}

// seedParticipants creates player and viewer rows with their initial cash
// and holdings per the distribution policy.
func (s *Service) seedParticipants(ctx context.Context, game *model.Game, req *CreateGameRequest) ([]ParticipantLink, error) {
	dist := req.Distribution
	var links []ParticipantLink

	addParticipant := func(name, role string, cash decimal.Decimal) (*model.Participant, error) {
		p := &model.Participant{
			ID:          uuid.New().String(),
			GameID:      game.ID,
			Name:        name,
			Role:        role,
			AccessToken: uuid.New().String(),
			Cash:        cash,
		}
		if err := s.store.CreateParticipant(ctx, p); err != nil {
			return nil, err
		}
		links = append(links, ParticipantLink{Name: p.Name, Role: role, Token: p.AccessToken})
		return p, nil
	}

	switch dist.Mode {
	case DistEven:
		cash := dist.InitialCash
		if cash.LessThanOrEqual(decimal.Zero) {
			cash = decimal.NewFromInt(1000)
		}
		shares := dist.InitialShares
		if shares <= 0 {
			shares = 10
		}

		seed := func(name, role string) error {
			p, err := addParticipant(name, role, cash)
			if err != nil {
				return err
			}
			for _, entity := range game.Entities {
				h := &model.Holding{ParticipantID: p.ID, Entity: entity, Shares: shares}
				if err := s.store.UpsertHolding(ctx, h); err != nil {
					return err
				}
			}
			return nil
		}

		for i := 0; i < req.NumPlayers; i++ {
			if err := seed(fmt.Sprintf("Player %d", i+1), model.RolePlayer); err != nil {
				return nil, err
			}
		}
		for i := 0; i < req.NumViewers; i++ {
			if err := seed(fmt.Sprintf("Viewer %d", i+1), model.RoleViewer); err != nil {
				return nil, err
			}
		}

	case DistOwnShares:
		own := dist.OwnShares
		if own <= 0 {
			own = 100
		}
		viewerCash := dist.ViewerCash
		if viewerCash.LessThanOrEqual(decimal.Zero) {
			viewerCash = decimal.NewFromInt(1000)
		}

		for i := 0; i < req.NumPlayers; i++ {
			entity := game.Entities[i]
			name := fmt.Sprintf("Player %d (%s)", i+1, entity)
			p, err := addParticipant(name, model.RolePlayer, dist.PlayerCash)
			if err != nil {
				return nil, err
			}
			h := &model.Holding{ParticipantID: p.ID, Entity: entity, Shares: own}
			if err := s.store.UpsertHolding(ctx, h); err != nil {
				return nil, err
			}
		}
		for i := 0; i < req.NumViewers; i++ {
			if _, err := addParticipant(fmt.Sprintf("Viewer %d", i+1), model.RoleViewer, viewerCash); err != nil {
				return nil, err
			}
		}
	}

	return links, nil
}

// EndGame cancels every open order game-wide, scores the player
// participants, records the winner, and flips the game to ended.
// Irreversible. Admin only.
func (s *Service) EndGame(ctx context.Context, admin *model.Participant, req *EndGameRequest) (*EndGameResponse, *scoring.Result, error) {
	if admin.Role != model.RoleAdmin {
		return nil, nil, fmt.Errorf("%w: only the admin can end the game", model.ErrForbidden)
	}

	game, err := s.store.GetGame(ctx, admin.GameID)
	if err != nil {
		return nil, nil, err
	}
	if game.Status != model.GameActive {
		return nil, nil, model.ErrAlreadyEnded
	}

	in := scoring.Inputs{
		Mode:           game.ScoringMode,
		IncludeCash:    game.IncludeCash,
		WinningEntity:  req.WinningEntity,
		FinalScores:    req.FinalScores,
		FinalPositions: req.FinalPositions,
		PositionValues: game.PositionValues,
	}
	if err := scoring.Validate(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInvalidOrder, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Bulk-cancel every open order in the game regardless of owner before
	// the final balances are scored.
	cancelled, err := s.store.CancelOpenOrders(ctx, store.OrderFilter{GameID: game.ID})
	if err != nil {
		return nil, nil, err
	}
	if cancelled > 0 {
		metrics.OrdersCancelled.WithLabelValues("game_end").Add(float64(cancelled))
	}

	players, err := s.store.ListParticipants(ctx, game.ID, model.RolePlayer)
	if err != nil {
		return nil, nil, err
	}
	holdings := make(map[string][]model.Holding, len(players))
	for _, p := range players {
		hs, err := s.store.ListHoldings(ctx, p.ID)
		if err != nil {
			return nil, nil, err
		}
		holdings[p.ID] = hs
	}

	result := scoring.Score(players, holdings, in)

	var finalScores map[string]decimal.Decimal
	if game.ScoringMode == model.ScoringFinalPoints {
		finalScores = req.FinalScores
	}
	if err := s.store.SetGameEnded(ctx, game.ID, result.WinnerID, finalScores); err != nil {
		return nil, nil, err
	}

	metrics.GamesEnded.WithLabelValues(game.ScoringMode).Inc()
	slog.Info("game ended",
		"game", game.ID,
		"mode", game.ScoringMode,
		"winner", result.WinnerName,
		"tied", result.Tied,
		"cancelled_orders", cancelled,
	)
	s.broadcast(game.ID, Event{Type: "game_ended"})

	return &EndGameResponse{
		Winner:    result.WinnerName,
		Tied:      result.Tied,
		Cancelled: cancelled,
		Redirect:  "/results/" + game.ID,
	}, &result, nil
}

// HandleEndGame handles POST /api/v1/games/end.
func (s *Service) HandleEndGame(w http.ResponseWriter, r *http.Request) {
	var req EndGameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetParticipantByToken(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp, _, err := s.EndGame(r.Context(), p, &req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResultsEntry is one participant's terminal standing in the results view.
type ResultsEntry struct {
	Name        string           `json:"name"`
	Role        string           `json:"role"`
	Cash        decimal.Decimal  `json:"cash"`
	Holdings    map[string]int64 `json:"holdings"`
	TotalShares int64            `json:"total_shares"`
	IsWinner    bool             `json:"is_winner"`
}

// ResultsResponse is the JSON body for GET /api/v1/games/{gameID}/results.
type ResultsResponse struct {
	GameID      string                     `json:"game_id"`
	Name        string                     `json:"name"`
	Status      string                     `json:"status"`
	ScoringMode string                     `json:"scoring_mode"`
	Winner      string                     `json:"winner,omitempty"`
	FinalScores map[string]decimal.Decimal `json:"final_scores,omitempty"`
	Entities    []string                   `json:"entities"`
	Results     []ResultsEntry             `json:"results"`
}

// HandleResults handles GET /api/v1/games/{gameID}/results. The results
// view is the one anonymous surface: it exposes names and final balances
// but never tokens.
func (s *Service) HandleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gameID := chi.URLParam(r, "gameID")

	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		writeErr(w, err)
		return
	}

	participants, err := s.store.ListParticipants(ctx, game.ID, "")
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := ResultsResponse{
		GameID:      game.ID,
		Name:        game.Name,
		Status:      game.Status,
		ScoringMode: game.ScoringMode,
		FinalScores: game.FinalScores,
		Entities:    game.Entities,
		Results:     make([]ResultsEntry, 0, len(participants)),
	}

	for _, p := range participants {
		if p.Role == model.RoleAdmin {
			continue
		}
		hs, err := s.store.ListHoldings(ctx, p.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		entry := ResultsEntry{
			Name:     p.Name,
			Role:     p.Role,
			Cash:     p.Cash,
			Holdings: make(map[string]int64, len(hs)),
			IsWinner: game.WinnerID != "" && p.ID == game.WinnerID,
		}
		for _, h := range hs {
			entry.Holdings[h.Entity] = h.Shares
			entry.TotalShares += h.Shares
		}
		if entry.IsWinner {
			resp.Winner = p.Name
		}
		resp.Results = append(resp.Results, entry)
	}

	writeJSON(w, http.StatusOK, resp)
}
