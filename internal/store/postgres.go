package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// scoring maps are stored as JSONB. Settlement runs in one transaction
// with row locks, so concurrent accepts against the same order serialize
// at the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	posVals, err := json.Marshal(g.PositionValues)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO games (id, name, status, entities, scoring_mode, include_cash, position_values, admin_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.Name, g.Status, g.Entities, g.ScoringMode, g.IncludeCash,
		posVals, g.AdminToken, g.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	var g model.Game
	var posVals, finalScores []byte
	var winnerID *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, entities, scoring_mode, include_cash,
		        position_values, winner_id, final_scores, admin_token, created_at
		 FROM games WHERE id = $1`, id).
		Scan(&g.ID, &g.Name, &g.Status, &g.Entities, &g.ScoringMode, &g.IncludeCash,
			&posVals, &winnerID, &finalScores, &g.AdminToken, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("game %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, err)
	}

	if winnerID != nil {
		g.WinnerID = *winnerID
	}
	if len(posVals) > 0 {
		if err := json.Unmarshal(posVals, &g.PositionValues); err != nil {
			return nil, err
		}
	}
	if len(finalScores) > 0 {
		if err := json.Unmarshal(finalScores, &g.FinalScores); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func (s *PostgresStore) SetGameEnded(ctx context.Context, gameID, winnerID string, finalScores map[string]decimal.Decimal) error {
	var scores []byte
	if finalScores != nil {
		var err error
		scores, err = json.Marshal(finalScores)
		if err != nil {
			return err
		}
	}

	var winner *string
	if winnerID != "" {
		winner = &winnerID
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET status = $2, winner_id = $3, final_scores = $4
		 WHERE id = $1 AND status = $5`,
		gameID, model.GameEnded, winner, scores, model.GameActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrAlreadyEnded
	}
	return nil
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, game_id, name, role, access_token, cash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, now())`,
		p.ID, p.GameID, p.Name, p.Role, p.AccessToken, p.Cash.String(),
	)
	return err
}

const participantCols = `id, game_id, name, role, access_token, cash::TEXT`

func scanParticipant(row pgx.Row) (*model.Participant, error) {
	var p model.Participant
	var cash string
	if err := row.Scan(&p.ID, &p.GameID, &p.Name, &p.Role, &p.AccessToken, &cash); err != nil {
		return nil, err
	}
	p.Cash, _ = decimal.NewFromString(cash)
	return &p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, model.ErrNotFound)
	}
	return p, err
}

func (s *PostgresStore) GetParticipantByToken(ctx context.Context, token string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE access_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrInvalidToken
	}
	return p, err
}

func (s *PostgresStore) ListParticipants(ctx context.Context, gameID, role string) ([]model.Participant, error) {
	q := `SELECT ` + participantCols + ` FROM participants WHERE game_id = $1`
	args := []any{gameID}
	if role != "" {
		q += ` AND role = $2`
		args = append(args, role)
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetShares(ctx context.Context, participantID, entity string) (int64, error) {
	var shares int64
	err := s.pool.QueryRow(ctx,
		`SELECT shares FROM holdings WHERE participant_id = $1 AND entity = $2`,
		participantID, entity).Scan(&shares)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return shares, err
}

func (s *PostgresStore) ListHoldings(ctx context.Context, participantID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, entity, shares FROM holdings WHERE participant_id = $1 ORDER BY entity`,
		participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.ParticipantID, &h.Entity, &h.Shares); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (participant_id, entity, shares)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id, entity) DO UPDATE SET shares = EXCLUDED.shares`,
		h.ParticipantID, h.Entity, h.Shares,
	)
	return err
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, game_id, participant_id, side, entity, price, quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)`,
		o.ID, o.GameID, o.ParticipantID, o.Side, o.Entity,
		o.Price.String(), o.Quantity, o.Status, o.CreatedAt,
	)
	return err
}

const orderCols = `id, game_id, participant_id, side, entity, price::TEXT, quantity, status, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price string
	if err := row.Scan(&o.ID, &o.GameID, &o.ParticipantID, &o.Side, &o.Entity,
		&price, &o.Quantity, &o.Status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Price, _ = decimal.NewFromString(price)
	return &o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrOrderUnavailable)
	}
	return o, err
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE status = 'open'`
	var args []any
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			q += fmt.Sprintf(` AND %s = $%d`, col, len(args))
		}
	}
	add("game_id", f.GameID)
	add("participant_id", f.ParticipantID)
	add("side", f.Side)
	add("entity", f.Entity)
	q += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelOrder(ctx context.Context, orderID string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE orders SET status = 'cancelled'
		 WHERE id = $1 AND status = 'open'
		 RETURNING status`, orderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish missing from terminal for the caller.
		var existing string
		if e := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&existing); e != nil {
			return fmt.Errorf("order %s: %w", orderID, model.ErrOrderUnavailable)
		}
		return model.ErrOrderNotOpen
	}
	return err
}

func (s *PostgresStore) CancelOpenOrders(ctx context.Context, f OrderFilter) (int, error) {
	q := `UPDATE orders SET status = 'cancelled' WHERE status = 'open'`
	var args []any
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			q += fmt.Sprintf(` AND %s = $%d`, col, len(args))
		}
	}
	add("game_id", f.GameID)
	add("participant_id", f.ParticipantID)
	add("side", f.Side)
	add("entity", f.Entity)

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, gameID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, game_id, buyer_id, seller_id, entity, price::TEXT, shares, timestamp
		 FROM transactions WHERE game_id = $1 ORDER BY timestamp, id`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var price string
		if err := rows.Scan(&t.ID, &t.GameID, &t.BuyerID, &t.SellerID, &t.Entity,
			&price, &t.Shares, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyTrade runs the settlement in one transaction. The order row is
// locked first; participant rows are locked in id order so two concurrent
// settlements touching the same pair cannot deadlock. Guard failures roll
// back with nothing applied.
func (s *PostgresStore) ApplyTrade(ctx context.Context, st *Settlement) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var remaining int64
	err = tx.QueryRow(ctx,
		`SELECT status, quantity FROM orders WHERE id = $1 FOR UPDATE`,
		st.OrderID).Scan(&status, &remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("order %s: %w", st.OrderID, model.ErrOrderUnavailable)
	}
	if err != nil {
		return err
	}
	if status != model.OrderOpen || remaining < st.Shares {
		return model.ErrConflict
	}

	cost := st.Price.Mul(decimal.NewFromInt(st.Shares))

	// Lock both participants in id order.
	rows, err := tx.Query(ctx,
		`SELECT id, cash::TEXT FROM participants WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		[]string{st.BuyerID, st.SellerID})
	if err != nil {
		return err
	}
	cashByID := make(map[string]decimal.Decimal, 2)
	for rows.Next() {
		var id, cash string
		if err := rows.Scan(&id, &cash); err != nil {
			rows.Close()
			return err
		}
		cashByID[id], _ = decimal.NewFromString(cash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(cashByID) != 2 {
		return fmt.Errorf("settlement parties: %w", model.ErrNotFound)
	}

	if cashByID[st.BuyerID].LessThan(cost) {
		return fmt.Errorf("%w: cost %s exceeds cash %s",
			model.ErrInsufficientFunds, cost, cashByID[st.BuyerID])
	}

	var held int64
	err = tx.QueryRow(ctx,
		`SELECT shares FROM holdings WHERE participant_id = $1 AND entity = $2 FOR UPDATE`,
		st.SellerID, st.Entity).Scan(&held)
	if errors.Is(err, pgx.ErrNoRows) {
		held = 0
	} else if err != nil {
		return err
	}
	if held < st.Shares {
		return fmt.Errorf("%w: %d requested, %d held",
			model.ErrInsufficientShares, st.Shares, held)
	}

	// Guards passed; apply everything inside the transaction.
	if _, err := tx.Exec(ctx,
		`UPDATE participants SET cash = cash - $2::NUMERIC WHERE id = $1`,
		st.BuyerID, cost.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE participants SET cash = cash + $2::NUMERIC WHERE id = $1`,
		st.SellerID, cost.String()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE holdings SET shares = shares - $3 WHERE participant_id = $1 AND entity = $2`,
		st.SellerID, st.Entity, st.Shares); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO holdings (participant_id, entity, shares)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (participant_id, entity) DO UPDATE SET shares = holdings.shares + EXCLUDED.shares`,
		st.BuyerID, st.Entity, st.Shares); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE orders
		 SET quantity = quantity - $2,
		     status = CASE WHEN quantity - $2 = 0 THEN 'filled' ELSE status END
		 WHERE id = $1`,
		st.OrderID, st.Shares); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, game_id, buyer_id, seller_id, entity, price, shares, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		st.Txn.ID, st.Txn.GameID, st.Txn.BuyerID, st.Txn.SellerID, st.Txn.Entity,
		st.Txn.Price.String(), st.Txn.Shares, st.Txn.Timestamp); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
