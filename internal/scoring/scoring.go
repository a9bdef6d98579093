// Package scoring computes end-of-game participant values and picks the
// winner. It is pure computation over supplied state: no storage access,
// no clocks. All values use shopspring/decimal.
package scoring

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/gameday/traders/internal/model"
)

var (
	// ErrUnknownMode is returned for a scoring mode outside the three
	// supported modes.
	ErrUnknownMode = errors.New("scoring: unknown mode")

	// ErrMissingWinningEntity is returned when outright_winner scoring is
	// requested without naming the winning entity.
	ErrMissingWinningEntity = errors.New("scoring: winning entity required for outright_winner")
)

// Inputs carries the end-game payload plus the game's scoring
// configuration.
type Inputs struct {
	Mode        string
	IncludeCash bool

	// WinningEntity names the entity that won the real-world game.
	// Required for outright_winner; ignored otherwise.
	WinningEntity string

	// FinalScores maps entity → final score for final_points. Entities
	// with no supplied score contribute 0.
	FinalScores map[string]decimal.Decimal

	// FinalPositions maps entity → finishing rank for top_positions.
	// Entities with no supplied position are worthless rather than an
	// error.
	FinalPositions map[string]int

	// PositionValues maps rank (as configured on the game, keyed "1",
	// "2", ...) → value for top_positions. Unconfigured ranks are worth 0.
	PositionValues map[string]decimal.Decimal
}

// Standing is one player-participant's computed total value.
type Standing struct {
	ParticipantID string          `json:"participant_id"`
	Name          string          `json:"name"`
	Value         decimal.Decimal `json:"value"`
}

// Result is the outcome of scoring a game. WinnerID is empty when there
// are no player participants. Tied is set when more than one participant
// shares the top value; the winner is then the first of them in creation
// order (a deterministic but arbitrary tie-break — callers that care
// should surface the flag).
type Result struct {
	WinnerID   string     `json:"winner_id,omitempty"`
	WinnerName string     `json:"winner_name,omitempty"`
	Tied       bool       `json:"tied"`
	Standings  []Standing `json:"standings"`
}

// Validate checks that the inputs are usable for the requested mode.
func Validate(in Inputs) error {
	switch in.Mode {
	case model.ScoringOutrightWinner:
		if in.WinningEntity == "" {
			return ErrMissingWinningEntity
		}
	case model.ScoringFinalPoints, model.ScoringTopPositions:
		// Missing scores/positions degrade to 0 per entity, so empty
		// maps are accepted.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, in.Mode)
	}
	return nil
}

// Value computes one participant's total under the scoring inputs.
func Value(cash decimal.Decimal, holdings []model.Holding, in Inputs) decimal.Decimal {
	switch in.Mode {
	case model.ScoringOutrightWinner:
		// Shares in the designated entity only; cash is ignored in this
		// mode regardless of the include_cash flag.
		for _, h := range holdings {
			if h.Entity == in.WinningEntity {
				return decimal.NewFromInt(h.Shares)
			}
		}
		return decimal.Zero

	case model.ScoringFinalPoints:
		total := decimal.Zero
		for _, h := range holdings {
			score := in.FinalScores[h.Entity] // zero value for unscored entities
			total = total.Add(score.Mul(decimal.NewFromInt(h.Shares)))
		}
		if in.IncludeCash {
			total = total.Add(cash)
		}
		return total

	case model.ScoringTopPositions:
		total := decimal.Zero
		for _, h := range holdings {
			pos, ok := in.FinalPositions[h.Entity]
			if !ok {
				continue // unplaced entities are worthless
			}
			value := in.PositionValues[strconv.Itoa(pos)]
			total = total.Add(value.Mul(decimal.NewFromInt(h.Shares)))
		}
		if in.IncludeCash {
			total = total.Add(cash)
		}
		return total
	}

	return decimal.Zero
}

// Score computes standings for every player participant and picks the
// winner. Players must be in creation order; holdings maps participant ID
// to that participant's holding rows.
func Score(players []model.Participant, holdings map[string][]model.Holding, in Inputs) Result {
	res := Result{Standings: make([]Standing, 0, len(players))}

	var best decimal.Decimal
	for _, p := range players {
		v := Value(p.Cash, holdings[p.ID], in)
		res.Standings = append(res.Standings, Standing{
			ParticipantID: p.ID,
			Name:          p.Name,
			Value:         v,
		})

		switch {
		case res.WinnerID == "" && len(res.Standings) == 1:
			res.WinnerID = p.ID
			res.WinnerName = p.Name
			best = v
		case v.GreaterThan(best):
			res.WinnerID = p.ID
			res.WinnerName = p.Name
			best = v
			res.Tied = false
		case v.Equal(best):
			res.Tied = true
		}
	}

	return res
}
