// Package settlement computes and applies the financial and rating
// consequences of a finished game: player bet payouts, the proportional
// spectator pool split, and Elo updates. Settlement is idempotent; the
// durable settled flag is flipped in the same atomic unit as the
// payouts, so a retry after a partial failure cannot double-pay.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"

	"wagerchess/internal/game"
	"wagerchess/internal/logging"
)

// Config tunes the engine.
type Config struct {
	// EloK is the rating K-factor.
	EloK int
	// Retries bounds attempts against a transiently unavailable store.
	Retries int
}

func (c Config) withDefaults() Config {
	if c.EloK == 0 {
		c.EloK = 32
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	return c
}

// Engine settles sessions against the persistence gateway.
type Engine struct {
	gw  game.Gateway
	cfg Config
}

// NewEngine creates a settlement engine.
func NewEngine(gw game.Gateway, cfg Config) *Engine {
	return &Engine{gw: gw, cfg: cfg.withDefaults()}
}

// Result describes what a settlement applied (or would apply).
type Result struct {
	Deltas  []game.BalanceDelta
	Ratings []game.RatingUpdate
	// HouseRemainder is the spectator-pool rounding loss kept by the
	// house. It is bounded by the number of winning spectators and is
	// deliberately not refunded.
	HouseRemainder int64
	// Applied is false when the session was already settled and this call
	// was a no-op.
	Applied bool
}

// Settle applies payouts and rating updates for a terminal session
// exactly once. Concurrent and repeated calls are safe: an in-memory
// latch stops a second settle racing ahead while the first is in
// flight, and the durable settled flag is checked and set inside the
// same transaction as the payouts.
func (e *Engine) Settle(ctx context.Context, s *game.Session) error {
	_, err := e.SettleResult(ctx, s)
	return err
}

// SettleResult is Settle with the computed result exposed.
func (e *Engine) SettleResult(ctx context.Context, s *game.Session) (Result, error) {
	s.Mu.Lock()
	if !s.Status.Terminal() {
		s.Mu.Unlock()
		return Result{}, fmt.Errorf("%w: session %s not terminal", game.ErrStateConflict, s.ID)
	}
	if s.Settled || s.SettlingLocked() {
		s.Mu.Unlock()
		return Result{}, nil
	}
	s.SetSettlingLocked(true)
	snap := snapshotForSettlement(s)
	s.Mu.Unlock()

	res := compute(snap, e.cfg.EloK)

	var applied bool
	var err error
	for i := 0; i < e.cfg.Retries; i++ {
		applied, err = e.gw.SettleSession(ctx, snap.ID, res.Deltas, res.Ratings)
		if err == nil || !errors.Is(err, game.ErrStorageUnavailable) {
			break
		}
		logging.Errorf("settle attempt %d for %s: %v", i+1, snap.ID, err)
	}

	s.Mu.Lock()
	s.SetSettlingLocked(false)
	if err == nil {
		s.Settled = true
		for i := range s.SpectatorBets {
			s.SpectatorBets[i].Settled = true
		}
	}
	s.Mu.Unlock()

	if err != nil {
		return Result{}, fmt.Errorf("settling %s: %w", snap.ID, err)
	}
	res.Applied = applied
	if !applied {
		// a concurrent settle won the durable race; our computation is
		// discarded and theirs stands
		return Result{}, nil
	}
	return res, nil
}

// snapshot is the pre-settlement view everything is computed from. Both
// rating deltas come from the same snapshot, so settlement order cannot
// introduce asymmetry.
type snapshot struct {
	ID          string
	Status      game.Status
	Winner      game.Color
	WhiteID     string
	BlackID     string
	WhiteBet    int64
	BlackBet    int64
	WhiteRating int
	BlackRating int
	Spectators  []game.SpectatorBet
}

func snapshotForSettlement(s *game.Session) snapshot {
	snap := snapshot{
		ID:          s.ID,
		Status:      s.Status,
		WhiteID:     s.Seats[game.White].UserID,
		BlackID:     s.Seats[game.Black].UserID,
		WhiteBet:    s.Seats[game.White].Bet,
		BlackBet:    s.Seats[game.Black].Bet,
		WhiteRating: s.Seats[game.White].Rating,
		BlackRating: s.Seats[game.Black].Rating,
	}
	if s.Result != nil {
		snap.Winner = s.Result.Winner
	}
	snap.Spectators = make([]game.SpectatorBet, len(s.SpectatorBets))
	copy(snap.Spectators, s.SpectatorBets)
	return snap
}

// compute derives all payouts and rating updates from a pre-settlement
// snapshot. Pure; the gateway applies the result atomically.
//
// Player bets: both stakes were debited at escrow, so a decisive result
// credits the winner with both bets and leaves the loser untouched; a
// draw (or abandonment) refunds each player their own bet. There is no
// house fee on player-vs-player settlement.
//
// Spectator pool: winning spectators split the losing pool
// proportionally, floor-rounded. The rounding remainder is kept by the
// house; it is bounded above by the number of winning spectators. With
// no losing side, winners get only their stake back. A draw or
// abandonment refunds every spectator regardless of prediction.
func compute(snap snapshot, k int) Result {
	var res Result

	decisive := snap.Status == game.StatusCompleted && snap.Winner != ""

	switch {
	case decisive:
		pot := snap.WhiteBet + snap.BlackBet
		winnerID := snap.WhiteID
		if snap.Winner == game.Black {
			winnerID = snap.BlackID
		}
		if pot > 0 {
			res.Deltas = append(res.Deltas, game.BalanceDelta{UserID: winnerID, Delta: pot})
		}
	default:
		// draw or abandoned: refund each player their own bet
		if snap.WhiteBet > 0 {
			res.Deltas = append(res.Deltas, game.BalanceDelta{UserID: snap.WhiteID, Delta: snap.WhiteBet})
		}
		if snap.BlackBet > 0 {
			res.Deltas = append(res.Deltas, game.BalanceDelta{UserID: snap.BlackID, Delta: snap.BlackBet})
		}
	}

	res.Deltas = append(res.Deltas, spectatorPayouts(snap, decisive, &res.HouseRemainder)...)

	// ratings update on completed and drawn games; abandonment is not a
	// result
	switch snap.Status {
	case game.StatusCompleted, game.StatusDraw:
		whiteScore := 0.5
		switch snap.Winner {
		case game.White:
			whiteScore = 1
		case game.Black:
			whiteScore = 0
		}
		wd := EloDelta(snap.WhiteRating, snap.BlackRating, whiteScore, k)
		bd := EloDelta(snap.BlackRating, snap.WhiteRating, 1-whiteScore, k)
		res.Ratings = []game.RatingUpdate{
			{UserID: snap.WhiteID, Rating: snap.WhiteRating + wd},
			{UserID: snap.BlackID, Rating: snap.BlackRating + bd},
		}
	}

	return res
}

func spectatorPayouts(snap snapshot, decisive bool, remainder *int64) []game.BalanceDelta {
	if len(snap.Spectators) == 0 {
		return nil
	}

	if !decisive {
		// refund every spectator their stake
		out := make([]game.BalanceDelta, 0, len(snap.Spectators))
		for _, b := range snap.Spectators {
			out = append(out, game.BalanceDelta{UserID: b.UserID, Delta: b.Stake})
		}
		return out
	}

	var winningPool, losingPool int64
	for _, b := range snap.Spectators {
		if b.PredictedWinner == snap.Winner {
			winningPool += b.Stake
		} else {
			losingPool += b.Stake
		}
	}
	if winningPool == 0 {
		// nobody picked the winner; the losing stakes are forfeit
		*remainder += losingPool
		return nil
	}

	var paidOut int64
	out := make([]game.BalanceDelta, 0, len(snap.Spectators))
	for _, b := range snap.Spectators {
		if b.PredictedWinner != snap.Winner {
			continue
		}
		share := losingPool * b.Stake / winningPool // floor division
		out = append(out, game.BalanceDelta{UserID: b.UserID, Delta: b.Stake + share})
		paidOut += share
	}
	*remainder += losingPool - paidOut
	return out
}

// EloDelta returns the rating change for a player with the given score
// against the given opponent. score is 1 for a win, 0.5 for a draw, 0
// for a loss.
func EloDelta(ownRating, opponentRating int, score float64, k int) int {
	expected := 1 / (1 + math.Pow(10, float64(opponentRating-ownRating)/400))
	return int(math.Round(float64(k) * (score - expected)))
}
