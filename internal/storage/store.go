package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wagerchess/internal/game"
)

// Store wraps a gorm DB instance and implements the persistence gateway
// consumed by the hub, the matchmaking queue and the settlement engine.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new store helper from a gorm DB.
func NewStore(db *gorm.DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

// DB exposes the underlying gorm DB instance.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// ErrNotFound is returned when a record is not found.
var ErrNotFound = gorm.ErrRecordNotFound

// DefaultBalance and DefaultRating seed new accounts.
const (
	DefaultBalance int64 = 1000
	DefaultRating        = 1200
)

// unavailable wraps driver failures so callers can match on the
// transient taxonomy instead of driver internals.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", game.ErrStorageUnavailable, err)
}

func parseID(id string) (uuid.UUID, error) {
	gid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad session id %q", game.ErrValidation, id)
	}
	return gid, nil
}

// FindSession loads a persisted session with its move log and side
// bets. Returns (nil, nil) when no record exists.
func (s *Store) FindSession(ctx context.Context, id string) (*game.SessionRecord, error) {
	gid, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	var row Game
	if err := s.db.WithContext(ctx).First(&row, "id = ?", gid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	var moves []Move
	if err := s.db.WithContext(ctx).
		Where("game_id = ?", gid).
		Order("number asc").
		Find(&moves).Error; err != nil {
		return nil, unavailable(err)
	}
	var bets []SpectatorBet
	if err := s.db.WithContext(ctx).
		Where("game_id = ?", gid).
		Find(&bets).Error; err != nil {
		return nil, unavailable(err)
	}

	rec := &game.SessionRecord{
		ID:          row.ID.String(),
		WhiteID:     row.WhiteID,
		BlackID:     row.BlackID,
		WhiteRating: row.WhiteRating,
		BlackRating: row.BlackRating,
		WhiteBet:    row.WhiteBet,
		BlackBet:    row.BlackBet,
		WhiteClock:  time.Duration(row.WhiteClock) * time.Millisecond,
		BlackClock:  time.Duration(row.BlackClock) * time.Millisecond,
		Increment:   time.Duration(row.Increment) * time.Millisecond,
		Status:      game.Status(row.Status),
		Winner:      game.Color(row.Winner),
		Reason:      row.Reason,
		Settled:     row.Settled,
		VsAI:        row.VsAI,
		CreatedAt:   row.CreatedAt,
	}
	if row.StartedAt != nil {
		rec.StartedAt = *row.StartedAt
	}
	if row.LastMoveAt != nil {
		rec.LastMoveAt = *row.LastMoveAt
	}
	if row.EndedAt != nil {
		rec.EndedAt = *row.EndedAt
	}
	for _, m := range moves {
		rec.Moves = append(rec.Moves, game.MoveRecord{
			Number:   m.Number,
			UCI:      m.UCI,
			Color:    game.Color(m.Color),
			PlayedAt: m.PlayedAt,
		})
	}
	for _, b := range bets {
		rec.Spectators = append(rec.Spectators, game.SpectatorBet{
			UserID:          b.UserID,
			Stake:           b.Stake,
			PredictedWinner: game.Color(b.PredictedWinner),
			Settled:         b.Settled,
		})
	}
	return rec, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, rec *game.SessionRecord) error {
	gid, err := parseID(rec.ID)
	if err != nil {
		return err
	}
	row := Game{
		ID:          gid,
		WhiteID:     rec.WhiteID,
		BlackID:     rec.BlackID,
		WhiteRating: rec.WhiteRating,
		BlackRating: rec.BlackRating,
		WhiteBet:    rec.WhiteBet,
		BlackBet:    rec.BlackBet,
		WhiteClock:  rec.WhiteClock.Milliseconds(),
		BlackClock:  rec.BlackClock.Milliseconds(),
		Increment:   rec.Increment.Milliseconds(),
		Status:      string(rec.Status),
		VsAI:        rec.VsAI,
	}
	return unavailable(s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error)
}

// AppendMove inserts a move row for the given session.
func (s *Store) AppendMove(ctx context.Context, sessionID string, mv game.MoveRecord) error {
	gid, err := parseID(sessionID)
	if err != nil {
		return err
	}
	row := Move{
		GameID:   gid,
		Number:   mv.Number,
		UCI:      mv.UCI,
		Color:    string(mv.Color),
		PlayedAt: mv.PlayedAt,
	}
	return unavailable(s.db.WithContext(ctx).Create(&row).Error)
}

// UpdateStatus applies partial updates to the session row.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, upd game.StatusUpdate) error {
	gid, err := parseID(sessionID)
	if err != nil {
		return err
	}
	updates := make(map[string]any)
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}
	if upd.Winner != nil {
		updates["winner"] = string(*upd.Winner)
	}
	if upd.Reason != nil {
		updates["reason"] = *upd.Reason
	}
	if upd.FEN != nil {
		updates["fen"] = *upd.FEN
	}
	if upd.WhiteClock != nil {
		updates["white_clock"] = upd.WhiteClock.Milliseconds()
	}
	if upd.BlackClock != nil {
		updates["black_clock"] = upd.BlackClock.Milliseconds()
	}
	if upd.StartedAt != nil {
		updates["started_at"] = *upd.StartedAt
	}
	if upd.LastMoveAt != nil {
		updates["last_move_at"] = *upd.LastMoveAt
	}
	if upd.EndedAt != nil {
		updates["ended_at"] = *upd.EndedAt
	}
	if len(updates) == 0 {
		return nil
	}
	return unavailable(s.db.WithContext(ctx).
		Model(&Game{}).
		Where("id = ?", gid).
		Updates(updates).Error)
}

// PlaceSpectatorBet inserts an escrowed side bet row.
func (s *Store) PlaceSpectatorBet(ctx context.Context, sessionID string, bet game.SpectatorBet) error {
	gid, err := parseID(sessionID)
	if err != nil {
		return err
	}
	row := SpectatorBet{
		GameID:          gid,
		UserID:          bet.UserID,
		Stake:           bet.Stake,
		PredictedWinner: string(bet.PredictedWinner),
	}
	return unavailable(s.db.WithContext(ctx).Create(&row).Error)
}

// LoadUser fetches an account. Returns (nil, nil) when no record
// exists.
func (s *Store) LoadUser(ctx context.Context, userID string) (*game.UserRecord, error) {
	var row User
	if err := s.db.WithContext(ctx).First(&row, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &game.UserRecord{ID: row.ID, Balance: row.Balance, Rating: row.Rating}, nil
}

// EnsureUser upserts an account with seed balance and rating. Guest
// identities are never passed here.
func (s *Store) EnsureUser(ctx context.Context, userID string) (*game.UserRecord, error) {
	row := User{ID: userID, Balance: DefaultBalance, Rating: DefaultRating}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, unavailable(err)
	}
	return s.LoadUser(ctx, userID)
}

// AtomicBalanceDelta applies a balance mutation in a single guarded
// UPDATE. The balance can never go negative: a debit that would do so
// affects no rows and fails with ErrInsufficientFunds.
func (s *Store) AtomicBalanceDelta(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&User{}).
			Where("id = ? AND balance + ? >= 0", userID, delta).
			Update("balance", gorm.Expr("balance + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&User{}).Where("id = ?", userID).Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("%w: unknown user %s", game.ErrValidation, userID)
			}
			return game.ErrInsufficientFunds
		}
		return tx.Model(&User{}).
			Where("id = ?", userID).
			Pluck("balance", &balance).Error
	})
	if err != nil {
		if errors.Is(err, game.ErrInsufficientFunds) || errors.Is(err, game.ErrValidation) {
			return 0, err
		}
		return 0, unavailable(err)
	}
	return balance, nil
}

// SettleSession flips the settled flag and applies every payout and
// rating write in one transaction. The flag check-and-set is inside the
// same atomic unit as the payouts, so a retry after an interrupted
// settlement cannot double-pay. Returns false when the session was
// already settled; nothing is written in that case.
func (s *Store) SettleSession(ctx context.Context, sessionID string, deltas []game.BalanceDelta, ratings []game.RatingUpdate) (bool, error) {
	gid, err := parseID(sessionID)
	if err != nil {
		return false, err
	}
	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Game{}).
			Where("id = ? AND settled = ?", gid, false).
			Update("settled", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		for _, d := range deltas {
			if d.Delta == 0 {
				continue
			}
			r := tx.Model(&User{}).
				Where("id = ? AND balance + ? >= 0", d.UserID, d.Delta).
				Update("balance", gorm.Expr("balance + ?", d.Delta))
			if r.Error != nil {
				return r.Error
			}
			if r.RowsAffected == 0 {
				return fmt.Errorf("settle payout for %s would break balance invariant", d.UserID)
			}
		}
		for _, r := range ratings {
			if err := tx.Model(&User{}).
				Where("id = ?", r.UserID).
				Update("rating", r.Rating).Error; err != nil {
				return err
			}
		}
		return tx.Model(&SpectatorBet{}).
			Where("game_id = ?", gid).
			Update("settled", true).Error
	})
	if err != nil {
		return false, unavailable(err)
	}
	return applied, nil
}

// Stats represents aggregate counts for games.
type Stats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Active    int64 `json:"active"`
}

// FetchStats aggregates counts for the stats endpoint.
func (s *Store) FetchStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if s == nil {
		return stats, nil
	}
	if err := s.db.WithContext(ctx).Model(&Game{}).Count(&stats.Started).Error; err != nil {
		return stats, unavailable(err)
	}
	if err := s.db.WithContext(ctx).Model(&Game{}).Where("status = ?", string(game.StatusActive)).Count(&stats.Active).Error; err != nil {
		return stats, unavailable(err)
	}
	if err := s.db.WithContext(ctx).Model(&Game{}).Where("ended_at IS NOT NULL").Count(&stats.Completed).Error; err != nil {
		return stats, unavailable(err)
	}
	return stats, nil
}
