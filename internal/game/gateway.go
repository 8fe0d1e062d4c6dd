package game

import (
	"context"
	"time"
)

// SessionRecord is the storage-neutral shape of a persisted session,
// used to create and hydrate rooms.
type SessionRecord struct {
	ID          string
	WhiteID     string
	BlackID     string
	WhiteRating int
	BlackRating int
	WhiteBet    int64
	BlackBet    int64
	WhiteClock  time.Duration
	BlackClock  time.Duration
	Increment   time.Duration
	Status      Status
	Winner      Color
	Reason      string
	Settled     bool
	VsAI        bool
	Moves       []MoveRecord
	Spectators  []SpectatorBet
	CreatedAt   time.Time
	StartedAt   time.Time
	LastMoveAt  time.Time
	EndedAt     time.Time
}

// StatusUpdate is a partial update to a session row. Nil fields are left
// untouched.
type StatusUpdate struct {
	Status     *Status
	Winner     *Color
	Reason     *string
	FEN        *string
	WhiteClock *time.Duration
	BlackClock *time.Duration
	StartedAt  *time.Time
	LastMoveAt *time.Time
	EndedAt    *time.Time
}

// BalanceDelta is one account mutation inside a settlement.
type BalanceDelta struct {
	UserID string
	Delta  int64
}

// RatingUpdate is one post-game rating write.
type RatingUpdate struct {
	UserID string
	Rating int
}

// UserRecord is the account view the core needs: escrowable balance and
// current rating.
type UserRecord struct {
	ID      string
	Balance int64
	Rating  int
}

// Gateway is the durable store boundary. Implementations surface
// transient failures wrapped in ErrStorageUnavailable, never silently
// dropped. FindSession returns (nil, nil) when no record exists.
type Gateway interface {
	FindSession(ctx context.Context, id string) (*SessionRecord, error)
	CreateSession(ctx context.Context, rec *SessionRecord) error
	AppendMove(ctx context.Context, sessionID string, mv MoveRecord) error
	UpdateStatus(ctx context.Context, sessionID string, upd StatusUpdate) error
	PlaceSpectatorBet(ctx context.Context, sessionID string, bet SpectatorBet) error

	LoadUser(ctx context.Context, userID string) (*UserRecord, error)

	// AtomicBalanceDelta applies a single balance mutation, failing with
	// ErrInsufficientFunds when the result would be negative. This is the
	// escrow primitive; it must be a single atomic statement, not
	// read-modify-write.
	AtomicBalanceDelta(ctx context.Context, userID string, delta int64) (int64, error)

	// SettleSession flips the settled flag false -> true and applies every
	// balance and rating mutation in the same atomic unit. It returns
	// false when the flag was already set, in which case nothing is
	// written. A retry after a mid-flight failure therefore cannot
	// double-pay.
	SettleSession(ctx context.Context, sessionID string, deltas []BalanceDelta, ratings []RatingUpdate) (bool, error)
}

// Settler ends a session financially. Implemented by the settlement
// engine; declared here so the hub can invoke it without a dependency
// cycle.
type Settler interface {
	Settle(ctx context.Context, s *Session) error
}
