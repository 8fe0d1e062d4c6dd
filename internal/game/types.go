package game

import (
	"sync"
	"time"
)

// Color identifies a side of the board.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// ParseColor validates a client-supplied color string.
func ParseColor(s string) (Color, bool) {
	switch Color(s) {
	case White, Black:
		return Color(s), true
	}
	return "", false
}

// Status is the lifecycle state of a session. Transitions are monotonic:
// pending may only advance to active or abandoned, active only to a
// terminal state, and terminal states never change.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDraw      Status = "draw"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDraw, StatusAbandoned:
		return true
	}
	return false
}

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusActive:    1,
	StatusCompleted: 2,
	StatusDraw:      2,
	StatusAbandoned: 2,
}

// Terminal reasons carried on Outcome and in gameEnded broadcasts.
const (
	ReasonCheckmate   = "checkmate"
	ReasonStalemate   = "stalemate"
	ReasonTimeout     = "timeout"
	ReasonResignation = "resignation"
	ReasonDrawAgreed  = "draw_agreed"
	ReasonAbandoned   = "abandoned"
)

// Seat holds one player's slot in a session. Rating and Bet are
// snapshotted at room creation; Remaining is the live clock.
type Seat struct {
	UserID    string
	Rating    int
	Bet       int64
	Remaining time.Duration
}

// MoveRecord is one entry of the ordered move log. Number is 1-based.
type MoveRecord struct {
	Number   int
	UCI      string
	Color    Color
	PlayedAt time.Time
}

// SpectatorBet is a side bet by a non-player on the outcome. Stake is
// escrowed at placement.
type SpectatorBet struct {
	UserID          string
	Stake           int64
	PredictedWinner Color
	Settled         bool
}

// Outcome describes a terminal result. Winner is empty for draws and
// abandonment.
type Outcome struct {
	Winner Color
	Reason string
}

// RoomConfig carries creation-time options for a session.
type RoomConfig struct {
	InitialTime time.Duration
	Increment   time.Duration
	VsAI        bool
}

// Session is a live chess room. All mutation happens under Mu; the hub
// serializes persistence around it. One session is independent of every
// other session.
type Session struct {
	Mu sync.Mutex

	ID    string
	Seats map[Color]*Seat

	Status Status
	Moves  []MoveRecord
	Board  Board

	DrawOfferedBy Color
	ResignedBy    Color
	Result        *Outcome

	SpectatorBets []SpectatorBet

	// Settled is the in-memory mirror of the durable idempotency flag;
	// settling latches while a settlement is in flight.
	Settled  bool
	settling bool

	Increment time.Duration
	VsAI      bool

	Watchers  map[chan []byte]struct{}
	Connected map[Color]bool
	LastChat  map[string]time.Time

	CreatedAt  time.Time
	StartedAt  time.Time
	LastMoveAt time.Time
	EndedAt    time.Time
}
