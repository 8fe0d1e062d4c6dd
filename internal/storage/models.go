package storage

import (
	"time"

	"github.com/google/uuid"
)

// Game is the durable record of a session. Clocks are stored in
// milliseconds. Settled is the authoritative idempotency flag for
// settlement.
type Game struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	WhiteID     string    `gorm:"index"`
	BlackID     string    `gorm:"index"`
	WhiteRating int
	BlackRating int
	WhiteBet    int64
	BlackBet    int64
	WhiteClock  int64
	BlackClock  int64
	Increment   int64
	FEN         string
	Status      string `gorm:"index"`
	Winner      string
	Reason      string
	Settled     bool `gorm:"index"`
	VsAI        bool
	StartedAt   *time.Time
	LastMoveAt  *time.Time
	EndedAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Moves       []Move         `gorm:"constraint:OnDelete:CASCADE;"`
	Bets        []SpectatorBet `gorm:"constraint:OnDelete:CASCADE;"`
}

// Move stores a single move in a game.
type Move struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	GameID    uuid.UUID `gorm:"type:uuid;index"`
	Number    int
	UCI       string
	Color     string
	PlayedAt  time.Time
	CreatedAt time.Time
}

// User is a wagering account. Balance is guarded non-negative by every
// write path.
type User struct {
	ID        string `gorm:"primaryKey"`
	Balance   int64
	Rating    int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SpectatorBet is an escrowed side bet by a non-player.
type SpectatorBet struct {
	ID              uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	GameID          uuid.UUID `gorm:"type:uuid;index"`
	UserID          string    `gorm:"index"`
	Stake           int64
	PredictedWinner string
	Settled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
