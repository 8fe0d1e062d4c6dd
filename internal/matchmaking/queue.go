// Package matchmaking pairs waiting identities into rooms. A seek
// escrows the player's bet upfront; cancelling before pairing commits
// refunds it, and once paired only resignation ends the game.
package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wagerchess/internal/game"
	"wagerchess/internal/logging"
	"wagerchess/pkg/utils"
)

// Config tunes pairing compatibility.
type Config struct {
	// RatingWindow is the widest acceptable rating gap between opponents.
	RatingWindow int
}

func (c Config) withDefaults() Config {
	if c.RatingWindow == 0 {
		c.RatingWindow = 400
	}
	return c
}

// TimeControl is the clock both seekers must agree on.
type TimeControl struct {
	Initial   time.Duration
	Increment time.Duration
}

// Seeker is one matchmaking request.
type Seeker struct {
	UserID      string
	Bet         int64
	TimeControl TimeControl
}

// Ticket is a pending (or consumed) seek.
type Ticket struct {
	ID        string
	Seeker    Seeker
	Rating    int
	CreatedAt time.Time
}

// RoomCreator produces the live room for a committed pairing.
// Implemented by the hub.
type RoomCreator interface {
	CreateRoom(ctx context.Context, white, black game.Seat, cfg game.RoomConfig) (*game.Session, error)
}

// Queue holds waiting seekers and pairs compatible ones.
type Queue struct {
	mu      sync.Mutex
	waiting []*Ticket

	gw    game.Gateway
	rooms RoomCreator
	cfg   Config
}

// NewQueue creates a matchmaking queue.
func NewQueue(gw game.Gateway, rooms RoomCreator, cfg Config) *Queue {
	return &Queue{gw: gw, rooms: rooms, cfg: cfg.withDefaults()}
}

// Enqueue escrows the seeker's bet and either pairs immediately with a
// compatible waiting seeker (returning the new session) or parks the
// ticket. A negative balance is rejected at placement with
// ErrInsufficientFunds; nothing is escrowed in that case.
func (q *Queue) Enqueue(ctx context.Context, seek Seeker) (*Ticket, *game.Session, error) {
	if seek.UserID == "" || seek.Bet < 0 || seek.TimeControl.Initial <= 0 {
		return nil, nil, fmt.Errorf("%w: bad seek", game.ErrValidation)
	}
	user, err := q.gw.LoadUser(ctx, seek.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		return nil, nil, fmt.Errorf("%w: unknown user %s", game.ErrValidation, seek.UserID)
	}
	if seek.Bet > 0 {
		if _, err := q.gw.AtomicBalanceDelta(ctx, seek.UserID, -seek.Bet); err != nil {
			return nil, nil, err
		}
	}

	t := &Ticket{
		ID:        uuid.NewString(),
		Seeker:    seek,
		Rating:    user.Rating,
		CreatedAt: time.Now(),
	}

	q.mu.Lock()
	match := q.takeCompatibleLocked(t)
	if match == nil {
		q.waiting = append(q.waiting, t)
		q.mu.Unlock()
		logging.Debugf("seek %s waiting (bet=%d rating=%d)", t.ID, seek.Bet, t.Rating)
		return t, nil, nil
	}
	q.mu.Unlock()

	// pairing has committed; neither ticket can be cancelled anymore
	white, black := t, match
	if utils.CoinFlip() {
		white, black = match, t
	}
	s, err := q.rooms.CreateRoom(ctx,
		game.Seat{UserID: white.Seeker.UserID, Rating: white.Rating, Bet: white.Seeker.Bet},
		game.Seat{UserID: black.Seeker.UserID, Rating: black.Rating, Bet: black.Seeker.Bet},
		game.RoomConfig{InitialTime: seek.TimeControl.Initial, Increment: seek.TimeControl.Increment},
	)
	if err != nil {
		q.refund(ctx, t)
		q.refund(ctx, match)
		return nil, nil, err
	}
	return t, s, nil
}

// takeCompatibleLocked removes and returns the oldest compatible waiting
// ticket, or nil.
func (q *Queue) takeCompatibleLocked(t *Ticket) *Ticket {
	for i, w := range q.waiting {
		if w.Seeker.UserID == t.Seeker.UserID {
			continue
		}
		if w.Seeker.Bet != t.Seeker.Bet || w.Seeker.TimeControl != t.Seeker.TimeControl {
			continue
		}
		diff := w.Rating - t.Rating
		if diff < 0 {
			diff = -diff
		}
		if diff > q.cfg.RatingWindow {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		return w
	}
	return nil
}

// Cancel withdraws a pending seek and refunds its escrow. It fails with
// ErrStateConflict once the ticket has paired (or never existed).
func (q *Queue) Cancel(ctx context.Context, ticketID, userID string) error {
	q.mu.Lock()
	var ticket *Ticket
	for i, w := range q.waiting {
		if w.ID == ticketID && w.Seeker.UserID == userID {
			ticket = w
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if ticket == nil {
		return game.ErrStateConflict
	}
	q.refund(ctx, ticket)
	return nil
}

func (q *Queue) refund(ctx context.Context, t *Ticket) {
	if t.Seeker.Bet <= 0 {
		return
	}
	if _, err := q.gw.AtomicBalanceDelta(ctx, t.Seeker.UserID, t.Seeker.Bet); err != nil {
		logging.Errorf("refunding seek escrow for %s: %v", t.Seeker.UserID, err)
	}
}

// Waiting returns the number of parked seeks.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}
