package game

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSession builds a fresh live session for two seats. The session
// starts pending; it activates once both player transports attach, or on
// the first move for AI rooms.
func NewSession(white, black Seat, cfg RoomConfig, now time.Time) (*Session, error) {
	board, err := NewBoard(nil)
	if err != nil {
		return nil, err
	}
	white.Remaining = cfg.InitialTime
	black.Remaining = cfg.InitialTime
	return &Session{
		ID:        uuid.NewString(),
		Seats:     map[Color]*Seat{White: &white, Black: &black},
		Status:    StatusPending,
		Board:     board,
		Increment: cfg.Increment,
		VsAI:      cfg.VsAI,
		Watchers:  make(map[chan []byte]struct{}),
		Connected: make(map[Color]bool),
		LastChat:  make(map[string]time.Time),
		CreatedAt: now,
	}, nil
}

// Hydrate rebuilds a live session from a persisted record, replaying the
// move log through the rule engine.
func Hydrate(rec *SessionRecord, factory BoardFactory) (*Session, error) {
	if factory == nil {
		factory = NewBoard
	}
	uci := make([]string, len(rec.Moves))
	for i, m := range rec.Moves {
		uci[i] = m.UCI
	}
	board, err := factory(uci)
	if err != nil {
		return nil, fmt.Errorf("hydrating session %s: %w", rec.ID, err)
	}
	s := &Session{
		ID: rec.ID,
		Seats: map[Color]*Seat{
			White: {UserID: rec.WhiteID, Rating: rec.WhiteRating, Bet: rec.WhiteBet, Remaining: rec.WhiteClock},
			Black: {UserID: rec.BlackID, Rating: rec.BlackRating, Bet: rec.BlackBet, Remaining: rec.BlackClock},
		},
		Status:        rec.Status,
		Moves:         rec.Moves,
		Board:         board,
		SpectatorBets: rec.Spectators,
		Settled:       rec.Settled,
		Increment:     rec.Increment,
		VsAI:          rec.VsAI,
		Watchers:      make(map[chan []byte]struct{}),
		Connected:     make(map[Color]bool),
		LastChat:      make(map[string]time.Time),
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
		LastMoveAt:    rec.LastMoveAt,
		EndedAt:       rec.EndedAt,
	}
	if rec.Status.Terminal() {
		s.Result = &Outcome{Winner: rec.Winner, Reason: rec.Reason}
	}
	return s, nil
}

// MoveResult describes a successfully coordinated move, or a clock
// expiry detected while coordinating one.
type MoveResult struct {
	Move      *MoveRecord // nil when the clock expired first
	Timeout   bool
	Outcome   *Outcome // non-nil when the session reached a terminal state
	Status    Status
	FEN       string
	Turn      Color
	Clocks    map[Color]int64
	Activated bool // pending -> active happened on this move
}

// seatOfLocked resolves a user to their color. Must be called with the
// lock held.
func (s *Session) seatOfLocked(userID string) (Color, bool) {
	for c, seat := range s.Seats {
		if seat.UserID == userID && userID != "" {
			return c, true
		}
	}
	return "", false
}

// turnLocked derives whose turn it is from move log parity.
func (s *Session) turnLocked() Color {
	if len(s.Moves)%2 == 0 {
		return White
	}
	return Black
}

func (s *Session) lastTickLocked() time.Time {
	if !s.LastMoveAt.IsZero() {
		return s.LastMoveAt
	}
	if !s.StartedAt.IsZero() {
		return s.StartedAt
	}
	return s.CreatedAt
}

func (s *Session) clocksLocked() map[Color]int64 {
	return map[Color]int64{
		White: s.Seats[White].Remaining.Milliseconds(),
		Black: s.Seats[Black].Remaining.Milliseconds(),
	}
}

// completeLocked advances to a terminal state. Transitions are
// monotonic: a session that is already terminal keeps its first result.
func (s *Session) completeLocked(st Status, winner Color, reason string, now time.Time) *Outcome {
	if s.Status.Terminal() {
		return s.Result
	}
	if statusRank[st] < statusRank[s.Status] {
		return s.Result
	}
	s.Status = st
	s.Result = &Outcome{Winner: winner, Reason: reason}
	s.EndedAt = now
	s.DrawOfferedBy = ""
	return s.Result
}

// SubmitMove validates and applies a move for the given user.
// Authorization and validation failures leave the session untouched.
func (s *Session) SubmitMove(userID, uci string, now time.Time) (*MoveResult, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	color, ok := s.seatOfLocked(userID)
	if !ok {
		return nil, ErrNotParticipant
	}
	switch s.Status {
	case StatusActive:
	case StatusPending:
		// only AI rooms start on the first move; human rooms activate
		// when both transports attach
		if !s.VsAI {
			return nil, ErrGameNotActive
		}
	default:
		return nil, ErrGameNotActive
	}
	if s.turnLocked() != color {
		return nil, ErrNotYourTurn
	}

	activated := false
	if s.Status == StatusPending {
		s.Status = StatusActive
		s.StartedAt = now
		s.LastMoveAt = now
		activated = true
	}

	seat := s.Seats[color]
	elapsed := now.Sub(s.lastTickLocked())
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= seat.Remaining {
		// flag fell before the move landed
		seat.Remaining = 0
		out := s.completeLocked(StatusCompleted, color.Opponent(), ReasonTimeout, now)
		return &MoveResult{
			Timeout: true,
			Outcome: out,
			Status:  s.Status,
			FEN:     s.Board.FEN(),
			Turn:    s.turnLocked(),
			Clocks:  s.clocksLocked(),
		}, nil
	}

	if err := s.Board.Move(uci); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	seat.Remaining -= elapsed
	seat.Remaining += s.Increment
	mv := MoveRecord{Number: len(s.Moves) + 1, UCI: uci, Color: color, PlayedAt: now}
	s.Moves = append(s.Moves, mv)
	s.LastMoveAt = now
	if s.DrawOfferedBy != "" && s.DrawOfferedBy != color {
		// moving instead of responding declines the outstanding offer
		s.DrawOfferedBy = ""
	}

	res := &MoveResult{
		Move:      &mv,
		Status:    s.Status,
		FEN:       s.Board.FEN(),
		Turn:      s.turnLocked(),
		Clocks:    s.clocksLocked(),
		Activated: activated,
	}
	if done, winner, reason := s.Board.Outcome(); done {
		st := StatusCompleted
		if winner == "" {
			st = StatusDraw
		}
		res.Outcome = s.completeLocked(st, winner, reason, now)
		res.Status = s.Status
	}
	return res, nil
}

// Resign immediately completes the game with the other player as winner.
// A second call fails ErrGameNotActive. Resignation is the only way to
// cancel a session once pairing has committed, so pending rooms accept
// it too.
func (s *Session) Resign(userID string, now time.Time) (*Outcome, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	color, ok := s.seatOfLocked(userID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if s.Status.Terminal() {
		return nil, ErrGameNotActive
	}
	s.ResignedBy = color
	return s.completeLocked(StatusCompleted, color.Opponent(), ReasonResignation, now), nil
}

// OfferDraw records an outstanding draw offer. Only one offer may be
// outstanding at a time.
func (s *Session) OfferDraw(userID string) (Color, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	color, ok := s.seatOfLocked(userID)
	if !ok {
		return "", ErrNotParticipant
	}
	if s.Status != StatusActive {
		return "", ErrGameNotActive
	}
	if s.DrawOfferedBy != "" {
		return "", ErrStateConflict
	}
	s.DrawOfferedBy = color
	return color, nil
}

// RespondDraw accepts or declines the outstanding offer. The responder
// must not be the original offerer.
func (s *Session) RespondDraw(userID string, accept bool, now time.Time) (*Outcome, error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	color, ok := s.seatOfLocked(userID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if s.Status != StatusActive {
		return nil, ErrGameNotActive
	}
	if s.DrawOfferedBy == "" {
		return nil, ErrStateConflict
	}
	if s.DrawOfferedBy == color {
		return nil, ErrNotYourTurn
	}
	if !accept {
		s.DrawOfferedBy = ""
		return nil, nil
	}
	return s.completeLocked(StatusDraw, "", ReasonDrawAgreed, now), nil
}

// CheckTimeout evaluates clock exhaustion opportunistically. There is no
// per-session timer; this runs on the next interaction touching the
// session and on sweep passes.
func (s *Session) CheckTimeout(now time.Time) *Outcome {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.Status != StatusActive {
		return nil
	}
	mover := s.turnLocked()
	seat := s.Seats[mover]
	if now.Sub(s.lastTickLocked()) < seat.Remaining {
		return nil
	}
	seat.Remaining = 0
	return s.completeLocked(StatusCompleted, mover.Opponent(), ReasonTimeout, now)
}

// Abandon force-terminates a dead session. Used by the sweep; returns
// nil when the session is already terminal.
func (s *Session) Abandon(now time.Time) *Outcome {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if s.Status.Terminal() {
		return nil
	}
	return s.completeLocked(StatusAbandoned, "", ReasonAbandoned, now)
}

// IdleSince returns the last point of session activity, for the sweep.
func (s *Session) IdleSince() time.Time {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.lastTickLocked()
}

// JoinInfo describes what a join did.
type JoinInfo struct {
	Seated    bool
	Color     Color
	Activated bool // pending -> active happened on this join
	Rejoined  bool // a previously disconnected player came back
}

// Join attaches a watcher channel and, for seated players, marks the
// seat connected. Joining twice is idempotent for membership; every
// attached transport receives broadcasts.
func (s *Session) Join(userID string, ch chan []byte, now time.Time) (Snapshot, JoinInfo) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if ch != nil {
		s.Watchers[ch] = struct{}{}
	}
	var info JoinInfo
	if color, ok := s.seatOfLocked(userID); ok {
		info.Seated = true
		info.Color = color
		info.Rejoined = !s.Connected[color] && !s.StartedAt.IsZero()
		s.Connected[color] = true
		if s.Status == StatusPending && !s.VsAI && s.Connected[White] && s.Connected[Black] {
			s.Status = StatusActive
			s.StartedAt = now
			s.LastMoveAt = now
			info.Activated = true
		}
	}
	return s.stateLocked(), info
}

// RemoveWatcher detaches a watcher channel.
func (s *Session) RemoveWatcher(ch chan []byte) {
	s.Mu.Lock()
	delete(s.Watchers, ch)
	s.Mu.Unlock()
}

// MarkDisconnected clears the connected flag for a seated player.
// Session liveness is unaffected; only the abandonment sweep terminates
// dead sessions.
func (s *Session) MarkDisconnected(userID string) {
	s.Mu.Lock()
	if color, ok := s.seatOfLocked(userID); ok {
		s.Connected[color] = false
	}
	s.Mu.Unlock()
}

// AddSpectatorBet records an escrowed side bet. Players cannot bet on
// their own game and terminal sessions accept no bets.
func (s *Session) AddSpectatorBet(bet SpectatorBet) error {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if _, ok := s.seatOfLocked(bet.UserID); ok {
		return fmt.Errorf("%w: players cannot place side bets", ErrValidation)
	}
	if s.Status.Terminal() {
		return ErrGameNotActive
	}
	s.SpectatorBets = append(s.SpectatorBets, bet)
	return nil
}

// CanChat checks the per-sender chat cooldown.
func (s *Session) CanChat(sender string, cooldown time.Duration, now time.Time) (bool, int) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	if t, ok := s.LastChat[sender]; ok && now.Sub(t) < cooldown {
		wait := int((cooldown - now.Sub(t)).Seconds()) + 1
		return false, wait
	}
	s.LastChat[sender] = now
	return true, 0
}

// SettlingLocked reports whether a settlement is in flight (must be
// called with lock held).
func (s *Session) SettlingLocked() bool {
	return s.settling
}

// SetSettlingLocked latches the in-flight settlement guard (must be
// called with lock held).
func (s *Session) SetSettlingLocked(v bool) {
	s.settling = v
}

// StateLocked returns the authoritative snapshot (must be called with
// lock held).
func (s *Session) StateLocked() Snapshot {
	return s.stateLocked()
}

func (s *Session) stateLocked() Snapshot {
	snap := Snapshot{
		Kind:   "state",
		ID:     s.ID,
		FEN:    s.Board.FEN(),
		Turn:   s.turnLocked(),
		Status: s.Status,
		UCI:    s.Board.MovesUCI(),
		PGN:    s.Board.PGN(),
		Clocks: s.clocksLocked(),
		Bets: map[Color]int64{
			White: s.Seats[White].Bet,
			Black: s.Seats[Black].Bet,
		},
		DrawOfferedBy: s.DrawOfferedBy,
		Settled:       s.Settled,
		Watchers:      len(s.Watchers),
		LastMoveAt:    s.LastMoveAt.UnixMilli(),
	}
	if s.Result != nil {
		snap.Winner = s.Result.Winner
		snap.Reason = s.Result.Reason
	}
	return snap
}

// State returns the authoritative snapshot.
func (s *Session) State() Snapshot {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.stateLocked()
}

// Record converts the live session into its storage-neutral shape.
func (s *Session) Record() *SessionRecord {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	rec := &SessionRecord{
		ID:          s.ID,
		WhiteID:     s.Seats[White].UserID,
		BlackID:     s.Seats[Black].UserID,
		WhiteRating: s.Seats[White].Rating,
		BlackRating: s.Seats[Black].Rating,
		WhiteBet:    s.Seats[White].Bet,
		BlackBet:    s.Seats[Black].Bet,
		WhiteClock:  s.Seats[White].Remaining,
		BlackClock:  s.Seats[Black].Remaining,
		Increment:   s.Increment,
		Status:      s.Status,
		Settled:     s.Settled,
		VsAI:        s.VsAI,
		Moves:       s.Moves,
		Spectators:  s.SpectatorBets,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		LastMoveAt:  s.LastMoveAt,
		EndedAt:     s.EndedAt,
	}
	if s.Result != nil {
		rec.Winner = s.Result.Winner
		rec.Reason = s.Result.Reason
	}
	return rec
}

// Broadcast sends a payload to all attached watcher channels. Slow
// watchers are skipped rather than blocking the room.
func (s *Session) Broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.Mu.Lock()
	for ch := range s.Watchers {
		select {
		case ch <- data:
		default:
		}
	}
	s.Mu.Unlock()
}
