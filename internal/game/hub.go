package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"wagerchess/internal/logging"
)

// HubConfig tunes room lifecycle behavior.
type HubConfig struct {
	// AbandonAfter is how long a non-terminal session may sit without a
	// move before the sweep force-terminates it.
	AbandonAfter time.Duration
	// SweepEvery is the sweep interval.
	SweepEvery time.Duration
	// RetainFinished is how long terminal sessions stay cached for
	// spectators and late reconnects before eviction.
	RetainFinished time.Duration
	// ChatCooldown is the per-sender chat rate limit.
	ChatCooldown time.Duration
	// Boards overrides the rule engine factory, mainly for tests.
	Boards BoardFactory
}

func (c HubConfig) withDefaults() HubConfig {
	if c.AbandonAfter == 0 {
		c.AbandonAfter = 30 * time.Minute
	}
	if c.SweepEvery == 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.RetainFinished == 0 {
		c.RetainFinished = time.Hour
	}
	if c.ChatCooldown == 0 {
		c.ChatCooldown = 5 * time.Second
	}
	if c.Boards == nil {
		c.Boards = NewBoard
	}
	return c
}

// storageRetries bounds retry attempts for settlement-critical writes.
const storageRetries = 3

// Hub manages all live sessions: creation, hydration from durable
// storage, move coordination, and the abandonment sweep. Cross-session
// operations have no ordering relationship; within one session every
// mutation is serialized by the session lock.
type Hub struct {
	Mu       sync.Mutex
	Sessions map[string]*Session

	gw      Gateway
	settler Settler
	cfg     HubConfig
	sched   gocron.Scheduler
}

// NewHub creates a hub backed by the given gateway and settler.
func NewHub(gw Gateway, settler Settler, cfg HubConfig) *Hub {
	return &Hub{
		Sessions: make(map[string]*Session),
		gw:       gw,
		settler:  settler,
		cfg:      cfg.withDefaults(),
	}
}

// StartSweeper schedules the periodic abandonment sweep.
func (h *Hub) StartSweeper() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(h.cfg.SweepEvery),
		gocron.NewTask(func() {
			h.Sweep(context.Background(), time.Now())
		}),
	)
	if err != nil {
		return err
	}
	sched.Start()
	h.sched = sched
	return nil
}

// Stop shuts down the sweep scheduler.
func (h *Hub) Stop() {
	if h.sched != nil {
		_ = h.sched.Shutdown()
	}
}

// CreateRoom persists a new pending session and caches it. Seats carry
// the players' escrowed bets and rating snapshots.
func (h *Hub) CreateRoom(ctx context.Context, white, black Seat, cfg RoomConfig) (*Session, error) {
	s, err := NewSession(white, black, cfg, time.Now())
	if err != nil {
		return nil, err
	}
	if err := h.gw.CreateSession(ctx, s.Record()); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}
	h.Mu.Lock()
	h.Sessions[s.ID] = s
	h.Mu.Unlock()
	logging.Debugf("room %s created (%s vs %s)", s.ID, white.UserID, black.UserID)
	return s, nil
}

// Get returns the live session, checking the in-memory cache first and
// hydrating from durable storage on miss. Clock exhaustion is evaluated
// opportunistically on every lookup.
func (h *Hub) Get(ctx context.Context, id string) (*Session, error) {
	h.Mu.Lock()
	s, ok := h.Sessions[id]
	h.Mu.Unlock()
	if !ok {
		rec, err := h.gw.FindSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrRoomNotFound
		}
		hydrated, err := Hydrate(rec, h.cfg.Boards)
		if err != nil {
			return nil, err
		}
		h.Mu.Lock()
		// another goroutine may have hydrated concurrently; keep the first
		if existing, ok := h.Sessions[id]; ok {
			s = existing
		} else {
			h.Sessions[id] = hydrated
			s = hydrated
		}
		h.Mu.Unlock()
	}
	if out := s.CheckTimeout(time.Now()); out != nil {
		h.finalize(ctx, s, out)
	}
	h.ensureSettled(ctx, s)
	return s, nil
}

// JoinRoom attaches a transport channel and returns the full state
// snapshot. The room activates once both player transports are attached.
func (h *Hub) JoinRoom(ctx context.Context, id, userID string, ch chan []byte) (Snapshot, error) {
	s, err := h.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now()
	snap, info := s.Join(userID, ch, now)
	if info.Activated {
		st := StatusActive
		if err := h.gw.UpdateStatus(ctx, id, StatusUpdate{
			Status:     &st,
			StartedAt:  &now,
			LastMoveAt: &now,
		}); err != nil {
			// memory must not run ahead of durable state; revert and let
			// the player rejoin
			h.correction(ctx, s)
			return s.State(), fmt.Errorf("persisting activation: %w", err)
		}
		s.Broadcast(s.State())
	} else if info.Rejoined {
		s.Broadcast(PlayerReconnected{Kind: "playerReconnected", ID: id, Color: info.Color})
	}
	return snap, nil
}

// LeaveRoom detaches a transport channel.
func (h *Hub) LeaveRoom(ctx context.Context, id, userID string, ch chan []byte) {
	h.Mu.Lock()
	s, ok := h.Sessions[id]
	h.Mu.Unlock()
	if !ok {
		return
	}
	if ch != nil {
		s.RemoveWatcher(ch)
	}
	s.MarkDisconnected(userID)
}

// SubmitMove coordinates a move end to end: session validation, clock
// accounting, optimistic broadcast, durable append, and settlement on a
// terminal outcome. A failed durable write triggers a correction
// broadcast reverting clients to the last durable state.
func (h *Hub) SubmitMove(ctx context.Context, id, userID, uci string) (*MoveResult, error) {
	s, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.SubmitMove(userID, uci, time.Now())
	if err != nil {
		return nil, err
	}

	if res.Timeout {
		h.finalize(ctx, s, res.Outcome)
		return res, nil
	}

	// optimistic broadcast first, durable append right behind it
	s.Broadcast(MoveApplied{
		Kind:   "moveApplied",
		ID:     id,
		UCI:    res.Move.UCI,
		Number: res.Move.Number,
		Color:  res.Move.Color,
		FEN:    res.FEN,
		Turn:   res.Turn,
		Clocks: res.Clocks,
	})

	if err := h.persistMove(ctx, s, res); err != nil {
		h.correction(ctx, s)
		return nil, fmt.Errorf("persisting move: %w", err)
	}

	if res.Outcome != nil {
		h.finalize(ctx, s, res.Outcome)
	}
	return res, nil
}

func (h *Hub) persistMove(ctx context.Context, s *Session, res *MoveResult) error {
	if err := h.gw.AppendMove(ctx, s.ID, *res.Move); err != nil {
		return err
	}
	wc := time.Duration(res.Clocks[White]) * time.Millisecond
	bc := time.Duration(res.Clocks[Black]) * time.Millisecond
	upd := StatusUpdate{
		FEN:        &res.FEN,
		WhiteClock: &wc,
		BlackClock: &bc,
		LastMoveAt: &res.Move.PlayedAt,
	}
	if res.Activated {
		st := StatusActive
		upd.Status = &st
		upd.StartedAt = &res.Move.PlayedAt
	}
	return h.gw.UpdateStatus(ctx, s.ID, upd)
}

// Resign completes the game in favor of the opponent.
func (h *Hub) Resign(ctx context.Context, id, userID string) (*Outcome, error) {
	s, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Resign(userID, time.Now())
	if err != nil {
		return nil, err
	}
	h.finalize(ctx, s, out)
	return out, nil
}

// OfferDraw records and announces an outstanding draw offer.
func (h *Hub) OfferDraw(ctx context.Context, id, userID string) error {
	s, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	color, err := s.OfferDraw(userID)
	if err != nil {
		return err
	}
	s.Broadcast(DrawOffered{Kind: "drawOffered", ID: id, By: color})
	return nil
}

// RespondDraw accepts or declines the outstanding offer.
func (h *Hub) RespondDraw(ctx context.Context, id, userID string, accept bool) (*Outcome, error) {
	s, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.RespondDraw(userID, accept, time.Now())
	if err != nil {
		return nil, err
	}
	if out == nil {
		s.Mu.Lock()
		by, _ := s.seatOfLocked(userID)
		s.Mu.Unlock()
		s.Broadcast(DrawDeclined{Kind: "drawDeclined", ID: id, By: by})
		return nil, nil
	}
	h.finalize(ctx, s, out)
	return out, nil
}

// PlaceSpectatorBet escrows a side bet on the outcome. The stake is
// debited strictly before the bet enters the session's book: a bet must
// never be visible to settlement until its money is held.
func (h *Hub) PlaceSpectatorBet(ctx context.Context, id, userID string, stake int64, predicted Color) error {
	if stake <= 0 {
		return fmt.Errorf("%w: stake must be positive", ErrValidation)
	}
	s, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := h.gw.AtomicBalanceDelta(ctx, userID, -stake); err != nil {
		return err
	}
	bet := SpectatorBet{UserID: userID, Stake: stake, PredictedWinner: predicted}
	if err := s.AddSpectatorBet(bet); err != nil {
		h.refundStake(ctx, userID, stake)
		return err
	}
	if err := h.gw.PlaceSpectatorBet(ctx, id, bet); err != nil {
		if s.retractSpectatorBet(bet) {
			h.refundStake(ctx, userID, stake)
		}
		return err
	}
	return nil
}

func (h *Hub) refundStake(ctx context.Context, userID string, stake int64) {
	if _, err := h.gw.AtomicBalanceDelta(ctx, userID, stake); err != nil {
		logging.Errorf("refunding spectator stake for %s: %v", userID, err)
	}
}

// retractSpectatorBet removes the most recent unsettled bet matching the
// given one, undoing a booking whose durable persist failed. Returns
// false when the bet was already consumed by a settlement, in which case
// the stake must not be refunded a second time.
func (s *Session) retractSpectatorBet(bet SpectatorBet) bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	for i := len(s.SpectatorBets) - 1; i >= 0; i-- {
		b := s.SpectatorBets[i]
		if !b.Settled && b.UserID == bet.UserID && b.Stake == bet.Stake && b.PredictedWinner == bet.PredictedWinner {
			s.SpectatorBets = append(s.SpectatorBets[:i], s.SpectatorBets[i+1:]...)
			return true
		}
	}
	return false
}

// Chat relays a room-scoped message with a per-sender cooldown.
func (h *Hub) Chat(ctx context.Context, id, from, text string) error {
	if text == "" || len(text) > 500 {
		return fmt.Errorf("%w: bad chat message", ErrValidation)
	}
	s, err := h.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	if ok, wait := s.CanChat(from, h.cfg.ChatCooldown, now); !ok {
		return fmt.Errorf("%w: chat cooldown %ds", ErrValidation, wait)
	}
	s.Broadcast(ChatMessage{Kind: "chat", ID: id, From: from, Text: text, At: now.UnixMilli()})
	return nil
}

// finalize persists the terminal state, announces it, and settles. The
// settled flag inside the gateway guarantees at-most-once payouts even
// if finalize runs more than once for the same session.
func (h *Hub) finalize(ctx context.Context, s *Session, out *Outcome) {
	if out == nil {
		return
	}
	rec := s.Record()
	upd := StatusUpdate{
		Status:     &rec.Status,
		Winner:     &rec.Winner,
		Reason:     &rec.Reason,
		WhiteClock: &rec.WhiteClock,
		BlackClock: &rec.BlackClock,
		EndedAt:    &rec.EndedAt,
	}
	err := withRetry(storageRetries, func() error {
		return h.gw.UpdateStatus(ctx, s.ID, upd)
	})
	if err != nil {
		logging.Errorf("persisting terminal state of %s: %v", s.ID, err)
		h.correction(ctx, s)
		return
	}

	s.Broadcast(GameEnded{
		Kind:   "gameEnded",
		ID:     s.ID,
		Status: rec.Status,
		Winner: out.Winner,
		Reason: out.Reason,
	})

	if h.settler != nil {
		if err := h.settler.Settle(ctx, s); err != nil {
			logging.Errorf("settling %s: %v", s.ID, err)
		}
	}
}

// correction reverts the in-memory session to the last durable state and
// broadcasts the authoritative snapshot, so optimistic client state gets
// reconciled.
func (h *Hub) correction(ctx context.Context, s *Session) {
	rec, err := h.gw.FindSession(ctx, s.ID)
	if err != nil || rec == nil {
		logging.Errorf("correction reload of %s failed: %v", s.ID, err)
		s.Broadcast(s.State())
		return
	}
	if err := s.resetTo(rec, h.cfg.Boards); err != nil {
		logging.Errorf("correction reset of %s failed: %v", s.ID, err)
	}
	s.Broadcast(s.State())
}

// resetTo swaps the session state for the persisted record, keeping the
// attached watchers.
func (s *Session) resetTo(rec *SessionRecord, factory BoardFactory) error {
	fresh, err := Hydrate(rec, factory)
	if err != nil {
		return err
	}
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Seats = fresh.Seats
	s.Status = fresh.Status
	s.Moves = fresh.Moves
	s.Board = fresh.Board
	s.Result = fresh.Result
	s.SpectatorBets = fresh.SpectatorBets
	s.Settled = fresh.Settled
	s.DrawOfferedBy = ""
	s.StartedAt = fresh.StartedAt
	s.LastMoveAt = fresh.LastMoveAt
	s.EndedAt = fresh.EndedAt
	return nil
}

// Sweep is one pass of the abandonment sweep: expire overdue clocks,
// force-terminate sessions idle past the threshold, re-attempt any
// settlement that lost its storage window, and evict terminal sessions
// past the retention window. An unsettled terminal session is never
// evicted; dropping it would orphan the escrowed stakes. Durable records
// are never deleted.
func (h *Hub) Sweep(ctx context.Context, now time.Time) {
	h.Mu.Lock()
	sessions := make([]*Session, 0, len(h.Sessions))
	for _, s := range h.Sessions {
		sessions = append(sessions, s)
	}
	h.Mu.Unlock()

	for _, s := range sessions {
		if out := s.CheckTimeout(now); out != nil {
			h.finalize(ctx, s, out)
		}

		s.Mu.Lock()
		terminal := s.Status.Terminal()
		endedAt := s.EndedAt
		idle := now.Sub(s.lastTickLocked())
		s.Mu.Unlock()

		switch {
		case !terminal && idle > h.cfg.AbandonAfter:
			if out := s.Abandon(now); out != nil {
				logging.Debugf("sweep abandoning idle session %s", s.ID)
				h.finalize(ctx, s, out)
			}
			if h.ensureSettled(ctx, s) {
				h.evict(s.ID)
			}
		case terminal:
			if !h.ensureSettled(ctx, s) {
				continue
			}
			if !endedAt.IsZero() && now.Sub(endedAt) > h.cfg.RetainFinished {
				h.evict(s.ID)
			}
		}
	}
}

// ensureSettled re-attempts settlement for a terminal session whose
// payouts have not landed, and reports whether the session is settled.
// Safe to call repeatedly; the engine's latch and the durable settled
// flag make it a no-op once applied.
func (h *Hub) ensureSettled(ctx context.Context, s *Session) bool {
	if h.settler == nil {
		return true
	}
	s.Mu.Lock()
	terminal := s.Status.Terminal()
	settled := s.Settled
	s.Mu.Unlock()
	if !terminal || settled {
		return true
	}
	if err := h.settler.Settle(ctx, s); err != nil {
		logging.Errorf("settling %s: %v", s.ID, err)
	}
	s.Mu.Lock()
	settled = s.Settled
	s.Mu.Unlock()
	return settled
}

func (h *Hub) evict(id string) {
	h.Mu.Lock()
	delete(h.Sessions, id)
	h.Mu.Unlock()
}

// withRetry retries f while it keeps failing with a transient storage
// error, up to the attempt bound.
func withRetry(attempts int, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = f()
		if err == nil || !errors.Is(err, ErrStorageUnavailable) {
			return err
		}
	}
	return err
}
