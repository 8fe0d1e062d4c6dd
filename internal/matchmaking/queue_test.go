package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagerchess/internal/game"
)

type walletGateway struct {
	mu    sync.Mutex
	users map[string]*game.UserRecord
}

func newWalletGateway(users ...*game.UserRecord) *walletGateway {
	g := &walletGateway{users: make(map[string]*game.UserRecord)}
	for _, u := range users {
		g.users[u.ID] = u
	}
	return g
}

func (g *walletGateway) balance(id string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.users[id].Balance
}

func (g *walletGateway) FindSession(context.Context, string) (*game.SessionRecord, error) {
	return nil, nil
}
func (g *walletGateway) CreateSession(context.Context, *game.SessionRecord) error  { return nil }
func (g *walletGateway) AppendMove(context.Context, string, game.MoveRecord) error { return nil }
func (g *walletGateway) UpdateStatus(context.Context, string, game.StatusUpdate) error {
	return nil
}
func (g *walletGateway) PlaceSpectatorBet(context.Context, string, game.SpectatorBet) error {
	return nil
}
func (g *walletGateway) SettleSession(context.Context, string, []game.BalanceDelta, []game.RatingUpdate) (bool, error) {
	return true, nil
}

func (g *walletGateway) LoadUser(_ context.Context, id string) (*game.UserRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u, ok := g.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (g *walletGateway) AtomicBalanceDelta(_ context.Context, id string, delta int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[id]
	if !ok {
		return 0, game.ErrValidation
	}
	if u.Balance+delta < 0 {
		return 0, game.ErrInsufficientFunds
	}
	u.Balance += delta
	return u.Balance, nil
}

type roomRecorder struct {
	mu      sync.Mutex
	created []*game.Session
	fail    bool
}

func (r *roomRecorder) CreateRoom(_ context.Context, white, black game.Seat, cfg game.RoomConfig) (*game.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, game.ErrStorageUnavailable
	}
	s, err := game.NewSession(white, black, cfg, time.Now())
	if err != nil {
		return nil, err
	}
	r.created = append(r.created, s)
	return s, nil
}

var blitz = TimeControl{Initial: 5 * time.Minute}

func TestEnqueueParksFirstSeeker(t *testing.T) {
	gw := newWalletGateway(&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200})
	q := NewQueue(gw, &roomRecorder{}, Config{})

	ticket, s, err := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if s != nil {
		t.Fatalf("lone seeker should not pair")
	}
	if ticket == nil || ticket.ID == "" {
		t.Fatalf("expected a ticket")
	}
	if q.Waiting() != 1 {
		t.Fatalf("waiting = %d, want 1", q.Waiting())
	}
	if gw.balance("alice") != 400 {
		t.Fatalf("bet not escrowed: balance %d", gw.balance("alice"))
	}
}

func TestEnqueuePairsCompatibleSeekers(t *testing.T) {
	gw := newWalletGateway(
		&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200},
		&game.UserRecord{ID: "bob", Balance: 500, Rating: 1300},
	)
	rooms := &roomRecorder{}
	q := NewQueue(gw, rooms, Config{RatingWindow: 400})

	if _, _, err := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, s, err := q.Enqueue(context.Background(), Seeker{UserID: "bob", Bet: 100, TimeControl: blitz})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if s == nil {
		t.Fatalf("compatible seekers did not pair")
	}
	if q.Waiting() != 0 {
		t.Fatalf("waiting = %d after pairing, want 0", q.Waiting())
	}
	seated := map[string]bool{}
	for _, seat := range s.Seats {
		seated[seat.UserID] = true
		if seat.Bet != 100 {
			t.Fatalf("seat bet = %d, want 100", seat.Bet)
		}
	}
	if !seated["alice"] || !seated["bob"] {
		t.Fatalf("wrong players seated: %v", seated)
	}
}

func TestEnqueueSkipsIncompatibleSeekers(t *testing.T) {
	gw := newWalletGateway(
		&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200},
		&game.UserRecord{ID: "bob", Balance: 500, Rating: 1200},
		&game.UserRecord{ID: "carol", Balance: 500, Rating: 2000},
	)
	q := NewQueue(gw, &roomRecorder{}, Config{RatingWindow: 400})

	// different bet
	q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if _, s, _ := q.Enqueue(context.Background(), Seeker{UserID: "bob", Bet: 200, TimeControl: blitz}); s != nil {
		t.Fatalf("different bets paired")
	}
	// rating gap beyond the window
	if _, s, _ := q.Enqueue(context.Background(), Seeker{UserID: "carol", Bet: 100, TimeControl: blitz}); s != nil {
		t.Fatalf("rating gap of 800 paired inside a 400 window")
	}
	if q.Waiting() != 3 {
		t.Fatalf("waiting = %d, want 3", q.Waiting())
	}
}

func TestEnqueueInsufficientFunds(t *testing.T) {
	gw := newWalletGateway(&game.UserRecord{ID: "alice", Balance: 50, Rating: 1200})
	q := NewQueue(gw, &roomRecorder{}, Config{})

	_, _, err := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if !errors.Is(err, game.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if gw.balance("alice") != 50 {
		t.Fatalf("rejected seek changed balance: %d", gw.balance("alice"))
	}
	if q.Waiting() != 0 {
		t.Fatalf("rejected seek was parked")
	}
}

func TestEnqueueUnknownUser(t *testing.T) {
	q := NewQueue(newWalletGateway(), &roomRecorder{}, Config{})
	_, _, err := q.Enqueue(context.Background(), Seeker{UserID: "ghost", Bet: 10, TimeControl: blitz})
	if !errors.Is(err, game.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCancelRefundsEscrow(t *testing.T) {
	gw := newWalletGateway(&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200})
	q := NewQueue(gw, &roomRecorder{}, Config{})

	ticket, _, err := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Cancel(context.Background(), ticket.ID, "alice"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if gw.balance("alice") != 500 {
		t.Fatalf("escrow not refunded: balance %d", gw.balance("alice"))
	}
	if q.Waiting() != 0 {
		t.Fatalf("cancelled ticket still waiting")
	}
}

func TestCancelAfterPairingFails(t *testing.T) {
	gw := newWalletGateway(
		&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200},
		&game.UserRecord{ID: "bob", Balance: 500, Rating: 1200},
	)
	q := NewQueue(gw, &roomRecorder{}, Config{})

	ticket, _, _ := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if _, s, _ := q.Enqueue(context.Background(), Seeker{UserID: "bob", Bet: 100, TimeControl: blitz}); s == nil {
		t.Fatalf("expected pairing")
	}
	if err := q.Cancel(context.Background(), ticket.ID, "alice"); !errors.Is(err, game.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict after pairing, got %v", err)
	}
}

func TestCancelWrongUserFails(t *testing.T) {
	gw := newWalletGateway(&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200})
	q := NewQueue(gw, &roomRecorder{}, Config{})

	ticket, _, _ := q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	if err := q.Cancel(context.Background(), ticket.ID, "bob"); !errors.Is(err, game.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict for wrong user, got %v", err)
	}
	if q.Waiting() != 1 {
		t.Fatalf("ticket removed by a stranger")
	}
}

func TestRoomFailureRefundsBothSeekers(t *testing.T) {
	gw := newWalletGateway(
		&game.UserRecord{ID: "alice", Balance: 500, Rating: 1200},
		&game.UserRecord{ID: "bob", Balance: 500, Rating: 1200},
	)
	rooms := &roomRecorder{fail: true}
	q := NewQueue(gw, rooms, Config{})

	q.Enqueue(context.Background(), Seeker{UserID: "alice", Bet: 100, TimeControl: blitz})
	_, _, err := q.Enqueue(context.Background(), Seeker{UserID: "bob", Bet: 100, TimeControl: blitz})
	if !errors.Is(err, game.ErrStorageUnavailable) {
		t.Fatalf("expected room creation failure, got %v", err)
	}
	if gw.balance("alice") != 500 || gw.balance("bob") != 500 {
		t.Fatalf("escrow not refunded after failed pairing: %d, %d",
			gw.balance("alice"), gw.balance("bob"))
	}
}

func TestZeroBetSeek(t *testing.T) {
	gw := newWalletGateway(
		&game.UserRecord{ID: "alice", Balance: 0, Rating: 1200},
		&game.UserRecord{ID: "bob", Balance: 0, Rating: 1200},
	)
	q := NewQueue(gw, &roomRecorder{}, Config{})

	if _, _, err := q.Enqueue(context.Background(), Seeker{UserID: "alice", TimeControl: blitz}); err != nil {
		t.Fatalf("free seek rejected: %v", err)
	}
	_, s, err := q.Enqueue(context.Background(), Seeker{UserID: "bob", TimeControl: blitz})
	if err != nil || s == nil {
		t.Fatalf("free seekers did not pair: %v", err)
	}
}
