package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"wagerchess/internal/game"
)

// stubGateway implements game.Gateway; only SettleSession matters here.
type stubGateway struct {
	calls     int
	deltas    []game.BalanceDelta
	ratings   []game.RatingUpdate
	applied   bool
	failTimes int
}

func (g *stubGateway) FindSession(context.Context, string) (*game.SessionRecord, error) {
	return nil, nil
}
func (g *stubGateway) CreateSession(context.Context, *game.SessionRecord) error  { return nil }
func (g *stubGateway) AppendMove(context.Context, string, game.MoveRecord) error { return nil }
func (g *stubGateway) UpdateStatus(context.Context, string, game.StatusUpdate) error {
	return nil
}
func (g *stubGateway) PlaceSpectatorBet(context.Context, string, game.SpectatorBet) error {
	return nil
}
func (g *stubGateway) LoadUser(context.Context, string) (*game.UserRecord, error) {
	return nil, nil
}
func (g *stubGateway) AtomicBalanceDelta(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (g *stubGateway) SettleSession(_ context.Context, _ string, deltas []game.BalanceDelta, ratings []game.RatingUpdate) (bool, error) {
	g.calls++
	if g.failTimes > 0 {
		g.failTimes--
		return false, fmt.Errorf("%w: down", game.ErrStorageUnavailable)
	}
	g.deltas = deltas
	g.ratings = ratings
	return g.applied, nil
}

func testSession(status game.Status, winner game.Color, reason string) *game.Session {
	s := &game.Session{
		ID:     "s1",
		Status: status,
		Seats: map[game.Color]*game.Seat{
			game.White: {UserID: "alice", Rating: 1200, Bet: 100},
			game.Black: {UserID: "bob", Rating: 1200, Bet: 100},
		},
	}
	if status.Terminal() {
		s.Result = &game.Outcome{Winner: winner, Reason: reason}
	}
	return s
}

func deltaFor(deltas []game.BalanceDelta, user string) (int64, bool) {
	for _, d := range deltas {
		if d.UserID == user {
			return d.Delta, true
		}
	}
	return 0, false
}

func TestDecisiveWinnerTakesPot(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if !res.Applied {
		t.Fatalf("expected settlement applied")
	}
	if d, ok := deltaFor(res.Deltas, "alice"); !ok || d != 200 {
		t.Fatalf("winner delta = %d, want 200", d)
	}
	if _, ok := deltaFor(res.Deltas, "bob"); ok {
		t.Fatalf("loser should receive nothing")
	}
}

func TestDrawRefundsBothBets(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusDraw, "", game.ReasonDrawAgreed)

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if d, _ := deltaFor(res.Deltas, "alice"); d != 100 {
		t.Fatalf("white refund = %d, want 100", d)
	}
	if d, _ := deltaFor(res.Deltas, "bob"); d != 100 {
		t.Fatalf("black refund = %d, want 100", d)
	}
}

func TestAbandonedRefundsWithoutRatingChange(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusAbandoned, "", game.ReasonAbandoned)
	s.SpectatorBets = []game.SpectatorBet{{UserID: "carol", Stake: 40, PredictedWinner: game.White}}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if len(res.Ratings) != 0 {
		t.Fatalf("abandoned game changed ratings: %+v", res.Ratings)
	}
	if d, _ := deltaFor(res.Deltas, "carol"); d != 40 {
		t.Fatalf("spectator refund = %d, want 40", d)
	}
}

func TestSpectatorPoolSplitsProportionally(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonResignation)
	s.SpectatorBets = []game.SpectatorBet{
		{UserID: "s1", Stake: 50, PredictedWinner: game.White},
		{UserID: "s2", Stake: 50, PredictedWinner: game.Black},
	}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if d, _ := deltaFor(res.Deltas, "s1"); d != 100 {
		t.Fatalf("winning spectator delta = %d, want stake+share=100", d)
	}
	if _, ok := deltaFor(res.Deltas, "s2"); ok {
		t.Fatalf("losing spectator should receive nothing")
	}
	if res.HouseRemainder != 0 {
		t.Fatalf("remainder = %d, want 0", res.HouseRemainder)
	}
}

func TestSpectatorFloorRemainderGoesToHouse(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)
	// winning pool 9 in stakes of 3; losing pool 10; each share floors to 3
	s.SpectatorBets = []game.SpectatorBet{
		{UserID: "w1", Stake: 3, PredictedWinner: game.White},
		{UserID: "w2", Stake: 3, PredictedWinner: game.White},
		{UserID: "w3", Stake: 3, PredictedWinner: game.White},
		{UserID: "l1", Stake: 10, PredictedWinner: game.Black},
	}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	var paid int64
	for _, u := range []string{"w1", "w2", "w3"} {
		d, _ := deltaFor(res.Deltas, u)
		if d != 6 {
			t.Fatalf("%s delta = %d, want 6", u, d)
		}
		paid += d - 3
	}
	if res.HouseRemainder != 10-paid {
		t.Fatalf("remainder = %d, want %d", res.HouseRemainder, 10-paid)
	}
	if res.HouseRemainder != 1 {
		t.Fatalf("remainder = %d, want 1", res.HouseRemainder)
	}
}

func TestSpectatorEmptyLosingSide(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.Black, game.ReasonTimeout)
	s.SpectatorBets = []game.SpectatorBet{
		{UserID: "s1", Stake: 25, PredictedWinner: game.Black},
	}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if d, _ := deltaFor(res.Deltas, "s1"); d != 25 {
		t.Fatalf("delta = %d, want stake back only", d)
	}
}

func TestSpectatorNobodyPickedWinner(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)
	s.SpectatorBets = []game.SpectatorBet{
		{UserID: "s1", Stake: 30, PredictedWinner: game.Black},
		{UserID: "s2", Stake: 20, PredictedWinner: game.Black},
	}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	for _, u := range []string{"s1", "s2"} {
		if _, ok := deltaFor(res.Deltas, u); ok {
			t.Fatalf("%s paid despite wrong prediction", u)
		}
	}
	if res.HouseRemainder != 50 {
		t.Fatalf("remainder = %d, want forfeited 50", res.HouseRemainder)
	}
}

func TestPayoutsNeverExceedEscrow(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)
	s.SpectatorBets = []game.SpectatorBet{
		{UserID: "w1", Stake: 17, PredictedWinner: game.White},
		{UserID: "w2", Stake: 5, PredictedWinner: game.White},
		{UserID: "l1", Stake: 13, PredictedWinner: game.Black},
		{UserID: "l2", Stake: 8, PredictedWinner: game.Black},
	}

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	var escrowed int64 = 100 + 100 // player bets
	for _, b := range s.SpectatorBets {
		escrowed += b.Stake
	}
	var paid int64
	for _, d := range res.Deltas {
		paid += d.Delta
	}
	if paid+res.HouseRemainder != escrowed {
		t.Fatalf("paid %d + remainder %d != escrowed %d", paid, res.HouseRemainder, escrowed)
	}
}

func TestRatingsSymmetricFromOneSnapshot(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{EloK: 32})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)
	s.Seats[game.White].Rating = 1400
	s.Seats[game.Black].Rating = 1200

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if len(res.Ratings) != 2 {
		t.Fatalf("expected two rating updates, got %d", len(res.Ratings))
	}
	byUser := map[string]int{}
	for _, r := range res.Ratings {
		byUser[r.UserID] = r.Rating
	}
	if byUser["alice"] != 1408 {
		t.Fatalf("white rating = %d, want 1408", byUser["alice"])
	}
	if byUser["bob"] != 1192 {
		t.Fatalf("black rating = %d, want 1192", byUser["bob"])
	}
}

func TestEloDelta(t *testing.T) {
	cases := []struct {
		own, opp int
		score    float64
		want     int
	}{
		{1200, 1200, 1, 16},
		{1200, 1200, 0, -16},
		{1200, 1200, 0.5, 0},
		{1400, 1200, 1, 8},
		{1200, 1400, 0, -8},
	}
	for _, c := range cases {
		if got := EloDelta(c.own, c.opp, c.score, 32); got != c.want {
			t.Errorf("EloDelta(%d,%d,%v) = %d, want %d", c.own, c.opp, c.score, got, c.want)
		}
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)

	if err := e.Settle(context.Background(), s); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if !s.Settled {
		t.Fatalf("session not marked settled")
	}
	for i := 0; i < 3; i++ {
		if err := e.Settle(context.Background(), s); err != nil {
			t.Fatalf("repeat settle: %v", err)
		}
	}
	if gw.calls != 1 {
		t.Fatalf("gateway invoked %d times, want 1", gw.calls)
	}
}

func TestSettleLosesDurableRace(t *testing.T) {
	gw := &stubGateway{applied: false}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)

	res, err := e.SettleResult(context.Background(), s)
	if err != nil {
		t.Fatalf("SettleResult: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected no-op when another settle already applied")
	}
	if !s.Settled {
		t.Fatalf("session should still be marked settled locally")
	}
}

func TestSettleRetriesTransientFailures(t *testing.T) {
	gw := &stubGateway{applied: true, failTimes: 2}
	e := NewEngine(gw, Config{Retries: 3})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)

	if err := e.Settle(context.Background(), s); err != nil {
		t.Fatalf("settle with transient failures: %v", err)
	}
	if gw.calls != 3 {
		t.Fatalf("gateway invoked %d times, want 3", gw.calls)
	}
}

func TestSettleGivesUpAfterRetries(t *testing.T) {
	gw := &stubGateway{applied: true, failTimes: 10}
	e := NewEngine(gw, Config{Retries: 3})
	s := testSession(game.StatusCompleted, game.White, game.ReasonCheckmate)

	err := e.Settle(context.Background(), s)
	if !errors.Is(err, game.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if s.Settled {
		t.Fatalf("failed settle must not mark session settled")
	}
	// latch released; a later attempt succeeds
	gw.failTimes = 0
	if err := e.Settle(context.Background(), s); err != nil {
		t.Fatalf("settle after recovery: %v", err)
	}
	if !s.Settled {
		t.Fatalf("session not settled after recovery")
	}
}

func TestSettleNonTerminalRejected(t *testing.T) {
	gw := &stubGateway{applied: true}
	e := NewEngine(gw, Config{})
	s := testSession(game.StatusActive, "", "")

	if err := e.Settle(context.Background(), s); !errors.Is(err, game.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("gateway touched for a non-terminal session")
	}
}
