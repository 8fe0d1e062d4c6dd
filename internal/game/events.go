package game

// Outbound event payloads. Every payload carries a Kind discriminator so
// clients can route on a single field. The core assumes only these
// structured events, not a specific wire encoding.

// Snapshot is the full authoritative state of a session. It is sent on
// join, on reconnect, and as a correction after a failed durable write.
type Snapshot struct {
	Kind          string           `json:"kind"`
	ID            string           `json:"id"`
	FEN           string           `json:"fen"`
	Turn          Color            `json:"turn"`
	Status        Status           `json:"status"`
	Winner        Color            `json:"winner,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	UCI           []string         `json:"uci"`
	PGN           string           `json:"pgn"`
	Clocks        map[Color]int64  `json:"clocks"` // milliseconds
	Bets          map[Color]int64  `json:"bets"`
	DrawOfferedBy Color            `json:"drawOfferedBy,omitempty"`
	Settled       bool             `json:"settled"`
	Watchers      int              `json:"watchers"`
	LastMoveAt    int64            `json:"lastMoveAt"`
}

// MoveApplied announces a validated move to all room members.
type MoveApplied struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id"`
	UCI    string          `json:"uci"`
	Number int             `json:"number"`
	Color  Color           `json:"color"`
	FEN    string          `json:"fen"`
	Turn   Color           `json:"turn"`
	Clocks map[Color]int64 `json:"clocks"`
}

// GameEnded announces a terminal state to all room members.
type GameEnded struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Status Status `json:"status"`
	Winner Color  `json:"winner,omitempty"`
	Reason string `json:"reason"`
}

// DrawOffered announces an outstanding draw offer.
type DrawOffered struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	By   Color  `json:"by"`
}

// DrawDeclined announces that an offer was cleared.
type DrawDeclined struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	By   Color  `json:"by"`
}

// ChatMessage relays room chat.
type ChatMessage struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
	At   int64  `json:"at"`
}

// PlayerReconnected notifies the room that a seated player came back.
type PlayerReconnected struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Color Color  `json:"color"`
}
