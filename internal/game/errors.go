package game

import "errors"

// Error taxonomy for session operations. Validation and authorization
// failures never mutate state and are reported only to the caller,
// never broadcast to the room.
var (
	// ErrValidation marks a malformed or illegal payload (bad move string,
	// unknown event field). No state change.
	ErrValidation = errors.New("invalid request")

	// ErrNotParticipant is returned when the identity is not seated in the
	// session it is trying to act on.
	ErrNotParticipant = errors.New("not a participant")

	// ErrNotYourTurn is returned when the move log parity does not match
	// the submitting player's color, or a draw response comes from the
	// original offerer.
	ErrNotYourTurn = errors.New("not your turn")

	// ErrGameNotActive is returned for moves, resignations and draw
	// actions against a session that is not in a playable state.
	ErrGameNotActive = errors.New("game not active")

	// ErrStateConflict marks operations that are already satisfied or
	// superseded (duplicate settle, duplicate draw offer). Callers should
	// resync from the authoritative snapshot.
	ErrStateConflict = errors.New("state conflict")

	// ErrInsufficientFunds is returned at bet placement when the escrow
	// debit would take a balance negative. Funds are escrowed upfront, so
	// settlement never sees this.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRoomNotFound is returned when a session exists neither in memory
	// nor in durable storage.
	ErrRoomNotFound = errors.New("room not found")

	// ErrStorageUnavailable wraps transient persistence failures.
	// Settlement-critical writes retry a bounded number of times before
	// surfacing this, forcing clients to resync.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
