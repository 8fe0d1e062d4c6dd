package game

import (
	"fmt"

	"github.com/notnil/chess"
)

// Board is the rule-engine boundary. The session treats it as an opaque
// collaborator: given the current position and a proposed move it either
// rejects the move or applies it, and reports terminal outcomes. Nothing
// outside this file touches chess types.
type Board interface {
	// Move validates and applies a UCI move against the current position.
	Move(uci string) error
	// FEN returns the current position.
	FEN() string
	// Outcome reports whether the game has reached a terminal position.
	// winner is empty for a drawn outcome. reason is the rule engine's
	// method (checkmate, stalemate, ...).
	Outcome() (done bool, winner Color, reason string)
	// MovesUCI returns the applied moves in UCI notation.
	MovesUCI() []string
	// PGN returns the move text for the whole game.
	PGN() string
}

// BoardFactory builds a fresh board, optionally replaying a move log.
// Hydration from storage goes through this.
type BoardFactory func(moves []string) (Board, error)

// NewBoard replays the given UCI moves on a fresh chess board.
func NewBoard(moves []string) (Board, error) {
	g := chess.NewGame(chess.UseNotation(chess.UCINotation{}))
	for i, m := range moves {
		if err := g.MoveStr(m); err != nil {
			return nil, fmt.Errorf("replaying move %d (%s): %w", i+1, m, err)
		}
	}
	return &chessBoard{g: g}, nil
}

type chessBoard struct {
	g *chess.Game
}

func (b *chessBoard) Move(uci string) error {
	return b.g.MoveStr(uci)
}

func (b *chessBoard) FEN() string {
	return b.g.Position().String()
}

func (b *chessBoard) Outcome() (bool, Color, string) {
	switch b.g.Outcome() {
	case chess.WhiteWon:
		return true, White, methodString(b.g.Method())
	case chess.BlackWon:
		return true, Black, methodString(b.g.Method())
	case chess.Draw:
		return true, "", methodString(b.g.Method())
	default:
		return false, "", ""
	}
}

func (b *chessBoard) MovesUCI() []string {
	ms := b.g.Moves()
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.String())
	}
	return out
}

func (b *chessBoard) PGN() string {
	return b.g.String()
}

func methodString(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return ReasonCheckmate
	case chess.Stalemate:
		return ReasonStalemate
	case chess.InsufficientMaterial:
		return "insufficient_material"
	case chess.ThreefoldRepetition:
		return "threefold_repetition"
	case chess.FiftyMoveRule:
		return "fifty_move_rule"
	default:
		return "rule"
	}
}
