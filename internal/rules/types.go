package rules

import "strings"

// Side identifies a player colour.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

func (s Side) Other() Side {
	if s == White {
		return Black
	}
	return White
}

func (s Side) Valid() bool { return s == White || s == Black }

// Kind discriminates ordinary moves from the named special kinds.
type Kind string

const (
	KindNormal          Kind = "normal"
	KindCastleKingside  Kind = "castle_kingside"
	KindCastleQueenside Kind = "castle_queenside"
	KindEnPassant       Kind = "en_passant"
	KindPromotion       Kind = "promotion"
)

// Piece names a piece type. Only the four promotion targets are valid choices.
type Piece string

const (
	NoPiece Piece = ""
	King    Piece = "king"
	Queen   Piece = "queen"
	Rook    Piece = "rook"
	Bishop  Piece = "bishop"
	Knight  Piece = "knight"
	Pawn    Piece = "pawn"
)

// PromotionChoices lists the pieces a promoting pawn may become.
var PromotionChoices = []Piece{Queen, Rook, Bishop, Knight}

// ParsePromotion accepts full names or the single-letter forms q, r, b, n.
func ParsePromotion(raw string) (Piece, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "q", "queen":
		return Queen, true
	case "r", "rook":
		return Rook, true
	case "b", "bishop":
		return Bishop, true
	case "n", "knight":
		return Knight, true
	}
	return NoPiece, false
}

// State is a canonical position plus the side to move.
type State struct {
	FEN  string `json:"fen"`
	Turn Side   `json:"turn"`
}

// Move is a concrete move resolved against a position.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Piece     Piece  `json:"piece"`
	Kind      Kind   `json:"kind"`
	Capture   bool   `json:"capture,omitempty"`
	Promotion Piece  `json:"promotion,omitempty"`
}

// NeedsChoice reports a promotion-shaped move still missing its piece.
func (m Move) NeedsChoice() bool { return m.Kind == KindPromotion && m.Promotion == NoPiece }

// Result is what applying a move produced.
type Result struct {
	State     State  `json:"state"`
	Move      Move   `json:"move"`
	SAN       string `json:"san"`
	UCI       string `json:"uci"`
	Checkmate bool   `json:"checkmate,omitempty"`
	Stalemate bool   `json:"stalemate,omitempty"`
	Draw      bool   `json:"draw,omitempty"`
	// DrawMethod is set with Draw, e.g. "InsufficientMaterial".
	DrawMethod string `json:"draw_method,omitempty"`
}

// Engine decides legality for a concrete game. Implementations are stateless.
type Engine interface {
	Initial() State
	// Load parses a serialized position. Empty text means the initial position.
	Load(text string) (State, error)
	TryResolveMove(st State, from, to string) (Move, bool)
	Apply(st State, mv Move) (Result, error)
	HasAnyLegalMove(st State, square string) bool
}
