// Package rules adapts a chess rules library to the arbiter's move contract.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

var ErrInvalidPosition = errors.New("rules: invalid position")

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Chess implements Engine with github.com/corentings/chess/v2.
type Chess struct{}

func NewChess() Chess { return Chess{} }

func (Chess) Initial() State {
	g := nchess.NewGame()
	return State{FEN: g.FEN(), Turn: White}
}

func (c Chess) Load(text string) (State, error) {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "startpos") {
		return c.Initial(), nil
	}
	g, err := gameAt(text)
	if err != nil {
		return State{}, err
	}
	return State{FEN: g.FEN(), Turn: sideOf(g.Position().Turn())}, nil
}

func (Chess) TryResolveMove(st State, from, to string) (Move, bool) {
	g, err := gameAt(st.FEN)
	if err != nil {
		return Move{}, false
	}
	from, to = normSquare(from), normSquare(to)
	pos := g.Position()
	valid := g.ValidMoves()
	for i := range valid {
		mv := &valid[i]
		if mv.S1().String() != from || mv.S2().String() != to {
			continue
		}
		out := describe(pos, mv)
		// promotions come back once per target piece; the choice stays open
		if mv.Promo() != nchess.NoPieceType {
			out.Kind = KindPromotion
			out.Promotion = NoPiece
		}
		return out, true
	}
	return Move{}, false
}

func (Chess) Apply(st State, mv Move) (Result, error) {
	g, err := gameAt(st.FEN)
	if err != nil {
		return Result{}, err
	}
	if mv.NeedsChoice() {
		return Result{}, fmt.Errorf("rules: %s%s needs a promotion piece", mv.From, mv.To)
	}
	promo := nchess.NoPieceType
	if mv.Promotion != NoPiece {
		promo = pieceType(mv.Promotion)
		if promo == nchess.NoPieceType || mv.Promotion == King || mv.Promotion == Pawn {
			return Result{}, fmt.Errorf("rules: invalid promotion piece %q", mv.Promotion)
		}
	}

	pos := g.Position()
	valid := g.ValidMoves()
	var chosen *nchess.Move
	for i := range valid {
		cand := &valid[i]
		if cand.S1().String() == normSquare(mv.From) && cand.S2().String() == normSquare(mv.To) && cand.Promo() == promo {
			chosen = cand
			break
		}
	}
	if chosen == nil {
		return Result{}, fmt.Errorf("rules: %s%s is not legal here", mv.From, mv.To)
	}

	res := Result{
		Move: describe(pos, chosen),
		SAN:  nchess.AlgebraicNotation{}.Encode(pos, chosen),
		UCI:  nchess.UCINotation{}.Encode(pos, chosen),
	}
	if err := g.Move(chosen, nil); err != nil {
		return Result{}, err
	}
	res.State = State{FEN: g.FEN(), Turn: sideOf(g.Position().Turn())}

	switch g.Method() {
	case nchess.Checkmate:
		res.Checkmate = true
	case nchess.Stalemate:
		res.Stalemate = true
	default:
		if g.Outcome() == nchess.Draw {
			res.Draw = true
			res.DrawMethod = g.Method().String()
		}
	}
	return res, nil
}

func (Chess) HasAnyLegalMove(st State, square string) bool {
	g, err := gameAt(st.FEN)
	if err != nil {
		return false
	}
	square = normSquare(square)
	for _, mv := range g.ValidMoves() {
		if mv.S1().String() == square {
			return true
		}
	}
	return false
}

func gameAt(fen string) (*nchess.Game, error) {
	opt, err := nchess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func describe(pos *nchess.Position, mv *nchess.Move) Move {
	out := Move{
		From:    mv.S1().String(),
		To:      mv.S2().String(),
		Piece:   pieceName(pos.Board().Piece(mv.S1()).Type()),
		Kind:    KindNormal,
		Capture: mv.HasTag(nchess.Capture) || mv.HasTag(nchess.EnPassant),
	}
	switch {
	case mv.HasTag(nchess.KingSideCastle):
		out.Kind = KindCastleKingside
	case mv.HasTag(nchess.QueenSideCastle):
		out.Kind = KindCastleQueenside
	case mv.HasTag(nchess.EnPassant):
		out.Kind = KindEnPassant
	case mv.Promo() != nchess.NoPieceType:
		out.Kind = KindPromotion
		out.Promotion = pieceName(mv.Promo())
	}
	return out
}

func sideOf(c nchess.Color) Side {
	if c == nchess.Black {
		return Black
	}
	return White
}

func normSquare(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func pieceName(pt nchess.PieceType) Piece {
	switch pt {
	case nchess.King:
		return King
	case nchess.Queen:
		return Queen
	case nchess.Rook:
		return Rook
	case nchess.Bishop:
		return Bishop
	case nchess.Knight:
		return Knight
	case nchess.Pawn:
		return Pawn
	}
	return NoPiece
}

func pieceType(p Piece) nchess.PieceType {
	switch p {
	case King:
		return nchess.King
	case Queen:
		return nchess.Queen
	case Rook:
		return nchess.Rook
	case Bishop:
		return nchess.Bishop
	case Knight:
		return nchess.Knight
	case Pawn:
		return nchess.Pawn
	}
	return nchess.NoPieceType
}
