// Package matchsync converts canonical match state to and from its FEN text
// form for broadcast and resync.
//
// FEN carries board, side to move, castling rights, en passant square and the
// two move counters. Repetition history does not survive a round trip.
package matchsync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-duel/internal/rules"
)

var ErrEmptySnapshot = errors.New("matchsync: empty snapshot")

// Codec validates through the rules engine so a deserialized state is always
// usable by it.
type Codec struct {
	engine rules.Engine
}

func NewCodec(engine rules.Engine) *Codec { return &Codec{engine: engine} }

func (c *Codec) Serialize(st rules.State) string { return strings.TrimSpace(st.FEN) }

// Deserialize accepts a FEN, or "startpos" for the initial position.
func (c *Codec) Deserialize(text string) (rules.State, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return rules.State{}, ErrEmptySnapshot
	}
	st, err := c.engine.Load(text)
	if err != nil {
		return rules.State{}, fmt.Errorf("matchsync: deserialize: %w", err)
	}
	return st, nil
}

// Status is the wire form of a session status.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Snapshot is a full resync payload: enough for a peer to rebuild its view
// without replaying moves.
type Snapshot struct {
	MatchID    string     `json:"match_id"`
	FEN        string     `json:"fen"`
	SideToMove rules.Side `json:"side_to_move,omitempty"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Winner     rules.Side `json:"winner,omitempty"`
	Head       int        `json:"head"`
	Length     int        `json:"length"`
	// Awaiting is set while a promotion choice is outstanding.
	Awaiting rules.Side `json:"awaiting,omitempty"`
}

// FullMoveNumber derives the full-move number of half-move index i for a
// match that began with start to move at full move startNumber.
func FullMoveNumber(start rules.Side, startNumber, i int) int {
	if startNumber < 1 {
		startNumber = 1
	}
	if i < 0 {
		return startNumber
	}
	offset := 0
	if start == rules.Black {
		offset = 1
	}
	return startNumber + (i+offset)/2
}
