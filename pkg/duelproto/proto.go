// Package duelproto holds the JSON messages exchanged with duel clients over
// the match websocket and the lobby HTTP API.
package duelproto

import "time"

type Type string

// client → server
const (
	TypePropose  Type = "propose"
	TypeChoice   Type = "choice"
	TypeResign   Type = "resign"
	TypeRewind   Type = "rewind"
	TypeNewMatch Type = "new_match"
	TypeStatus   Type = "status"
	TypeLegal    Type = "legal"
)

// server → client
const (
	TypeWelcome Type = "welcome"
	TypeReply   Type = "reply"
	TypeState   Type = "state"
)

// Result values carried by Reply.
const (
	ResultAccepted = "accepted"
	ResultPending  = "pending"
	ResultRejected = "rejected"
	ResultResolved = "resolved"
	ResultIgnored  = "ignored"
	ResultOK       = "ok"
	ResultError    = "error"
)

// Request is any client message. Fields not used by Type are ignored.
type Request struct {
	Type Type `json:"type"`
	// ID is echoed back on the reply.
	ID string `json:"id,omitempty"`

	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`

	ChoiceID string `json:"choice_id,omitempty"`
	Piece    string `json:"piece,omitempty"`

	Index  *int   `json:"index,omitempty"`
	FEN    string `json:"fen,omitempty"`
	Square string `json:"square,omitempty"`
}

type Reply struct {
	Type     Type    `json:"type"`
	ID       string  `json:"id,omitempty"`
	Result   string  `json:"result"`
	Code     string  `json:"code,omitempty"`
	Message  string  `json:"message,omitempty"`
	ChoiceID string  `json:"choice_id,omitempty"`
	MatchID  string  `json:"match_id,omitempty"`
	HasLegal *bool   `json:"has_legal,omitempty"`
	Record   *Record `json:"record,omitempty"`
	State    *State  `json:"state,omitempty"`
}

// Record is one committed half-move.
type Record struct {
	Index     int       `json:"index"`
	Side      string    `json:"side"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Piece     string    `json:"piece"`
	Kind      string    `json:"kind"`
	Capture   bool      `json:"capture,omitempty"`
	Promotion string    `json:"promotion,omitempty"`
	SAN       string    `json:"san"`
	UCI       string    `json:"uci"`
	FEN       string    `json:"fen"`
	At        time.Time `json:"at"`
}

// State is pushed to every peer after each change and sent as a full resync
// on join.
type State struct {
	Type       Type    `json:"type"`
	Seq        uint64  `json:"seq,omitempty"`
	Kind       string  `json:"kind"`
	MatchID    string  `json:"match_id"`
	FEN        string  `json:"fen"`
	SideToMove string  `json:"side_to_move,omitempty"`
	Status     string  `json:"status"`
	Reason     string  `json:"reason,omitempty"`
	Winner     string  `json:"winner,omitempty"`
	Head       int     `json:"head"`
	Length     int     `json:"length"`
	Record     *Record `json:"record,omitempty"`
	Discarded  int     `json:"discarded,omitempty"`
	// Pending names the side that owes a promotion choice.
	Pending  string `json:"pending,omitempty"`
	ChoiceID string `json:"choice_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

type Welcome struct {
	Type   Type   `json:"type"`
	Code   string `json:"code"`
	PeerID string `json:"peer_id"`
	Side   string `json:"side"`
	Host   bool   `json:"host"`
	State  State  `json:"state"`
}

// Seat and SessionInfo are lobby answers.
type Seat struct {
	PeerID string    `json:"peer_id"`
	Side   string    `json:"side"`
	Since  time.Time `json:"since"`
}

type SessionInfo struct {
	Code      string    `json:"code"`
	Seats     []Seat    `json:"seats"`
	CreatedAt time.Time `json:"created_at"`
	State     *State    `json:"state,omitempty"`
}

type CreateSessionRequest struct {
	FEN string `json:"fen,omitempty"`
}

// Error is the body of a failed HTTP call.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "duel service error"
}
