package arbiter

import (
	"time"

	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/rules"
)

// Rejections. All of them leave the match untouched.
var (
	ErrInvalidTurn       = errf("not your turn")
	ErrIllegalMove       = errf("illegal move")
	ErrStaleChoice       = errf("no matching pending choice")
	ErrOutOfRangeRewind  = errf("rewind index out of range")
	ErrSessionNotActive  = errf("match is not active")
	ErrCapacityExceeded  = errf("move history is full")
	ErrAwaitingChoice    = errf("waiting for a promotion choice")
	ErrArbiterClosed     = errf("arbiter closed")
	ErrInvariantViolated = errf("match history corrupted")
)

// ErrReplyTimeout means the request reached the match but the caller stopped
// waiting. It still applies and the broadcast carries the result.
var ErrReplyTimeout = errf("reply timed out")

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Reason says why a match ended.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonCheckmate   Reason = "checkmate"
	ReasonStalemate   Reason = "stalemate"
	ReasonDraw        Reason = "draw"
	ReasonResignation Reason = "resignation"
	ReasonDisconnect  Reason = "disconnect"
	ReasonAborted     Reason = "aborted"
)

// fromBoard reports endings derived from the position, which a rewind can undo.
func (r Reason) fromBoard() bool {
	return r == ReasonCheckmate || r == ReasonStalemate || r == ReasonDraw
}

// Status is Active until the match ends; Winner is empty for draws.
type Status struct {
	Ended  bool       `json:"ended"`
	Reason Reason     `json:"reason,omitempty"`
	Winner rules.Side `json:"winner,omitempty"`
}

func (s Status) Active() bool { return !s.Ended }

func ended(r Reason, winner rules.Side) Status { return Status{Ended: true, Reason: r, Winner: winner} }

// MoveRecord is one committed half-move. It carries the resulting position so
// any index can be shown without replay.
type MoveRecord struct {
	Index      int        `json:"index"`
	Side       rules.Side `json:"side"`
	Move       rules.Move `json:"move"`
	SAN        string     `json:"san"`
	UCI        string     `json:"uci"`
	FEN        string     `json:"fen"`
	Checkmate  bool       `json:"checkmate,omitempty"`
	Stalemate  bool       `json:"stalemate,omitempty"`
	Draw       bool       `json:"draw,omitempty"`
	DrawMethod string     `json:"draw_method,omitempty"`
	At         time.Time  `json:"at"`
}

// terminal maps the record's flags to the status it produces.
func (r MoveRecord) terminal() Status {
	switch {
	case r.Checkmate:
		return ended(ReasonCheckmate, r.Side)
	case r.Stalemate:
		return ended(ReasonStalemate, "")
	case r.Draw:
		return ended(ReasonDraw, "")
	}
	return Status{}
}

// Reply is the caller-facing verdict of a request.
type Reply string

const (
	Accepted Reply = "accepted"
	Pending  Reply = "pending"
	Rejected Reply = "rejected"
	Resolved Reply = "resolved"
	Ignored  Reply = "ignored"
)

// Outcome is returned by ProposeMove and SupplyChoice.
type Outcome struct {
	Reply    Reply
	Err      error
	ChoiceID string
	Record   *MoveRecord
}

func rejected(err error) Outcome { return Outcome{Reply: Rejected, Err: err} }
func ignored(err error) Outcome  { return Outcome{Reply: Ignored, Err: err} }

// EventKind names a broadcast.
type EventKind string

const (
	EventMatchStarted    EventKind = "match_started"
	EventRestored        EventKind = "restored"
	EventMoveCommitted   EventKind = "move_committed"
	EventChoiceRequested EventKind = "choice_requested"
	EventChoiceCancelled EventKind = "choice_cancelled"
	EventRewound         EventKind = "rewound"
	EventMatchEnded      EventKind = "match_ended"
)

// Event is published after the change it describes is applied. Seq is
// strictly increasing per arbiter.
type Event struct {
	Seq      uint64             `json:"seq"`
	Kind     EventKind          `json:"kind"`
	Snapshot matchsync.Snapshot `json:"snapshot"`
	Record   *MoveRecord        `json:"record,omitempty"`
	// Discarded counts the future records erased by this commit.
	Discarded int    `json:"discarded,omitempty"`
	ChoiceID  string `json:"choice_id,omitempty"`
	StartFEN  string `json:"start_fen,omitempty"`
	// Journal is attached to EventMatchEnded.
	Journal *Journal `json:"journal,omitempty"`
}

// Journal is the persisted form of a match: the starting position, every
// record and the cursor.
type Journal struct {
	MatchID  string       `json:"match_id"`
	StartFEN string       `json:"start_fen"`
	Records  []MoveRecord `json:"records"`
	Head     int          `json:"head"`
	Status   Status       `json:"status"`
}

// View is a read-only status answer.
type View struct {
	Snapshot matchsync.Snapshot
	Status   Status
	// ChoiceID is the outstanding promotion choice, if any.
	ChoiceID string
	Records  []MoveRecord
}
