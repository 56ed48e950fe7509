package duelpresenter

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
)

// ErrBadRequest is reported for messages the server does not understand.
var ErrBadRequest = errors.New("bad request")

var errorCodes = []struct {
	err  error
	code string
}{
	{arbiter.ErrInvalidTurn, "invalid_turn"},
	{arbiter.ErrIllegalMove, "illegal_move"},
	{arbiter.ErrStaleChoice, "stale_choice"},
	{arbiter.ErrOutOfRangeRewind, "out_of_range_rewind"},
	{arbiter.ErrSessionNotActive, "session_not_active"},
	{arbiter.ErrCapacityExceeded, "capacity_exceeded"},
	{arbiter.ErrAwaitingChoice, "awaiting_choice"},
	{arbiter.ErrArbiterClosed, "closed"},
	{arbiter.ErrInvariantViolated, "invariant_violated"},
	{arbiter.ErrReplyTimeout, "reply_timeout"},
	{session.ErrFull, "full"},
	{session.ErrAlreadySeated, "already_seated"},
	{session.ErrUnknownPeer, "unknown_peer"},
	{session.ErrNotHost, "not_host"},
	{session.ErrNotChooser, "not_chooser"},
	{session.ErrSessionGone, "session_gone"},
	{session.ErrTooMany, "too_many"},
	{session.ErrInvalidArgs, "invalid_args"},
	{rules.ErrInvalidPosition, "invalid_args"},
	{ErrBadRequest, "bad_request"},
	{context.DeadlineExceeded, "closed"},
}

// ErrorCode maps a known error to its wire code; anything else is "internal".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}

// Formatter renders texts from the message catalog.
type Formatter struct {
	cat *msgcat.Catalog
}

func NewFormatter(cat *msgcat.Catalog) *Formatter { return &Formatter{cat: cat} }

func (f *Formatter) text(key string, data map[string]string) string {
	if f == nil {
		return ""
	}
	return f.cat.Text(key, data)
}

// Error renders the message for err. index is used by rewind errors.
func (f *Formatter) Error(err error, index int) string {
	if err == nil {
		return ""
	}
	return f.text("error."+ErrorCode(err), map[string]string{"Index": strconv.Itoa(index)})
}

// Reply renders the message for a move or choice verdict.
func (f *Formatter) Reply(out arbiter.Outcome, from, to string) string {
	switch out.Reply {
	case arbiter.Rejected:
		return f.Error(out.Err, 0)
	case arbiter.Ignored:
		if out.Err != nil && !errors.Is(out.Err, arbiter.ErrStaleChoice) {
			return f.Error(out.Err, 0)
		}
		return f.text("reply.ignored", nil)
	case arbiter.Pending:
		if out.Err != nil {
			return f.Error(out.Err, 0)
		}
		return f.text("reply.pending", map[string]string{"From": from, "To": to})
	case arbiter.Resolved:
		if out.Record != nil {
			return f.text("reply.resolved", map[string]string{"Piece": string(out.Record.Move.Promotion)})
		}
	case arbiter.Accepted:
		if out.Record != nil {
			return f.text("reply.accepted", map[string]string{"Side": SideName(out.Record.Side), "SAN": out.Record.SAN})
		}
	}
	return ""
}

// Event renders the announcement for a broadcast.
func (f *Formatter) Event(ev arbiter.Event) string {
	snap := ev.Snapshot
	switch ev.Kind {
	case arbiter.EventMatchStarted:
		return f.text("state.match_started", nil)
	case arbiter.EventRestored:
		return f.text("state.restored", map[string]string{"Length": strconv.Itoa(snap.Head + 1)})
	case arbiter.EventMoveCommitted:
		if ev.Record == nil {
			return ""
		}
		return f.text("state.move_committed", map[string]string{"Side": SideName(ev.Record.Side), "SAN": ev.Record.SAN})
	case arbiter.EventChoiceRequested:
		return f.text("state.choice_requested", map[string]string{"Side": SideName(snap.Awaiting)})
	case arbiter.EventChoiceCancelled:
		return f.text("state.choice_cancelled", nil)
	case arbiter.EventRewound:
		return f.text("state.rewound", map[string]string{"Head": strconv.Itoa(snap.Head + 1)})
	case arbiter.EventMatchEnded:
		data := map[string]string{
			"Winner": SideName(snap.Winner),
			"Loser":  SideName(snap.Winner.Other()),
			"Method": drawMethod(ev.Journal),
		}
		return f.text("state.match_ended."+snap.Reason, data)
	}
	return ""
}

func drawMethod(j *arbiter.Journal) string {
	if j == nil || j.Head < 0 || j.Head >= len(j.Records) {
		return "draw"
	}
	if m := j.Records[j.Head].DrawMethod; m != "" {
		return m
	}
	return "draw"
}

// SideName is the display form of a side.
func SideName(s rules.Side) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}
