// Package duelpresenter turns arbiter and session values into wire DTOs and
// player-facing text.
package duelpresenter

import (
	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/pkg/duelproto"
)

// KindSync marks a full resync sent outside the event stream.
const KindSync = "sync"

func ToDTORecord(r *arbiter.MoveRecord) *duelproto.Record {
	if r == nil {
		return nil
	}
	return &duelproto.Record{
		Index:     r.Index,
		Side:      string(r.Side),
		From:      r.Move.From,
		To:        r.Move.To,
		Piece:     string(r.Move.Piece),
		Kind:      string(r.Move.Kind),
		Capture:   r.Move.Capture,
		Promotion: string(r.Move.Promotion),
		SAN:       r.SAN,
		UCI:       r.UCI,
		FEN:       r.FEN,
		At:        r.At,
	}
}

func ToDTOSnapshot(s matchsync.Snapshot) duelproto.State {
	return duelproto.State{
		Type:       duelproto.TypeState,
		Kind:       KindSync,
		MatchID:    s.MatchID,
		FEN:        s.FEN,
		SideToMove: string(s.SideToMove),
		Status:     string(s.Status),
		Reason:     s.Reason,
		Winner:     string(s.Winner),
		Head:       s.Head,
		Length:     s.Length,
		Pending:    string(s.Awaiting),
	}
}

// ToDTOState converts a broadcast. text is the rendered message, if any.
func ToDTOState(ev arbiter.Event, text string) duelproto.State {
	st := ToDTOSnapshot(ev.Snapshot)
	st.Seq = ev.Seq
	st.Kind = string(ev.Kind)
	st.Record = ToDTORecord(ev.Record)
	st.Discarded = ev.Discarded
	st.ChoiceID = ev.ChoiceID
	st.Message = text
	return st
}

func ToDTOView(v arbiter.View) duelproto.State {
	st := ToDTOSnapshot(v.Snapshot)
	st.ChoiceID = v.ChoiceID
	return st
}

func ToDTOSeats(seats []session.Seat) []duelproto.Seat {
	out := make([]duelproto.Seat, 0, len(seats))
	for _, s := range seats {
		out = append(out, duelproto.Seat{PeerID: s.PeerID, Side: string(s.Side), Since: s.Since})
	}
	return out
}

func ToDTOInfo(info session.Info) duelproto.SessionInfo {
	return duelproto.SessionInfo{Code: info.Code, Seats: ToDTOSeats(info.Seats), CreatedAt: info.CreatedAt}
}

// ToDTOReply converts an arbiter verdict. Message is filled by the caller.
func ToDTOReply(id string, out arbiter.Outcome) duelproto.Reply {
	r := duelproto.Reply{
		Type:     duelproto.TypeReply,
		ID:       id,
		Result:   string(out.Reply),
		ChoiceID: out.ChoiceID,
		Record:   ToDTORecord(out.Record),
	}
	if out.Err != nil {
		r.Code = ErrorCode(out.Err)
	}
	return r
}
