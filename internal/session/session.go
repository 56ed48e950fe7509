// Package session seats two peers on one match and turns connection events
// into match outcomes.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
)

var (
	ErrInvalidArgs   = errf("invalid arguments")
	ErrFull          = errf("session already has two players")
	ErrAlreadySeated = errf("peer already seated")
	ErrUnknownPeer   = errf("peer is not seated")
	ErrNotHost       = errf("only the host may do that")
	ErrNotChooser    = errf("the choice belongs to the other side")
	ErrSessionGone   = errf("session not found")
	ErrTooMany       = errf("too many sessions")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Seat binds a peer to a side. The White seat is the host.
type Seat struct {
	PeerID string     `json:"peer_id"`
	Side   rules.Side `json:"side"`
	Since  time.Time  `json:"since"`
}

// Session holds the seats of one match code and the arbiter behind them.
type Session struct {
	code      string
	arb       *arbiter.Arbiter
	createdAt time.Time

	mu    sync.Mutex
	seats [2]*Seat // white, black
}

func newSession(code string, arb *arbiter.Arbiter) *Session {
	return &Session{code: code, arb: arb, createdAt: time.Now()}
}

func (s *Session) Code() string { return s.code }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func seatIndex(side rules.Side) int {
	if side == rules.Black {
		return 1
	}
	return 0
}

// Connect seats the peer on the first free side (White first) and returns a
// subscription plus the snapshot it starts from. A third peer gets ErrFull.
func (s *Session) Connect(ctx context.Context, peerID string) (Seat, *arbiter.Subscription, matchsync.Snapshot, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return Seat{}, nil, matchsync.Snapshot{}, ErrInvalidArgs
	}
	s.mu.Lock()
	var seat *Seat
	for i, side := range []rules.Side{rules.White, rules.Black} {
		if cur := s.seats[i]; cur != nil && cur.PeerID == peerID {
			s.mu.Unlock()
			return Seat{}, nil, matchsync.Snapshot{}, ErrAlreadySeated
		}
		if s.seats[i] == nil && seat == nil {
			seat = &Seat{PeerID: peerID, Side: side, Since: time.Now()}
		}
	}
	if seat == nil {
		s.mu.Unlock()
		obslog.L().Warn("duel_connect_refused", zap.String("code", s.code), zap.String("peer_id", peerID))
		return Seat{}, nil, matchsync.Snapshot{}, ErrFull
	}
	s.seats[seatIndex(seat.Side)] = seat
	s.mu.Unlock()

	sub, snap, err := s.arb.Subscribe(ctx)
	if err != nil {
		s.vacate(peerID)
		return Seat{}, nil, matchsync.Snapshot{}, err
	}
	obslog.L().Info("duel_connect",
		zap.String("code", s.code),
		zap.String("peer_id", peerID),
		zap.String("side", string(seat.Side)),
		zap.String("match_id", snap.MatchID),
	)
	return *seat, sub, snap, nil
}

func (s *Session) vacate(peerID string) (Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.seats {
		if cur != nil && cur.PeerID == peerID {
			s.seats[i] = nil
			return *cur, true
		}
	}
	return Seat{}, false
}

// Disconnect frees the peer's seat. If the match is still running and the
// opponent is seated, the opponent wins by forfeit.
func (s *Session) Disconnect(ctx context.Context, peerID string) error {
	seat, ok := s.vacate(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	_, opponentSeated := s.seatOf(seat.Side.Other())
	obslog.L().Info("duel_disconnect",
		zap.String("code", s.code),
		zap.String("peer_id", peerID),
		zap.String("side", string(seat.Side)),
		zap.Bool("opponent_seated", opponentSeated),
	)
	if !opponentSeated {
		return nil
	}
	err := s.arb.Forfeit(ctx, arbiter.ReasonDisconnect, seat.Side.Other())
	if errors.Is(err, arbiter.ErrSessionNotActive) {
		return nil
	}
	return err
}

// Release frees the peer's seat without touching the match.
func (s *Session) Release(peerID string) error {
	if _, ok := s.vacate(peerID); !ok {
		return ErrUnknownPeer
	}
	return nil
}

func (s *Session) seatOf(side rules.Side) (Seat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.seats[seatIndex(side)]; cur != nil {
		return *cur, true
	}
	return Seat{}, false
}

func (s *Session) sideOf(peerID string) (rules.Side, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.seats {
		if cur != nil && cur.PeerID == peerID {
			return cur.Side, true
		}
	}
	return "", false
}

// Seats lists occupied seats, White first.
func (s *Session) Seats() []Seat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Seat, 0, 2)
	for _, cur := range s.seats {
		if cur != nil {
			out = append(out, *cur)
		}
	}
	return out
}

func (s *Session) ProposeMove(ctx context.Context, peerID, from, to string, choice rules.Piece) arbiter.Outcome {
	side, ok := s.sideOf(peerID)
	if !ok {
		return arbiter.Outcome{Reply: arbiter.Rejected, Err: ErrUnknownPeer}
	}
	return s.arb.ProposeMove(ctx, side, from, to, choice)
}

// SupplyChoice is accepted only from the side the choice belongs to.
func (s *Session) SupplyChoice(ctx context.Context, peerID, choiceID string, piece rules.Piece) arbiter.Outcome {
	side, ok := s.sideOf(peerID)
	if !ok {
		return arbiter.Outcome{Reply: arbiter.Ignored, Err: ErrUnknownPeer}
	}
	v, err := s.arb.Snapshot(ctx)
	if err != nil {
		return arbiter.Outcome{Reply: arbiter.Ignored, Err: err}
	}
	if v.ChoiceID == choiceID && v.Snapshot.Awaiting != side {
		return arbiter.Outcome{Reply: arbiter.Ignored, Err: ErrNotChooser}
	}
	return s.arb.SupplyChoice(ctx, choiceID, piece)
}

func (s *Session) Resign(ctx context.Context, peerID string) error {
	side, ok := s.sideOf(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	return s.arb.Resign(ctx, side)
}

func (s *Session) requireHost(peerID string) error {
	side, ok := s.sideOf(peerID)
	if !ok {
		return ErrUnknownPeer
	}
	if side != rules.White {
		return ErrNotHost
	}
	return nil
}

// RewindTo is a host-only operation.
func (s *Session) RewindTo(ctx context.Context, peerID string, index int) error {
	if err := s.requireHost(peerID); err != nil {
		return err
	}
	return s.arb.RewindTo(ctx, index)
}

// StartNewMatch is a host-only operation.
func (s *Session) StartNewMatch(ctx context.Context, peerID, fen string) (string, error) {
	if err := s.requireHost(peerID); err != nil {
		return "", err
	}
	return s.arb.StartNewMatch(ctx, fen)
}

func (s *Session) View(ctx context.Context) (arbiter.View, error) { return s.arb.Snapshot(ctx) }

func (s *Session) Journal(ctx context.Context) (arbiter.Journal, error) { return s.arb.Journal(ctx) }

func (s *Session) HasAnyLegalMove(ctx context.Context, square string) (bool, error) {
	return s.arb.HasAnyLegalMove(ctx, square)
}

// Subscribe observes the match without taking a seat.
func (s *Session) Subscribe(ctx context.Context) (*arbiter.Subscription, matchsync.Snapshot, error) {
	return s.arb.Subscribe(ctx)
}

func (s *Session) Close() error { return s.arb.Close() }
