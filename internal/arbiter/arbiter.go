// Package arbiter owns the canonical state of one match.
//
// Every mutation runs on a single goroutine. Public methods enqueue a closure
// and wait for it, so callers on any goroutine see requests applied strictly
// in arrival order.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/timeline"
)

type Options struct {
	// HistoryLimit caps committed half-moves; <= 0 is unbounded.
	HistoryLimit     int
	SubscriberBuffer int
	Clock            func() time.Time
}

type Arbiter struct {
	engine rules.Engine
	codec  *matchsync.Codec
	bus    *Broadcaster
	now    func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	reqs      chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// actor-owned
	matchID string
	start   rules.State
	state   rules.State
	history *timeline.Timeline[MoveRecord]
	status  Status
	pending *pendingChoice
	seq     uint64
}

// New starts an arbiter at the engine's initial position.
func New(engine rules.Engine, opts Options) *Arbiter {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	start := engine.Initial()
	a := &Arbiter{
		engine:  engine,
		codec:   matchsync.NewCodec(engine),
		bus:     NewBroadcaster(opts.SubscriberBuffer),
		now:     opts.Clock,
		ctx:     ctx,
		cancel:  cancel,
		reqs:    make(chan func()),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		matchID: uuid.NewString(),
		start:   start,
		state:   start,
		history: timeline.New[MoveRecord](opts.HistoryLimit),
	}
	go a.run()
	return a
}

func (a *Arbiter) run() {
	defer close(a.stopped)
	for {
		select {
		case job := <-a.reqs:
			job()
		case <-a.quit:
			a.cancelChoice()
			a.bus.Close()
			return
		}
	}
}

// Close stops the actor, cancels any pending choice and closes subscriptions.
func (a *Arbiter) Close() error {
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.stopped
		a.cancel()
		a.wg.Wait()
	})
	return nil
}

// do runs fn on the actor. Once accepted, fn always runs to completion even if
// ctx expires while waiting for it; that case reports ErrReplyTimeout.
func (a *Arbiter) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	job := func() {
		defer close(done)
		fn()
	}
	select {
	case a.reqs <- job:
	case <-a.stopped:
		return ErrArbiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrReplyTimeout, ctx.Err())
	}
}

func (a *Arbiter) ProposeMove(ctx context.Context, side rules.Side, from, to string, choice rules.Piece) Outcome {
	var out Outcome
	if err := a.do(ctx, func() { out = a.propose(side, from, to, choice) }); err != nil {
		if errors.Is(err, ErrReplyTimeout) {
			return Outcome{Reply: Pending, Err: err}
		}
		return rejected(err)
	}
	return out
}

func (a *Arbiter) Resign(ctx context.Context, side rules.Side) error {
	var err error
	if derr := a.do(ctx, func() { err = a.end(ReasonResignation, side) }); derr != nil {
		return derr
	}
	return err
}

// Forfeit ends the match in winner's favour, e.g. after the loser disconnected.
func (a *Arbiter) Forfeit(ctx context.Context, reason Reason, winner rules.Side) error {
	var err error
	if derr := a.do(ctx, func() { err = a.end(reason, winner.Other()) }); derr != nil {
		return derr
	}
	return err
}

// RewindTo moves the cursor to half-move index (-1 = before the first move).
// Nothing is discarded until the next commit.
func (a *Arbiter) RewindTo(ctx context.Context, index int) error {
	var err error
	if derr := a.do(ctx, func() { err = a.rewind(index) }); derr != nil {
		return derr
	}
	return err
}

// StartNewMatch resets everything. An empty fen means the standard start.
func (a *Arbiter) StartNewMatch(ctx context.Context, fen string) (string, error) {
	var (
		id  string
		err error
	)
	if derr := a.do(ctx, func() { id, err = a.startMatch(fen) }); derr != nil {
		return "", derr
	}
	return id, err
}

// Restore replaces the match with a persisted journal.
func (a *Arbiter) Restore(ctx context.Context, j Journal) error {
	var err error
	if derr := a.do(ctx, func() { err = a.restore(j) }); derr != nil {
		return derr
	}
	return err
}

func (a *Arbiter) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := a.do(ctx, func() {
		v = View{Snapshot: a.snapshot(), Status: a.status, Records: a.history.Items()}
		if a.pending != nil {
			v.ChoiceID = a.pending.id
		}
	})
	return v, err
}

func (a *Arbiter) Journal(ctx context.Context) (Journal, error) {
	var j Journal
	err := a.do(ctx, func() { j = a.journal() })
	return j, err
}

// HasAnyLegalMove reports whether the piece on square can move now.
func (a *Arbiter) HasAnyLegalMove(ctx context.Context, square string) (bool, error) {
	var ok bool
	err := a.do(ctx, func() {
		ok = a.status.Active() && a.pending == nil && a.engine.HasAnyLegalMove(a.state, square)
	})
	return ok, err
}

// Subscribe registers for events and returns the state the first event will
// follow, so no change is missed between the two.
func (a *Arbiter) Subscribe(ctx context.Context) (*Subscription, matchsync.Snapshot, error) {
	var (
		sub  *Subscription
		snap matchsync.Snapshot
	)
	err := a.do(ctx, func() {
		sub = a.bus.Subscribe()
		snap = a.snapshot()
	})
	return sub, snap, err
}

func (a *Arbiter) propose(side rules.Side, from, to string, choice rules.Piece) Outcome {
	if err := a.checkInvariant(); err != nil {
		return rejected(err)
	}
	if a.status.Ended {
		return rejected(ErrSessionNotActive)
	}
	if a.pending != nil && side != a.pending.side {
		return rejected(ErrAwaitingChoice)
	}
	if side != a.state.Turn {
		return rejected(ErrInvalidTurn)
	}
	mv, ok := a.engine.TryResolveMove(a.state, from, to)
	if !ok {
		return rejected(ErrIllegalMove)
	}
	promotes := mv.Kind == rules.KindPromotion
	if promotes && choice != rules.NoPiece && !validChoice(choice) {
		return rejected(ErrIllegalMove)
	}
	if a.pending != nil {
		if !promotes {
			return rejected(ErrAwaitingChoice)
		}
		// a fresh promotion from the chooser supersedes the old one
		a.cancelChoice()
	}
	if promotes {
		if choice == rules.NoPiece {
			pc := a.openChoice(side, mv)
			return Outcome{Reply: Pending, ChoiceID: pc.id}
		}
		mv.Promotion = choice
	}
	rec, err := a.commit(side, mv)
	if err != nil {
		return rejected(err)
	}
	return Outcome{Reply: Accepted, Record: rec}
}

func (a *Arbiter) commit(side rules.Side, mv rules.Move) (*MoveRecord, error) {
	res, err := a.engine.Apply(a.state, mv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	rec := MoveRecord{
		Index:      a.history.HeadIndex() + 1,
		Side:       side,
		Move:       res.Move,
		SAN:        res.SAN,
		UCI:        res.UCI,
		FEN:        res.State.FEN,
		Checkmate:  res.Checkmate,
		Stalemate:  res.Stalemate,
		Draw:       res.Draw,
		DrawMethod: res.DrawMethod,
		At:         a.now().UTC(),
	}
	discarded, err := a.history.AddNext(rec)
	if errors.Is(err, timeline.ErrHistoryFull) {
		return nil, ErrCapacityExceeded
	}
	if err != nil {
		return nil, err
	}
	if err := a.checkInvariant(); err != nil {
		return nil, err
	}
	a.state = res.State
	a.status = rec.terminal()

	obslog.L().Info("duel_move",
		zap.String("match_id", a.matchID),
		zap.String("side", string(side)),
		zap.String("uci", rec.UCI),
		zap.String("san", rec.SAN),
		zap.Int("index", rec.Index),
		zap.Int("discarded", len(discarded)),
		zap.String("turn", string(a.state.Turn)),
	)
	a.publish(Event{Kind: EventMoveCommitted, Record: &rec, Discarded: len(discarded)})
	if a.status.Ended {
		a.announceEnd()
	}
	return &rec, nil
}

func (a *Arbiter) end(reason Reason, loser rules.Side) error {
	if err := a.checkInvariant(); err != nil {
		return err
	}
	if !loser.Valid() {
		return fmt.Errorf("arbiter: invalid side %q", loser)
	}
	if a.status.Ended {
		return ErrSessionNotActive
	}
	a.cancelChoice()
	a.status = ended(reason, loser.Other())
	a.announceEnd()
	return nil
}

func (a *Arbiter) rewind(index int) error {
	if err := a.checkInvariant(); err != nil {
		return err
	}
	if a.status.Ended && !a.status.Reason.fromBoard() {
		return ErrSessionNotActive
	}
	if index < -1 || index >= a.history.Len() {
		return fmt.Errorf("%w: %d not in [-1, %d]", ErrOutOfRangeRewind, index, a.history.Len()-1)
	}
	st, status := a.start, Status{}
	if index >= 0 {
		rec, _ := a.history.At(index)
		loaded, err := a.codec.Deserialize(rec.FEN)
		if err != nil {
			a.abort(err)
			return ErrInvariantViolated
		}
		st, status = loaded, rec.terminal()
	}
	a.cancelChoice()
	if err := a.history.SetHead(index); err != nil {
		a.abort(err)
		return ErrInvariantViolated
	}
	a.state, a.status = st, status

	obslog.L().Info("duel_rewind",
		zap.String("match_id", a.matchID),
		zap.Int("head", index),
		zap.Int("length", a.history.Len()),
	)
	a.publish(Event{Kind: EventRewound})
	return nil
}

func (a *Arbiter) startMatch(fen string) (string, error) {
	st := a.engine.Initial()
	if strings.TrimSpace(fen) != "" {
		loaded, err := a.codec.Deserialize(fen)
		if err != nil {
			return "", err
		}
		st = loaded
	}
	a.cancelChoice()
	a.history.Clear()
	a.matchID = uuid.NewString()
	a.start, a.state, a.status = st, st, Status{}

	obslog.L().Info("duel_match_start", zap.String("match_id", a.matchID), zap.String("fen", st.FEN))
	a.publish(Event{Kind: EventMatchStarted, StartFEN: st.FEN})
	return a.matchID, nil
}

func (a *Arbiter) restore(j Journal) error {
	start, err := a.codec.Deserialize(j.StartFEN)
	if err != nil {
		return err
	}
	limit := a.history.Limit()
	if limit > 0 && len(j.Records) > limit {
		return ErrCapacityExceeded
	}
	if j.Head < -1 || j.Head >= len(j.Records) {
		return fmt.Errorf("%w: journal head %d", ErrOutOfRangeRewind, j.Head)
	}
	tl := timeline.New[MoveRecord](limit)
	for i, rec := range j.Records {
		if _, err := a.codec.Deserialize(rec.FEN); err != nil {
			return fmt.Errorf("arbiter: journal record %d: %w", i, err)
		}
		rec.Index = i
		if _, err := tl.AddNext(rec); err != nil {
			return err
		}
	}
	if err := tl.SetHead(j.Head); err != nil {
		return err
	}
	st, status := start, j.Status
	if j.Head >= 0 {
		rec, _ := tl.At(j.Head)
		if st, err = a.codec.Deserialize(rec.FEN); err != nil {
			return err
		}
		if !status.Ended {
			status = rec.terminal()
		}
	}

	a.cancelChoice()
	a.history = tl
	a.matchID = j.MatchID
	if a.matchID == "" {
		a.matchID = uuid.NewString()
	}
	a.start, a.state, a.status = start, st, status

	obslog.L().Info("duel_match_restore",
		zap.String("match_id", a.matchID),
		zap.Int("head", j.Head),
		zap.Int("length", tl.Len()),
		zap.Bool("ended", status.Ended),
	)
	a.publish(Event{Kind: EventRestored, StartFEN: start.FEN})
	return nil
}

func (a *Arbiter) checkInvariant() error {
	if err := a.history.Validate(); err != nil {
		a.abort(err)
		return ErrInvariantViolated
	}
	return nil
}

// abort ends the match after internal corruption; play cannot resume without
// a new match.
func (a *Arbiter) abort(cause error) {
	if a.status.Ended && a.status.Reason == ReasonAborted {
		return
	}
	a.cancelChoice()
	a.status = ended(ReasonAborted, "")
	obslog.L().Error("duel_match_abort", zap.String("match_id", a.matchID), zap.Error(cause))
	a.announceEnd()
}

func (a *Arbiter) announceEnd() {
	j := a.journal()
	obslog.L().Info("duel_match_end",
		zap.String("match_id", a.matchID),
		zap.String("reason", string(a.status.Reason)),
		zap.String("winner", string(a.status.Winner)),
		zap.Int("moves", a.history.HeadIndex()+1),
	)
	a.publish(Event{Kind: EventMatchEnded, Journal: &j})
}

func (a *Arbiter) journal() Journal {
	return Journal{
		MatchID:  a.matchID,
		StartFEN: a.start.FEN,
		Records:  a.history.Items(),
		Head:     a.history.HeadIndex(),
		Status:   a.status,
	}
}

func (a *Arbiter) snapshot() matchsync.Snapshot {
	s := matchsync.Snapshot{
		MatchID: a.matchID,
		FEN:     a.codec.Serialize(a.state),
		Head:    a.history.HeadIndex(),
		Length:  a.history.Len(),
		Status:  matchsync.StatusActive,
	}
	if a.status.Ended {
		s.Status = matchsync.StatusEnded
		s.Reason = string(a.status.Reason)
		s.Winner = a.status.Winner
	} else {
		s.SideToMove = a.state.Turn
	}
	if a.pending != nil {
		s.Awaiting = a.pending.side
	}
	return s
}

// publish stamps the event with the current snapshot. Callers mutate first.
func (a *Arbiter) publish(ev Event) {
	a.seq++
	ev.Seq = a.seq
	ev.Snapshot = a.snapshot()
	a.bus.Publish(ev)
}
