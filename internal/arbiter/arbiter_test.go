package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/rules"
)

const promoFEN = "8/P7/8/8/8/8/8/k6K w - - 0 1"

func newArbiter(t *testing.T, opts Options) *Arbiter {
	t.Helper()
	a := New(rules.NewChess(), opts)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func play(t *testing.T, a *Arbiter, side rules.Side, from, to string) *MoveRecord {
	t.Helper()
	out := a.ProposeMove(context.Background(), side, from, to, rules.NoPiece)
	require.Equal(t, Accepted, out.Reply, "%s%s: %v", from, to, out.Err)
	require.NotNil(t, out.Record)
	return out.Record
}

func view(t *testing.T, a *Arbiter) View {
	t.Helper()
	v, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	return Event{}
}

func TestAcceptOrdinaryMove(t *testing.T) {
	a := newArbiter(t, Options{})
	rec := play(t, a, rules.White, "e2", "e4")
	require.Equal(t, 0, rec.Index)
	require.Equal(t, "e4", rec.SAN)

	v := view(t, a)
	require.Equal(t, 1, v.Snapshot.Length)
	require.Equal(t, 0, v.Snapshot.Head)
	require.Equal(t, rules.Black, v.Snapshot.SideToMove)
	require.Equal(t, matchsync.StatusActive, v.Snapshot.Status)
}

func TestRejectionsDoNotMutate(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()

	out := a.ProposeMove(ctx, rules.Black, "e7", "e5", rules.NoPiece)
	require.Equal(t, Rejected, out.Reply)
	require.ErrorIs(t, out.Err, ErrInvalidTurn)

	out = a.ProposeMove(ctx, rules.White, "e2", "e5", rules.NoPiece)
	require.Equal(t, Rejected, out.Reply)
	require.ErrorIs(t, out.Err, ErrIllegalMove)

	v := view(t, a)
	require.Equal(t, 0, v.Snapshot.Length)
	require.Equal(t, rules.White, v.Snapshot.SideToMove)
}

func TestTurnAlternation(t *testing.T) {
	a := newArbiter(t, Options{})
	side := rules.White
	for _, mv := range [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "c4"}} {
		play(t, a, side, mv[0], mv[1])
		side = side.Other()
		require.Equal(t, side, view(t, a).Snapshot.SideToMove)
	}
}

func TestPromotionPendingThenResolved(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)

	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)
	require.NotEmpty(t, out.ChoiceID)

	v := view(t, a)
	require.Equal(t, 0, v.Snapshot.Length)
	require.Equal(t, rules.White, v.Snapshot.Awaiting)
	require.Equal(t, out.ChoiceID, v.ChoiceID)

	// board interaction is suspended for both sides
	blocked := a.ProposeMove(ctx, rules.Black, "a1", "b2", rules.NoPiece)
	require.ErrorIs(t, blocked.Err, ErrAwaitingChoice)
	blocked = a.ProposeMove(ctx, rules.White, "h1", "g1", rules.NoPiece)
	require.ErrorIs(t, blocked.Err, ErrAwaitingChoice)
	legal, err := a.HasAnyLegalMove(ctx, "h1")
	require.NoError(t, err)
	require.False(t, legal)

	res := a.SupplyChoice(ctx, out.ChoiceID, rules.Queen)
	require.Equal(t, Resolved, res.Reply, "%v", res.Err)
	require.NotNil(t, res.Record)
	require.Equal(t, rules.Queen, res.Record.Move.Promotion)
	require.Equal(t, rules.KindPromotion, res.Record.Move.Kind)

	v = view(t, a)
	require.Equal(t, 1, v.Snapshot.Length)
	require.Equal(t, rules.Black, v.Snapshot.SideToMove)
	require.Empty(t, v.ChoiceID)

	again := a.SupplyChoice(ctx, out.ChoiceID, rules.Rook)
	require.Equal(t, Ignored, again.Reply)
	require.ErrorIs(t, again.Err, ErrStaleChoice)
	require.Equal(t, 1, view(t, a).Snapshot.Length)
}

func TestPromotionWithChoiceCommitsDirectly(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)

	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.King)
	require.ErrorIs(t, out.Err, ErrIllegalMove)

	out = a.ProposeMove(ctx, rules.White, "a7", "a8", rules.Knight)
	require.Equal(t, Accepted, out.Reply)
	require.Equal(t, rules.Knight, out.Record.Move.Promotion)
}

func TestPromotionWithPieceSupersedesOpenChoice(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)
	sub, _, err := a.Subscribe(ctx)
	require.NoError(t, err)

	open := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, open.Reply)
	require.Equal(t, EventChoiceRequested, nextEvent(t, sub).Kind)

	direct := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.Rook)
	require.Equal(t, Accepted, direct.Reply, "%v", direct.Err)
	require.Equal(t, rules.Rook, direct.Record.Move.Promotion)

	ev := nextEvent(t, sub)
	require.Equal(t, EventChoiceCancelled, ev.Kind)
	require.Equal(t, open.ChoiceID, ev.ChoiceID)
	require.Equal(t, EventMoveCommitted, nextEvent(t, sub).Kind)

	late := a.SupplyChoice(ctx, open.ChoiceID, rules.Queen)
	require.Equal(t, Ignored, late.Reply)
	require.ErrorIs(t, late.Err, ErrStaleChoice)
	require.Equal(t, 1, view(t, a).Snapshot.Length)
	require.Empty(t, view(t, a).ChoiceID)
}

// gatedClock blocks the actor inside commit while held.
type gatedClock struct {
	held atomic.Bool
	gate chan struct{}
}

func newGatedClock() *gatedClock { return &gatedClock{gate: make(chan struct{})} }

func (g *gatedClock) now() time.Time {
	if g.held.Load() {
		<-g.gate
	}
	return time.Now()
}

func (g *gatedClock) release() {
	if g.held.CompareAndSwap(true, false) {
		close(g.gate)
	}
}

func waitLength(t *testing.T, a *Arbiter, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := a.Snapshot(context.Background())
		return err == nil && v.Snapshot.Length == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupplyChoiceReplyTimeoutStillCommits(t *testing.T) {
	clock := newGatedClock()
	a := newArbiter(t, Options{Clock: clock.now})
	t.Cleanup(clock.release)
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)
	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)

	clock.held.Store(true)
	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	res := a.SupplyChoice(sctx, out.ChoiceID, rules.Queen)
	require.Equal(t, Pending, res.Reply)
	require.ErrorIs(t, res.Err, ErrReplyTimeout)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Equal(t, out.ChoiceID, res.ChoiceID)

	clock.release()
	waitLength(t, a, 1)
}

func TestProposeReplyTimeoutStillCommits(t *testing.T) {
	clock := newGatedClock()
	a := newArbiter(t, Options{Clock: clock.now})
	t.Cleanup(clock.release)

	clock.held.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := a.ProposeMove(ctx, rules.White, "e2", "e4", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)
	require.ErrorIs(t, out.Err, ErrReplyTimeout)

	clock.release()
	waitLength(t, a, 1)
}

func TestInvalidPieceKeepsChoiceOpen(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)
	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)

	bad := a.SupplyChoice(ctx, out.ChoiceID, rules.Pawn)
	require.Equal(t, Ignored, bad.Reply)
	require.ErrorIs(t, bad.Err, ErrIllegalMove)
	require.Equal(t, out.ChoiceID, view(t, a).ChoiceID)

	good := a.SupplyChoice(ctx, out.ChoiceID, rules.Bishop)
	require.Equal(t, Resolved, good.Reply)
}

func TestCancelledChoiceIsIgnored(t *testing.T) {
	ctx := context.Background()
	cancels := map[string]func(t *testing.T, a *Arbiter){
		"rewind": func(t *testing.T, a *Arbiter) { require.NoError(t, a.RewindTo(ctx, -1)) },
		"new match": func(t *testing.T, a *Arbiter) {
			_, err := a.StartNewMatch(ctx, promoFEN)
			require.NoError(t, err)
		},
		"superseded": func(t *testing.T, a *Arbiter) {
			out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
			require.Equal(t, Pending, out.Reply)
		},
		"resign": func(t *testing.T, a *Arbiter) { require.NoError(t, a.Resign(ctx, rules.Black)) },
	}
	for name, cancel := range cancels {
		t.Run(name, func(t *testing.T) {
			a := newArbiter(t, Options{})
			_, err := a.StartNewMatch(ctx, promoFEN)
			require.NoError(t, err)
			sub, _, err := a.Subscribe(ctx)
			require.NoError(t, err)

			out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
			require.Equal(t, Pending, out.Reply)
			require.Equal(t, EventChoiceRequested, nextEvent(t, sub).Kind)

			cancel(t, a)
			ev := nextEvent(t, sub)
			require.Equal(t, EventChoiceCancelled, ev.Kind)
			require.Equal(t, out.ChoiceID, ev.ChoiceID)

			res := a.SupplyChoice(ctx, out.ChoiceID, rules.Queen)
			require.Equal(t, Ignored, res.Reply)
			require.ErrorIs(t, res.Err, ErrStaleChoice)
			require.Equal(t, 0, view(t, a).Snapshot.Length)
		})
	}
}

func TestConcurrentSuppliesResolveOnce(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)
	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)

	var wg sync.WaitGroup
	replies := make(chan Reply, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies <- a.SupplyChoice(ctx, out.ChoiceID, rules.Queen).Reply
		}()
	}
	wg.Wait()
	close(replies)
	resolved := 0
	for r := range replies {
		if r == Resolved {
			resolved++
		}
	}
	require.Equal(t, 1, resolved)
	require.Equal(t, 1, view(t, a).Snapshot.Length)
}

func TestRewindThenMoveDiscardsFuture(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	play(t, a, rules.White, "e2", "e4")
	play(t, a, rules.Black, "e7", "e5")
	play(t, a, rules.White, "g1", "f3")
	play(t, a, rules.Black, "b8", "c6")

	require.NoError(t, a.RewindTo(ctx, 1))
	v := view(t, a)
	require.Equal(t, 1, v.Snapshot.Head)
	require.Equal(t, 4, v.Snapshot.Length)
	require.Equal(t, rules.White, v.Snapshot.SideToMove)
	require.Equal(t, v.Records[1].FEN, v.Snapshot.FEN)

	sub, _, err := a.Subscribe(ctx)
	require.NoError(t, err)
	rec := play(t, a, rules.White, "d2", "d4")
	require.Equal(t, 2, rec.Index)

	ev := nextEvent(t, sub)
	require.Equal(t, EventMoveCommitted, ev.Kind)
	require.Equal(t, 2, ev.Discarded)

	v = view(t, a)
	require.Equal(t, 3, v.Snapshot.Length)
	require.Equal(t, 2, v.Snapshot.Head)
	require.Equal(t, "d4", v.Records[2].SAN)
}

func TestRewindBounds(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	play(t, a, rules.White, "e2", "e4")

	require.ErrorIs(t, a.RewindTo(ctx, 1), ErrOutOfRangeRewind)
	require.ErrorIs(t, a.RewindTo(ctx, -2), ErrOutOfRangeRewind)
	require.Equal(t, 0, view(t, a).Snapshot.Head)

	require.NoError(t, a.RewindTo(ctx, -1))
	v := view(t, a)
	require.Equal(t, -1, v.Snapshot.Head)
	require.Equal(t, rules.White, v.Snapshot.SideToMove)
	require.Equal(t, rules.NewChess().Initial().FEN, v.Snapshot.FEN)
}

func TestResignRegardlessOfTurn(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	play(t, a, rules.White, "e2", "e4")

	// black to move, white resigns
	require.NoError(t, a.Resign(ctx, rules.White))
	v := view(t, a)
	require.Equal(t, Status{Ended: true, Reason: ReasonResignation, Winner: rules.Black}, v.Status)

	out := a.ProposeMove(ctx, rules.Black, "e7", "e5", rules.NoPiece)
	require.ErrorIs(t, out.Err, ErrSessionNotActive)
	require.ErrorIs(t, a.RewindTo(ctx, -1), ErrSessionNotActive)
	require.ErrorIs(t, a.Resign(ctx, rules.Black), ErrSessionNotActive)
}

func TestForfeitOnDisconnect(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	sub, _, err := a.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Forfeit(ctx, ReasonDisconnect, rules.White))
	ev := nextEvent(t, sub)
	require.Equal(t, EventMatchEnded, ev.Kind)
	require.NotNil(t, ev.Journal)
	require.Equal(t, string(ReasonDisconnect), ev.Snapshot.Reason)
	require.Equal(t, rules.White, ev.Snapshot.Winner)
	require.Empty(t, ev.Snapshot.SideToMove)

	out := a.ProposeMove(ctx, rules.White, "e2", "e4", rules.NoPiece)
	require.Equal(t, Rejected, out.Reply)
	require.ErrorIs(t, out.Err, ErrSessionNotActive)
}

func TestCheckmateEndsAndRewindReopens(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	play(t, a, rules.White, "f2", "f3")
	play(t, a, rules.Black, "e7", "e5")
	play(t, a, rules.White, "g2", "g4")
	rec := play(t, a, rules.Black, "d8", "h4")
	require.True(t, rec.Checkmate)

	v := view(t, a)
	require.Equal(t, Status{Ended: true, Reason: ReasonCheckmate, Winner: rules.Black}, v.Status)

	require.NoError(t, a.RewindTo(ctx, 2))
	v = view(t, a)
	require.True(t, v.Status.Active())
	require.Equal(t, rules.Black, v.Snapshot.SideToMove)

	require.NoError(t, a.RewindTo(ctx, 3))
	require.Equal(t, ReasonCheckmate, view(t, a).Status.Reason)
}

func TestHistoryLimit(t *testing.T) {
	a := newArbiter(t, Options{HistoryLimit: 2})
	play(t, a, rules.White, "e2", "e4")
	play(t, a, rules.Black, "e7", "e5")
	out := a.ProposeMove(context.Background(), rules.White, "g1", "f3", rules.NoPiece)
	require.Equal(t, Rejected, out.Reply)
	require.ErrorIs(t, out.Err, ErrCapacityExceeded)
	require.Equal(t, rules.White, view(t, a).Snapshot.SideToMove)
}

func TestEventsAreOrderedAndCarryState(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	sub, snap, err := a.Subscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, -1, snap.Head)

	play(t, a, rules.White, "e2", "e4")
	play(t, a, rules.Black, "c7", "c5")
	require.NoError(t, a.RewindTo(ctx, 0))

	var last uint64
	kinds := []EventKind{EventMoveCommitted, EventMoveCommitted, EventRewound}
	sides := []rules.Side{rules.Black, rules.White, rules.Black}
	for i, want := range kinds {
		ev := nextEvent(t, sub)
		require.Equal(t, want, ev.Kind)
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
		require.Equal(t, sides[i], ev.Snapshot.SideToMove)
		require.NotEmpty(t, ev.Snapshot.FEN)
	}
}

func TestJournalRestore(t *testing.T) {
	ctx := context.Background()
	src := newArbiter(t, Options{})
	play(t, src, rules.White, "e2", "e4")
	play(t, src, rules.Black, "e7", "e5")
	play(t, src, rules.White, "g1", "f3")
	require.NoError(t, src.RewindTo(ctx, 1))
	j, err := src.Journal(ctx)
	require.NoError(t, err)

	dst := newArbiter(t, Options{})
	require.NoError(t, dst.Restore(ctx, j))
	want, got := view(t, src), view(t, dst)
	require.Equal(t, want.Snapshot, got.Snapshot)
	require.Equal(t, want.Status, got.Status)
	require.Len(t, got.Records, 3)

	bad := j
	bad.Head = 7
	require.ErrorIs(t, dst.Restore(ctx, bad), ErrOutOfRangeRewind)

	small := newArbiter(t, Options{HistoryLimit: 2})
	require.ErrorIs(t, small.Restore(ctx, j), ErrCapacityExceeded)
}

func TestCorruptHistoryAbortsMatch(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	require.NoError(t, a.do(ctx, func() {
		_, _ = a.history.AddNext(MoveRecord{FEN: "garbage"})
	}))
	require.ErrorIs(t, a.RewindTo(ctx, 0), ErrInvariantViolated)
	require.Equal(t, ReasonAborted, view(t, a).Status.Reason)

	out := a.ProposeMove(ctx, rules.White, "e2", "e4", rules.NoPiece)
	require.ErrorIs(t, out.Err, ErrSessionNotActive)

	_, err := a.StartNewMatch(ctx, "")
	require.NoError(t, err)
	play(t, a, rules.White, "e2", "e4")
}

func TestStartNewMatchResets(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	first := view(t, a).Snapshot.MatchID
	play(t, a, rules.White, "e2", "e4")
	require.NoError(t, a.Resign(ctx, rules.Black))

	id, err := a.StartNewMatch(ctx, "")
	require.NoError(t, err)
	require.NotEqual(t, first, id)
	v := view(t, a)
	require.True(t, v.Status.Active())
	require.Equal(t, 0, v.Snapshot.Length)

	_, err = a.StartNewMatch(ctx, "not a position")
	require.Error(t, err)
	require.Equal(t, id, view(t, a).Snapshot.MatchID)
}

func TestCloseStopsEverything(t *testing.T) {
	a := New(rules.NewChess(), Options{})
	ctx := context.Background()
	_, err := a.StartNewMatch(ctx, promoFEN)
	require.NoError(t, err)
	sub, _, err := a.Subscribe(ctx)
	require.NoError(t, err)
	out := a.ProposeMove(ctx, rules.White, "a7", "a8", rules.NoPiece)
	require.Equal(t, Pending, out.Reply)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for range sub.C {
	}
	res := a.ProposeMove(ctx, rules.White, "h1", "g1", rules.NoPiece)
	require.ErrorIs(t, res.Err, ErrArbiterClosed)
	sup := a.SupplyChoice(ctx, out.ChoiceID, rules.Queen)
	require.Equal(t, Ignored, sup.Reply)
}

func TestConcurrentProposalsSingleWriter(t *testing.T) {
	a := newArbiter(t, Options{})
	ctx := context.Background()
	var wg sync.WaitGroup
	accepted := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.ProposeMove(ctx, rules.White, "e2", "e4", rules.NoPiece).Reply == Accepted {
				accepted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	require.Len(t, accepted, 1)
	require.Equal(t, 1, view(t, a).Snapshot.Length)
}
