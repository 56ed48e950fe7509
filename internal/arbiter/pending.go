package arbiter

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
)

// pendingChoice is a promotion waiting for its piece. Fields other than the
// channels belong to the actor; record and err are readable once done closes.
type pendingChoice struct {
	id       string
	side     rules.Side
	move     rules.Move
	supplied bool

	ctx    context.Context
	cancel context.CancelFunc
	answer chan rules.Piece

	done   chan struct{}
	record *MoveRecord
	err    error
}

func newPendingChoice(parent context.Context, side rules.Side, mv rules.Move) *pendingChoice {
	ctx, cancel := context.WithCancel(parent)
	return &pendingChoice{
		id:     uuid.NewString(),
		side:   side,
		move:   mv,
		ctx:    ctx,
		cancel: cancel,
		answer: make(chan rules.Piece, 1),
		done:   make(chan struct{}),
	}
}

func (p *pendingChoice) settle(rec *MoveRecord, err error) {
	p.record, p.err = rec, err
	close(p.done)
}

func validChoice(p rules.Piece) bool { return slices.Contains(rules.PromotionChoices, p) }

// openChoice replaces any outstanding choice with a new one and starts its waiter.
func (a *Arbiter) openChoice(side rules.Side, mv rules.Move) *pendingChoice {
	a.cancelChoice()
	pc := newPendingChoice(a.ctx, side, mv)
	a.pending = pc
	a.wg.Add(1)
	go a.awaitChoice(pc)

	obslog.L().Info("duel_choice_open",
		zap.String("match_id", a.matchID),
		zap.String("choice_id", pc.id),
		zap.String("side", string(side)),
		zap.String("from", mv.From),
		zap.String("to", mv.To),
	)
	a.publish(Event{Kind: EventChoiceRequested, ChoiceID: pc.id})
	return pc
}

// awaitChoice blocks until the piece arrives or the choice is cancelled, then
// hands the completion back to the actor.
func (a *Arbiter) awaitChoice(pc *pendingChoice) {
	defer a.wg.Done()
	var piece rules.Piece
	select {
	case piece = <-pc.answer:
	case <-pc.ctx.Done():
		return
	}
	select {
	case a.reqs <- func() { a.completeChoice(pc, piece) }:
	case <-pc.ctx.Done():
	}
}

// completeChoice runs on the actor. A choice cancelled after its answer was
// queued is dropped here.
func (a *Arbiter) completeChoice(pc *pendingChoice, piece rules.Piece) {
	if a.pending != pc || pc.ctx.Err() != nil {
		return
	}
	a.pending = nil
	pc.cancel()
	mv := pc.move
	mv.Promotion = piece
	rec, err := a.commit(pc.side, mv)
	pc.settle(rec, err)
}

func (a *Arbiter) cancelChoice() {
	pc := a.pending
	if pc == nil {
		return
	}
	a.pending = nil
	pc.cancel()
	pc.settle(nil, ErrStaleChoice)
	obslog.L().Info("duel_choice_cancel", zap.String("match_id", a.matchID), zap.String("choice_id", pc.id))
	a.publish(Event{Kind: EventChoiceCancelled, ChoiceID: pc.id})
}

// acceptChoice validates a supply against the current choice and forwards the
// piece to its waiter. Exactly one supply per choice gets through.
func (a *Arbiter) acceptChoice(id string, piece rules.Piece) (*pendingChoice, Outcome) {
	pc := a.pending
	if pc == nil || pc.id != id || pc.supplied || pc.ctx.Err() != nil {
		return nil, ignored(ErrStaleChoice)
	}
	if !validChoice(piece) {
		return nil, ignored(ErrIllegalMove)
	}
	pc.supplied = true
	pc.answer <- piece
	return pc, Outcome{}
}

// SupplyChoice answers the outstanding promotion. It returns Resolved once the
// move is committed, or Ignored for a stale, duplicate or cancelled choice.
// When ctx ends after the piece was handed over the reply is Pending with
// ErrReplyTimeout: the outcome is still decided and broadcast.
func (a *Arbiter) SupplyChoice(ctx context.Context, choiceID string, piece rules.Piece) Outcome {
	var (
		pc  *pendingChoice
		out Outcome
	)
	if err := a.do(ctx, func() { pc, out = a.acceptChoice(choiceID, piece) }); err != nil {
		if errors.Is(err, ErrReplyTimeout) {
			return Outcome{Reply: Pending, Err: err, ChoiceID: choiceID}
		}
		return ignored(err)
	}
	if pc == nil {
		return out
	}
	select {
	case <-pc.done:
		if pc.err != nil {
			return Outcome{Reply: Ignored, Err: pc.err, ChoiceID: pc.id}
		}
		return Outcome{Reply: Resolved, ChoiceID: pc.id, Record: pc.record}
	case <-ctx.Done():
		return Outcome{Reply: Pending, Err: fmt.Errorf("%w: %w", ErrReplyTimeout, ctx.Err()), ChoiceID: pc.id}
	}
}
