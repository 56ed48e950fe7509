package wsgate

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-duel/internal/adapter/duelpresenter"
	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/pkg/duelproto"
)

const readLimit = 1 << 15

// peer is one seated websocket connection. Only writeLoop writes to conn.
type peer struct {
	s    *Server
	sess *session.Session
	conn *websocket.Conn
	id   string
	seat session.Seat
	out  chan any
	log  *zap.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Open(r.Context(), r.PathValue("code"))
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		s.writeError(w, err)
		return
	}
	peerID := strings.TrimSpace(r.URL.Query().Get("peer"))
	if peerID == "" {
		peerID = strings.TrimSpace(r.Header.Get("X-Duel-Peer"))
	}
	if peerID == "" {
		peerID = uuid.NewString()
	}

	// take the seat before upgrading so a refused peer gets a plain HTTP error
	seat, sub, snap, err := sess.Connect(r.Context(), peerID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		s.writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		// the peer never joined; give the seat back without touching the match
		sub.Close()
		_ = sess.Release(peerID)
		obslog.L().Warn("duel_ws_accept_failed", zap.String("code", sess.Code()), zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)

	p := &peer{
		s:    s,
		sess: sess,
		conn: conn,
		id:   peerID,
		seat: seat,
		out:  make(chan any, s.opts.SendBuffer),
		log:  obslog.L().With(zap.String("code", sess.Code()), zap.String("peer_id", peerID), zap.String("side", string(seat.Side))),
	}
	s.peers.Add(1)
	defer s.peers.Done()
	p.run(s.base, sub, snap)
}

func (p *peer) run(parent context.Context, sub *arbiter.Subscription, snap matchsync.Snapshot) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	p.out <- duelproto.Welcome{
		Type:   duelproto.TypeWelcome,
		Code:   p.sess.Code(),
		PeerID: p.id,
		Side:   string(p.seat.Side),
		Host:   p.seat.Side == rules.White,
		State:  duelpresenter.ToDTOSnapshot(snap),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.writeLoop(ctx, cancel, sub)
	}()
	go func() {
		defer wg.Done()
		p.pingLoop(ctx, cancel)
	}()
	p.log.Info("duel_ws_open")
	p.readLoop(ctx)
	cancel()
	wg.Wait()

	if parent.Err() != nil {
		// server shutdown: keep the match for a restart instead of forfeiting
		_ = p.sess.Release(p.id)
		_ = p.conn.Close(websocket.StatusGoingAway, "server shutting down")
		p.log.Info("duel_ws_close", zap.Bool("shutdown", true))
		return
	}
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	if err := p.sess.Disconnect(dctx, p.id); err != nil && !errors.Is(err, session.ErrUnknownPeer) && !errors.Is(err, arbiter.ErrArbiterClosed) {
		p.log.Warn("duel_ws_disconnect_failed", zap.Error(err))
	}
	_ = p.conn.Close(websocket.StatusNormalClosure, "bye")
	p.log.Info("duel_ws_close")
}

func (p *peer) readLoop(ctx context.Context) {
	for {
		var req duelproto.Request
		if err := wsjson.Read(ctx, p.conn, &req); err != nil {
			p.log.Debug("duel_ws_read_end", zap.Int("status", int(websocket.CloseStatus(err))), zap.Error(err))
			return
		}
		reply := p.handle(ctx, req)
		select {
		case p.out <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop drains replies and broadcasts. A dropped subscription is
// replaced and followed by a full resync.
func (p *peer) writeLoop(ctx context.Context, cancel context.CancelFunc, sub *arbiter.Subscription) {
	defer func() {
		sub.Close()
		cancel()
	}()
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case msg = <-p.out:
		case ev, ok := <-sub.C:
			if !ok {
				next, snap, err := p.sess.Subscribe(ctx)
				if err != nil {
					_ = p.conn.Close(websocket.StatusGoingAway, "session closed")
					return
				}
				p.log.Warn("duel_ws_resync", zap.Int("head", snap.Head))
				sub = next
				msg = duelpresenter.ToDTOSnapshot(snap)
				break
			}
			msg = duelpresenter.ToDTOState(ev, p.s.format.Event(ev))
		}
		wctx, wcancel := context.WithTimeout(ctx, p.s.opts.WriteTimeout)
		err := wsjson.Write(wctx, p.conn, msg)
		wcancel()
		if err != nil {
			p.log.Debug("duel_ws_write_failed", zap.Error(err))
			return
		}
	}
}

func (p *peer) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	t := time.NewTicker(p.s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, 3*time.Second)
			err := p.conn.Ping(pctx)
			pcancel()
			if err != nil {
				p.log.Info("duel_ws_ping_failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (p *peer) handle(ctx context.Context, req duelproto.Request) duelproto.Reply {
	switch req.Type {
	case duelproto.TypePropose:
		choice := rules.NoPiece
		if strings.TrimSpace(req.Promotion) != "" {
			pc, ok := rules.ParsePromotion(req.Promotion)
			if !ok {
				return p.verdict(req, arbiter.Outcome{Reply: arbiter.Rejected, Err: arbiter.ErrIllegalMove})
			}
			choice = pc
		}
		return p.verdict(req, p.sess.ProposeMove(ctx, p.id, req.From, req.To, choice))

	case duelproto.TypeChoice:
		piece, ok := rules.ParsePromotion(req.Piece)
		if !ok {
			return p.verdict(req, arbiter.Outcome{Reply: arbiter.Ignored, Err: session.ErrInvalidArgs})
		}
		return p.verdict(req, p.sess.SupplyChoice(ctx, p.id, req.ChoiceID, piece))

	case duelproto.TypeResign:
		return p.result(req, p.sess.Resign(ctx, p.id), 0)

	case duelproto.TypeRewind:
		if req.Index == nil {
			return p.result(req, session.ErrInvalidArgs, 0)
		}
		return p.result(req, p.sess.RewindTo(ctx, p.id, *req.Index), *req.Index)

	case duelproto.TypeNewMatch:
		id, err := p.sess.StartNewMatch(ctx, p.id, req.FEN)
		r := p.result(req, err, 0)
		r.MatchID = id
		return r

	case duelproto.TypeStatus:
		v, err := p.sess.View(ctx)
		r := p.result(req, err, 0)
		if err == nil {
			st := duelpresenter.ToDTOView(v)
			r.State = &st
		}
		return r

	case duelproto.TypeLegal:
		ok, err := p.sess.HasAnyLegalMove(ctx, req.Square)
		r := p.result(req, err, 0)
		if err == nil {
			r.HasLegal = &ok
		}
		return r
	}
	return p.result(req, duelpresenter.ErrBadRequest, 0)
}

func (p *peer) verdict(req duelproto.Request, out arbiter.Outcome) duelproto.Reply {
	r := duelpresenter.ToDTOReply(req.ID, out)
	r.Message = p.s.format.Reply(out, req.From, req.To)
	return r
}

func (p *peer) result(req duelproto.Request, err error, index int) duelproto.Reply {
	if err == nil {
		return duelproto.Reply{Type: duelproto.TypeReply, ID: req.ID, Result: duelproto.ResultOK}
	}
	return duelproto.Reply{
		Type:    duelproto.TypeReply,
		ID:      req.ID,
		Result:  duelproto.ResultError,
		Code:    duelpresenter.ErrorCode(err),
		Message: p.s.format.Error(err, index),
	}
}
