// Package wsgate exposes sessions over HTTP: a small lobby API and one
// websocket per seated peer.
package wsgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/adapter/duelpresenter"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/pkg/duelproto"
)

const (
	maxJSONBodyBytes int64 = 1 << 16
	apiCSP                 = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
)

type Options struct {
	// AllowedOrigins are host patterns accepted on the websocket handshake.
	// Empty means same-origin only.
	AllowedOrigins []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	// SendBuffer bounds replies queued for one peer.
	SendBuffer int
}

type Server struct {
	reg    *session.Registry
	format *duelpresenter.Formatter
	opts   Options

	// base outlives requests; peer connections are hijacked and stop on Close
	base  context.Context
	stop  context.CancelFunc
	srvMu sync.Mutex
	srv   *http.Server
	peers sync.WaitGroup
}

func NewServer(reg *session.Registry, format *duelpresenter.Formatter, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	base, stop := context.WithCancel(context.Background())
	return &Server{reg: reg, format: format, opts: opts, base: base, stop: stop}
}

// Listen serves until Close.
func (s *Server) Listen(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	obslog.L().Info("duel_http_listen", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the listener down and waits for peer loops to finish.
func (s *Server) Close(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.stop()
	done := make(chan struct{})
	go func() {
		s.peers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.withJSON(s.handleCreate))
	mux.HandleFunc("GET /api/sessions", s.withJSON(s.handleList))
	mux.HandleFunc("GET /api/sessions/{code}", s.withJSON(s.handleGet))
	mux.HandleFunc("GET /ws/{code}", s.handleWS)
	mux.HandleFunc("GET /healthz", s.withJSON(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.reg.Len()})
	}))
	return mux
}

func (s *Server) withJSON(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", apiCSP)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := duelpresenter.ErrorCode(err)
	writeJSON(w, httpStatus(err), duelproto.Error{
		Code:      code,
		Message:   s.format.Error(err, 0),
		Retryable: errors.Is(err, session.ErrTooMany),
	})
}

func httpStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrSessionGone):
		return http.StatusNotFound
	case errors.Is(err, session.ErrFull), errors.Is(err, session.ErrAlreadySeated):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooMany):
		return http.StatusServiceUnavailable
	case duelpresenter.ErrorCode(err) == "invalid_args":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body duelproto.CreateSessionRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.writeError(w, err)
				return
			}
			s.writeError(w, session.ErrInvalidArgs)
			return
		}
	}
	sess, err := s.reg.Create(r.Context(), body.FEN)
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.info(r.Context(), sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.reg.List()
	out := make([]duelproto.SessionInfo, 0, len(list))
	for _, info := range list {
		out = append(out, duelpresenter.ToDTOInfo(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Open(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.info(r.Context(), sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) info(ctx context.Context, sess *session.Session) (duelproto.SessionInfo, error) {
	v, err := sess.View(ctx)
	if err != nil {
		return duelproto.SessionInfo{}, err
	}
	st := duelpresenter.ToDTOView(v)
	return duelproto.SessionInfo{
		Code:      sess.Code(),
		Seats:     duelpresenter.ToDTOSeats(sess.Seats()),
		CreatedAt: sess.CreatedAt(),
		State:     &st,
	}, nil
}
