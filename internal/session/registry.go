package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
)

// JournalLoader returns a persisted match for code, or nil when none exists.
type JournalLoader interface {
	Load(ctx context.Context, code string) (*arbiter.Journal, error)
}

// Hook runs for every session the registry creates or restores, before any
// peer can connect. Persistence and relays subscribe here.
type Hook func(ctx context.Context, s *Session)

type RegistryOptions struct {
	Arbiter     arbiter.Options
	MaxSessions int
	Loader      JournalLoader
	Hooks       []Hook
}

// Registry maps match codes to live sessions. Sessions share nothing but the
// rules engine, which is stateless.
type Registry struct {
	engine rules.Engine
	opts   RegistryOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(engine rules.Engine, opts RegistryOptions) *Registry {
	return &Registry{engine: engine, opts: opts, sessions: make(map[string]*Session)}
}

// Info is the lobby view of a session.
type Info struct {
	Code      string    `json:"code"`
	Seats     []Seat    `json:"seats"`
	CreatedAt time.Time `json:"created_at"`
}

// Create allocates a fresh code with a new match at the standard start, or
// at fen when given.
func (r *Registry) Create(ctx context.Context, fen string) (*Session, error) {
	for i := 0; i < 5; i++ {
		code, err := codeGen()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if _, taken := r.sessions[code]; taken {
			r.mu.Unlock()
			continue
		}
		if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
			r.mu.Unlock()
			return nil, ErrTooMany
		}
		s := newSession(code, arbiter.New(r.engine, r.opts.Arbiter))
		r.sessions[code] = s
		r.mu.Unlock()

		r.runHooks(ctx, s)
		// start the first match after hooks subscribed so they see it
		if _, err := s.arb.StartNewMatch(ctx, fen); err != nil {
			r.Remove(code)
			return nil, err
		}
		obslog.L().Info("duel_session_create", zap.String("code", code))
		return s, nil
	}
	return nil, fmt.Errorf("failed to allocate session code")
}

// Open returns the live session for code, restoring it from the loader when
// it is not in memory.
func (r *Registry) Open(ctx context.Context, code string) (*Session, error) {
	code = normCode(code)
	if code == "" {
		return nil, ErrInvalidArgs
	}
	if s, ok := r.Get(code); ok {
		return s, nil
	}
	if r.opts.Loader == nil {
		return nil, ErrSessionGone
	}
	j, err := r.opts.Loader.Load(ctx, code)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrSessionGone
	}

	r.mu.Lock()
	if s, ok := r.sessions[code]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, ErrTooMany
	}
	s := newSession(code, arbiter.New(r.engine, r.opts.Arbiter))
	r.sessions[code] = s
	r.mu.Unlock()

	r.runHooks(ctx, s)
	if err := s.arb.Restore(ctx, *j); err != nil {
		r.Remove(code)
		return nil, fmt.Errorf("restore %s: %w", code, err)
	}
	obslog.L().Info("duel_session_restore", zap.String("code", code), zap.String("match_id", j.MatchID))
	return s, nil
}

func (r *Registry) runHooks(ctx context.Context, s *Session) {
	for _, h := range r.opts.Hooks {
		h(ctx, s)
	}
}

func (r *Registry) Get(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[normCode(code)]
	return s, ok
}

// List returns sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].createdAt.Before(list[j].createdAt) })
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, Info{Code: s.code, Seats: s.Seats(), CreatedAt: s.createdAt})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove closes and forgets a session.
func (r *Registry) Remove(code string) error {
	r.mu.Lock()
	s, ok := r.sessions[normCode(code)]
	delete(r.sessions, normCode(code))
	r.mu.Unlock()
	if !ok {
		return ErrSessionGone
	}
	return s.Close()
}

// Close closes every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	var result error
	for code, s := range all {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", code, err))
		}
	}
	return result
}

func normCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

// codeGen returns `DU-` + 6 upper alnum.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return "DU-" + string(b), nil
}
