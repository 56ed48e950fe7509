// Package store persists match journals in Redis and finished matches in
// Postgres so a restarted server can pick sessions back up.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
)

const ttlMatch = 24 * time.Hour

// Source is a live match the store can follow.
type Source interface {
	Code() string
	Subscribe(ctx context.Context) (*arbiter.Subscription, matchsync.Snapshot, error)
	Journal(ctx context.Context) (arbiter.Journal, error)
}

// Stamp identifies a write: Writer is one follower, Seq the event it mirrors.
// A write is dropped when the stored stamp from the same writer is newer.
type Stamp struct {
	Writer string `json:"writer"`
	Seq    uint64 `json:"seq"`
}

// meta is the scalar part of a journal.
type meta struct {
	MatchID   string         `json:"match_id"`
	StartFEN  string         `json:"start_fen"`
	Head      int            `json:"head"`
	Status    arbiter.Status `json:"status"`
	Stamp     Stamp          `json:"stamp"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Journals keeps one Redis meta key and one record list per match code.
type Journals struct {
	rdb *redis.Client
	ttl time.Duration

	followers sync.WaitGroup
}

func NewJournals(rdb *redis.Client) *Journals { return &Journals{rdb: rdb, ttl: ttlMatch} }

func keyMeta(code string) string     { return "duel:match:" + strings.TrimSpace(code) + ":meta" }
func keyTimeline(code string) string { return "duel:match:" + strings.TrimSpace(code) + ":timeline" }
func keyLobby() string               { return "duel:lobby" }

// NewRedis dials REDIS_URL and pings it.
func NewRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required")
	}
	opts, err := ParseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redis db %q", p)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}

// Save replaces the stored journal for code.
func (s *Journals) Save(ctx context.Context, code string, st Stamp, j arbiter.Journal) error {
	recs := make([]any, 0, len(j.Records))
	for _, rec := range j.Records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		recs = append(recs, raw)
	}
	m := meta{MatchID: j.MatchID, StartFEN: j.StartFEN, Head: j.Head, Status: j.Status, Stamp: st}
	return s.write(ctx, code, m, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, keyTimeline(code))
		if len(recs) > 0 {
			pipe.RPush(ctx, keyTimeline(code), recs...)
		}
	})
}

// Append stores a freshly committed record, dropping any records at or past
// its index first.
func (s *Journals) Append(ctx context.Context, code string, st Stamp, rec arbiter.MoveRecord, snap matchsync.Snapshot, status arbiter.Status) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.update(ctx, code, st, func(m *meta) { m.Head, m.Status = snap.Head, status }, func(pipe redis.Pipeliner) {
		if rec.Index == 0 {
			pipe.Del(ctx, keyTimeline(code))
		} else {
			pipe.LTrim(ctx, keyTimeline(code), 0, int64(rec.Index-1))
		}
		pipe.RPush(ctx, keyTimeline(code), raw)
	})
}

// Move records a cursor change or status change that leaves the records alone.
func (s *Journals) Move(ctx context.Context, code string, st Stamp, head int, status arbiter.Status) error {
	return s.update(ctx, code, st, func(m *meta) { m.Head, m.Status = head, status }, nil)
}

// update applies mut to the stored meta.
func (s *Journals) update(ctx context.Context, code string, st Stamp, mut func(*meta), extra func(redis.Pipeliner)) error {
	cur, err := s.loadMeta(ctx, code)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("store: no journal for %s", code)
	}
	mut(cur)
	cur.Stamp = st
	return s.write(ctx, code, *cur, extra)
}

func (s *Journals) write(ctx context.Context, code string, m meta, extra func(redis.Pipeliner)) error {
	m.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	mk := keyMeta(code)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, mk).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var old meta
			if jerr := json.Unmarshal(prev, &old); jerr == nil && old.Stamp.Writer == m.Stamp.Writer && old.Stamp.Seq >= m.Stamp.Seq {
				return errStale
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, mk, raw, s.ttl)
			if extra != nil {
				extra(pipe)
			}
			pipe.Expire(ctx, keyTimeline(code), s.ttl)
			if m.Status.Ended {
				pipe.SRem(ctx, keyLobby(), code)
			} else {
				pipe.SAdd(ctx, keyLobby(), code)
				pipe.Expire(ctx, keyLobby(), s.ttl)
			}
			return nil
		})
		return err
	}, mk)
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

var errStale = errors.New("stale journal write")

func (s *Journals) loadMeta(ctx context.Context, code string) (*meta, error) {
	raw, err := s.rdb.Get(ctx, keyMeta(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load returns the stored journal for code, or nil when there is none.
func (s *Journals) Load(ctx context.Context, code string) (*arbiter.Journal, error) {
	m, err := s.loadMeta(ctx, code)
	if err != nil || m == nil {
		return nil, err
	}
	raws, err := s.rdb.LRange(ctx, keyTimeline(code), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	j := &arbiter.Journal{
		MatchID:  m.MatchID,
		StartFEN: m.StartFEN,
		Head:     m.Head,
		Status:   m.Status,
		Records:  make([]arbiter.MoveRecord, 0, len(raws)),
	}
	for i, raw := range raws {
		var rec arbiter.MoveRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("store: %s record %d: %w", code, i, err)
		}
		j.Records = append(j.Records, rec)
	}
	return j, nil
}

// Delete forgets code entirely.
func (s *Journals) Delete(ctx context.Context, code string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keyMeta(code), keyTimeline(code))
		pipe.SRem(ctx, keyLobby(), code)
		return nil
	})
	return err
}

// Lobby lists codes whose match is still running.
func (s *Journals) Lobby(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, keyLobby()).Result()
}

// Follow subscribes to src before returning and mirrors every event into
// Redis until the subscription closes.
func (s *Journals) Follow(ctx context.Context, src Source) error {
	sub, _, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	code := src.Code()
	s.followers.Add(1)
	go func() {
		defer s.followers.Done()
		writer := uuid.NewString()
		for {
			for ev := range sub.C {
				if err := s.apply(context.Background(), src, Stamp{Writer: writer, Seq: ev.Seq}, ev); err != nil {
					obslog.L().Warn("duel_journal_write_failed",
						zap.String("code", code),
						zap.String("kind", string(ev.Kind)),
						zap.Uint64("seq", ev.Seq),
						zap.Error(err),
					)
				}
			}
			sub.Close()
			// dropped as a slow subscriber, or the match is gone
			next, _, err := src.Subscribe(context.Background())
			if err != nil {
				return
			}
			sub, writer = next, uuid.NewString()
			if err := s.resync(src, writer); err != nil {
				obslog.L().Warn("duel_journal_resync_failed", zap.String("code", code), zap.Error(err))
			}
		}
	}()
	return nil
}

// Wait blocks until every follower has written its last event or ctx ends.
func (s *Journals) Wait(ctx context.Context) error { return waitFollowers(ctx, &s.followers) }

func waitFollowers(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Journals) resync(src Source, writer string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := src.Journal(ctx)
	if err != nil {
		return err
	}
	return s.Save(ctx, src.Code(), Stamp{Writer: writer}, j)
}

func (s *Journals) apply(ctx context.Context, src Source, st Stamp, ev arbiter.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code := src.Code()
	switch ev.Kind {
	case arbiter.EventMatchStarted:
		// a fresh match is fully described by its event
		return s.Save(ctx, code, st, arbiter.Journal{MatchID: ev.Snapshot.MatchID, StartFEN: ev.StartFEN, Head: -1})
	case arbiter.EventRestored:
		j, err := src.Journal(ctx)
		if err != nil {
			return err
		}
		return s.Save(ctx, code, st, j)
	case arbiter.EventMoveCommitted:
		if ev.Record == nil {
			return nil
		}
		return s.Append(ctx, code, st, *ev.Record, ev.Snapshot, statusOf(ev.Snapshot))
	case arbiter.EventRewound:
		return s.Move(ctx, code, st, ev.Snapshot.Head, statusOf(ev.Snapshot))
	case arbiter.EventMatchEnded:
		if ev.Journal != nil {
			return s.Save(ctx, code, st, *ev.Journal)
		}
		return s.Move(ctx, code, st, ev.Snapshot.Head, statusOf(ev.Snapshot))
	}
	return nil
}

func statusOf(snap matchsync.Snapshot) arbiter.Status {
	if snap.Status != matchsync.StatusEnded {
		return arbiter.Status{}
	}
	return arbiter.Status{Ended: true, Reason: arbiter.Reason(snap.Reason), Winner: snap.Winner}
}
