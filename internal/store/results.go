package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/matchsync"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/internal/rules"
)

const schema = `CREATE TABLE IF NOT EXISTS duel_matches (
    match_id     TEXT PRIMARY KEY,
    code         TEXT NOT NULL,
    start_fen    TEXT NOT NULL,
    final_fen    TEXT NOT NULL,
    result       TEXT NOT NULL,
    reason       TEXT NOT NULL,
    moves_uci    JSONB NOT NULL,
    moves_san    JSONB NOT NULL,
    pgn          TEXT NOT NULL,
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ NOT NULL
)`

// Results archives finished matches.
type Results struct {
	db *sql.DB

	followers sync.WaitGroup
}

func NewResults(ctx context.Context, databaseURL string) (*Results, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(pctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Results{db: db}, nil
}

func (r *Results) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a finished match. Only the played line up to the head
// is archived.
func (r *Results) SaveResult(ctx context.Context, code string, j arbiter.Journal) error {
	if r == nil || r.db == nil || !j.Status.Ended {
		return nil
	}
	played := j.Records
	if j.Head+1 < len(played) {
		played = played[:j.Head+1]
	}
	uci := make([]string, 0, len(played))
	san := make([]string, 0, len(played))
	for _, rec := range played {
		uci = append(uci, rec.UCI)
		san = append(san, rec.SAN)
	}
	movesUCI, _ := json.Marshal(uci)
	movesSAN, _ := json.Marshal(san)

	result := mapResultToPGN(j.Status)
	finalFEN := j.StartFEN
	var startedAt any
	endedAt := time.Now().UTC()
	if len(played) > 0 {
		finalFEN = played[len(played)-1].FEN
		startedAt = played[0].At
		endedAt = played[len(played)-1].At
	}

	q := `INSERT INTO duel_matches (
        match_id, code, start_fen, final_fen, result, reason,
        moves_uci, moves_san, pgn, started_at, ended_at
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
      ) ON CONFLICT (match_id) DO UPDATE SET
        final_fen=EXCLUDED.final_fen,
        result=EXCLUDED.result,
        reason=EXCLUDED.reason,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        ended_at=EXCLUDED.ended_at`

	_, err := r.db.ExecContext(ctx, q,
		j.MatchID, code, j.StartFEN, finalFEN, result, string(j.Status.Reason),
		string(movesUCI), string(movesSAN), BuildPGN(code, j, endedAt),
		startedAt, endedAt,
	)
	return err
}

// Follow archives every match of src as it ends.
func (r *Results) Follow(ctx context.Context, src Source) error {
	sub, _, err := src.Subscribe(ctx)
	if err != nil {
		return err
	}
	code := src.Code()
	r.followers.Add(1)
	go func() {
		defer r.followers.Done()
		defer sub.Close()
		for ev := range sub.C {
			if ev.Kind != arbiter.EventMatchEnded || ev.Journal == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.SaveResult(wctx, code, *ev.Journal)
			cancel()
			if err != nil {
				obslog.L().Warn("duel_result_save_failed", zap.String("code", code), zap.String("match_id", ev.Journal.MatchID), zap.Error(err))
				continue
			}
			obslog.L().Info("duel_result_saved", zap.String("code", code), zap.String("match_id", ev.Journal.MatchID))
		}
	}()
	return nil
}

// Wait blocks until pending archive writes finish or ctx ends.
func (r *Results) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return waitFollowers(ctx, &r.followers)
}

func mapResultToPGN(st arbiter.Status) string {
	if !st.Ended || st.Reason == arbiter.ReasonAborted {
		return "*"
	}
	switch st.Winner {
	case rules.White:
		return "1-0"
	case rules.Black:
		return "0-1"
	}
	return "1/2-1/2"
}

// BuildPGN renders the played line of j. Positions that do not start from the
// standard setup carry SetUp/FEN headers.
func BuildPGN(code string, j arbiter.Journal, date time.Time) string {
	if date.IsZero() {
		date = time.Now()
	}
	result := mapResultToPGN(j.Status)
	played := j.Records
	if j.Head+1 < len(played) {
		played = played[:j.Head+1]
	}

	var b strings.Builder
	b.WriteString("[Event \"Duel\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(code)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString("[White \"White\"]\n")
	b.WriteString("[Black \"Black\"]\n")
	fields := strings.Fields(j.StartFEN)
	if len(fields) > 0 && j.StartFEN != rules.StartFEN {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN \"%s\"]\n", sanitizePGN(j.StartFEN)))
	}
	if j.Status.Reason != arbiter.ReasonNone {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(j.Status.Reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	start, startNumber := rules.White, 1
	if len(fields) >= 6 {
		if fields[1] == "b" {
			start = rules.Black
		}
		if n, err := strconv.Atoi(fields[5]); err == nil {
			startNumber = n
		}
	}
	for i, rec := range played {
		n := matchsync.FullMoveNumber(start, startNumber, i)
		switch {
		case rec.Side == rules.White:
			b.WriteString(fmt.Sprintf("%d. ", n))
		case i == 0:
			b.WriteString(fmt.Sprintf("%d... ", n))
		}
		b.WriteString(strings.TrimSpace(rec.SAN))
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
