package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/park285/cheese-duel/internal/arbiter"
	"github.com/park285/cheese-duel/internal/rules"
)

func TestMapResultToPGN(t *testing.T) {
	cases := []struct {
		st   arbiter.Status
		want string
	}{
		{arbiter.Status{}, "*"},
		{arbiter.Status{Ended: true, Reason: arbiter.ReasonCheckmate, Winner: rules.White}, "1-0"},
		{arbiter.Status{Ended: true, Reason: arbiter.ReasonResignation, Winner: rules.Black}, "0-1"},
		{arbiter.Status{Ended: true, Reason: arbiter.ReasonStalemate}, "1/2-1/2"},
		{arbiter.Status{Ended: true, Reason: arbiter.ReasonAborted}, "*"},
	}
	for _, c := range cases {
		if got := mapResultToPGN(c.st); got != c.want {
			t.Fatalf("mapResultToPGN(%+v) = %q, want %q", c.st, got, c.want)
		}
	}
}

func TestBuildPGNFromPlayedLine(t *testing.T) {
	ctx := context.Background()
	m := newLive(t, "DU-PGN000")
	mustMove(t, m.Arbiter, rules.White, "f2", "f3")
	mustMove(t, m.Arbiter, rules.Black, "e7", "e5")
	mustMove(t, m.Arbiter, rules.White, "g2", "g4")
	mustMove(t, m.Arbiter, rules.Black, "d8", "h4")
	j, err := m.Journal(ctx)
	if err != nil {
		t.Fatalf("Journal: %v", err)
	}
	if !j.Status.Ended || j.Status.Reason != arbiter.ReasonCheckmate {
		t.Fatalf("expected checkmate, got %+v", j.Status)
	}

	pgn := BuildPGN("DU-PGN000", j, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC))
	for _, want := range []string{
		`[Site "DU-PGN000"]`,
		`[Date "2026.03.04"]`,
		`[Termination "checkmate"]`,
		`[Result "0-1"]`,
		"1. f3 e5 2. g4 Qh4",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
	if strings.Contains(pgn, "[SetUp") {
		t.Fatalf("standard start should not carry SetUp:\n%s", pgn)
	}
}

func TestBuildPGNCustomStartAndRewoundHead(t *testing.T) {
	j := arbiter.Journal{
		StartFEN: "4k3/8/8/8/8/8/4P3/4K3 b - - 0 12",
		Head:     0,
		Records: []arbiter.MoveRecord{
			{Side: rules.Black, SAN: "Kd7"},
			{Side: rules.White, SAN: "e4"},
		},
	}
	pgn := BuildPGN(`DU-"Q"`, j, time.Time{})
	if !strings.Contains(pgn, `[FEN "4k3/8/8/8/8/8/4P3/4K3 b - - 0 12"]`) {
		t.Fatalf("missing FEN header:\n%s", pgn)
	}
	if !strings.Contains(pgn, `[Site "DU-'Q'"]`) {
		t.Fatalf("site not sanitized:\n%s", pgn)
	}
	if !strings.HasSuffix(pgn, "12... Kd7 *") {
		t.Fatalf("unexpected movetext:\n%s", pgn)
	}
}

func TestSaveResultNilSafe(t *testing.T) {
	var r *Results
	if err := r.SaveResult(context.Background(), "DU-X", arbiter.Journal{}); err != nil {
		t.Fatalf("nil results: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("nil wait: %v", err)
	}
	if _, err := NewResults(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty DATABASE_URL")
	}
}
