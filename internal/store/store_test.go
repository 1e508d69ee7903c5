package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gzhole/transguard/internal/compliance"
	"github.com/gzhole/transguard/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "verdicts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndHistory(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	first := compliance.Verdict{
		CommandID: "c1", Pass: false, RiskTier: model.SeverityCritical,
		AggregateScore: 3, MitreTags: []string{"T1059.001"},
		RejectionReason: "risk: tier CRITICAL (ps-invoke-expression)",
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PolicyDigest:    "sha256:abc",
	}
	second := first
	second.Pass = true
	second.RejectionReason = ""

	for _, v := range []compliance.Verdict{first, second} {
		if _, err := s.Insert(ctx, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.History(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Pass || got[1].Pass {
		t.Fatalf("History = %+v", got)
	}
	if got[1].RiskTier != model.SeverityCritical || !got[1].CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("decoded verdict = %+v", got[1])
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum != (Summary{Total: 2, Passed: 1, Failed: 1}) {
		t.Errorf("Summary = %+v", sum)
	}
}

func TestInsertOnly(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	if _, err := s.Insert(ctx, compliance.Verdict{CommandID: "c1", MitreTags: []string{"T1105"}}); err != nil {
		t.Fatal(err)
	}

	for _, stmt := range []string{
		`UPDATE verdicts SET pass = 1`,
		`DELETE FROM verdicts`,
		`DELETE FROM verdict_techniques`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err == nil {
			t.Errorf("%s succeeded on an insert-only table", stmt)
		}
	}
}

func TestTagged(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	verdicts := []compliance.Verdict{
		{CommandID: "a", Pass: false, MitreTags: []string{"T1059.001", "T1105"}},
		{CommandID: "b", Pass: true},
		{CommandID: "c", Pass: false, MitreTags: []string{"T1105"}},
	}
	for _, v := range verdicts {
		if _, err := s.Insert(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Tagged(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("Tagged = %+v", got)
	}
	if got[0].CommandID != "a" || len(got[0].Techniques) != 2 || got[0].Pass {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].CommandID != "b" || len(got[1].Techniques) != 0 || !got[1].Pass {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].Techniques[0] != "T1105" {
		t.Errorf("third = %+v", got[2])
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verdicts.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(context.Background(), compliance.Verdict{CommandID: "x"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	sum, _ := s.Summary(context.Background())
	if sum.Total != 1 {
		t.Errorf("Total = %d after reopen", sum.Total)
	}
}
