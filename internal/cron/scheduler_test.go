package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/analyst/internal/cron"
	"github.com/basket/analyst/internal/persistence"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakePruner struct {
	calls atomic.Int32
	days  atomic.Int32
	err   error
}

func (p *fakePruner) RunRetention(_ context.Context, days int) (persistence.RetentionResult, error) {
	p.calls.Add(1)
	p.days.Store(int32(days))
	return persistence.RetentionResult{PurgedMessages: 2}, p.err
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "* * * *", "61 * * * *"} {
		if _, err := cron.NewScheduler(cron.Config{Schedule: expr, Days: 30}); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)}
	p := &fakePruner{}
	s, err := cron.NewScheduler(cron.Config{
		Store:    p,
		Days:     30,
		Schedule: "17 3 * * *",
		Interval: 10 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 17, 0, 0, time.UTC)
	if got := s.NextRun(); !got.Equal(want) {
		t.Fatalf("next run = %v, want %v", got, want)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := p.calls.Load(); n != 0 {
		t.Fatalf("fired %d times before due", n)
	}

	clk.Set(want.Add(time.Second))
	waitFor(t, 2*time.Second, func() bool { return p.calls.Load() == 1 })
	if p.days.Load() != 30 {
		t.Fatalf("days = %d", p.days.Load())
	}
	if got := s.NextRun(); !got.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("next run after firing = %v", got)
	}
	at, res := s.LastRun()
	if at.IsZero() || res.PurgedMessages != 2 {
		t.Fatalf("last run = %v %+v", at, res)
	}

	// Still the same day: no second run.
	time.Sleep(50 * time.Millisecond)
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
}

func TestScheduler_DisabledWhenDaysZero(t *testing.T) {
	p := &fakePruner{}
	s, err := cron.NewScheduler(cron.Config{Store: p, Schedule: "* * * * *", Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if s.Enabled() {
		t.Fatal("scheduler enabled with days=0")
	}
	s.Start(context.Background())
	s.Stop()
	if _, err := s.RunNow(context.Background()); err != nil || p.calls.Load() != 0 {
		t.Fatalf("RunNow on disabled scheduler: err=%v calls=%d", err, p.calls.Load())
	}
}

func TestScheduler_RunNowReportsError(t *testing.T) {
	p := &fakePruner{err: errors.New("disk full")}
	s, err := cron.NewScheduler(cron.Config{Store: p, Days: 7, Schedule: "0 * * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.RunNow(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if at, _ := s.LastRun(); !at.IsZero() {
		t.Fatalf("failed run recorded as last run at %v", at)
	}
}

func TestScheduler_PurgesOldJournalRows(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "analyst.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if err := store.RecordTurnStart(ctx, "sess-"+id, "turn-"+id, "m", "q"); err != nil {
			t.Fatalf("turn start: %v", err)
		}
		if err := store.RecordTurnEnd(ctx, persistence.TurnOutcome{TurnID: "turn-" + id, SessionID: "sess-" + id, State: persistence.TurnCompleted}); err != nil {
			t.Fatalf("turn end: %v", err)
		}
		if err := store.AddHistory(ctx, "sess-"+id, "user", "q", 1); err != nil {
			t.Fatalf("add history: %v", err)
		}
	}
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	for _, q := range []string{
		`UPDATE turns SET started_at = ? WHERE session_id = 'sess-old';`,
		`UPDATE messages SET created_at = ? WHERE session_id = 'sess-old';`,
		`UPDATE sessions SET updated_at = ? WHERE id = 'sess-old';`,
	} {
		if _, err := store.DB().ExecContext(ctx, q, old); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	s, err := cron.NewScheduler(cron.Config{Store: store, Days: 30, Schedule: "17 3 * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	res, err := s.RunNow(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.PurgedTurns != 1 || res.PurgedMessages != 1 || res.PurgedSessions != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := store.GetSession(ctx, "sess-old"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("old session: %v", err)
	}
	if _, err := store.GetSession(ctx, "sess-new"); err != nil {
		t.Fatalf("new session purged: %v", err)
	}
}
