package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestSessionAndTurnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || TurnID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	sid, tid := NewSessionID(), NewTurnID()
	ctx = WithTurnID(WithSessionID(ctx, sid), tid)
	if got := SessionID(ctx); got != sid {
		t.Fatalf("session id = %q, want %q", got, sid)
	}
	if got := TurnID(ctx); got != tid {
		t.Fatalf("turn id = %q, want %q", got, tid)
	}
}

func TestNewIDs_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTurnID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
