package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/analyst/internal/engine"
	"github.com/basket/analyst/internal/engine/enginetest"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
)

const waitTimeout = 2 * time.Second

type capture struct {
	mu   sync.Mutex
	msgs []Message
	ch   chan Message
}

func newCapture() *capture {
	return &capture{ch: make(chan Message, 256)}
}

func (c *capture) sink(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.ch <- m
}

// next returns the next message of type typ, failing the test on timeout.
func (c *capture) next(t *testing.T, typ string) Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-c.ch:
			if m.Type == typ {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; seen %v", typ, c.types())
			return Message{}
		}
	}
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func (c *capture) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	r.MustRegister(tools.Descriptor{
		Name:        "echo",
		Description: "Echo text back.",
		Params:      []tools.Param{{Name: "text", Type: tools.TypeString, Required: true}},
		Handler: func(_ context.Context, args map[string]any) (tools.Result, error) {
			return tools.TextResult("echo: " + tools.StringArg(args, "text")), nil
		},
	})
	r.Seal()
	return r
}

func newTestOrchestrator(t *testing.T, client engine.Client, mutate func(*Options)) (*Orchestrator, *capture) {
	t.Helper()
	c := newCapture()
	opts := Options{
		Client:         client,
		Registry:       echoRegistry(t),
		Sink:           c.sink,
		Model:          "claude-sonnet-4-5",
		InterruptGrace: time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o := New(opts)
	t.Cleanup(o.Close)
	return o, c
}

func queries(c *enginetest.Client) []string {
	var out []string
	for _, r := range c.Requests() {
		out = append(out, r.Query)
	}
	return out
}

func TestSubmit_StreamsCumulativeTextThenDone(t *testing.T) {
	client := enginetest.New(enginetest.Script{
		{Text: "Hello"},
		{Text: ", world"},
		{Done: true, Cost: 0.02},
	})
	o, c := newTestOrchestrator(t, client, nil)

	if err := o.Submit("hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sid := c.next(t, TypeSessionID)
	if sid.SessionID == "" || sid.Model != "claude-sonnet-4-5" {
		t.Fatalf("session_id message = %+v", sid)
	}
	if got := c.next(t, TypeText).Content; got != "Hello" {
		t.Fatalf("first text = %q", got)
	}
	if got := c.next(t, TypeText).Content; got != "Hello, world" {
		t.Fatalf("second text should be cumulative, got %q", got)
	}
	done := c.next(t, TypeDone)
	if done.Cost != 0.02 || done.TotalCost != 0.02 {
		t.Fatalf("done = %+v", done)
	}
	if st := o.Status(); st.State != Idle || st.SessionID != sid.SessionID {
		t.Fatalf("status = %+v", st)
	}
	req := client.Requests()[0]
	if req.Model != "claude-sonnet-4-5" || len(req.Tools) != 1 || req.Tools[0].Name != "echo" {
		t.Fatalf("request = %+v", req)
	}
}

func TestToolCall_DispatchedAndRelayedInOrder(t *testing.T) {
	client := enginetest.New(enginetest.Script{
		{Text: "Let me check."},
		{Call: &engine.ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"text": "hi"}}},
		{Text: "Done."},
		{Done: true, Cost: 0.01},
	})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("use a tool")
	c.next(t, TypeDone)

	want := []string{TypeSessionID, TypeText, TypeToolUse, TypeToolResult, TypeText, TypeDone}
	if got := c.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("types = %v; want %v", got, want)
	}
	msgs := c.all()
	if msgs[2].ToolName != "echo" || msgs[2].Input["text"] != "hi" {
		t.Fatalf("tool_use = %+v", msgs[2])
	}
	if msgs[3].Content != "echo: hi" || msgs[3].IsError {
		t.Fatalf("tool_result = %+v", msgs[3])
	}
	if msgs[4].Content != "Done." {
		t.Fatalf("text after a tool call starts a new message, got %q", msgs[4].Content)
	}
	outs := client.Outputs()
	if len(outs) != 1 || outs[0].CallID != "c1" || outs[0].Result.Text() != "echo: hi" {
		t.Fatalf("resolved outputs = %+v", outs)
	}
}

func TestToolCall_UnknownToolBecomesToolResult(t *testing.T) {
	client := enginetest.New(enginetest.Script{
		{Call: &engine.ToolCall{ID: "c1", Name: "nope"}},
		{Done: true},
	})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	res := c.next(t, TypeToolResult)
	if !res.IsError || !strings.Contains(res.Content, `unknown tool "nope"`) {
		t.Fatalf("tool_result = %+v", res)
	}
	c.next(t, TypeDone)
	if outs := client.Outputs(); len(outs) != 1 || !outs[0].Result.IsError {
		t.Fatalf("backend should receive the error result, got %+v", outs)
	}
}

func TestToolCall_InvalidArgumentsBecomeToolResult(t *testing.T) {
	client := enginetest.New(enginetest.Script{
		{Call: &engine.ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"text": 5}}},
		{Done: true},
	})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	res := c.next(t, TypeToolResult)
	if !res.IsError || !strings.Contains(res.Content, "text") {
		t.Fatalf("tool_result = %+v", res)
	}
	c.next(t, TypeDone)
}

func TestSubmit_EmptyQuery(t *testing.T) {
	client := enginetest.New()
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("   ")
	if got := c.next(t, TypeError).Error; got != "Empty query" {
		t.Fatalf("error = %q", got)
	}
	if st := o.Status(); st.State != Idle || st.SessionID != "" {
		t.Fatalf("status = %+v", st)
	}
	if len(client.Requests()) != 0 {
		t.Fatal("empty query must not reach the backend")
	}
}

func TestQueue_ProcessedInFIFOOrder(t *testing.T) {
	gate := make(chan struct{})
	client := enginetest.New(
		enginetest.Script{{Text: "working"}, {Wait: gate}, {Done: true, Cost: 0.1}},
		enginetest.Reply("second", 0.2),
		enginetest.Reply("third", 0.3),
	)
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q1")
	c.next(t, TypeText)
	_ = o.Submit("q2")
	_ = o.Submit("q3")

	if st := o.Status(); st.State != Active || st.Queued != 2 {
		t.Fatalf("status = %+v", st)
	}
	if n := len(client.Requests()); n != 1 {
		t.Fatalf("only one turn may be active, backend saw %d", n)
	}

	close(gate)
	c.next(t, TypeDone)
	c.next(t, TypeDone)
	last := c.next(t, TypeDone)

	if got := strings.Join(queries(client), ","); got != "q1,q2,q3" {
		t.Fatalf("queries = %s", got)
	}
	if last.TotalCost < 0.599 || last.TotalCost > 0.601 {
		t.Fatalf("total cost = %v; want 0.6", last.TotalCost)
	}
	sessions := map[string]bool{}
	for _, r := range client.Requests() {
		sessions[r.SessionID] = true
	}
	if len(sessions) != 1 {
		t.Fatalf("queued turns should share the session, got %v", sessions)
	}
	if countType(c.all(), TypeSessionID) != 1 {
		t.Fatalf("session_id should be announced once, got types %v", c.types())
	}
}

func countType(msgs []Message, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestInterrupt_IdleIsNoOp(t *testing.T) {
	o, c := newTestOrchestrator(t, enginetest.New(), nil)

	if err := o.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if st := o.Status(); st.State != Idle {
		t.Fatalf("state = %s", st.State)
	}
	if msgs := c.all(); len(msgs) != 0 {
		t.Fatalf("interrupt while idle emitted %v", c.types())
	}
}

func TestInterrupt_ActiveTurn(t *testing.T) {
	never := make(chan struct{})
	client := enginetest.New(enginetest.Script{{Text: "partial"}, {Wait: never}, {Done: true}})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("long research")
	c.next(t, TypeText)
	_ = o.Interrupt()
	c.next(t, TypeInterrupted)

	if st := o.Status(); st.State != Idle {
		t.Fatalf("state = %s", st.State)
	}
	for _, m := range c.all() {
		if m.Type == TypeDone || m.Type == TypeError {
			t.Fatalf("interrupted turn must have a single terminal event, got %v", c.types())
		}
	}
}

func TestInterrupt_GraceTimeoutEndsTurnLocally(t *testing.T) {
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	client := enginetest.New(
		enginetest.Script{{Text: "stuck"}, {Hang: hang}},
		enginetest.Reply("after", 0.05),
	)
	o, c := newTestOrchestrator(t, client, func(opts *Options) {
		opts.InterruptGrace = 50 * time.Millisecond
	})

	_ = o.Submit("q1")
	c.next(t, TypeText)
	_ = o.Submit("q2")
	_ = o.Interrupt()

	if st := o.Status(); st.State != Interrupting {
		t.Fatalf("state = %s; want interrupting", st.State)
	}
	c.next(t, TypeInterrupted)
	done := c.next(t, TypeDone)
	if done.Cost != 0.05 {
		t.Fatalf("queued turn should run after the forced end, got %+v", done)
	}
}

func TestInterrupt_QueuedQueryRunsAfterInterrupted(t *testing.T) {
	never := make(chan struct{})
	client := enginetest.New(
		enginetest.Script{{Wait: never}},
		enginetest.Reply("next", 0),
	)
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("first")
	<-client.Started()
	_ = o.Submit("second")
	_ = o.Interrupt()
	c.next(t, TypeInterrupted)
	c.next(t, TypeDone)

	if got := strings.Join(queries(client), ","); got != "first,second" {
		t.Fatalf("queries = %s", got)
	}
}

func TestBackendError_FailsTurnAndDrainsQueue(t *testing.T) {
	gate := make(chan struct{})
	client := enginetest.New(
		enginetest.Script{{Wait: gate}, {Fail: engine.Backendf(engine.ErrorClassRateLimit, "429 too many requests")}},
		enginetest.Reply("ok", 0),
	)
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("a")
	<-client.Started()
	_ = o.Submit("b")
	close(gate)

	if got := c.next(t, TypeError).Error; !strings.Contains(got, "429") {
		t.Fatalf("error = %q", got)
	}
	c.next(t, TypeDone)
}

func TestRunError_FailsTurn(t *testing.T) {
	client := enginetest.New()
	client.FailRun(errors.New("backend unavailable"))
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	if got := c.next(t, TypeError).Error; got != "backend unavailable" {
		t.Fatalf("error = %q", got)
	}
	if st := o.Status(); st.State != Idle {
		t.Fatalf("state = %s", st.State)
	}
}

func TestStreamEndWithoutResult_Fails(t *testing.T) {
	client := enginetest.New(enginetest.Script{{Text: "cut off"}})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	if got := c.next(t, TypeError).Error; !strings.Contains(got, "ended without a result") {
		t.Fatalf("error = %q", got)
	}
}

func TestNewSession_ResetsCostAndQueue(t *testing.T) {
	never := make(chan struct{})
	client := enginetest.New(
		enginetest.Reply("one", 0.5),
		enginetest.Script{{Wait: never}},
		enginetest.Reply("fresh", 0.1),
	)
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("first")
	first := c.next(t, TypeSessionID).SessionID
	c.next(t, TypeDone)
	_ = o.Submit("second")
	<-client.Started()
	<-client.Started()
	_ = o.Submit("never runs")

	if err := o.NewSession(); err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	c.next(t, TypeInterrupted)
	st := o.Status()
	if st.State != Idle || st.SessionID != "" || st.TotalCost != 0 || st.Queued != 0 {
		t.Fatalf("status after reset = %+v", st)
	}

	_ = o.Submit("third")
	second := c.next(t, TypeSessionID).SessionID
	if second == first {
		t.Fatal("new session should get a new id")
	}
	if done := c.next(t, TypeDone); done.TotalCost != 0.1 {
		t.Fatalf("total cost should restart, got %+v", done)
	}
	if got := strings.Join(queries(client), ","); got != "first,second,third" {
		t.Fatalf("queries = %s", got)
	}
}

func TestSetModel_BusyWhileActive(t *testing.T) {
	gate := make(chan struct{})
	client := enginetest.New(
		enginetest.Script{{Wait: gate}, {Done: true}},
		enginetest.Reply("ok", 0),
	)
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	<-client.Started()
	if err := o.SetModel("gpt-4o"); !errors.Is(err, ErrBusy) {
		t.Fatalf("SetModel while active = %v; want ErrBusy", err)
	}
	if st := o.Status(); st.Model != "claude-sonnet-4-5" {
		t.Fatalf("model changed while busy: %s", st.Model)
	}

	close(gate)
	c.next(t, TypeDone)
	if err := o.SetModel("gpt-4o"); err != nil {
		t.Fatalf("SetModel while idle: %v", err)
	}
	st := o.Status()
	if st.Model != "gpt-4o" || st.SessionID != "" {
		t.Fatalf("status = %+v", st)
	}
	_ = o.Submit("again")
	if sid := c.next(t, TypeSessionID); sid.Model != "gpt-4o" {
		t.Fatalf("session_id model = %s", sid.Model)
	}
	c.next(t, TypeDone)
	if reqs := client.Requests(); reqs[len(reqs)-1].Model != "gpt-4o" {
		t.Fatalf("request model = %s", reqs[len(reqs)-1].Model)
	}
}

type fakePlanner struct{ wrote bool }

func (p fakePlanner) Apply(context.Context, string) (taskstore.Analysis, bool, error) {
	return taskstore.Analysis{ShouldPlan: p.wrote, SuggestedTasks: []string{"a", "b"}}, p.wrote, nil
}

func TestPlannerHook_EmitsTasksUpdated(t *testing.T) {
	client := enginetest.New(enginetest.Reply("planned", 0))
	o, c := newTestOrchestrator(t, client, func(opts *Options) {
		opts.Planner = fakePlanner{wrote: true}
	})

	_ = o.Submit("First research DocuSign, then compare it to Adobe")
	if m := c.next(t, TypeTasksUpdated); !m.AutoCreated {
		t.Fatalf("tasks_updated = %+v", m)
	}
	c.next(t, TypeDone)
}

func TestResume_ReloadsCostAndJournalsTurns(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "analyst.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.RecordTurnStart(ctx, "sess-1", "old-turn", "claude-sonnet-4-5", "earlier"); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordTurnEnd(ctx, persistence.TurnOutcome{TurnID: "old-turn", SessionID: "sess-1", State: persistence.TurnCompleted, Cost: 1.0}); err != nil {
		t.Fatal(err)
	}

	client := enginetest.New(enginetest.Script{
		{Call: &engine.ToolCall{ID: "c1", Name: "echo", Input: map[string]any{"text": "x"}}},
		{Done: true, Cost: 0.25},
	})
	o, c := newTestOrchestrator(t, client, func(opts *Options) {
		opts.Recorder = store
	})

	_ = o.Resume("sess-1")
	_ = o.Submit("follow up")
	if sid := c.next(t, TypeSessionID).SessionID; sid != "sess-1" {
		t.Fatalf("session id = %s", sid)
	}
	if done := c.next(t, TypeDone); done.TotalCost != 1.25 {
		t.Fatalf("total cost = %v; want 1.25", done.TotalCost)
	}

	turns, err := store.ListTurns(ctx, "sess-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d; want 2", len(turns))
	}
	var latest persistence.Turn
	for _, tr := range turns {
		if tr.ID != "old-turn" {
			latest = tr
		}
	}
	if latest.State != persistence.TurnCompleted || latest.Query != "follow up" {
		t.Fatalf("journaled turn = %+v", latest)
	}
	calls, err := store.ListToolCalls(ctx, latest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ToolName != "echo" || calls[0].Output != "echo: x" {
		t.Fatalf("tool calls = %+v", calls)
	}
}

func TestClose_EndsActiveTurn(t *testing.T) {
	never := make(chan struct{})
	client := enginetest.New(enginetest.Script{{Wait: never}})
	o, c := newTestOrchestrator(t, client, nil)

	_ = o.Submit("q")
	<-client.Started()
	o.Close()

	if got := c.types(); got[len(got)-1] != TypeInterrupted {
		t.Fatalf("types = %v; want trailing interrupted", got)
	}
	if err := o.Submit("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v", err)
	}
}

func TestMessage_MarshalJSON(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{Type: TypeDone}, `{"cost":0,"total_cost":0,"type":"done"}`},
		{Message{Type: TypeToolUse, ToolName: "list_tools"}, `{"input":{},"tool_name":"list_tools","type":"tool_use"}`},
		{Message{Type: TypeInterrupted}, `{"type":"interrupted"}`},
		{Message{Type: TypeError, Error: "Empty query"}, `{"message":"Empty query","type":"error"}`},
		{Message{Type: TypeTasksUpdated, AutoCreated: true}, `{"auto_created":true,"type":"tasks_updated"}`},
		{Message{Type: TypeSessionID, SessionID: "s", Model: "m"}, `{"model":"m","session_id":"s","type":"session_id"}`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.msg)
		if err != nil {
			t.Fatalf("marshal %s: %v", tt.msg.Type, err)
		}
		if string(b) != tt.want {
			t.Errorf("%s = %s; want %s", tt.msg.Type, b, tt.want)
		}
	}
}

func TestRenderResult(t *testing.T) {
	if got := renderResult(tools.TextResult("plain")); got != "plain" {
		t.Fatalf("text envelope = %q", got)
	}
	raw := tools.Result{Content: []tools.Content{{Type: "json", Text: "{}"}}}
	if got := renderResult(raw); got != `{"content":[{"type":"json","text":"{}"}]}` {
		t.Fatalf("non-text envelope = %s", got)
	}
}
