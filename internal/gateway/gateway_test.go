package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/analyst/internal/bus"
	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/engine/enginetest"
	"github.com/basket/analyst/internal/gateway"
	"github.com/basket/analyst/internal/persistence"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const waitTimeout = 3 * time.Second

type env struct {
	url    string
	srv    *gateway.Server
	client *enginetest.Client
	tasks  taskstore.Store
	store  *persistence.Store
}

func newEnv(t *testing.T, client *enginetest.Client, mutate func(*gateway.Config)) *env {
	t.Helper()
	b := bus.New()
	tasks := taskstore.NewMemoryStore(b)
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.BuiltinOptions{Store: tasks}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "analyst.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := gateway.Config{
		Sessions: func(sink session.Sink) *session.Orchestrator {
			return session.New(session.Options{
				Client:         client,
				Registry:       reg,
				Sink:           sink,
				Model:          "claude-sonnet-4-5",
				InterruptGrace: time.Second,
				Recorder:       store,
				Bus:            b,
			})
		},
		Tasks:             tasks,
		Registry:          reg,
		Store:             store,
		Bus:               b,
		ConfigFingerprint: "abc123",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := gateway.New(cfg)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &env{url: hs.URL, srv: srv, client: client, tasks: tasks, store: store}
}

func (e *env) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.url, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write %v: %v", msg, err)
	}
}

// readUntil reads messages until one has the given type.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var seen []string
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %q (seen %v): %v", typ, seen, err)
		}
		got, _ := msg["type"].(string)
		if got == typ {
			return msg
		}
		seen = append(seen, got)
	}
}

func getJSON(t *testing.T, url string, want int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	var out map[string]any
	if want == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return out
}

func TestWS_QueryStreamsToDone(t *testing.T) {
	e := newEnv(t, enginetest.New(enginetest.Reply("hello", 0.25)), nil)
	conn := e.dial(t, "")

	st := readUntil(t, conn, "status")
	if st["state"] != "idle" || st["model"] != "claude-sonnet-4-5" {
		t.Fatalf("initial status = %v", st)
	}

	send(t, conn, map[string]any{"type": "query", "query": "hi"})
	sid := readUntil(t, conn, "session_id")
	if sid["session_id"] == "" {
		t.Fatalf("empty session id: %v", sid)
	}
	if txt := readUntil(t, conn, "text"); txt["content"] != "hello" {
		t.Fatalf("text = %v", txt)
	}
	done := readUntil(t, conn, "done")
	if done["cost"] != 0.25 || done["total_cost"] != 0.25 {
		t.Fatalf("done = %v", done)
	}
}

func TestWS_EmptyQueryIsAnError(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)
	conn := e.dial(t, "")
	send(t, conn, map[string]any{"type": "query", "query": "   "})
	if msg := readUntil(t, conn, "error"); msg["message"] != "Empty query" {
		t.Fatalf("error = %v", msg)
	}
}

func TestWS_UnknownAndMalformedMessagesAreIgnored(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)
	conn := e.dial(t, "")
	readUntil(t, conn, "status")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, conn, map[string]any{"type": "bogus"})
	send(t, conn, map[string]any{"type": "status"})
	if st := readUntil(t, conn, "status"); st["state"] != "idle" {
		t.Fatalf("status after junk = %v", st)
	}
}

func TestWS_SetModelWhileBusyAndInterrupt(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	client := enginetest.New(enginetest.Script{{Text: "working"}, {Wait: block}, {Done: true}})
	e := newEnv(t, client, nil)
	conn := e.dial(t, "")

	send(t, conn, map[string]any{"type": "query", "query": "long research"})
	readUntil(t, conn, "text")

	send(t, conn, map[string]any{"type": "set_model", "model": "gpt-4o"})
	if msg := readUntil(t, conn, "error"); !strings.Contains(msg["message"].(string), "Cannot change model") {
		t.Fatalf("set_model while busy = %v", msg)
	}

	send(t, conn, map[string]any{"type": "interrupt"})
	readUntil(t, conn, "interrupted")

	send(t, conn, map[string]any{"type": "set_model", "model": "gpt-4o"})
	if st := readUntil(t, conn, "status"); st["model"] != "gpt-4o" || st["total_cost"] != 0.0 {
		t.Fatalf("status after set_model = %v", st)
	}
}

func TestWS_NewSessionResetsCost(t *testing.T) {
	e := newEnv(t, enginetest.New(enginetest.Reply("a", 0.5)), nil)
	conn := e.dial(t, "")
	send(t, conn, map[string]any{"type": "query", "query": "first"})
	first := readUntil(t, conn, "session_id")["session_id"]
	readUntil(t, conn, "done")

	send(t, conn, map[string]any{"type": "new_session"})
	send(t, conn, map[string]any{"type": "query", "query": "second"})
	second := readUntil(t, conn, "session_id")["session_id"]
	if second == first {
		t.Fatalf("new_session kept session id %v", first)
	}
	if done := readUntil(t, conn, "done"); done["total_cost"] != 0.0 {
		t.Fatalf("done after new_session = %v", done)
	}
}

func TestWS_ReconnectResumesSession(t *testing.T) {
	e := newEnv(t, enginetest.New(enginetest.Reply("one", 0.5), enginetest.Reply("two", 0.25)), nil)

	conn := e.dial(t, "")
	send(t, conn, map[string]any{"type": "query", "query": "first"})
	sid := readUntil(t, conn, "session_id")["session_id"].(string)
	readUntil(t, conn, "done")
	_ = conn.Close(websocket.StatusNormalClosure, "")

	conn2 := e.dial(t, "")
	send(t, conn2, map[string]any{"type": "query", "query": "again", "session_id": sid})
	if got := readUntil(t, conn2, "session_id")["session_id"]; got != sid {
		t.Fatalf("resumed session id = %v, want %s", got, sid)
	}
	if done := readUntil(t, conn2, "done"); done["total_cost"] != 0.75 {
		t.Fatalf("resumed total = %v", done)
	}
}

func TestWS_DisconnectInterruptsTurn(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	e := newEnv(t, enginetest.New(enginetest.Script{{Text: "working"}, {Wait: block}, {Done: true}}), nil)

	conn := e.dial(t, "")
	send(t, conn, map[string]any{"type": "query", "query": "long research"})
	sid := readUntil(t, conn, "session_id")["session_id"].(string)
	readUntil(t, conn, "text")
	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(waitTimeout)
	for {
		turns, err := e.store.ListTurns(context.Background(), sid, 10)
		if err != nil {
			t.Fatalf("list turns: %v", err)
		}
		if len(turns) == 1 && turns[0].State == persistence.TurnInterrupted && e.srv.Clients() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn not torn down: turns=%+v clients=%d", turns, e.srv.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_TaskChangesAreForwarded(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)
	conn := e.dial(t, "")
	readUntil(t, conn, "status")

	req, _ := http.NewRequest(http.MethodDelete, e.url+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	readUntil(t, conn, "tasks_updated")
}

func TestAPITasks(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)

	empty := getJSON(t, e.url+"/api/tasks", http.StatusOK)
	if empty["main_task"] != nil {
		t.Fatalf("empty main_task = %v", empty["main_task"])
	}
	if subs, ok := empty["subtasks"].([]any); !ok || len(subs) != 0 {
		t.Fatalf("empty subtasks = %v", empty["subtasks"])
	}

	rec := taskstore.NewRecord()
	rec.SetMainTask("Compare regional banks", taskstore.StatusInProgress)
	rec.AddSubtask("t1", "Pull filings", "10-K for each bank")
	if err := e.tasks.Replace(context.Background(), rec); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got := getJSON(t, e.url+"/api/tasks", http.StatusOK)
	main, _ := got["main_task"].(map[string]any)
	if main["description"] != "Compare regional banks" {
		t.Fatalf("main_task = %v", got["main_task"])
	}
	subs := got["subtasks"].([]any)
	if len(subs) != 1 || subs[0].(map[string]any)["status"] != "pending" {
		t.Fatalf("subtasks = %v", subs)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.url+"/api/tasks", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	if _, ok, _ := e.tasks.Read(context.Background()); ok {
		t.Fatal("record survived DELETE")
	}

	resp, err = http.Post(e.url+"/api/tasks", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}
}

func TestAPITools(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)
	out := getJSON(t, e.url+"/api/tools", http.StatusOK)
	list := out["tools"].([]any)
	names := map[string]map[string]any{}
	for _, v := range list {
		m := v.(map[string]any)
		names[m["name"].(string)] = m
	}
	for _, want := range []string{"update_tasks", "clear_tasks", "update_task_plan", "mark_task_complete", "web_search", "list_tools"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("tool %q missing from %v", want, list)
		}
	}
	schema, _ := names["web_search"]["input_schema"].(map[string]any)
	if schema["type"] != "object" {
		t.Fatalf("web_search schema = %v", schema)
	}
}

func TestAPISessions(t *testing.T) {
	e := newEnv(t, enginetest.New(enginetest.Reply("answer", 0.1)), nil)
	conn := e.dial(t, "")
	send(t, conn, map[string]any{"type": "query", "query": "what changed?"})
	sid := readUntil(t, conn, "session_id")["session_id"].(string)
	readUntil(t, conn, "done")

	// The turn is closed in the journal before done is sent.
	sessions := getJSON(t, e.url+"/api/sessions", http.StatusOK)["sessions"].([]any)
	if len(sessions) != 1 || sessions[0].(map[string]any)["id"] != sid {
		t.Fatalf("sessions = %v", sessions)
	}
	turns := getJSON(t, e.url+"/api/sessions/"+sid+"/turns", http.StatusOK)["turns"].([]any)
	if len(turns) != 1 {
		t.Fatalf("turns = %v", turns)
	}
	turn := turns[0].(map[string]any)
	if turn["state"] != persistence.TurnCompleted || turn["query"] != "what changed?" {
		t.Fatalf("turn = %v", turn)
	}
	getJSON(t, e.url+"/api/sessions/"+sid+"/messages", http.StatusOK)
	getJSON(t, e.url+"/api/sessions/"+sid+"/bogus", http.StatusNotFound)
	getJSON(t, e.url+"/api/sessions/nope-0000/turns", http.StatusNotFound)
	getJSON(t, e.url+"/api/sessions/"+sid, http.StatusBadRequest)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, enginetest.New(), nil)
	out := getJSON(t, e.url+"/healthz", http.StatusOK)
	if out["healthy"] != true || out["config_hash"] != "abc123" {
		t.Fatalf("healthz = %v", out)
	}
}

func TestAuthGuardsWebsocketAndAPI(t *testing.T) {
	e := newEnv(t, enginetest.New(), func(cfg *gateway.Config) {
		cfg.Auth = config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "secret", Name: "ui"}}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.url, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("dial without key succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without key: resp=%v err=%v", resp, err)
	}

	conn := e.dial(t, "?api_key=secret")
	readUntil(t, conn, "status")

	getJSON(t, e.url+"/api/tools", http.StatusUnauthorized)
	getJSON(t, e.url+"/healthz", http.StatusOK)
}
