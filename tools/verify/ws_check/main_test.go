package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/analyst/internal/config"
	"github.com/basket/analyst/internal/engine/enginetest"
	"github.com/basket/analyst/internal/gateway"
	"github.com/basket/analyst/internal/session"
	"github.com/basket/analyst/internal/taskstore"
	"github.com/basket/analyst/internal/tools"
)

func startServer(t *testing.T, client *enginetest.Client) string {
	t.Helper()
	tasks := taskstore.NewMemoryStore(nil)
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.BuiltinOptions{Store: tasks}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	srv := gateway.New(gateway.Config{
		Sessions: func(sink session.Sink) *session.Orchestrator {
			return session.New(session.Options{Client: client, Registry: reg, Sink: sink, Model: "claude-sonnet-4-5"})
		},
		Tasks:    tasks,
		Registry: reg,
		Auth:     config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "secret", Name: "ci"}}},
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func TestCheck_PassesAgainstGateway(t *testing.T) {
	url := startServer(t, enginetest.New(enginetest.Reply("pong", 0.01)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := check(ctx, &out, url, "secret", "ping"); err != nil {
		t.Fatalf("check: %v\n%s", err, out.String())
	}
	for _, want := range []string{"AUTH_CHECK missing key rejected status=401", `"type":"done"`} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("transcript missing %q", want)
		}
	}
}

func TestCheck_ReportsBackendError(t *testing.T) {
	client := enginetest.New(enginetest.Script{{Fail: context.DeadlineExceeded}})
	url := startServer(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := check(ctx, &out, url, "secret", "ping")
	if err == nil || !strings.Contains(err.Error(), "query failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestCheck_WrongKeyFailsDial(t *testing.T) {
	url := startServer(t, enginetest.New())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := check(ctx, &bytes.Buffer{}, url, "wrong", ""); err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("err = %v", err)
	}
}
