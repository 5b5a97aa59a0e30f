// Command ws_check smoke-tests a running analyst server over the websocket
// protocol: auth rejection, the initial status, and optionally one query.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "websocket endpoint")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	apiKey := flag.String("api-key", "", "API key, when the server has auth enabled")
	query := flag.String("query", "", "query to run end to end (skipped when empty)")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := check(ctx, os.Stdout, *url, strings.TrimSpace(*apiKey), *query); err != nil {
		fmt.Fprintf(os.Stderr, "VERDICT FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func check(ctx context.Context, out io.Writer, url, apiKey, query string) error {
	if apiKey != "" {
		conn, resp, err := websocket.Dial(ctx, url, nil)
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return errors.New("expected missing-key dial to fail but it succeeded")
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			return fmt.Errorf("expected 401 for missing key, got response=%v err=%v", resp, err)
		}
		fmt.Fprintf(out, "AUTH_CHECK missing key rejected status=%d\n", resp.StatusCode)
	}

	opts := &websocket.DialOptions{}
	if apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	status, err := readType(ctx, out, conn, "status")
	if err != nil {
		return fmt.Errorf("initial status: %w", err)
	}
	if status["state"] != "idle" {
		return fmt.Errorf("initial state = %v, want idle", status["state"])
	}

	if err := write(ctx, out, conn, map[string]any{"type": "status"}); err != nil {
		return err
	}
	if _, err := readType(ctx, out, conn, "status"); err != nil {
		return fmt.Errorf("status reply: %w", err)
	}

	if query == "" {
		return nil
	}
	if err := write(ctx, out, conn, map[string]any{"type": "query", "query": query}); err != nil {
		return err
	}
	for {
		msg, err := read(ctx, out, conn)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		switch msg["type"] {
		case "done":
			return nil
		case "interrupted":
			return errors.New("query was interrupted")
		case "error":
			return fmt.Errorf("query failed: %v", msg["message"])
		}
	}
}

func write(ctx context.Context, out io.Writer, conn *websocket.Conn, msg map[string]any) error {
	fmt.Fprintf(out, ">> %s\n", mustJSON(msg))
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func read(ctx context.Context, out io.Writer, conn *websocket.Conn) (map[string]any, error) {
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "<< %s\n", mustJSON(msg))
	return msg, nil
}

// readType skips messages until one of type typ arrives.
func readType(ctx context.Context, out io.Writer, conn *websocket.Conn, typ string) (map[string]any, error) {
	for {
		msg, err := read(ctx, out, conn)
		if err != nil {
			return nil, err
		}
		if msg["type"] == typ {
			return msg, nil
		}
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}
