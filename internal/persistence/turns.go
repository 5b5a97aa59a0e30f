package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Turn states as journaled. A turn row is written as active and closed once.
const (
	TurnActive      = "active"
	TurnCompleted   = "completed"
	TurnInterrupted = "interrupted"
	TurnFailed      = "failed"
)

type Turn struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Query        string     `json:"query"`
	Model        string     `json:"model"`
	State        string     `json:"state"`
	Cost         float64    `json:"cost"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// TurnOutcome closes a turn.
type TurnOutcome struct {
	TurnID       string
	SessionID    string
	State        string
	Cost         float64
	InputTokens  int
	OutputTokens int
	Error        string
}

type ToolCall struct {
	ID         int64     `json:"id"`
	TurnID     string    `json:"turn_id"`
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id,omitempty"`
	ToolName   string    `json:"tool_name"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	IsError    bool      `json:"is_error"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordTurnStart journals a new active turn, creating the session row if needed.
func (s *Store) RecordTurnStart(ctx context.Context, sessionID, turnID, model, query string) error {
	if err := s.EnsureSession(ctx, sessionID, model); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (id, session_id, query, model, state, started_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, turnID, sessionID, query, model, TurnActive, now())
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		return nil
	})
}

// RecordTurnEnd closes an active turn and folds its cost into the session total.
// Closing a turn twice is a no-op.
func (s *Store) RecordTurnEnd(ctx context.Context, out TurnOutcome) error {
	switch out.State {
	case TurnCompleted, TurnInterrupted, TurnFailed:
	default:
		return fmt.Errorf("invalid terminal turn state %q", out.State)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin turn end tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ts := now()
		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET state = ?, cost = ?, input_tokens = ?, output_tokens = ?, error = ?, ended_at = ?
			WHERE id = ? AND state = ?;
		`, out.State, out.Cost, out.InputTokens, out.OutputTokens, out.Error, ts, out.TurnID, TurnActive)
		if err != nil {
			return fmt.Errorf("update turn: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET total_cost = total_cost + ?, turn_count = turn_count + 1, updated_at = ?
			WHERE id = ?;
		`, out.Cost, ts, out.SessionID); err != nil {
			return fmt.Errorf("update session totals: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit turn end: %w", err)
		}
		return nil
	})
}

// ListTurns returns a session's turns, oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, query, model, state, cost, input_tokens, output_tokens, error, started_at, ended_at
		FROM turns
		WHERE session_id = ?
		ORDER BY started_at ASC, rowid ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var ended sql.NullTime
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Query, &t.Model, &t.State, &t.Cost,
			&t.InputTokens, &t.OutputTokens, &t.Error, &t.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if ended.Valid {
			t.EndedAt = &ended.Time
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetTurn(ctx context.Context, turnID string) (Turn, error) {
	var t Turn
	var ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, query, model, state, cost, input_tokens, output_tokens, error, started_at, ended_at
		FROM turns WHERE id = ?;
	`, turnID).Scan(&t.ID, &t.SessionID, &t.Query, &t.Model, &t.State, &t.Cost,
		&t.InputTokens, &t.OutputTokens, &t.Error, &t.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("turn %s: %w", turnID, ErrNotFound)
	}
	if err != nil {
		return Turn{}, fmt.Errorf("get turn: %w", err)
	}
	if ended.Valid {
		t.EndedAt = &ended.Time
	}
	return t, nil
}

func (s *Store) RecordToolCall(ctx context.Context, call ToolCall) error {
	if call.Input == "" {
		call.Input = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_calls (turn_id, session_id, call_id, tool_name, input, output, is_error, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, call.TurnID, call.SessionID, call.CallID, call.ToolName, call.Input, call.Output,
			boolToInt(call.IsError), call.DurationMS, now())
		if err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
		return nil
	})
}

// ListToolCalls returns the calls made during a turn in dispatch order.
func (s *Store) ListToolCalls(ctx context.Context, turnID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, session_id, call_id, tool_name, input, output, is_error, duration_ms, created_at
		FROM tool_calls
		WHERE turn_id = ?
		ORDER BY id ASC;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var c ToolCall
		var isErr int
		if err := rows.Scan(&c.ID, &c.TurnID, &c.SessionID, &c.CallID, &c.ToolName, &c.Input,
			&c.Output, &isErr, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		c.IsError = isErr != 0
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool call rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
