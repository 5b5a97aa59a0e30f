package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var now = func() time.Time { return time.Now().UTC() }

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Session struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	TotalCost float64   `json:"total_cost"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type HistoryItem struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

func validSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("invalid session_id: empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("invalid session_id: longer than 128 bytes")
	}
	return nil
}

// EnsureSession creates the session row if missing and records model when set.
func (s *Store) EnsureSession(ctx context.Context, sessionID, model string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	ts := now()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, model, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				model = CASE WHEN excluded.model != '' THEN excluded.model ELSE sessions.model END,
				updated_at = excluded.updated_at;
		`, sessionID, model, ts, ts)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model, total_cost, turn_count, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, sessionID).Scan(&out.ID, &out.Model, &out.TotalCost, &out.TurnCount, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

// ListSessions returns the most recently active sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, total_cost, turn_count, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Model, &sess.TotalCost, &sess.TurnCount, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions rows: %w", err)
	}
	return out, nil
}

func (s *Store) AddHistory(ctx context.Context, sessionID, role, content string, tokens int) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, tokens, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, sessionID, role, content, tokens, now())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListHistory returns the last limit messages of a session, oldest first.
func (s *Store) ListHistory(ctx context.Context, sessionID string, limit int) ([]HistoryItem, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens, created_at FROM (
			SELECT id, session_id, role, content, tokens, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []HistoryItem
	for rows.Next() {
		var item HistoryItem
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Role, &item.Content, &item.Tokens, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and, by cascade, its messages, turns and tool calls.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}
