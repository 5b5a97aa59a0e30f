package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged rows from a retention run.
type RetentionResult struct {
	PurgedMessages  int64 `json:"purged_messages"`
	PurgedToolCalls int64 `json:"purged_tool_calls"`
	PurgedTurns     int64 `json:"purged_turns"`
	PurgedSessions  int64 `json:"purged_sessions"`
}

func (r RetentionResult) Total() int64 {
	return r.PurgedMessages + r.PurgedToolCalls + r.PurgedTurns + r.PurgedSessions
}

// RunRetention deletes journal rows older than days. Sessions are removed only
// once they have no turns or messages left. Turns still active are kept. The
// job is idempotent; days <= 0 disables it.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}
	cutoff := now().Add(-time.Duration(days) * 24 * time.Hour)

	steps := []struct {
		name  string
		query string
		dest  *int64
	}{
		{"messages", `DELETE FROM messages WHERE created_at < ?;`, &result.PurgedMessages},
		{"tool_calls", `DELETE FROM tool_calls WHERE created_at < ?;`, &result.PurgedToolCalls},
		{"turns", `DELETE FROM turns WHERE started_at < ? AND state != 'active';`, &result.PurgedTurns},
		{"sessions", `DELETE FROM sessions WHERE updated_at < ?
			AND NOT EXISTS (SELECT 1 FROM turns WHERE turns.session_id = sessions.id)
			AND NOT EXISTS (SELECT 1 FROM messages WHERE messages.session_id = sessions.id);`, &result.PurgedSessions},
	}
	for _, step := range steps {
		err := retryOnBusy(ctx, 5, func() error {
			res, err := s.db.ExecContext(ctx, step.query, cutoff)
			if err != nil {
				return err
			}
			*step.dest, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("purge %s: %w", step.name, err)
		}
	}
	return result, nil
}
