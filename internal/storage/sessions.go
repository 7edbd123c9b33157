package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dext-ai/dext-broker/internal/apperr"
)

// SessionTool is one remembered retrieval for a session.
type SessionTool struct {
	ToolMD5     string
	ToolName    string
	RetrievedAt time.Time
}

// GetSessionHistory returns every tool the session has already seen,
// oldest first. An unknown session yields an empty slice.
func (s *Store) GetSessionHistory(ctx context.Context, sessionID string) ([]SessionTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_md5, tool_name, retrieved_at
		FROM session_tool_history
		WHERE session_id = ?
		ORDER BY retrieved_at, tool_md5`, sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "failed to load session history %s", sessionID)
	}
	defer rows.Close()

	var history []SessionTool
	for rows.Next() {
		var entry SessionTool
		if err := rows.Scan(&entry.ToolMD5, &entry.ToolName, &entry.RetrievedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "failed to scan session history row")
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// IsRetrieved reports whether the session has already seen the tool.
func (s *Store) IsRetrieved(ctx context.Context, sessionID, toolMD5 string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM session_tool_history
		WHERE session_id = ? AND tool_md5 = ?`, sessionID, toolMD5).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, err, "failed to check session history")
	}
	return true, nil
}

// RecordRetrieved remembers that the session saw the tool. Re-recording the
// same pair is a no-op.
func (s *Store) RecordRetrieved(ctx context.Context, sessionID, toolMD5, toolName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, toolMD5, toolName, time.Now().UTC())
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to record session tool %s", toolMD5)
	}
	return nil
}

// RecordRetrievedBatch records several tools for one session in a single
// transaction, skipping pairs the session already holds.
func (s *Store) RecordRetrievedBatch(ctx context.Context, sessionID string, tools []SessionTool) error {
	if len(tools) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, t := range tools {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO session_tool_history (session_id, tool_md5, tool_name, retrieved_at)
			VALUES (?, ?, ?, ?)`,
			sessionID, t.ToolMD5, t.ToolName, now); err != nil {
			return apperr.Wrap(apperr.Internal, err, "failed to record session tool %s", t.ToolMD5)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "failed to commit session batch")
	}
	return nil
}

// ClearSession forgets everything a session has seen. Returns the number of
// entries removed.
func (s *Store) ClearSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_tool_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to clear session %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to read affected rows")
	}
	return n, nil
}

// SessionStats returns the number of history entries one session holds,
// for diagnostics. Unknown sessions report zero.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (int, error) {
	var entries int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_tool_history WHERE session_id = ?`, sessionID).Scan(&entries)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "failed to read session stats for %s", sessionID)
	}
	return entries, nil
}
