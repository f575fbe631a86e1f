package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// TerminalSessionRepository stores the audit trail of shared terminal sessions.
type TerminalSessionRepository struct {
	db *sql.DB
}

func NewTerminalSessionRepository(db *sql.DB) *TerminalSessionRepository {
	return &TerminalSessionRepository{db: db}
}

// Start records a newly created session.
func (r *TerminalSessionRepository) Start(ctx context.Context, rec *model.TerminalSessionRecord) error {
	query := `
		INSERT INTO terminal_sessions (id, target_id, node, started_at, peak_viewers)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.TargetID, rec.Node, rec.StartedAt, rec.PeakViewers)
	if err != nil {
		return fmt.Errorf("failed to record terminal session: %w", err)
	}
	return nil
}

// End closes a session record.
func (r *TerminalSessionRepository) End(ctx context.Context, id string, endedAt time.Time, reason model.TerminalEndReason, peakViewers int) error {
	query := `
		UPDATE terminal_sessions
		SET ended_at = ?, end_reason = ?, peak_viewers = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, endedAt, reason, peakViewers, id)
	if err != nil {
		return fmt.Errorf("failed to end terminal session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("terminal session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// ListByTarget returns up to limit sessions for a target, newest first.
func (r *TerminalSessionRepository) ListByTarget(ctx context.Context, targetID string, limit int) ([]*model.TerminalSessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, target_id, node, started_at, ended_at, end_reason, peak_viewers
		FROM terminal_sessions
		WHERE target_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal sessions: %w", err)
	}
	defer rows.Close()

	var records []*model.TerminalSessionRecord
	for rows.Next() {
		rec := &model.TerminalSessionRecord{}
		var endedAt sql.NullTime
		var reason sql.NullString

		if err := rows.Scan(
			&rec.ID,
			&rec.TargetID,
			&rec.Node,
			&rec.StartedAt,
			&endedAt,
			&reason,
			&rec.PeakViewers,
		); err != nil {
			return nil, fmt.Errorf("failed to scan terminal session: %w", err)
		}

		if endedAt.Valid {
			t := endedAt.Time
			rec.EndedAt = &t
		}
		if reason.Valid {
			rec.EndReason = model.TerminalEndReason(reason.String)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating terminal sessions: %w", err)
	}

	return records, nil
}
