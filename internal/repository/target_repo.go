package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// TargetRepository provides data access for execution targets.
type TargetRepository struct {
	db *sql.DB
}

// NewTargetRepository creates a new TargetRepository.
func NewTargetRepository(db *sql.DB) *TargetRepository {
	return &TargetRepository{db: db}
}

// Create inserts a new target into the database.
func (r *TargetRepository) Create(ctx context.Context, target *model.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	envJSON, err := target.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := `
		INSERT INTO targets (id, name, command, workdir, env, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Command,
		target.Workdir,
		envJSON,
		target.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}

	return nil
}

const targetColumns = `id, name, command, workdir, env, created_at`

func scanTarget(row scanner) (*model.Target, error) {
	target := &model.Target{}
	var envJSON sql.NullString
	if err := row.Scan(
		&target.ID,
		&target.Name,
		&target.Command,
		&target.Workdir,
		&envJSON,
		&target.CreatedAt,
	); err != nil {
		return nil, err
	}
	if envJSON.Valid {
		if err := target.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	return target, nil
}

// GetByID retrieves a target by its ID.
func (r *TargetRepository) GetByID(ctx context.Context, id string) (*model.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = ?`

	target, err := scanTarget(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrTargetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	return target, nil
}

// List retrieves all targets, newest first.
func (r *TargetRepository) List(ctx context.Context) ([]*model.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*model.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		targets = append(targets, target)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}

	return targets, nil
}

// Delete removes a target from the database.
func (r *TargetRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrTargetNotFound
	}

	return nil
}
