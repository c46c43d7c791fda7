package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ldi/foreman/pkg/models"
)

// CreateFeature inserts a new feature. If f.ID is empty, a new UUID is
// generated. A zero priority is stored as the default.
func (db *DB) CreateFeature(ctx context.Context, f *models.Feature) error {
	if err := db.createFeature(ctx, db.DB, f); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}

// GetFeature retrieves a feature by its ID, without dependencies.
func (db *DB) GetFeature(ctx context.Context, id string) (*models.Feature, error) {
	query := `
		SELECT id, name, description, specification, status, priority, branch_name,
		       created_at, updated_at, started_at, completed_at
		FROM features
		WHERE id = ?
	`
	return db.scanFeatureRow(db.QueryRowContext(ctx, query, id))
}

// GetFeatureByName retrieves a feature by its unique name.
func (db *DB) GetFeatureByName(ctx context.Context, name string) (*models.Feature, error) {
	return db.getFeatureByName(ctx, db.DB, name)
}

func (db *DB) getFeatureByName(ctx context.Context, exec executor, name string) (*models.Feature, error) {
	query := `
		SELECT id, name, description, specification, status, priority, branch_name,
		       created_at, updated_at, started_at, completed_at
		FROM features
		WHERE name = ?
	`
	return db.scanFeatureRow(exec.QueryRowContext(ctx, query, name))
}

func (db *DB) scanFeatureRow(row *sql.Row) (*models.Feature, error) {
	f := &models.Feature{}
	var branch sql.NullString
	err := row.Scan(
		&f.ID, &f.Name, &f.Description, &f.Specification, &f.Status, &f.Priority, &branch,
		&f.CreatedAt, &f.UpdatedAt, &f.StartedAt, &f.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}

	f.BranchName = branch.String
	return f, nil
}

// ListFeatures returns features, optionally filtered by status, oldest first.
func (db *DB) ListFeatures(ctx context.Context, status *models.FeatureStatus) ([]*models.Feature, error) {
	query := `
		SELECT id, name, description, specification, status, priority, branch_name,
		       created_at, updated_at, started_at, completed_at
		FROM features
		WHERE 1=1
	`
	args := []any{}

	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}

	query += " ORDER BY created_at ASC, id ASC"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []*models.Feature
	for rows.Next() {
		f := &models.Feature{}
		var branch sql.NullString
		err := rows.Scan(
			&f.ID, &f.Name, &f.Description, &f.Specification, &f.Status, &f.Priority, &branch,
			&f.CreatedAt, &f.UpdatedAt, &f.StartedAt, &f.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		f.BranchName = branch.String
		features = append(features, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return features, nil
}

// Snapshot returns every feature with its dependency ids attached, the
// immutable per-tick input to the resolver. Creation order is preserved so
// the scheduler's priority tie-break stays stable.
func (db *DB) Snapshot(ctx context.Context) ([]*models.Feature, error) {
	features, err := db.ListFeatures(ctx, nil)
	if err != nil {
		return nil, err
	}

	deps, err := db.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Feature, len(features))
	for _, f := range features {
		byID[f.ID] = f
	}
	for _, d := range deps {
		if f, ok := byID[d.FeatureID]; ok {
			f.Dependencies = append(f.Dependencies, d.DependsOnFeatureID)
		}
	}

	return features, nil
}

// UpdateFeature updates a feature's editable fields.
func (db *DB) UpdateFeature(ctx context.Context, f *models.Feature) error {
	query := `
		UPDATE features
		SET name = ?, description = ?, specification = ?, priority = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING updated_at
	`
	err := db.QueryRowContext(ctx, query,
		f.Name, f.Description, f.Specification, f.Priority, f.ID,
	).Scan(&f.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("feature not found: %s", f.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update feature: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// SetFeatureStatus moves a feature through its lifecycle, validating the
// transition. started_at is stamped on the first move to in_progress,
// completed_at on completion.
func (db *DB) SetFeatureStatus(ctx context.Context, id string, status models.FeatureStatus) error {
	current, err := db.GetFeature(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("feature not found: %s", id)
	}

	if err := validateStatusTransition(current.Status, status); err != nil {
		return err
	}

	query := `
		UPDATE features
		SET status = ?,
		    updated_at = CURRENT_TIMESTAMP,
		    started_at = CASE
		        WHEN ? = 'in_progress' AND started_at IS NULL THEN CURRENT_TIMESTAMP
		        ELSE started_at
		    END,
		    completed_at = CASE
		        WHEN ? = 'completed' THEN CURRENT_TIMESTAMP
		        ELSE completed_at
		    END
		WHERE id = ?
	`
	if _, err := db.ExecContext(ctx, query, status, status, status, id); err != nil {
		return fmt.Errorf("failed to set feature status: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// AssignFeatureBranch binds an unassigned feature to a branch. The assignment
// is one-time: a feature that already carries a branch name is left alone.
func (db *DB) AssignFeatureBranch(ctx context.Context, id, branch string) error {
	query := `
		UPDATE features
		SET branch_name = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (branch_name IS NULL OR branch_name = '')
	`
	if _, err := db.ExecContext(ctx, query, branch, id); err != nil {
		return fmt.Errorf("failed to assign feature branch: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// ResetInProgressFeatures returns all in_progress features to backlog.
// Called on scheduler startup to recover features orphaned by a crash or
// restart mid-run.
func (db *DB) ResetInProgressFeatures(ctx context.Context) error {
	query := `
		UPDATE features
		SET status = 'backlog', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'in_progress'
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to reset in_progress features: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// DeleteFeature deletes a feature by its ID. Dependency edges cascade.
func (db *DB) DeleteFeature(ctx context.Context, id string) error {
	query := `DELETE FROM features WHERE id = ?`
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete feature: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("feature not found: %s", id)
	}

	db.triggerChange(ctx)
	return nil
}

func validateStatusTransition(from, to models.FeatureStatus) error {
	if from == to {
		return nil
	}

	allowed := map[models.FeatureStatus][]models.FeatureStatus{
		models.FeatureStatusBacklog: {
			models.FeatureStatusInProgress,
		},
		models.FeatureStatusInProgress: {
			models.FeatureStatusWaitingApproval,
			models.FeatureStatusCompleted,
			models.FeatureStatusBacklog,
		},
		models.FeatureStatusWaitingApproval: {
			models.FeatureStatusVerified,
			models.FeatureStatusInProgress,
			models.FeatureStatusBacklog,
		},
		models.FeatureStatusVerified: {
			models.FeatureStatusCompleted,
			models.FeatureStatusInProgress,
		},
		models.FeatureStatusCompleted: {
			models.FeatureStatusInProgress,
		},
	}

	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
