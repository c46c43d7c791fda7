package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ldi/foreman/pkg/models"
)

func (db *DB) CreateDependency(ctx context.Context, featureID, dependsOnFeatureID string) error {
	if err := db.createDependency(ctx, db.DB, featureID, dependsOnFeatureID); err != nil {
		return err
	}
	db.triggerChange(ctx)
	return nil
}

func (db *DB) DeleteDependency(ctx context.Context, featureID, dependsOnFeatureID string) error {
	query := `DELETE FROM dependencies WHERE feature_id = ? AND depends_on_feature_id = ?`
	res, err := db.ExecContext(ctx, query, featureID, dependsOnFeatureID)
	if err != nil {
		return fmt.Errorf("failed to delete dependency: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("dependency not found: %s -> %s", featureID, dependsOnFeatureID)
	}

	db.triggerChange(ctx)
	return nil
}

// ListDependencies returns every dependency edge in creation order.
func (db *DB) ListDependencies(ctx context.Context) ([]*models.Dependency, error) {
	query := `
		SELECT d.feature_id, d.depends_on_feature_id, f.name, dep.name
		FROM dependencies d
		JOIN features f ON f.id = d.feature_id
		JOIN features dep ON dep.id = d.depends_on_feature_id
		ORDER BY d.created_at ASC, d.feature_id ASC, d.depends_on_feature_id ASC
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*models.Dependency
	for rows.Next() {
		d := &models.Dependency{}
		if err := rows.Scan(&d.FeatureID, &d.DependsOnFeatureID, &d.FeatureName, &d.DependsOnFeatureName); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return deps, nil
}

// GetDependencies returns the features the given feature depends on.
func (db *DB) GetDependencies(ctx context.Context, featureID string) ([]*models.Feature, error) {
	query := `
		SELECT f.id, f.name, f.description, f.specification, f.status, f.priority, f.branch_name,
		       f.created_at, f.updated_at, f.started_at, f.completed_at
		FROM features f
		JOIN dependencies d ON f.id = d.depends_on_feature_id
		WHERE d.feature_id = ?
		ORDER BY f.priority ASC, f.created_at ASC
	`
	return db.queryFeatures(ctx, query, featureID)
}

// GetDependents returns the features that depend on the given feature.
func (db *DB) GetDependents(ctx context.Context, featureID string) ([]*models.Feature, error) {
	query := `
		SELECT f.id, f.name, f.description, f.specification, f.status, f.priority, f.branch_name,
		       f.created_at, f.updated_at, f.started_at, f.completed_at
		FROM features f
		JOIN dependencies d ON f.id = d.feature_id
		WHERE d.depends_on_feature_id = ?
		ORDER BY f.priority ASC, f.created_at ASC
	`
	return db.queryFeatures(ctx, query, featureID)
}

func (db *DB) queryFeatures(ctx context.Context, query string, args ...any) ([]*models.Feature, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
