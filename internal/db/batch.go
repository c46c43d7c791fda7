package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/ldi/foreman/pkg/models"
)

// CommitBatch applies all staged changes for a session in one transaction.
// Dependencies may reference features staged in the same batch by name.
func (db *DB) CommitBatch(ctx context.Context, sessionID string) error {
	items := db.Staging.GetAndClear(sessionID)
	if items == nil {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	featureIDs := make(map[string]string)

	// 1. Features
	for _, f := range items.Features {
		if err := db.createFeature(ctx, tx, f); err != nil {
			return fmt.Errorf("failed to create staged feature %s: %w", f.Name, err)
		}
		featureIDs[f.Name] = f.ID
	}

	// 2. Dependencies
	for _, d := range items.Dependencies {
		if d.FeatureID == "" {
			id, err := db.resolveFeatureID(ctx, tx, featureIDs, d.FeatureName)
			if err != nil {
				return fmt.Errorf("failed to resolve feature %s for dependency: %w", d.FeatureName, err)
			}
			d.FeatureID = id
		}

		if d.DependsOnFeatureID == "" {
			id, err := db.resolveFeatureID(ctx, tx, featureIDs, d.DependsOnFeatureName)
			if err != nil {
				return fmt.Errorf("failed to resolve depends_on feature %s for dependency: %w", d.DependsOnFeatureName, err)
			}
			d.DependsOnFeatureID = id
		}

		if err := db.createDependency(ctx, tx, d.FeatureID, d.DependsOnFeatureID); err != nil {
			return fmt.Errorf("failed to create staged dependency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

func (db *DB) resolveFeatureID(ctx context.Context, exec executor, staged map[string]string, name string) (string, error) {
	if id, ok := staged[name]; ok {
		return id, nil
	}
	f, err := db.getFeatureByName(ctx, exec, name)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("feature %s not found", name)
	}
	return f.ID, nil
}

func (db *DB) createFeature(ctx context.Context, exec executor, f *models.Feature) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Status == "" {
		f.Status = models.FeatureStatusBacklog
	}
	if f.Priority < models.PriorityHighest {
		f.Priority = models.PriorityDefault
	}

	var branch any
	if f.BranchName != "" {
		branch = f.BranchName
	}

	query := `
		INSERT INTO features (id, name, description, specification, status, priority, branch_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at
	`
	err := exec.QueryRowContext(ctx, query,
		f.ID, f.Name, f.Description, f.Specification, f.Status, f.Priority, branch,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

func (db *DB) createDependency(ctx context.Context, exec executor, featureID, dependsOnFeatureID string) error {
	query := `INSERT INTO dependencies (feature_id, depends_on_feature_id) VALUES (?, ?)`
	_, err := exec.ExecContext(ctx, query, featureID, dependsOnFeatureID)
	if err != nil {
		return fmt.Errorf("failed to create dependency: %w", err)
	}
	return nil
}
