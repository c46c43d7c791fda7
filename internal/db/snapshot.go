package db

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ldi/foreman/pkg/models"
)

// EnableAutoSnapshot sets up a hook that automatically exports a snapshot
// to the given path after every successful write operation.
func (db *DB) EnableAutoSnapshot(path string) {
	db.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; a failed export must not fail the write
		// that triggered it.
		_ = db.ExportSnapshot(ctx, path)
	})
}

type snapshotMeta struct {
	RecordType string    `json:"record_type"`
	ExportedAt time.Time `json:"exported_at"`
	Version    int       `json:"version"`
}

type snapshotFeature struct {
	RecordType    string               `json:"record_type"`
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Specification string               `json:"specification"`
	Status        models.FeatureStatus `json:"status"`
	Priority      int                  `json:"priority"`
	BranchName    string               `json:"branch_name,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	StartedAt     *time.Time           `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at"`
}

type snapshotDependency struct {
	RecordType           string `json:"record_type"`
	FeatureID            string `json:"feature_id"`
	FeatureName          string `json:"feature_name"`
	DependsOnFeatureID   string `json:"depends_on_feature_id"`
	DependsOnFeatureName string `json:"depends_on_feature_name"`
}

// ExportSnapshot writes the board as JSONL, atomically via a temporary file:
// one meta record, then features in creation order, then dependency edges.
func (db *DB) ExportSnapshot(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "snapshot-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	features, err := db.ListFeatures(ctx, nil)
	if err != nil {
		return err
	}
	deps, err := db.ListDependencies(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(tempFile)
	if err := enc.Encode(snapshotMeta{RecordType: "meta", ExportedAt: time.Now().UTC(), Version: 1}); err != nil {
		return fmt.Errorf("failed to write meta record: %w", err)
	}

	for _, f := range features {
		rec := snapshotFeature{
			RecordType:    "feature",
			ID:            f.ID,
			Name:          f.Name,
			Description:   f.Description,
			Specification: f.Specification,
			Status:        f.Status,
			Priority:      f.Priority,
			BranchName:    f.BranchName,
			CreatedAt:     f.CreatedAt,
			UpdatedAt:     f.UpdatedAt,
			StartedAt:     f.StartedAt,
			CompletedAt:   f.CompletedAt,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write feature record: %w", err)
		}
	}

	for _, d := range deps {
		rec := snapshotDependency{
			RecordType:           "dependency",
			FeatureID:            d.FeatureID,
			FeatureName:          d.FeatureName,
			DependsOnFeatureID:   d.DependsOnFeatureID,
			DependsOnFeatureName: d.DependsOnFeatureName,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to write dependency record: %w", err)
		}
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// ImportSnapshot reads a JSONL snapshot and populates the database. It uses a
// transaction and maintains referential integrity by mapping names to local
// ids, so a snapshot can be imported over an existing board.
func (db *DB) ImportSnapshot(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Translate snapshot ids and names to local ids
	snapshotIDToLocalID := make(map[string]string)
	nameToLocalID := make(map[string]string)

	err = func() error {
		rows, err := tx.QueryContext(ctx, "SELECT id, name FROM features")
		if err != nil {
			return fmt.Errorf("failed to query features: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id, name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			nameToLocalID[name] = id
		}
		return rows.Err()
	}()
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var base struct {
			RecordType string `json:"record_type"`
		}
		if err := json.Unmarshal(line, &base); err != nil {
			return fmt.Errorf("failed to unmarshal base record: %w", err)
		}

		switch base.RecordType {
		case "meta":
			// Skip meta
		case "feature":
			var f snapshotFeature
			if err := json.Unmarshal(line, &f); err != nil {
				return fmt.Errorf("failed to unmarshal feature: %w", err)
			}

			var branch any
			if f.BranchName != "" {
				branch = f.BranchName
			}

			localID, exists := nameToLocalID[f.Name]
			if exists {
				_, err = tx.ExecContext(ctx, `
					UPDATE features
					SET description = ?, specification = ?, status = ?, priority = ?,
					    branch_name = ?, created_at = ?, updated_at = ?, started_at = ?, completed_at = ?
					WHERE id = ?`,
					f.Description, f.Specification, f.Status, f.Priority,
					branch, f.CreatedAt, f.UpdatedAt, f.StartedAt, f.CompletedAt, localID)
			} else {
				if f.ID == "" {
					f.ID = uuid.New().String()
				}
				localID = f.ID
				_, err = tx.ExecContext(ctx, `
					INSERT INTO features (id, name, description, specification, status, priority,
					                      branch_name, created_at, updated_at, started_at, completed_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					f.ID, f.Name, f.Description, f.Specification, f.Status, f.Priority,
					branch, f.CreatedAt, f.UpdatedAt, f.StartedAt, f.CompletedAt)
			}
			if err != nil {
				return fmt.Errorf("failed to sync feature %s: %w", f.Name, err)
			}
			if f.ID != "" {
				snapshotIDToLocalID[f.ID] = localID
			}
			nameToLocalID[f.Name] = localID

		case "dependency":
			var d snapshotDependency
			if err := json.Unmarshal(line, &d); err != nil {
				return fmt.Errorf("failed to unmarshal dependency: %w", err)
			}

			localFeatureID, ok := snapshotIDToLocalID[d.FeatureID]
			if !ok {
				localFeatureID, ok = nameToLocalID[d.FeatureName]
			}
			if !ok {
				return fmt.Errorf("feature not found for dependency: %s", d.FeatureName)
			}

			localDependsOnID, ok := snapshotIDToLocalID[d.DependsOnFeatureID]
			if !ok {
				localDependsOnID, ok = nameToLocalID[d.DependsOnFeatureName]
			}
			if !ok {
				return fmt.Errorf("depends_on feature not found for dependency: %s", d.DependsOnFeatureName)
			}

			_, err = tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO dependencies (feature_id, depends_on_feature_id) VALUES (?, ?)",
				localFeatureID, localDependsOnID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", d.FeatureName, d.DependsOnFeatureName, err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	db.triggerChange(ctx)
	return nil
}
