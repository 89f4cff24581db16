// Package sqlite provides a SQLite-backed assignment storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlitemigrate "github.com/louisbranch/splitrail/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/splitrail/internal/services/assignment/identity"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists the experiment catalog and assignment ledger in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func marshalMap(value map[string]any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	if value == nil {
		value = map[string]any{}
	}
	return value, nil
}

// Open opens a SQLite assignment store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite applies pragmas through _pragma=name(value) query
	// parameters, once per pooled connection. The busy timeout keeps losing
	// concurrent writers queued until they reach the unique index instead of
	// failing with SQLITE_BUSY.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutExperiment upserts one experiment row. Variants are stored separately.
func (s *Store) PutExperiment(ctx context.Context, experiment storage.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	experimentID := strings.TrimSpace(experiment.ID)
	if experimentID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if !experiment.Status.Valid() {
		return fmt.Errorf("experiment status %q is invalid", experiment.Status)
	}
	criteria, err := marshalMap(experiment.TargetCriteria)
	if err != nil {
		return fmt.Errorf("encode target criteria: %w", err)
	}
	createdAt := experiment.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := experiment.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO experiments (id, name, status, target_criteria, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   status = excluded.status,
		   target_criteria = excluded.target_criteria,
		   updated_at = excluded.updated_at`,
		experimentID,
		experiment.Name,
		string(experiment.Status),
		criteria,
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("put experiment: %w", err)
	}
	return nil
}

// PutVariant upserts one variant row at its stored position.
func (s *Store) PutVariant(ctx context.Context, variant storage.Variant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	variantID := strings.TrimSpace(variant.ID)
	experimentID := strings.TrimSpace(variant.ExperimentID)
	if variantID == "" {
		return fmt.Errorf("variant id is required")
	}
	if experimentID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if variant.Weight < 0 {
		return fmt.Errorf("variant weight must not be negative")
	}
	config, err := marshalMap(variant.Config)
	if err != nil {
		return fmt.Errorf("encode variant config: %w", err)
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO variants (id, experiment_id, name, weight, config, position)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   weight = excluded.weight,
		   config = excluded.config,
		   position = excluded.position`,
		variantID,
		experimentID,
		variant.Name,
		variant.Weight,
		config,
		variant.Position,
	)
	if err != nil {
		return fmt.Errorf("put variant: %w", err)
	}
	return nil
}

// GetExperiment returns one experiment with variants in stored order.
func (s *Store) GetExperiment(ctx context.Context, id string) (storage.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Experiment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Experiment{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Experiment{}, fmt.Errorf("experiment id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, status, target_criteria, created_at, updated_at
		 FROM experiments
		 WHERE id = ?`,
		id,
	)
	experiment, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Experiment{}, storage.ErrNotFound
		}
		return storage.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	variants, err := s.variantsForExperiment(ctx, experiment.ID)
	if err != nil {
		return storage.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	experiment.Variants = variants
	return experiment, nil
}

// ListExperiments returns experiments with the given status, with variants in
// stored order. An empty status returns every experiment.
func (s *Store) ListExperiments(ctx context.Context, status storage.ExperimentStatus) ([]storage.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	query := `SELECT id, name, status, target_criteria, created_at, updated_at
	          FROM experiments ORDER BY id ASC`
	args := []any{}
	if status != "" {
		query = `SELECT id, name, status, target_criteria, created_at, updated_at
		         FROM experiments WHERE status = ? ORDER BY id ASC`
		args = append(args, string(status))
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var experiments []storage.Experiment
	for rows.Next() {
		experiment, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("list experiments: %w", err)
		}
		experiments = append(experiments, experiment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	for i := range experiments {
		variants, err := s.variantsForExperiment(ctx, experiments[i].ID)
		if err != nil {
			return nil, fmt.Errorf("list experiments: %w", err)
		}
		experiments[i].Variants = variants
	}
	return experiments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (storage.Experiment, error) {
	var (
		experiment storage.Experiment
		status     string
		criteria   string
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(
		&experiment.ID,
		&experiment.Name,
		&status,
		&criteria,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.Experiment{}, err
	}
	targetCriteria, err := unmarshalMap(criteria)
	if err != nil {
		return storage.Experiment{}, fmt.Errorf("decode target criteria: %w", err)
	}
	experiment.Status = storage.ExperimentStatus(status)
	experiment.TargetCriteria = targetCriteria
	experiment.CreatedAt = fromMillis(createdAt)
	experiment.UpdatedAt = fromMillis(updatedAt)
	return experiment, nil
}

func (s *Store) variantsForExperiment(ctx context.Context, experimentID string) ([]storage.Variant, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, experiment_id, name, weight, config, position
		 FROM variants
		 WHERE experiment_id = ?
		 ORDER BY position ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var variants []storage.Variant
	for rows.Next() {
		var (
			variant storage.Variant
			config  string
		)
		if err := rows.Scan(
			&variant.ID,
			&variant.ExperimentID,
			&variant.Name,
			&variant.Weight,
			&config,
			&variant.Position,
		); err != nil {
			return nil, fmt.Errorf("list variants: %w", err)
		}
		variantConfig, err := unmarshalMap(config)
		if err != nil {
			return nil, fmt.Errorf("decode variant config: %w", err)
		}
		variant.Config = variantConfig
		variants = append(variants, variant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return variants, nil
}

// FindAssignment returns the existing ledger row for an identity and
// experiment, preferring a profile-keyed row when both could match.
func (s *Store) FindAssignment(ctx context.Context, experimentID string, id identity.Identity) (storage.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Assignment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Assignment{}, fmt.Errorf("storage is not configured")
	}
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return storage.Assignment{}, fmt.Errorf("experiment id is required")
	}
	if strings.TrimSpace(id.DeviceID) == "" {
		return storage.Assignment{}, fmt.Errorf("device id is required")
	}

	var row *sql.Row
	if id.Authenticated() {
		row = s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id, experiment_id, profile_id, device_id, variant_id, context, created_at
			 FROM assignments
			 WHERE experiment_id = ? AND (profile_id = ? OR device_id = ?)
			 ORDER BY CASE WHEN profile_id = ? THEN 0 ELSE 1 END, created_at ASC
			 LIMIT 1`,
			experimentID,
			id.ProfileID,
			id.DeviceID,
			id.ProfileID,
		)
	} else {
		row = s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id, experiment_id, profile_id, device_id, variant_id, context, created_at
			 FROM assignments
			 WHERE experiment_id = ? AND device_id = ?
			 LIMIT 1`,
			experimentID,
			id.DeviceID,
		)
	}
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Assignment{}, storage.ErrNotFound
		}
		return storage.Assignment{}, fmt.Errorf("find assignment: %w", err)
	}
	return assignment, nil
}

// InsertAssignment creates one immutable ledger row. A uniqueness constraint
// on (experiment_id, device_id) and (experiment_id, profile_id) guarantees a
// single winner under concurrent first-assignment races; the loser receives
// storage.ErrConflict and should re-read the winning row.
func (s *Store) InsertAssignment(ctx context.Context, assignment storage.Assignment) (storage.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Assignment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Assignment{}, fmt.Errorf("storage is not configured")
	}
	experimentID := strings.TrimSpace(assignment.ExperimentID)
	deviceID := strings.TrimSpace(assignment.DeviceID)
	variantID := strings.TrimSpace(assignment.VariantID)
	if experimentID == "" {
		return storage.Assignment{}, fmt.Errorf("experiment id is required")
	}
	if deviceID == "" {
		return storage.Assignment{}, fmt.Errorf("device id is required")
	}
	if variantID == "" {
		return storage.Assignment{}, fmt.Errorf("variant id is required")
	}
	if strings.TrimSpace(assignment.ID) == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	contextSnapshot, err := marshalMap(assignment.Context)
	if err != nil {
		return storage.Assignment{}, fmt.Errorf("encode context snapshot: %w", err)
	}
	profileID := sql.NullString{}
	if strings.TrimSpace(assignment.ProfileID) != "" {
		profileID = sql.NullString{String: strings.TrimSpace(assignment.ProfileID), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO assignments (id, experiment_id, profile_id, device_id, variant_id, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assignment.ID,
		experimentID,
		profileID,
		deviceID,
		variantID,
		contextSnapshot,
		toMillis(assignment.CreatedAt),
	)
	if err != nil {
		if isAssignmentUniqueViolation(err) {
			return storage.Assignment{}, storage.ErrConflict
		}
		return storage.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	assignment.ExperimentID = experimentID
	assignment.DeviceID = deviceID
	assignment.VariantID = variantID
	if profileID.Valid {
		assignment.ProfileID = profileID.String
	} else {
		assignment.ProfileID = ""
	}
	return assignment, nil
}

func scanAssignment(row rowScanner) (storage.Assignment, error) {
	var (
		assignment      storage.Assignment
		profileID       sql.NullString
		contextSnapshot string
		createdAt       int64
	)
	if err := row.Scan(
		&assignment.ID,
		&assignment.ExperimentID,
		&profileID,
		&assignment.DeviceID,
		&assignment.VariantID,
		&contextSnapshot,
		&createdAt,
	); err != nil {
		return storage.Assignment{}, err
	}
	if profileID.Valid {
		assignment.ProfileID = profileID.String
	}
	snapshot, err := unmarshalMap(contextSnapshot)
	if err != nil {
		return storage.Assignment{}, fmt.Errorf("decode context snapshot: %w", err)
	}
	assignment.Context = snapshot
	assignment.CreatedAt = fromMillis(createdAt)
	return assignment, nil
}

func isAssignmentUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "assignments")
}

var _ storage.Store = (*Store)(nil)
