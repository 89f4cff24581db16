// Package postgres provides a Postgres-backed assignment storage
// implementation for deployments that share one ledger across instances.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/louisbranch/splitrail/internal/services/assignment/identity"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
)

// Store persists experiments, variants, and assignments in Postgres.
type Store struct {
	sqlDB *sql.DB
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
	   id TEXT PRIMARY KEY,
	   name TEXT NOT NULL,
	   status TEXT NOT NULL,
	   target_criteria TEXT NOT NULL DEFAULT '',
	   created_at BIGINT NOT NULL,
	   updated_at BIGINT NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS variants (
	   id TEXT PRIMARY KEY,
	   experiment_id TEXT NOT NULL REFERENCES experiments(id),
	   name TEXT NOT NULL,
	   weight DOUBLE PRECISION NOT NULL,
	   config TEXT NOT NULL DEFAULT '',
	   position INTEGER NOT NULL,
	   UNIQUE (experiment_id, position)
	 )`,
	`CREATE TABLE IF NOT EXISTS assignments (
	   id TEXT PRIMARY KEY,
	   experiment_id TEXT NOT NULL REFERENCES experiments(id),
	   device_id TEXT NOT NULL,
	   profile_id TEXT,
	   variant_id TEXT NOT NULL REFERENCES variants(id),
	   context TEXT NOT NULL DEFAULT '',
	   created_at BIGINT NOT NULL
	 )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_experiment_device
	   ON assignments (experiment_id, device_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_experiment_profile
	   ON assignments (experiment_id, profile_id) WHERE profile_id IS NOT NULL`,
}

// Open connects to Postgres via the pgx stdlib driver and ensures the
// assignment schema exists.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	for _, statement := range schemaStatements {
		if _, err := sqlDB.Exec(statement); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the Postgres handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// marshalMap and unmarshalMap mirror the sqlite store's encoding so
// Context and TargetCriteria round-trip identically across drivers.
func marshalMap(value map[string]any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json map: %w", err)
	}
	return string(encoded), nil
}

func unmarshalMap(encoded string) (map[string]any, error) {
	if strings.TrimSpace(encoded) == "" {
		return map[string]any{}, nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, fmt.Errorf("decode json map: %w", err)
	}
	if value == nil {
		value = map[string]any{}
	}
	return value, nil
}

// PutExperiment inserts or updates one experiment record.
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
		return fmt.Errorf("experiment status %q is not valid", experiment.Status)
	}
	criteria, err := marshalMap(experiment.TargetCriteria)
	if err != nil {
		return err
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   status = EXCLUDED.status,
		   target_criteria = EXCLUDED.target_criteria,
		   updated_at = EXCLUDED.updated_at`,
		experimentID,
		strings.TrimSpace(experiment.Name),
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

// PutVariant inserts or updates one variant record.
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
		return err
	}

	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO variants (id, experiment_id, name, weight, config, position)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   weight = EXCLUDED.weight,
		   config = EXCLUDED.config,
		   position = EXCLUDED.position`,
		variantID,
		experimentID,
		strings.TrimSpace(variant.Name),
		variant.Weight,
		config,
		variant.Position,
	)
	if err != nil {
		return fmt.Errorf("put variant: %w", err)
	}
	return nil
}

// GetExperiment returns one experiment with its variants in stored order.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (storage.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Experiment{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Experiment{}, fmt.Errorf("storage is not configured")
	}
	experimentID = strings.TrimSpace(experimentID)
	if experimentID == "" {
		return storage.Experiment{}, fmt.Errorf("experiment id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, name, status, target_criteria, created_at, updated_at
		   FROM experiments
		  WHERE id = $1`,
		experimentID,
	)
	experiment, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Experiment{}, storage.ErrNotFound
		}
		return storage.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	experiment.Variants, err = s.variantsForExperiment(ctx, experimentID)
	if err != nil {
		return storage.Experiment{}, err
	}
	return experiment, nil
}

// ListExperiments returns experiments filtered by status, or all when the
// status is empty, each with variants in stored order.
func (s *Store) ListExperiments(ctx context.Context, status storage.ExperimentStatus) ([]storage.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("experiment status %q is not valid", status)
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, name, status, target_criteria, created_at, updated_at
			   FROM experiments
			  ORDER BY id ASC`,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, name, status, target_criteria, created_at, updated_at
			   FROM experiments
			  WHERE status = $1
			  ORDER BY id ASC`,
			string(status),
		)
	}
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
		experiments[i].Variants, err = s.variantsForExperiment(ctx, experiments[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return experiments, nil
}

func (s *Store) variantsForExperiment(ctx context.Context, experimentID string) ([]storage.Variant, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, experiment_id, name, weight, config, position
		   FROM variants
		  WHERE experiment_id = $1
		  ORDER BY position ASC`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var variants []storage.Variant
	for rows.Next() {
		var variant storage.Variant
		var config string
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
		variant.Config, err = unmarshalMap(config)
		if err != nil {
			return nil, err
		}
		variants = append(variants, variant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return variants, nil
}

// FindAssignment returns the assignment for one identity, preferring a
// profile-keyed row over a device-keyed row when both could match.
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
	if id.DeviceID == "" {
		return storage.Assignment{}, fmt.Errorf("device id is required")
	}

	var row *sql.Row
	if id.Authenticated() {
		row = s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id, experiment_id, device_id, profile_id, variant_id, context, created_at
			   FROM assignments
			  WHERE experiment_id = $1 AND (profile_id = $2 OR device_id = $3)
			  ORDER BY CASE WHEN profile_id = $2 THEN 0 ELSE 1 END
			  LIMIT 1`,
			experimentID,
			id.ProfileID,
			id.DeviceID,
		)
	} else {
		row = s.sqlDB.QueryRowContext(
			ctx,
			`SELECT id, experiment_id, device_id, profile_id, variant_id, context, created_at
			   FROM assignments
			  WHERE experiment_id = $1 AND device_id = $2
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

// InsertAssignment writes one ledger row. A concurrent writer that already
// claimed the identity surfaces as storage.ErrConflict.
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
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	assignment.ExperimentID = experimentID
	assignment.DeviceID = deviceID
	assignment.VariantID = variantID
	contextSnapshot, err := marshalMap(assignment.Context)
	if err != nil {
		return storage.Assignment{}, err
	}
	profileID := sql.NullString{}
	if strings.TrimSpace(assignment.ProfileID) != "" {
		profileID = sql.NullString{String: strings.TrimSpace(assignment.ProfileID), Valid: true}
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO assignments (id, experiment_id, device_id, profile_id, variant_id, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		assignment.ID,
		experimentID,
		deviceID,
		profileID,
		variantID,
		contextSnapshot,
		toMillis(assignment.CreatedAt),
	)
	if err != nil {
		return storage.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if affected == 0 {
		return storage.Assignment{}, storage.ErrConflict
	}
	return assignment, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (storage.Experiment, error) {
	var experiment storage.Experiment
	var status string
	var criteria string
	var createdAt int64
	var updatedAt int64
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
	experiment.Status = storage.ExperimentStatus(status)
	decoded, err := unmarshalMap(criteria)
	if err != nil {
		return storage.Experiment{}, err
	}
	experiment.TargetCriteria = decoded
	experiment.CreatedAt = fromMillis(createdAt)
	experiment.UpdatedAt = fromMillis(updatedAt)
	return experiment, nil
}

func scanAssignment(row rowScanner) (storage.Assignment, error) {
	var assignment storage.Assignment
	var profileID sql.NullString
	var contextSnapshot string
	var createdAt int64
	if err := row.Scan(
		&assignment.ID,
		&assignment.ExperimentID,
		&assignment.DeviceID,
		&profileID,
		&assignment.VariantID,
		&contextSnapshot,
		&createdAt,
	); err != nil {
		return storage.Assignment{}, err
	}
	if profileID.Valid {
		assignment.ProfileID = profileID.String
	}
	decoded, err := unmarshalMap(contextSnapshot)
	if err != nil {
		return storage.Assignment{}, err
	}
	assignment.Context = decoded
	assignment.CreatedAt = fromMillis(createdAt)
	return assignment, nil
}

var _ storage.Store = (*Store)(nil)
