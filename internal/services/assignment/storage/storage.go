// Package storage defines persistence contracts for the assignment engine.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/splitrail/internal/services/assignment/identity"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates an assignment already exists for the identity and
// experiment. Callers recover by re-reading the winning row.
var ErrConflict = errors.New("assignment already exists")

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

// Experiment lifecycle states. Only running experiments produce new
// assignments; the other states keep honoring rows written while running.
const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

// Valid reports whether the status is a known lifecycle state.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// Experiment stores one experiment and its variants in stored order.
type Experiment struct {
	ID             string
	Name           string
	Status         ExperimentStatus
	TargetCriteria map[string]any
	Variants       []Variant
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Variant stores one treatment arm of an experiment.
//
// Position is the stored order. Selection walks variants by Position, so
// reordering changes which bucket ranges map to which variant for future
// callers; positions are append-only in practice.
type Variant struct {
	ID           string
	ExperimentID string
	Name         string
	Weight       float64
	Config       map[string]any
	Position     int
}

// Assignment stores one ledger row: the durable identity-to-variant decision
// for an experiment. Rows are immutable after insert.
type Assignment struct {
	ID           string
	ExperimentID string
	ProfileID    string // empty for anonymous callers
	DeviceID     string
	VariantID    string
	Context      map[string]any
	CreatedAt    time.Time
}

// CatalogStore persists experiments and their variants.
type CatalogStore interface {
	GetExperiment(ctx context.Context, id string) (Experiment, error)
	ListExperiments(ctx context.Context, status ExperimentStatus) ([]Experiment, error)
	PutExperiment(ctx context.Context, experiment Experiment) error
	PutVariant(ctx context.Context, variant Variant) error
}

// AssignmentStore persists the assignment ledger.
//
// FindAssignment matches rows by profile id or device id and prefers a
// profile-keyed row when both could match: authenticated assignment history
// is authoritative. InsertAssignment returns ErrConflict when a row already
// exists for the identity and experiment; the storage layer's uniqueness
// constraint makes exactly one concurrent insert win.
type AssignmentStore interface {
	FindAssignment(ctx context.Context, experimentID string, id identity.Identity) (Assignment, error)
	InsertAssignment(ctx context.Context, assignment Assignment) (Assignment, error)
}

// Store combines the catalog and ledger contracts with lifecycle management.
type Store interface {
	CatalogStore
	AssignmentStore
	Close() error
}
