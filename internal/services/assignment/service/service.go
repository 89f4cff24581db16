// Package service orchestrates assignment decisions: ledger lookup, catalog
// load, status gating, targeting, bucketing, selection, and durable persist.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/splitrail/internal/errors"
	"github.com/louisbranch/splitrail/internal/services/assignment/bucket"
	"github.com/louisbranch/splitrail/internal/services/assignment/identity"
	"github.com/louisbranch/splitrail/internal/services/assignment/selector"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
	"github.com/louisbranch/splitrail/internal/services/assignment/targeting"
)

// ReasonTargetingMismatch marks a decision where the caller's context did not
// satisfy the experiment's targeting criteria. No ledger row is written.
const ReasonTargetingMismatch = "targeting_mismatch"

// Request carries one assignment decision request.
type Request struct {
	ExperimentID string
	DeviceID     string
	ProfileID    string
	Context      map[string]any
}

// Decision is the outcome of an assignment request.
//
// When Reason is empty the decision carries the assignment row and its
// variant; Created reports whether this request wrote the row. When Reason
// is ReasonTargetingMismatch no variant was assigned and nothing was
// persisted.
type Decision struct {
	Assignment storage.Assignment
	Variant    storage.Variant
	Created    bool
	Reason     string
}

// Service makes assignment decisions against a catalog and a ledger.
type Service struct {
	catalog storage.CatalogStore
	ledger  storage.AssignmentStore
	clock   func() time.Time
	tracer  trace.Tracer
}

// New builds a Service over one combined store.
func New(store storage.Store) *Service {
	return &Service{
		catalog: store,
		ledger:  store,
		clock:   func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer("splitrail/assignment"),
	}
}

// Assign resolves the variant for one identity in one experiment.
//
// Existing ledger rows are returned before the experiment status is checked,
// so callers bucketed while an experiment ran keep their variant after it is
// paused or completed. New assignments are only produced by running
// experiments, and are durably persisted before being returned; a decision
// that cannot be persisted is never surfaced. Losing a concurrent
// first-assignment race resolves by re-reading the winner's row.
func (s *Service) Assign(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if s == nil || s.catalog == nil || s.ledger == nil {
		return Decision{}, apperrors.New(apperrors.CodeUnknown, "assignment service is not configured")
	}
	experimentID := strings.TrimSpace(req.ExperimentID)
	if experimentID == "" {
		return Decision{}, apperrors.New(apperrors.CodeInvalidRequest, "experiment id is required")
	}
	id, err := identity.Resolve(req.DeviceID, req.ProfileID)
	if err != nil {
		return Decision{}, err
	}

	ctx, span := s.tracer.Start(ctx, "assignment.Assign", trace.WithAttributes(
		attribute.String("experiment.id", experimentID),
		attribute.Bool("identity.authenticated", id.Authenticated()),
	))
	defer span.End()

	existing, err := s.ledger.FindAssignment(ctx, experimentID, id)
	switch {
	case err == nil:
		variant, err := s.variantForAssignment(ctx, existing)
		if err != nil {
			return Decision{}, err
		}
		span.SetAttributes(
			attribute.String("assignment.variant_id", existing.VariantID),
			attribute.String("assignment.outcome", "existing"),
		)
		return Decision{Assignment: existing, Variant: variant}, nil
	case errors.Is(err, storage.ErrNotFound):
		// First request for this identity; fall through to the decision path.
	default:
		return Decision{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "look up assignment", err)
	}

	experiment, err := s.catalog.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{}, apperrors.New(apperrors.CodeExperimentNotFound, "experiment not found")
		}
		return Decision{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load experiment", err)
	}
	if experiment.Status != storage.StatusRunning {
		return Decision{}, apperrors.WithMetadata(apperrors.CodeExperimentNotRunning,
			"experiment is not accepting new assignments",
			map[string]string{"status": string(experiment.Status)})
	}
	if !targeting.Matches(experiment.TargetCriteria, req.Context) {
		span.SetAttributes(attribute.String("assignment.outcome", ReasonTargetingMismatch))
		return Decision{Reason: ReasonTargetingMismatch}, nil
	}

	bucketValue := bucket.Bucket(experimentID, id.Key())
	span.SetAttributes(attribute.Int("assignment.bucket", bucketValue))
	variant, err := selector.Pick(bucketValue, experiment.Variants)
	if err != nil {
		return Decision{}, err
	}

	inserted, err := s.ledger.InsertAssignment(ctx, storage.Assignment{
		ExperimentID: experimentID,
		DeviceID:     id.DeviceID,
		ProfileID:    id.ProfileID,
		VariantID:    variant.ID,
		Context:      req.Context,
		CreatedAt:    s.clock(),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s.resolveConflict(ctx, span, experimentID, id, experiment)
		}
		return Decision{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "persist assignment", err)
	}
	span.SetAttributes(
		attribute.String("assignment.variant_id", variant.ID),
		attribute.String("assignment.outcome", "created"),
	)
	return Decision{Assignment: inserted, Variant: variant, Created: true}, nil
}

// resolveConflict handles losing the first-assignment race: another request
// for the same identity persisted first, and its row is the decision.
func (s *Service) resolveConflict(ctx context.Context, span trace.Span, experimentID string, id identity.Identity, experiment storage.Experiment) (Decision, error) {
	winner, err := s.ledger.FindAssignment(ctx, experimentID, id)
	if err != nil {
		return Decision{}, apperrors.Wrap(apperrors.CodePersistenceConflict,
			"assignment conflict could not be resolved", err)
	}
	variant, ok := findVariant(experiment.Variants, winner.VariantID)
	if !ok {
		loaded, err := s.variantForAssignment(ctx, winner)
		if err != nil {
			return Decision{}, err
		}
		variant = loaded
	}
	span.SetAttributes(
		attribute.String("assignment.variant_id", winner.VariantID),
		attribute.String("assignment.outcome", "existing"),
	)
	return Decision{Assignment: winner, Variant: variant}, nil
}

// variantForAssignment loads the variant record behind a ledger row so
// responses can include the variant name and config.
func (s *Service) variantForAssignment(ctx context.Context, assignment storage.Assignment) (storage.Variant, error) {
	experiment, err := s.catalog.GetExperiment(ctx, assignment.ExperimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Variant{}, apperrors.New(apperrors.CodeExperimentNotFound, "experiment not found")
		}
		return storage.Variant{}, apperrors.Wrap(apperrors.CodeStorageUnavailable, "load experiment", err)
	}
	variant, ok := findVariant(experiment.Variants, assignment.VariantID)
	if !ok {
		return storage.Variant{}, apperrors.WithMetadata(apperrors.CodeUnknown,
			"assigned variant is no longer in the catalog",
			map[string]string{"variant_id": assignment.VariantID})
	}
	return variant, nil
}

// ListRunning returns the experiments currently accepting new assignments.
func (s *Service) ListRunning(ctx context.Context) ([]storage.Experiment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.catalog == nil {
		return nil, apperrors.New(apperrors.CodeUnknown, "assignment service is not configured")
	}
	experiments, err := s.catalog.ListExperiments(ctx, storage.StatusRunning)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "list experiments", err)
	}
	return experiments, nil
}

func findVariant(variants []storage.Variant, variantID string) (storage.Variant, bool) {
	for _, variant := range variants {
		if variant.ID == variantID {
			return variant, true
		}
	}
	return storage.Variant{}, false
}
