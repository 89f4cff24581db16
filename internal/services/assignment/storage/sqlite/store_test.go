package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/splitrail/internal/services/assignment/identity"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir() + "/assignment.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedExperiment(t *testing.T, store *Store, id string, status storage.ExperimentStatus) {
	t.Helper()
	now := time.Date(2026, time.August, 20, 10, 0, 0, 0, time.UTC)
	if err := store.PutExperiment(context.Background(), storage.Experiment{
		ID:        id,
		Name:      "experiment " + id,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put experiment %s: %v", id, err)
	}
	if err := store.PutVariant(context.Background(), storage.Variant{
		ID:           id + "-control",
		ExperimentID: id,
		Name:         "control",
		Weight:       70,
		Position:     0,
	}); err != nil {
		t.Fatalf("put control variant: %v", err)
	}
	if err := store.PutVariant(context.Background(), storage.Variant{
		ID:           id + "-treatment",
		ExperimentID: id,
		Name:         "treatment",
		Weight:       30,
		Position:     1,
	}); err != nil {
		t.Fatalf("put treatment variant: %v", err)
	}
}

func assignmentCount(t *testing.T, store *Store, experimentID string) int {
	t.Helper()
	var count int
	if err := store.sqlDB.QueryRow(
		"SELECT COUNT(*) FROM assignments WHERE experiment_id = ?", experimentID,
	).Scan(&count); err != nil {
		t.Fatalf("count assignments: %v", err)
	}
	return count
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	store := openTestStore(t)

	var journalMode string
	if err := store.sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journalMode)
	}

	var busyTimeout int
	if err := store.sqlDB.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", busyTimeout)
	}

	var foreignKeys int
	if err := store.sqlDB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func TestExperimentRoundTripKeepsVariantOrder(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, time.August, 20, 10, 0, 0, 0, time.UTC)

	if err := store.PutExperiment(context.Background(), storage.Experiment{
		ID:             "exp1",
		Name:           "checkout cta",
		Status:         storage.StatusRunning,
		TargetCriteria: map[string]any{"platform": "ios"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("put experiment: %v", err)
	}
	// Insert out of position order; reads must come back in stored order.
	if err := store.PutVariant(context.Background(), storage.Variant{
		ID: "b", ExperimentID: "exp1", Name: "B", Weight: 30, Position: 1,
	}); err != nil {
		t.Fatalf("put variant b: %v", err)
	}
	if err := store.PutVariant(context.Background(), storage.Variant{
		ID: "a", ExperimentID: "exp1", Name: "A", Weight: 70, Position: 0,
		Config: map[string]any{"color": "green"},
	}); err != nil {
		t.Fatalf("put variant a: %v", err)
	}

	experiment, err := store.GetExperiment(context.Background(), "exp1")
	if err != nil {
		t.Fatalf("get experiment: %v", err)
	}
	if experiment.Status != storage.StatusRunning {
		t.Fatalf("status = %q, want running", experiment.Status)
	}
	if experiment.TargetCriteria["platform"] != "ios" {
		t.Fatalf("target criteria = %v, want platform ios", experiment.TargetCriteria)
	}
	if len(experiment.Variants) != 2 {
		t.Fatalf("variants len = %d, want 2", len(experiment.Variants))
	}
	if experiment.Variants[0].ID != "a" || experiment.Variants[1].ID != "b" {
		t.Fatalf("variant order = [%s %s], want [a b]", experiment.Variants[0].ID, experiment.Variants[1].ID)
	}
	if experiment.Variants[0].Config["color"] != "green" {
		t.Fatalf("variant config = %v, want color green", experiment.Variants[0].Config)
	}

	if _, err := store.GetExperiment(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing experiment err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListExperimentsFiltersByStatus(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)
	seedExperiment(t, store, "exp2", storage.StatusPaused)
	seedExperiment(t, store, "exp3", storage.StatusRunning)

	running, err := store.ListExperiments(context.Background(), storage.StatusRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running len = %d, want 2", len(running))
	}
	for _, experiment := range running {
		if experiment.Status != storage.StatusRunning {
			t.Fatalf("status = %q, want running", experiment.Status)
		}
		if len(experiment.Variants) != 2 {
			t.Fatalf("variants len = %d, want 2", len(experiment.Variants))
		}
	}

	all, err := store.ListExperiments(context.Background(), "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all len = %d, want 3", len(all))
	}
}

func TestInsertAndFindAssignment(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)

	inserted, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-1",
		VariantID:    "exp1-control",
		Context:      map[string]any{"platform": "ios"},
	})
	if err != nil {
		t.Fatalf("insert assignment: %v", err)
	}
	if inserted.ID == "" {
		t.Fatal("expected generated assignment id")
	}

	id := identity.Identity{DeviceID: "device-1"}
	found, err := store.FindAssignment(context.Background(), "exp1", id)
	if err != nil {
		t.Fatalf("find assignment: %v", err)
	}
	if found.VariantID != "exp1-control" {
		t.Fatalf("variant id = %q, want exp1-control", found.VariantID)
	}
	if found.Context["platform"] != "ios" {
		t.Fatalf("context snapshot = %v, want platform ios", found.Context)
	}

	if _, err := store.FindAssignment(context.Background(), "exp1", identity.Identity{DeviceID: "device-2"}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown device err = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestFindAssignmentSupportsIdentityTransition(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)

	// Row written while the caller was anonymous.
	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-1",
		VariantID:    "exp1-control",
	}); err != nil {
		t.Fatalf("insert anonymous assignment: %v", err)
	}

	// The same caller after authentication must still find its row.
	found, err := store.FindAssignment(context.Background(), "exp1", identity.Identity{
		DeviceID:  "device-1",
		ProfileID: "profile-9",
	})
	if err != nil {
		t.Fatalf("find after authentication: %v", err)
	}
	if found.VariantID != "exp1-control" {
		t.Fatalf("variant id = %q, want exp1-control", found.VariantID)
	}
}

func TestFindAssignmentPrefersProfileKeyedRow(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)

	// Anonymous row on this device, authenticated row from another device.
	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-1",
		VariantID:    "exp1-control",
	}); err != nil {
		t.Fatalf("insert device row: %v", err)
	}
	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-2",
		ProfileID:    "profile-1",
		VariantID:    "exp1-treatment",
	}); err != nil {
		t.Fatalf("insert profile row: %v", err)
	}

	found, err := store.FindAssignment(context.Background(), "exp1", identity.Identity{
		DeviceID:  "device-1",
		ProfileID: "profile-1",
	})
	if err != nil {
		t.Fatalf("find assignment: %v", err)
	}
	if found.VariantID != "exp1-treatment" {
		t.Fatalf("variant id = %q, want profile-keyed exp1-treatment", found.VariantID)
	}
}

func TestInsertAssignmentRejectsDuplicates(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)

	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-1",
		ProfileID:    "profile-1",
		VariantID:    "exp1-control",
	}); err != nil {
		t.Fatalf("insert assignment: %v", err)
	}

	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-1",
		VariantID:    "exp1-treatment",
	}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate device err = %v, want %v", err, storage.ErrConflict)
	}
	if _, err := store.InsertAssignment(context.Background(), storage.Assignment{
		ExperimentID: "exp1",
		DeviceID:     "device-other",
		ProfileID:    "profile-1",
		VariantID:    "exp1-treatment",
	}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate profile err = %v, want %v", err, storage.ErrConflict)
	}
	if count := assignmentCount(t, store, "exp1"); count != 1 {
		t.Fatalf("assignment rows = %d, want 1", count)
	}
}

func TestConcurrentInsertsHaveSingleWinner(t *testing.T) {
	store := openTestStore(t)
	seedExperiment(t, store, "exp1", storage.StatusRunning)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.InsertAssignment(context.Background(), storage.Assignment{
				ExperimentID: "exp1",
				DeviceID:     "device-1",
				VariantID:    "exp1-control",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			default:
				t.Errorf("insert assignment: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("conflicts = %d, want %d", conflicts, workers-1)
	}
	if count := assignmentCount(t, store, "exp1"); count != 1 {
		t.Fatalf("assignment rows = %d, want 1", count)
	}
}
