// Package seed loads an experiment catalog fixture into the configured store.
package seed

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/splitrail/internal/platform/cmd"
	"github.com/louisbranch/splitrail/internal/services/assignment/app"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
)

// Config holds seed command configuration.
type Config struct {
	FixturePath string `env:"SPLITRAIL_SEED_FIXTURE" envDefault:"fixtures/experiments.json"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.FixturePath, "fixture", cfg.FixturePath, "Path to the experiments JSON fixture")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fixture struct {
	Experiments []fixtureExperiment `json:"experiments"`
}

type fixtureExperiment struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Status         string           `json:"status"`
	TargetCriteria map[string]any   `json:"target_criteria,omitempty"`
	Variants       []fixtureVariant `json:"variants"`
}

type fixtureVariant struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Weight float64        `json:"weight"`
	Config map[string]any `json:"config,omitempty"`
}

// Run loads the fixture into the store selected by the environment.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(ctx context.Context) error {
		store, err := app.OpenStoreFromEnv()
		if err != nil {
			return err
		}
		defer store.Close()
		return Apply(ctx, store, cfg.FixturePath)
	})
}

// Apply reads one fixture file and upserts its experiments and variants.
// Variant order in the fixture is the stored order and therefore the
// selection order.
func Apply(ctx context.Context, store storage.CatalogStore, fixturePath string) error {
	if store == nil {
		return fmt.Errorf("catalog store is required")
	}
	fixturePath = strings.TrimSpace(fixturePath)
	if fixturePath == "" {
		return fmt.Errorf("fixture path is required")
	}
	raw, err := os.ReadFile(fixturePath)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	var fix fixture
	if err := json.Unmarshal(raw, &fix); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}

	now := time.Now().UTC()
	for _, experiment := range fix.Experiments {
		status := storage.ExperimentStatus(strings.TrimSpace(experiment.Status))
		if status == "" {
			status = storage.StatusDraft
		}
		if err := store.PutExperiment(ctx, storage.Experiment{
			ID:             experiment.ID,
			Name:           experiment.Name,
			Status:         status,
			TargetCriteria: experiment.TargetCriteria,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return fmt.Errorf("seed experiment %s: %w", experiment.ID, err)
		}
		// Two passes: first park every variant at an out-of-range position,
		// then write the final ones. A single upsert pass can collide with
		// the unique (experiment_id, position) index mid-swap when a
		// re-applied fixture reorders variants.
		for position, variant := range experiment.Variants {
			if err := putFixtureVariant(ctx, store, experiment, variant, parkedPositionBase+position); err != nil {
				return err
			}
		}
		for position, variant := range experiment.Variants {
			if err := putFixtureVariant(ctx, store, experiment, variant, position); err != nil {
				return err
			}
		}
		log.Printf("seeded experiment %s with %d variants", experiment.ID, len(experiment.Variants))
	}
	return nil
}

// parkedPositionBase is far above any real fixture's variant count.
const parkedPositionBase = 1 << 20

func putFixtureVariant(ctx context.Context, store storage.CatalogStore, experiment fixtureExperiment, variant fixtureVariant, position int) error {
	variantID := strings.TrimSpace(variant.ID)
	if variantID == "" {
		variantID = experiment.ID + "-" + strings.TrimSpace(variant.Name)
	}
	if err := store.PutVariant(ctx, storage.Variant{
		ID:           variantID,
		ExperimentID: experiment.ID,
		Name:         variant.Name,
		Weight:       variant.Weight,
		Config:       variant.Config,
		Position:     position,
	}); err != nil {
		return fmt.Errorf("seed variant %s: %w", variantID, err)
	}
	return nil
}
