// Package assignment parses assignment service flags and launches the service.
package assignment

import (
	"context"
	"flag"

	entrypoint "github.com/louisbranch/splitrail/internal/platform/cmd"
	server "github.com/louisbranch/splitrail/internal/services/assignment/app"
)

// Config holds assignment command configuration.
type Config struct {
	Port int `env:"SPLITRAIL_ASSIGNMENT_PORT" envDefault:"8080"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The assignment HTTP server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the assignment HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAssignment, func(context.Context) error {
		return server.Run(ctx, cfg.Port)
	})
}
