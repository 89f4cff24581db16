package assignment

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("assignment", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Port)
	}
}

func TestParseConfigEnvOverride(t *testing.T) {
	t.Setenv("SPLITRAIL_ASSIGNMENT_PORT", "9090")
	fs := flag.NewFlagSet("assignment", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Port)
	}
}

func TestParseConfigFlagWinsOverEnv(t *testing.T) {
	t.Setenv("SPLITRAIL_ASSIGNMENT_PORT", "9090")
	fs := flag.NewFlagSet("assignment", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "7070"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("port = %d, want 7070", cfg.Port)
	}
}
