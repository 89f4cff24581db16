package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("SPLITRAIL_ASSIGNMENT_DB_PATH", t.TempDir()+"/assignment.db")
	t.Setenv("SPLITRAIL_STORAGE_DRIVER", "sqlite")

	server, err := NewWithAddr("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return server
}

func TestServerServesHealthz(t *testing.T) {
	server := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", server.Addr()))
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerRejectsUnknownExperiment(t *testing.T) {
	server := startTestServer(t)

	resp, err := http.Post(
		fmt.Sprintf("http://%s/assign", server.Addr()),
		"application/json",
		strings.NewReader(`{"experiment_id":"missing","device_id":"device-1"}`),
	)
	if err != nil {
		t.Fatalf("post assign: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 404: %s", resp.StatusCode, body)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	errBody, ok := payload["error"].(map[string]any)
	if !ok || errBody["code"] != "EXPERIMENT_NOT_FOUND" {
		t.Fatalf("error body = %v, want EXPERIMENT_NOT_FOUND", payload)
	}
}

func TestOpenStoreFromEnvRejectsUnknownDriver(t *testing.T) {
	t.Setenv("SPLITRAIL_STORAGE_DRIVER", "etcd")
	if _, err := OpenStoreFromEnv(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
