// Package app wires the assignment runtime and HTTP lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/splitrail/internal/platform/config"
	"github.com/louisbranch/splitrail/internal/services/assignment/api/httpapi"
	"github.com/louisbranch/splitrail/internal/services/assignment/service"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage/postgres"
	"github.com/louisbranch/splitrail/internal/services/assignment/storage/sqlite"
)

type serverEnv struct {
	DBPath        string `env:"SPLITRAIL_ASSIGNMENT_DB_PATH"`
	StorageDriver string `env:"SPLITRAIL_STORAGE_DRIVER" envDefault:"sqlite"`
	PostgresDSN   string `env:"SPLITRAIL_POSTGRES_DSN"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "assignment.db")
	}
	return cfg
}

// OpenStoreFromEnv opens the store selected by SPLITRAIL_STORAGE_DRIVER:
// sqlite by default, postgres when configured with a DSN.
func OpenStoreFromEnv() (storage.Store, error) {
	srvEnv := loadServerEnv()
	switch strings.TrimSpace(srvEnv.StorageDriver) {
	case "", "sqlite":
		if dir := filepath.Dir(srvEnv.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return sqlite.Open(srvEnv.DBPath)
	case "postgres":
		return postgres.Open(srvEnv.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", srvEnv.StorageDriver)
	}
}

// Server hosts the assignment HTTP API and storage lifecycle.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      storage.Store
}

// New creates a configured assignment server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured assignment server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	store, err := OpenStoreFromEnv()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	handler := httpapi.NewHandler(service.New(store))
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		listener:   listener,
		httpServer: httpServer,
		store:      store,
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an assignment server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the HTTP server until context cancellation, then drains
// in-flight requests before closing storage.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("assignment server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases the listener and storage.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
