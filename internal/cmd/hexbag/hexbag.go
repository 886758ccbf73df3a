// Package hexbag parses table server flags and starts the sync runtime.
package hexbag

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	entrypoint "github.com/notanend/hexbag/internal/platform/cmd"
	"github.com/notanend/hexbag/internal/server"
	"github.com/notanend/hexbag/internal/store"
	"github.com/notanend/hexbag/internal/store/memory"
	"github.com/notanend/hexbag/internal/store/sqlite"
)

// Config holds table server configuration.
type Config struct {
	Port    int    `env:"HEXBAG_PORT" envDefault:"8080"`
	Addr    string `env:"HEXBAG_ADDR"`
	Backend string `env:"HEXBAG_BACKEND" envDefault:"sqlite"`
	DBPath  string `env:"HEXBAG_DB_PATH" envDefault:"hexbag.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The table server port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The table server listen address (overrides -port)")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Document store backend: sqlite or memory")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// OpenStore builds the configured backend.
func OpenStore(cfg Config) (store.DocumentStore, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Run starts the table sync service.
func Run(ctx context.Context, cfg Config) error {
	backend, closeStore, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Printf("close store: %v", err)
		}
	}()

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTable, func(ctx context.Context) error {
		return serve(ctx, addr, backend)
	})
}

func serve(ctx context.Context, addr string, backend store.DocumentStore) error {
	syncServer := server.New(backend)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: syncServer.Router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("table server listening on %s (%s backend)", addr, backend.Kind())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		syncServer.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
