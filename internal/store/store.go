// Package store selects the certificate record backend from configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/EternisAI/silo-gate/internal/certificates"
	"github.com/EternisAI/silo-gate/internal/db"
	boltstore "github.com/EternisAI/silo-gate/internal/store/bbolt"
	"github.com/EternisAI/silo-gate/internal/store/memory"
	pgstore "github.com/EternisAI/silo-gate/internal/store/postgres"
	"go.etcd.io/bbolt"
)

const (
	DriverMemory   = "memory"
	DriverBbolt    = "bbolt"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Url    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

// Open returns the configured repository and a function releasing it.
func Open(ctx context.Context, cfg Config) (certificates.Repository, func(), error) {
	switch cfg.Driver {
	case DriverMemory:
		slog.Warn("Using in-memory certificate store, records are lost on restart")
		return memory.NewStore(), func() {}, nil

	case "", DriverBbolt:
		path := cfg.Path
		if path == "" {
			path = "./data/certificates.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := boltstore.NewRepositoryFromFile(path, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Opened certificate store", "driver", DriverBbolt, "path", path)
		return repo, func() {
			if err := repo.Close(); err != nil {
				slog.Error("Failed to close certificate store", "error", err)
			}
		}, nil

	case DriverPostgres:
		if err := db.RunMigrations(cfg.Url, cfg.Schema); err != nil {
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		pool, err := db.InitDB(ctx, cfg.Url, cfg.Schema)
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewRepository(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s (valid: memory, bbolt, postgres)", cfg.Driver)
	}
}
