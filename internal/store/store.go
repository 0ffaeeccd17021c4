// Package store persists pipeline state behind a narrow key-value interface so the
// backend can be swapped without touching pipeline logic.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Lllllllleong/recordflow/internal/config"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

const (
	CollectionCheckpoints = "checkpoints"
	CollectionTransforms  = "transforms"
	CollectionReceipts    = "receipts"
	CollectionFiles       = "files"
)

// Store is implemented by every backend. Values are JSON-encodable structs.
type Store interface {
	Get(ctx context.Context, collection, key string, dst any) error
	Put(ctx context.Context, collection, key string, value any) error
	Exists(ctx context.Context, collection, key string) (bool, error)
	Delete(ctx context.Context, collection, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver    string // file, sqlite, mysql, postgres, firestore
	DSN       string // directory for file, DSN or path for the SQL drivers
	ProjectID string // firestore only
	Prefix    string // firestore collection prefix
}

// OptionsFromEnv reads STORE_DRIVER, STORE_DSN, PROJECT_ID and STORE_PREFIX. The
// file and sqlite drivers default to locations under DATA_DIR/state.
func OptionsFromEnv() Options {
	opts := Options{
		Driver:    config.GetEnv("STORE_DRIVER", "file"),
		DSN:       config.GetEnv("STORE_DSN", ""),
		ProjectID: config.GetEnv("PROJECT_ID", ""),
		Prefix:    config.GetEnv("STORE_PREFIX", ""),
	}
	if opts.DSN == "" {
		stateDir := filepath.Join(config.GetEnv("DATA_DIR", "."), "state")
		switch opts.Driver {
		case "", "file":
			opts.DSN = stateDir
		case "sqlite":
			opts.DSN = filepath.Join(stateDir, "recordflow.db")
		}
	}
	return opts
}

// Open connects to the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "file":
		return NewFileStore(opts.DSN)
	case "sqlite":
		return NewSQLiteStore(ctx, opts.DSN)
	case "mysql":
		return NewMySQLStore(ctx, opts.DSN)
	case "postgres":
		return NewPostgresStore(ctx, opts.DSN)
	case "firestore":
		return NewFirestoreStore(ctx, opts.ProjectID, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
