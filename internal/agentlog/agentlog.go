// Package agentlog records the prompts sent to the agent together with the
// time window of each round trip.
package agentlog

import (
	"fmt"

	"github.com/tjfontaine/query-tracer/internal/storage"
	"github.com/tjfontaine/query-tracer/internal/storage/memory"
	"github.com/tjfontaine/query-tracer/internal/storage/sqldb"
)

// Store is the interaction log used by the driver and the report.
type Store = storage.InteractionLog

// Type selects a Store backend.
type Type string

const (
	TypeFile     Type = "file"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeMemory   Type = "memory"
)

// Config describes where interactions are stored.
type Config struct {
	Type Type
	Path string // file
	DSN  string // sqlite, postgres
}

// Open returns the Store described by cfg. An empty type selects the file
// store.
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeFile:
		return NewFileStore(cfg.Path), nil
	case TypeSQLite, TypePostgres:
		store, err := sqldb.New(sqldb.Config{Driver: string(cfg.Type), DSN: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open interaction log: %w", err)
		}
		return store, nil
	case TypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported agent log type: %q", cfg.Type)
	}
}
