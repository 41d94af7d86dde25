// Package statements fetches recently executed SQL statements from the
// database the agent talks to.
package statements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// DefaultLimit bounds how many statements a single fetch returns.
const DefaultLimit = 200

// ErrUnsupported is returned when a source cannot perform an optional
// operation such as clearing its history.
var ErrUnsupported = errors.New("operation not supported by statement source")

// Source yields statements executed within the lookback window, most recent
// first.
type Source interface {
	FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error)
	Close() error
}

// Clearer is implemented by sources that can wipe their statement history.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Diagnoser is implemented by sources that can report on their own health.
type Diagnoser interface {
	Diagnostics(ctx context.Context) (*Diagnostics, error)
}

// Diagnostics describes the state of the statement capture facility.
type Diagnostics struct {
	Source           string `json:"source"`
	ActualState      string `json:"actual_state,omitempty"`
	DesiredState     string `json:"desired_state,omitempty"`
	ReadonlyReason   int64  `json:"readonly_reason,omitempty"`
	CurrentStorageMB int64  `json:"current_storage_mb,omitempty"`
	MaxStorageMB     int64  `json:"max_storage_mb,omitempty"`
	CapturedTexts    int64  `json:"captured_texts"`
	Warning          string `json:"warning,omitempty"`
}

// Clear wipes the history of src if it supports it.
func Clear(ctx context.Context, src Source) error {
	c, ok := src.(Clearer)
	if !ok {
		return ErrUnsupported
	}
	return c.Clear(ctx)
}

// Diagnose returns diagnostics for src if it supports them.
func Diagnose(ctx context.Context, src Source) (*Diagnostics, error) {
	d, ok := src.(Diagnoser)
	if !ok {
		return nil, ErrUnsupported
	}
	return d.Diagnostics(ctx)
}

// windowMinutes rounds a window up to whole minutes, with a floor of one.
func windowMinutes(window time.Duration) int {
	m := int((window + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// Type identifies a source implementation.
type Type string

const (
	TypeSQLServer  Type = "sqlserver"
	TypeClickHouse Type = "clickhouse"
	TypeSQLite     Type = "sqlite"
	TypePostgres   Type = "postgres"
)

// Config selects and configures a source.
type Config struct {
	Type     Type
	DSN      string
	Limit    int
	Mode     Mode // sqlserver only
	AzureCLI bool // sqlserver only

	ClickHouse ClickHouseConfig
}

// Open connects to the configured source.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Source, error) {
	switch cfg.Type {
	case TypeSQLServer:
		return OpenSQLServer(ctx, SQLServerConfig{
			DSN:      cfg.DSN,
			Mode:     cfg.Mode,
			Limit:    cfg.Limit,
			AzureCLI: cfg.AzureCLI,
		}, logger)
	case TypeClickHouse:
		chCfg := cfg.ClickHouse
		if chCfg.Limit == 0 {
			chCfg.Limit = cfg.Limit
		}
		return OpenClickHouse(ctx, chCfg, logger)
	case TypeSQLite, TypePostgres:
		return OpenLog(LogConfig{Driver: string(cfg.Type), DSN: cfg.DSN, Limit: cfg.Limit})
	default:
		return nil, fmt.Errorf("unsupported statement source: %q", cfg.Type)
	}
}
