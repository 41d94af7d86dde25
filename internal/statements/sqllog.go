package statements

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/query-tracer/internal/storage"
	"github.com/tjfontaine/query-tracer/internal/storage/sqldb"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// LogConfig configures a statement log backed by sqlite or postgres.
type LogConfig struct {
	Driver string
	DSN    string
	Limit  int
}

// LogSource serves statements recorded into a StatementLog, for databases
// that keep no execution history of their own.
type LogSource struct {
	log   storage.StatementLog
	clock clockwork.Clock
	limit int
}

var (
	_ Source    = (*LogSource)(nil)
	_ Clearer   = (*LogSource)(nil)
	_ Diagnoser = (*LogSource)(nil)
)

// OpenLog opens the SQL statement log described by cfg.
func OpenLog(cfg LogConfig) (*LogSource, error) {
	store, err := sqldb.New(sqldb.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("failed to open statement log: %w", err)
	}
	return NewLogSource(store, clockwork.NewRealClock(), cfg.Limit), nil
}

// NewLogSource wraps an existing StatementLog.
func NewLogSource(log storage.StatementLog, clock clockwork.Clock, limit int) *LogSource {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &LogSource{log: log, clock: clock, limit: limit}
}

// Record appends a statement, stamping it with the current time if unset.
func (s *LogSource) Record(ctx context.Context, st tracer.Statement) error {
	if st.ExecutedAt.IsZero() {
		st.ExecutedAt = s.clock.Now().UTC()
	}
	return s.log.RecordStatement(ctx, st)
}

func (s *LogSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	return s.log.StatementsSince(ctx, s.clock.Now().Add(-window), s.limit)
}

func (s *LogSource) Clear(ctx context.Context) error {
	return s.log.ClearStatements(ctx)
}

func (s *LogSource) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	n, err := s.log.CountStatements(ctx)
	if err != nil {
		return nil, err
	}
	d := &Diagnostics{Source: "statement_log", ActualState: "READ_WRITE", CapturedTexts: n}
	if n == 0 {
		d.Warning = "statement log is empty; nothing has been recorded yet"
	}
	return d, nil
}

func (s *LogSource) Close() error {
	return s.log.Close()
}
