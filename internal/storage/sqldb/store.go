package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/query-tracer/internal/storage"
	"github.com/tjfontaine/query-tracer/internal/storage/dialect"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// Store is a SQL implementation of StatementLog and InteractionLog that
// supports multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var (
	_ storage.StatementLog   = (*Store)(nil)
	_ storage.InteractionLog = (*Store)(nil)
)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New opens the database and creates both log tables if needed.
func New(cfg Config) (*Store, error) {
	d, err := dialect.Lookup(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range slices.Concat(d.Init(), d.Schema()) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize %s schema: %w", d.Name, err)
		}
	}

	return &Store{db: db, dialect: d}, nil
}

// NewSQLite opens a SQLite store at dbPath.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Statements

type statementRow struct {
	Text           string       `db:"statement_text"`
	ExecutedAt     time.Time    `db:"executed_at"`
	FirstExecuted  sql.NullTime `db:"first_executed_at"`
	QueryID        int64        `db:"query_id"`
	ExecutionCount int64        `db:"execution_count"`
	AvgDurationMs  float64      `db:"avg_duration_ms"`
	LastDurationMs float64      `db:"last_duration_ms"`
	CPUMs          float64      `db:"cpu_ms"`
	LogicalReads   int64        `db:"logical_reads"`
	Rows           int64        `db:"row_count"`
}

func (s *Store) RecordStatement(ctx context.Context, st tracer.Statement) error {
	if st.ExecutedAt.IsZero() {
		st.ExecutedAt = time.Now()
	}
	if st.ExecutionCount == 0 {
		st.ExecutionCount = 1
	}

	var first sql.NullTime
	if !st.FirstExecutedAt.IsZero() {
		first = sql.NullTime{Time: st.FirstExecutedAt.UTC(), Valid: true}
	}

	query := s.dialect.Rebind(`INSERT INTO statement_log (
statement_text, executed_at, first_executed_at, query_id, execution_count,
avg_duration_ms, last_duration_ms, cpu_ms, logical_reads, row_count
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		st.Text, st.ExecutedAt.UTC(), first, st.QueryID, st.ExecutionCount,
		st.AvgDurationMs, st.LastDurationMs, st.CPUMs, st.LogicalReads, st.Rows,
	)
	if err != nil {
		return fmt.Errorf("failed to record statement: %w", err)
	}
	return nil
}

func (s *Store) StatementsSince(ctx context.Context, cutoff time.Time, limit int) ([]tracer.Statement, error) {
	if limit <= 0 {
		limit = 200
	}

	query := s.dialect.Rebind(`SELECT statement_text, executed_at, first_executed_at, query_id, execution_count,
		       avg_duration_ms, last_duration_ms, cpu_ms, logical_reads, row_count
		FROM statement_log
		WHERE executed_at >= ?
		ORDER BY executed_at DESC, id DESC
		LIMIT ?`)

	var rows []statementRow
	if err := s.db.SelectContext(ctx, &rows, query, cutoff.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to query statements: %w", err)
	}

	result := make([]tracer.Statement, len(rows))
	for i, r := range rows {
		result[i] = tracer.Statement{
			Text:           r.Text,
			ExecutedAt:     r.ExecutedAt.UTC(),
			QueryID:        r.QueryID,
			ExecutionCount: r.ExecutionCount,
			AvgDurationMs:  r.AvgDurationMs,
			LastDurationMs: r.LastDurationMs,
			CPUMs:          r.CPUMs,
			LogicalReads:   r.LogicalReads,
			Rows:           r.Rows,
		}
		if r.FirstExecuted.Valid {
			result[i].FirstExecutedAt = r.FirstExecuted.Time.UTC()
		}
	}
	return result, nil
}

func (s *Store) CountStatements(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM statement_log"); err != nil {
		return 0, fmt.Errorf("failed to count statements: %w", err)
	}
	return n, nil
}

func (s *Store) ClearStatements(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Clear("statement_log")); err != nil {
		return fmt.Errorf("failed to clear statements: %w", err)
	}
	return nil
}

// Agent interactions (append-only)

type interactionRow struct {
	RunID    sql.NullString `db:"run_id"`
	Index    int            `db:"idx"`
	Prompt   string         `db:"prompt"`
	Response sql.NullString `db:"response"`
	Start    time.Time      `db:"start_utc"`
	End      time.Time      `db:"end_utc"`
}

func (s *Store) Append(ctx context.Context, in tracer.Interaction) error {
	query := s.dialect.Rebind(`INSERT INTO agent_interactions (
run_id, idx, prompt, response, start_utc, end_utc
) VALUES (?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		sql.NullString{String: in.RunID, Valid: in.RunID != ""},
		in.Index, in.Prompt,
		sql.NullString{String: in.Response, Valid: in.Response != ""},
		in.Start.UTC(), in.End.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append interaction: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]tracer.Interaction, error) {
	var rows []interactionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT run_id, idx, prompt, response, start_utc, end_utc
		FROM agent_interactions
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}

	result := make([]tracer.Interaction, len(rows))
	for i, r := range rows {
		result[i] = tracer.Interaction{
			Index:    r.Index,
			Prompt:   r.Prompt,
			Response: r.Response.String,
			Start:    r.Start.UTC(),
			End:      r.End.UTC(),
			RunID:    r.RunID.String,
		}
	}
	return result, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Clear("agent_interactions")); err != nil {
		return fmt.Errorf("failed to clear interactions: %w", err)
	}
	return nil
}
