package statements

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/azuread"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// Mode selects which SQL Server facility statements are read from.
type Mode string

const (
	// ModeQueryStore reads the Query Store, which survives plan cache eviction.
	ModeQueryStore Mode = "querystore"
	// ModeDMV reads the plan cache through sys.dm_exec_query_stats.
	ModeDMV Mode = "dmv"
)

const azureCLIAuth = "ActiveDirectoryAzCli"

const queryStoreSQL = `
SELECT TOP (%d)
    qt.query_sql_text,
    q.query_id,
    rs.count_executions,
    CAST(rs.avg_duration    / 1000.0 AS DECIMAL(18,2)) AS avg_duration_ms,
    CAST(rs.last_duration   / 1000.0 AS DECIMAL(18,2)) AS last_duration_ms,
    CAST(rs.avg_cpu_time    / 1000.0 AS DECIMAL(18,2)) AS avg_cpu_ms,
    CAST(rs.avg_logical_io_reads AS BIGINT)              AS avg_reads,
    CAST(rs.avg_rowcount         AS BIGINT)              AS avg_rows,
    CAST(rs.last_execution_time  AS datetime2)           AS last_execution_time,
    CAST(rs.first_execution_time AS datetime2)           AS first_execution_time
FROM sys.query_store_query_text        AS qt
JOIN sys.query_store_query             AS q  ON qt.query_text_id = q.query_text_id
JOIN sys.query_store_plan              AS p  ON q.query_id       = p.query_id
JOIN sys.query_store_runtime_stats     AS rs ON p.plan_id        = rs.plan_id
WHERE rs.last_execution_time >= DATEADD(MINUTE, @p1, GETUTCDATE())
  AND qt.query_sql_text NOT LIKE '%%sys.query_store%%'
  AND qt.query_sql_text NOT LIKE '%%sys.dm_exec%%'
  AND qt.query_sql_text NOT LIKE '%%sp_query_store_flush%%'
ORDER BY rs.last_execution_time DESC`

const dmvSQL = `
SELECT TOP (%d)
    SUBSTRING(st.text, (qs.statement_start_offset/2)+1,
        ((CASE qs.statement_end_offset
            WHEN -1 THEN DATALENGTH(st.text)
            ELSE qs.statement_end_offset END
          - qs.statement_start_offset)/2) + 1)              AS query_sql_text,
    qs.execution_count                                       AS count_executions,
    CAST(qs.last_elapsed_time / 1000.0 AS DECIMAL(18,2))    AS last_duration_ms,
    CAST(CASE WHEN qs.execution_count > 0
         THEN qs.total_elapsed_time / qs.execution_count / 1000.0
         ELSE 0 END AS DECIMAL(18,2))                        AS avg_duration_ms,
    CAST(qs.last_worker_time / 1000.0 AS DECIMAL(18,2))     AS avg_cpu_ms,
    qs.last_logical_reads                                    AS avg_reads,
    qs.last_rows                                             AS avg_rows,
    CAST(qs.last_execution_time AS datetime2)                AS last_execution_time
FROM sys.dm_exec_query_stats AS qs
CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) AS st
WHERE qs.last_execution_time >= DATEADD(MINUTE, @p1, GETUTCDATE())
  AND st.text IS NOT NULL
  AND st.text NOT LIKE '%%dm_exec_query_stats%%'
  AND st.text NOT LIKE '%%query_store%%'
ORDER BY qs.last_execution_time DESC`

const queryStoreOptionsSQL = `
SELECT actual_state_desc, desired_state_desc, readonly_reason,
       current_storage_size_mb, max_storage_size_mb
FROM sys.database_query_store_options`

// SQLServerConfig configures a SQL Server source.
type SQLServerConfig struct {
	DSN   string
	Mode  Mode
	Limit int
	// AzureCLI authenticates with the token of the local `az login` session.
	AzureCLI bool
}

// SQLServerSource reads executed statements from SQL Server or Azure SQL.
type SQLServerSource struct {
	db    *sqlx.DB
	mode  Mode
	limit int
	log   *slog.Logger
}

var (
	_ Source    = (*SQLServerSource)(nil)
	_ Clearer   = (*SQLServerSource)(nil)
	_ Diagnoser = (*SQLServerSource)(nil)
)

// OpenSQLServer connects and verifies the connection with a ping.
func OpenSQLServer(ctx context.Context, cfg SQLServerConfig, logger *slog.Logger) (*SQLServerSource, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlserver: dsn is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeQueryStore
	}
	if cfg.Mode != ModeQueryStore && cfg.Mode != ModeDMV {
		return nil, fmt.Errorf("sqlserver: unknown mode %q", cfg.Mode)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}

	driverName, dsn := "sqlserver", cfg.DSN
	if cfg.AzureCLI {
		driverName, dsn = azuread.DriverName, withFedAuth(cfg.DSN, azureCLIAuth)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlserver connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlserver: %w", err)
	}

	logger.Info("sqlserver source connected", slog.String("mode", string(cfg.Mode)), slog.Bool("azure_cli", cfg.AzureCLI))

	return &SQLServerSource{db: db, mode: cfg.Mode, limit: cfg.Limit, log: logger}, nil
}

// withFedAuth adds the fedauth parameter to a URL or ADO style DSN unless one
// is already present.
func withFedAuth(dsn, method string) string {
	if strings.Contains(strings.ToLower(dsn), "fedauth=") {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme == "sqlserver" {
		q := u.Query()
		q.Set("fedauth", method)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSuffix(dsn, ";") + ";fedauth=" + method
}

type sqlServerRow struct {
	Text           sql.NullString `db:"query_sql_text"`
	QueryID        sql.NullInt64  `db:"query_id"`
	Executions     int64          `db:"count_executions"`
	AvgDurationMs  float64        `db:"avg_duration_ms"`
	LastDurationMs float64        `db:"last_duration_ms"`
	CPUMs          float64        `db:"avg_cpu_ms"`
	Reads          int64          `db:"avg_reads"`
	Rows           int64          `db:"avg_rows"`
	LastExecution  time.Time      `db:"last_execution_time"`
	FirstExecution sql.NullTime   `db:"first_execution_time"`
}

func (r sqlServerRow) statement() tracer.Statement {
	st := tracer.Statement{
		Text:           r.Text.String,
		ExecutedAt:     r.LastExecution.UTC(),
		QueryID:        r.QueryID.Int64,
		ExecutionCount: r.Executions,
		AvgDurationMs:  r.AvgDurationMs,
		LastDurationMs: r.LastDurationMs,
		CPUMs:          r.CPUMs,
		LogicalReads:   r.Reads,
		Rows:           r.Rows,
	}
	if r.FirstExecution.Valid {
		st.FirstExecutedAt = r.FirstExecution.Time.UTC()
	}
	return st
}

// rowStatements converts scanned rows, dropping those whose text the server
// no longer holds.
func rowStatements(rows []sqlServerRow) []tracer.Statement {
	out := make([]tracer.Statement, 0, len(rows))
	for _, r := range rows {
		if !r.Text.Valid || r.Text.String == "" {
			continue
		}
		out = append(out, r.statement())
	}
	return out
}

// FetchRecent returns statements whose last execution falls within window.
// In Query Store mode the in-memory runtime stats are flushed first so the
// newest executions are visible.
func (s *SQLServerSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	query := fmt.Sprintf(dmvSQL, s.limit)
	if s.mode == ModeQueryStore {
		if _, err := s.db.ExecContext(ctx, "EXEC sp_query_store_flush_db"); err != nil {
			return nil, fmt.Errorf("failed to flush query store: %w", err)
		}
		query = fmt.Sprintf(queryStoreSQL, s.limit)
	}

	var rows []sqlServerRow
	if err := s.db.SelectContext(ctx, &rows, query, -windowMinutes(window)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.mode, err)
	}

	out := rowStatements(rows)
	s.log.Debug("fetched statements", slog.String("mode", string(s.mode)), slog.Int("count", len(out)))
	return out, nil
}

// Clear empties the Query Store, or the database-scoped plan cache in DMV mode.
func (s *SQLServerSource) Clear(ctx context.Context) error {
	stmt := "ALTER DATABASE CURRENT SET QUERY_STORE CLEAR"
	if s.mode == ModeDMV {
		stmt = "ALTER DATABASE SCOPED CONFIGURATION CLEAR PROCEDURE_CACHE"
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.mode, err)
	}
	s.log.Info("statement history cleared", slog.String("mode", string(s.mode)))
	return nil
}

// Diagnostics reports the Query Store state and how many texts it holds.
func (s *SQLServerSource) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	var opts struct {
		ActualState      string        `db:"actual_state_desc"`
		DesiredState     string        `db:"desired_state_desc"`
		ReadonlyReason   sql.NullInt64 `db:"readonly_reason"`
		CurrentStorageMB int64         `db:"current_storage_size_mb"`
		MaxStorageMB     int64         `db:"max_storage_size_mb"`
	}
	if err := s.db.GetContext(ctx, &opts, queryStoreOptionsSQL); err != nil {
		return nil, fmt.Errorf("failed to read query store options: %w", err)
	}

	d := &Diagnostics{
		Source:           string(TypeSQLServer) + "/" + string(s.mode),
		ActualState:      opts.ActualState,
		DesiredState:     opts.DesiredState,
		ReadonlyReason:   opts.ReadonlyReason.Int64,
		CurrentStorageMB: opts.CurrentStorageMB,
		MaxStorageMB:     opts.MaxStorageMB,
	}
	if err := s.db.GetContext(ctx, &d.CapturedTexts, "SELECT COUNT_BIG(*) FROM sys.query_store_query_text"); err != nil {
		return nil, fmt.Errorf("failed to count query store texts: %w", err)
	}
	if d.ActualState != "READ_WRITE" {
		d.Warning = "Query Store is not READ_WRITE; run: ALTER DATABASE CURRENT SET QUERY_STORE = ON (OPERATION_MODE = READ_WRITE);"
	}
	return d, nil
}

// Close closes the connection pool.
func (s *SQLServerSource) Close() error {
	return s.db.Close()
}
