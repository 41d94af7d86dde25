package statements

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

const queryLogSQL = `
SELECT
    argMax(query, event_time)                                       AS query_text,
    toInt64(normalized_query_hash)                                  AS query_id,
    toInt64(count())                                                AS executions,
    toFloat64(avg(query_duration_ms))                               AS avg_duration_ms,
    toFloat64(argMax(query_duration_ms, event_time))                AS last_duration_ms,
    toFloat64(avg(ProfileEvents['UserTimeMicroseconds'])) / 1000    AS avg_cpu_ms,
    toInt64(avg(read_rows))                                         AS avg_reads,
    toInt64(avg(result_rows))                                       AS avg_rows,
    max(event_time)                                                 AS last_execution_time,
    min(event_time)                                                 AS first_execution_time
FROM system.query_log
WHERE type = 'QueryFinish'
  AND event_time >= now() - toIntervalSecond(?)
  AND query NOT ILIKE '%%system.query_log%%'
GROUP BY normalized_query_hash
ORDER BY last_execution_time DESC
LIMIT %d`

// ClickHouseConfig configures a ClickHouse query_log source.
type ClickHouseConfig struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	Limit       int
}

type clickhouseConn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClickHouseSource reads finished queries from system.query_log.
type ClickHouseSource struct {
	conn  clickhouseConn
	limit int
	log   *slog.Logger
}

var (
	_ Source    = (*ClickHouseSource)(nil)
	_ Diagnoser = (*ClickHouseSource)(nil)
)

// OpenClickHouse dials ClickHouse and pings it.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, logger *slog.Logger) (*ClickHouseSource, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("clickhouse: addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	logger.Info("clickhouse source connected", slog.String("addr", cfg.Addr), slog.String("database", cfg.Database))
	return newClickHouseSource(conn, cfg.Limit, logger), nil
}

func newClickHouseSource(conn clickhouseConn, limit int, logger *slog.Logger) *ClickHouseSource {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &ClickHouseSource{conn: conn, limit: limit, log: logger}
}

// FetchRecent groups query_log entries by normalized hash so repeated
// executions of one statement shape collapse into a single row.
func (s *ClickHouseSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	rows, err := s.conn.Query(ctx, fmt.Sprintf(queryLogSQL, s.limit), seconds)
	if err != nil {
		return nil, fmt.Errorf("failed to query system.query_log: %w", err)
	}
	defer rows.Close()

	var out []tracer.Statement
	for rows.Next() {
		var (
			st          tracer.Statement
			last, first time.Time
		)
		if err := rows.Scan(
			&st.Text,
			&st.QueryID,
			&st.ExecutionCount,
			&st.AvgDurationMs,
			&st.LastDurationMs,
			&st.CPUMs,
			&st.LogicalReads,
			&st.Rows,
			&last,
			&first,
		); err != nil {
			return nil, fmt.Errorf("failed to scan query_log row: %w", err)
		}
		st.ExecutedAt = last.UTC()
		st.FirstExecutedAt = first.UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query_log rows: %w", err)
	}

	s.log.Debug("fetched statements", slog.String("source", string(TypeClickHouse)), slog.Int("count", len(out)))
	return out, nil
}

// Diagnostics reports how many finished queries query_log currently holds.
func (s *ClickHouseSource) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	rows, err := s.conn.Query(ctx, "SELECT toInt64(count()) FROM system.query_log WHERE type = 'QueryFinish'")
	if err != nil {
		return nil, fmt.Errorf("failed to count query_log: %w", err)
	}
	defer rows.Close()

	d := &Diagnostics{Source: string(TypeClickHouse), ActualState: "READ_ONLY"}
	if rows.Next() {
		if err := rows.Scan(&d.CapturedTexts); err != nil {
			return nil, fmt.Errorf("failed to scan query_log count: %w", err)
		}
	}
	if d.CapturedTexts == 0 {
		d.Warning = "system.query_log is empty; check log_queries is enabled"
	}
	return d, rows.Err()
}

// Close closes the connection.
func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}
