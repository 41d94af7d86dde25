// Package dialect holds the per-database differences of the SQL-backed
// statement log and agent interaction log.
package dialect

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Dialect describes one supported database.
type Dialect struct {
	Name string
	// Driver is the database/sql driver name.
	Driver string

	bindType  int
	id        string
	timestamp string
	init      []string
	clear     string
}

var (
	SQLite = Dialect{
		Name:      "sqlite",
		Driver:    "sqlite",
		bindType:  sqlx.QUESTION,
		id:        "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "TIMESTAMP",
		init:      []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"},
		clear:     "DELETE FROM %s",
	}
	Postgres = Dialect{
		Name:      "postgres",
		Driver:    "pgx",
		bindType:  sqlx.DOLLAR,
		id:        "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMP WITH TIME ZONE",
		clear:     "TRUNCATE TABLE %s",
	}
)

// Lookup returns the dialect for a configured driver or source type.
func Lookup(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported driver: %s", name)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(d.bindType, query)
}

// Init returns statements to run once per connection pool.
func (d Dialect) Init() []string {
	return d.init
}

// Clear returns a statement removing every row of table.
func (d Dialect) Clear(table string) string {
	return fmt.Sprintf(d.clear, table)
}

const schema = `CREATE TABLE IF NOT EXISTS statement_log (
id {id},
statement_text TEXT NOT NULL,
executed_at {ts} NOT NULL,
first_executed_at {ts},
query_id BIGINT NOT NULL DEFAULT 0,
execution_count BIGINT NOT NULL DEFAULT 1,
avg_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
last_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
cpu_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
logical_reads BIGINT NOT NULL DEFAULT 0,
row_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS agent_interactions (
id {id},
run_id TEXT,
idx INTEGER NOT NULL,
prompt TEXT NOT NULL,
response TEXT,
start_utc {ts} NOT NULL,
end_utc {ts} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_statement_log_executed ON statement_log(executed_at);
CREATE INDEX IF NOT EXISTS idx_agent_interactions_end ON agent_interactions(end_utc)`

// Schema returns the DDL for both logs, one statement per element.
func (d Dialect) Schema() []string {
	r := strings.NewReplacer("{id}", d.id, "{ts}", d.timestamp)
	parts := strings.Split(r.Replace(schema), ";\n")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
