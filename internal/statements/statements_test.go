package statements

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/query-tracer/internal/storage/memory"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	statements []tracer.Statement
	fetches    atomic.Int32
	failFirst  int32
	cleared    bool
	closed     bool
}

func (f *fakeSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	n := f.fetches.Add(1)
	if n <= f.failFirst {
		return nil, errors.New("connection reset")
	}
	return f.statements, nil
}

func (f *fakeSource) Clear(ctx context.Context) error {
	f.cleared = true
	return nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func TestWindowMinutes(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   int
	}{
		{0, 1},
		{30 * time.Second, 1},
		{time.Minute, 1},
		{61 * time.Second, 2},
		{15 * time.Minute, 15},
	}
	for _, tt := range tests {
		if got := windowMinutes(tt.window); got != tt.want {
			t.Errorf("windowMinutes(%v) = %d, want %d", tt.window, got, tt.want)
		}
	}
}

func TestRowStatements(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []sqlServerRow{
		{Text: sql.NullString{String: "SELECT * FROM Products", Valid: true}, Executions: 2, LastExecution: at},
		{Text: sql.NullString{}, Executions: 1, LastExecution: at},
		{Text: sql.NullString{String: "", Valid: true}, LastExecution: at},
		{Text: sql.NullString{String: "INSERT INTO Orders VALUES (1)", Valid: true}, LastExecution: at.Add(-time.Second)},
	}

	var got []string
	for _, st := range rowStatements(rows) {
		got = append(got, st.Text)
	}
	want := []string{"SELECT * FROM Products", "INSERT INTO Orders VALUES (1)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rowStatements() mismatch (-want +got):\n%s", diff)
	}

	if !strings.Contains(dmvSQL, "st.text IS NOT NULL") {
		t.Error("dmv query does not exclude rows without text")
	}
}

func TestWithFedAuth(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{
			name: "url",
			dsn:  "sqlserver://srv.database.windows.net?database=shop",
			want: "sqlserver://srv.database.windows.net?database=shop&fedauth=ActiveDirectoryAzCli",
		},
		{
			name: "ado",
			dsn:  "server=srv.database.windows.net;database=shop;",
			want: "server=srv.database.windows.net;database=shop;fedauth=ActiveDirectoryAzCli",
		},
		{
			name: "already set",
			dsn:  "server=srv;fedauth=ActiveDirectoryDefault",
			want: "server=srv;fedauth=ActiveDirectoryDefault",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withFedAuth(tt.dsn, azureCLIAuth); got != tt.want {
				t.Errorf("withFedAuth() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClearAndDiagnose_Unsupported(t *testing.T) {
	src := &fakeSource{}
	ctx := context.Background()

	if err := Clear(ctx, src); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if !src.cleared {
		t.Error("Clear() did not reach the source")
	}
	if _, err := Diagnose(ctx, src); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Diagnose() error = %v, want ErrUnsupported", err)
	}
}

func TestRetryingSource_Redials(t *testing.T) {
	want := []tracer.Statement{{Text: "SELECT 1"}}
	src := &fakeSource{statements: want, failFirst: 2}
	var dials atomic.Int32

	r := WithRetry(func(ctx context.Context) (Source, error) {
		dials.Add(1)
		return src, nil
	}, RetryOptions{
		MaxTries: 5,
		BackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, discard)

	got, err := r.FetchRecent(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchRecent() mismatch (-want +got):\n%s", diff)
	}
	if n := dials.Load(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
}

func TestRetryingSource_GivesUp(t *testing.T) {
	r := WithRetry(func(ctx context.Context) (Source, error) {
		return nil, errors.New("login timeout")
	}, RetryOptions{
		MaxTries: 3,
		BackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, discard)

	_, err := r.FetchRecent(context.Background(), time.Minute)
	if err == nil || !strings.Contains(err.Error(), "login timeout") {
		t.Fatalf("FetchRecent() error = %v, want login timeout", err)
	}
}

func TestRetryingSource_UnsupportedIsPermanent(t *testing.T) {
	var dials atomic.Int32
	r := WithRetry(func(ctx context.Context) (Source, error) {
		dials.Add(1)
		return &fakeSource{}, nil
	}, RetryOptions{
		MaxTries: 5,
		BackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}, discard)

	if _, err := r.Diagnostics(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Diagnostics() error = %v, want ErrUnsupported", err)
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestCachedSource(t *testing.T) {
	src := &fakeSource{statements: []tracer.Statement{{Text: "SELECT 1"}}}
	cached := WithCache(src, time.Hour)
	ctx := context.Background()

	for range 3 {
		if _, err := cached.FetchRecent(ctx, time.Minute); err != nil {
			t.Fatalf("FetchRecent() error = %v", err)
		}
	}
	if n := src.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}

	// A different window is a different key.
	if _, err := cached.FetchRecent(ctx, 2*time.Minute); err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if n := src.fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}

	Invalidate(cached)
	if _, err := cached.FetchRecent(ctx, time.Minute); err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if n := src.fetches.Load(); n != 3 {
		t.Errorf("fetches after Invalidate = %d, want 3", n)
	}

	if err := Clear(ctx, cached); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if !src.cleared {
		t.Error("Clear() did not reach the inner source")
	}
}

func TestWithCache_Disabled(t *testing.T) {
	src := &fakeSource{}
	if got := WithCache(src, 0); got != Source(src) {
		t.Error("WithCache(0) should return the inner source")
	}
}

func TestLogSource(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	src := NewLogSource(memory.New(), clock, 0)
	ctx := context.Background()

	if err := src.Record(ctx, tracer.Statement{Text: "SELECT old", ExecutedAt: now.Add(-20 * time.Minute)}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := src.Record(ctx, tracer.Statement{Text: "SELECT new"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := src.FetchRecent(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "SELECT new" {
		t.Fatalf("FetchRecent() = %+v, want only SELECT new", got)
	}
	if !got[0].ExecutedAt.Equal(now) {
		t.Errorf("ExecutedAt = %v, want clock time %v", got[0].ExecutedAt, now)
	}

	clock.Advance(time.Hour)
	got, err = src.FetchRecent(ctx, 15*time.Minute)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FetchRecent() after advance = %d rows, want 0", len(got))
	}

	d, err := src.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics() error = %v", err)
	}
	if d.CapturedTexts != 2 {
		t.Errorf("CapturedTexts = %d, want 2", d.CapturedTexts)
	}

	if err := src.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	d, _ = src.Diagnostics(ctx)
	if d.CapturedTexts != 0 || d.Warning == "" {
		t.Errorf("Diagnostics() after clear = %+v", d)
	}
}

func TestLogSourceDiagnosticsCountsPastLimit(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	src := NewLogSource(memory.New(), clock, 2)
	ctx := context.Background()

	for _, text := range []string{"SELECT 1", "SELECT 2", "SELECT 3", "SELECT 4", "SELECT 5"} {
		if err := src.Record(ctx, tracer.Statement{Text: text}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	got, err := src.FetchRecent(ctx, time.Minute)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("FetchRecent() = %d rows, want limit 2", len(got))
	}

	d, err := src.Diagnostics(ctx)
	if err != nil {
		t.Fatalf("Diagnostics() error = %v", err)
	}
	if d.CapturedTexts != 5 {
		t.Errorf("CapturedTexts = %d, want 5", d.CapturedTexts)
	}
}

type fakeRows struct {
	driver.Rows
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *int64:
			*p = row[i].(int64)
		case *float64:
			*p = row[i].(float64)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return errors.New("unexpected scan target")
		}
	}
	return nil
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

type fakeConn struct {
	query string
	args  []any
	rows  [][]any
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	c.query, c.args = query, args
	return &fakeRows{rows: c.rows}, nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                   { return nil }

func TestClickHouseSource_FetchRecent(t *testing.T) {
	last := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	first := last.Add(-time.Minute)
	conn := &fakeConn{rows: [][]any{
		{"SELECT * FROM products", int64(99), int64(4), 1.5, 2.0, 0.3, int64(100), int64(10), last, first},
	}}
	src := newClickHouseSource(conn, 50, discard)

	got, err := src.FetchRecent(context.Background(), 90*time.Second)
	if err != nil {
		t.Fatalf("FetchRecent() error = %v", err)
	}

	want := []tracer.Statement{{
		Text:            "SELECT * FROM products",
		ExecutedAt:      last,
		FirstExecutedAt: first,
		QueryID:         99,
		ExecutionCount:  4,
		AvgDurationMs:   1.5,
		LastDurationMs:  2.0,
		CPUMs:           0.3,
		LogicalReads:    100,
		Rows:            10,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchRecent() mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(conn.query, "LIMIT 50") {
		t.Errorf("query missing limit: %s", conn.query)
	}
	if len(conn.args) != 1 || conn.args[0] != int64(90) {
		t.Errorf("args = %v, want [90]", conn.args)
	}
}

func TestOpen_UnknownType(t *testing.T) {
	if _, err := Open(context.Background(), Config{Type: "oracle"}, discard); err == nil {
		t.Error("Open() with unknown type should fail")
	}
}
