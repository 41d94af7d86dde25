// Package storage defines the persistence interfaces for captured statements
// and agent interactions.
package storage

import (
	"context"
	"time"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// InteractionLog persists agent interactions in the order they were appended.
type InteractionLog interface {
	Append(ctx context.Context, in tracer.Interaction) error
	List(ctx context.Context) ([]tracer.Interaction, error)
	Clear(ctx context.Context) error
	Close() error
}

// StatementLog persists executed statements for databases without a built-in
// statement history.
type StatementLog interface {
	RecordStatement(ctx context.Context, st tracer.Statement) error
	// StatementsSince returns statements executed at or after cutoff, most
	// recent first, at most limit rows.
	StatementsSince(ctx context.Context, cutoff time.Time, limit int) ([]tracer.Statement, error)
	CountStatements(ctx context.Context) (int64, error)
	ClearStatements(ctx context.Context) error
	Close() error
}
