package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/query-tracer/internal/storage"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// Store is an in-memory implementation of InteractionLog and StatementLog
type Store struct {
	mu           sync.RWMutex
	interactions []tracer.Interaction
	statements   []tracer.Statement
}

var (
	_ storage.InteractionLog = (*Store)(nil)
	_ storage.StatementLog   = (*Store)(nil)
)

// New creates a new in-memory store
func New() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, in tracer.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions = append(s.interactions, in)
	return nil
}

func (s *Store) List(ctx context.Context) ([]tracer.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]tracer.Interaction, len(s.interactions))
	copy(result, s.interactions)
	return result, nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions = nil
	return nil
}

func (s *Store) RecordStatement(ctx context.Context, st tracer.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statements = append(s.statements, st)
	return nil
}

func (s *Store) StatementsSince(ctx context.Context, cutoff time.Time, limit int) ([]tracer.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []tracer.Statement
	for _, st := range s.statements {
		if !st.ExecutedAt.Before(cutoff) {
			result = append(result, st)
		}
	}

	// Most recent first; ties keep reverse insertion order like the SQL store.
	slices.Reverse(result)
	slices.SortStableFunc(result, func(a, b tracer.Statement) int {
		return b.ExecutedAt.Compare(a.ExecutedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CountStatements(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.statements)), nil
}

func (s *Store) ClearStatements(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statements = nil
	return nil
}

func (s *Store) Close() error {
	return nil
}
