package statements

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// Dialer opens a fresh connection to a source.
type Dialer func(ctx context.Context) (Source, error)

// RetryOptions tune the reconnecting wrapper.
type RetryOptions struct {
	MaxElapsed time.Duration
	MaxTries   uint
	// BackOff builds the policy for one call; nil means exponential.
	BackOff func() backoff.BackOff
}

// RetryingSource redials its source when a call fails, so a dropped
// connection to a serverless database recovers on the next fetch.
type RetryingSource struct {
	dial Dialer
	opts RetryOptions
	log  *slog.Logger

	mu  sync.Mutex
	cur Source
}

var (
	_ Source    = (*RetryingSource)(nil)
	_ Clearer   = (*RetryingSource)(nil)
	_ Diagnoser = (*RetryingSource)(nil)
)

// WithRetry wraps dial in a source that connects lazily and redials on error.
func WithRetry(dial Dialer, opts RetryOptions, logger *slog.Logger) *RetryingSource {
	if opts.MaxElapsed == 0 {
		opts.MaxElapsed = time.Minute
	}
	if opts.BackOff == nil {
		opts.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &RetryingSource{dial: dial, opts: opts, log: logger}
}

func (r *RetryingSource) source(ctx context.Context) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur != nil {
		return r.cur, nil
	}
	src, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect statement source: %w", err)
	}
	r.cur = src
	return src, nil
}

// reset drops src if it is still the current connection.
func (r *RetryingSource) reset(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == src {
		r.cur = nil
		if err := src.Close(); err != nil {
			r.log.Debug("failed to close stale statement source", slog.String("error", err.Error()))
		}
	}
}

func (r *RetryingSource) retryOpts() []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(r.opts.BackOff()),
		backoff.WithMaxElapsedTime(r.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.log.Warn("statement source call failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", next))
		}),
	}
	if r.opts.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(r.opts.MaxTries))
	}
	return opts
}

// do runs fn against the current connection, redialing on failure.
// ErrUnsupported is returned immediately.
func do[T any](ctx context.Context, r *RetryingSource, fn func(Source) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		src, err := r.source(ctx)
		if err != nil {
			return zero, err
		}
		v, err := fn(src)
		if errors.Is(err, ErrUnsupported) {
			return zero, backoff.Permanent(err)
		}
		if err != nil {
			r.reset(src)
			return zero, err
		}
		return v, nil
	}, r.retryOpts()...)
}

func (r *RetryingSource) FetchRecent(ctx context.Context, window time.Duration) ([]tracer.Statement, error) {
	return do(ctx, r, func(src Source) ([]tracer.Statement, error) {
		return src.FetchRecent(ctx, window)
	})
}

func (r *RetryingSource) Clear(ctx context.Context) error {
	_, err := do(ctx, r, func(src Source) (struct{}, error) {
		return struct{}{}, Clear(ctx, src)
	})
	return err
}

func (r *RetryingSource) Diagnostics(ctx context.Context) (*Diagnostics, error) {
	return do(ctx, r, func(src Source) (*Diagnostics, error) {
		return Diagnose(ctx, src)
	})
}

func (r *RetryingSource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}
