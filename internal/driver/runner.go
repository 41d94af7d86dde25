// Package driver sends test prompts to the data agent and records when each
// round trip started and ended.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/query-tracer/internal/agentlog"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// ErrRunInProgress is returned when a run is requested while another one is
// still executing.
var ErrRunInProgress = errors.New("agent run already in progress")

const (
	DefaultPause   = 15 * time.Second
	DefaultTimeout = 10 * time.Minute
)

// Agent answers a single prompt in a fresh conversation.
type Agent interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Options tune a Runner.
type Options struct {
	// Pause between prompts to stay under rate limits. Zero disables it.
	Pause time.Duration
	// Timeout bounds a whole run. Zero means DefaultTimeout.
	Timeout time.Duration
	Clock   clockwork.Clock
}

// Runner sends prompts to an Agent one at a time and appends each
// interaction to the log as soon as it completes.
type Runner struct {
	agent   Agent
	log     agentlog.Store
	logger  *slog.Logger
	clock   clockwork.Clock
	pause   time.Duration
	timeout time.Duration

	running atomic.Bool
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        string               `json:"run_id"`
	Interactions []tracer.Interaction `json:"interactions"`
	Failed       int                  `json:"failed"`
}

// NewRunner creates a runner.
func NewRunner(agent Agent, log agentlog.Store, logger *slog.Logger, opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Runner{
		agent:   agent,
		log:     log,
		logger:  logger,
		clock:   opts.Clock,
		pause:   opts.Pause,
		timeout: opts.Timeout,
	}
}

// Running reports whether a run is executing.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run sends prompts and blocks until every prompt has been answered or the
// run times out. An empty prompts slice runs DefaultPrompts.
func (r *Runner) Run(ctx context.Context, prompts []string) (*RunResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	return r.run(ctx, uuid.NewString(), prompts)
}

// Start launches a run in the background and returns its ID. The run is
// detached from ctx cancellation but keeps its values.
func (r *Runner) Start(ctx context.Context, prompts []string) (string, error) {
	if !r.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}

	runID := uuid.NewString()
	go func() {
		defer r.running.Store(false)
		if _, err := r.run(context.WithoutCancel(ctx), runID, prompts); err != nil {
			r.logger.Error("agent run failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}()
	return runID, nil
}

func (r *Runner) run(ctx context.Context, runID string, prompts []string) (*RunResult, error) {
	if len(prompts) == 0 {
		prompts = DefaultPrompts
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := otel.Tracer("query-tracer/driver").Start(ctx, "driver.run")
	span.SetAttributes(attribute.String("run_id", runID), attribute.Int("prompts", len(prompts)))
	defer span.End()

	logger := r.logger.With(slog.String("run_id", runID))
	logger.Info("agent run started", slog.Int("prompts", len(prompts)))

	result := &RunResult{RunID: runID, Interactions: make([]tracer.Interaction, 0, len(prompts))}
	for i, prompt := range prompts {
		if i > 0 && r.pause > 0 {
			logger.Info("pausing between prompts", slog.Duration("pause", r.pause))
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("agent run interrupted: %w", ctx.Err())
			case <-r.clock.After(r.pause):
			}
		}

		in, err := r.ask(ctx, logger, runID, i+1, len(prompts), prompt)
		if err != nil {
			result.Failed++
		}
		// The interaction is recorded even when the run deadline cut it short.
		if appendErr := r.log.Append(context.WithoutCancel(ctx), in); appendErr != nil {
			span.RecordError(appendErr)
			return result, fmt.Errorf("failed to record interaction %d: %w", in.Index, appendErr)
		}
		result.Interactions = append(result.Interactions, in)

		if ctx.Err() != nil {
			return result, fmt.Errorf("agent run interrupted: %w", ctx.Err())
		}
	}

	logger.Info("agent run finished",
		slog.Int("interactions", len(result.Interactions)),
		slog.Int("failed", result.Failed))
	return result, nil
}

// ask sends one prompt. A failed prompt still yields an interaction with its
// time window and no response.
func (r *Runner) ask(ctx context.Context, logger *slog.Logger, runID string, index, total int, prompt string) (tracer.Interaction, error) {
	ctx, span := otel.Tracer("query-tracer/driver").Start(ctx, "driver.prompt")
	span.SetAttributes(attribute.Int("index", index))
	defer span.End()

	logger.Info("sending prompt", slog.Int("index", index), slog.Int("total", total), slog.String("prompt", prompt))

	start := r.clock.Now().UTC()
	response, err := r.agent.Ask(ctx, prompt)
	end := r.clock.Now().UTC()

	in := tracer.Interaction{
		Index:  index,
		Prompt: prompt,
		Start:  start,
		End:    end,
		RunID:  runID,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("prompt failed", slog.Int("index", index), slog.String("error", err.Error()))
		return in, err
	}

	in.Response = response
	logger.Debug("prompt answered", slog.Int("index", index), slog.Duration("elapsed", end.Sub(start)))
	return in, nil
}
