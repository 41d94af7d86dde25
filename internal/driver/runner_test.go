package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/query-tracer/internal/storage/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeAgent answers from a table and advances the clock to simulate latency.
type fakeAgent struct {
	clock    interface{ Advance(time.Duration) }
	latency  time.Duration
	answers  map[string]string
	failures map[string]error
	block    chan struct{}
}

func (a *fakeAgent) Ask(ctx context.Context, prompt string) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.clock != nil {
		a.clock.Advance(a.latency)
	}
	if err := a.failures[prompt]; err != nil {
		return "", err
	}
	return a.answers[prompt], nil
}

func TestRunner_Run(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	agent := &fakeAgent{
		clock:   clock,
		latency: 8 * time.Second,
		answers: map[string]string{
			"List all products": "There are 4 products.",
			"Show categories":   "Books, Electronics.",
		},
		failures: map[string]error{
			"Break things": errors.New("run failed: rate limited"),
		},
	}
	log := memory.New()
	r := NewRunner(agent, log, discard, Options{Clock: clock})

	result, err := r.Run(context.Background(), []string{"List all products", "Break things", "Show categories"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.RunID == "" {
		t.Error("RunID is empty")
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	logged, err := log.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(logged) != 3 {
		t.Fatalf("logged %d interactions, want 3", len(logged))
	}

	for i, in := range logged {
		if in.Index != i+1 {
			t.Errorf("interaction %d Index = %d, want %d", i, in.Index, i+1)
		}
		if in.RunID != result.RunID {
			t.Errorf("interaction %d RunID = %q, want %q", i, in.RunID, result.RunID)
		}
		wantStart := start.Add(time.Duration(i) * 8 * time.Second)
		if !in.Start.Equal(wantStart) || !in.End.Equal(wantStart.Add(8*time.Second)) {
			t.Errorf("interaction %d window = [%v, %v], want start %v", i, in.Start, in.End, wantStart)
		}
	}
	if logged[0].Response != "There are 4 products." {
		t.Errorf("Response = %q", logged[0].Response)
	}
	if logged[1].Response != "" {
		t.Errorf("failed prompt recorded a response: %q", logged[1].Response)
	}
	if logged[2].Prompt != "Show categories" {
		t.Errorf("run did not continue after failure: %+v", logged[2])
	}
}

func TestRunner_DefaultPrompts(t *testing.T) {
	log := memory.New()
	r := NewRunner(&fakeAgent{}, log, discard, Options{})

	result, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Interactions) != len(DefaultPrompts) {
		t.Fatalf("Interactions = %d, want %d", len(result.Interactions), len(DefaultPrompts))
	}
	for i, in := range result.Interactions {
		if in.Prompt != DefaultPrompts[i] {
			t.Errorf("Prompt[%d] = %q, want %q", i, in.Prompt, DefaultPrompts[i])
		}
	}
}

func TestRunner_IndicesRestartPerRun(t *testing.T) {
	log := memory.New()
	r := NewRunner(&fakeAgent{}, log, discard, Options{})
	ctx := context.Background()

	first, err := r.Run(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	second, err := r.Run(ctx, []string{"c"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if first.RunID == second.RunID {
		t.Error("runs share a RunID")
	}
	if second.Interactions[0].Index != 1 {
		t.Errorf("second run Index = %d, want 1", second.Interactions[0].Index)
	}

	all, _ := log.List(ctx)
	if len(all) != 3 {
		t.Errorf("log holds %d interactions, want 3", len(all))
	}
}

func TestRunner_Pause(t *testing.T) {
	clock := clockwork.NewFakeClock()
	log := memory.New()
	r := NewRunner(&fakeAgent{}, log, discard, Options{Clock: clock, Pause: 15 * time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), []string{"a", "b"})
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("runner never paused: %v", err)
	}

	got, _ := log.List(context.Background())
	if len(got) != 1 {
		t.Fatalf("logged %d interactions during pause, want 1", len(got))
	}

	clock.Advance(15 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not finish after the pause elapsed")
	}
}

func TestRunner_RejectsConcurrentRun(t *testing.T) {
	agent := &fakeAgent{block: make(chan struct{})}
	r := NewRunner(agent, memory.New(), discard, Options{})

	runID, err := r.Start(context.Background(), []string{"slow"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if runID == "" {
		t.Error("Start() returned empty run ID")
	}
	if !r.Running() {
		t.Error("Running() = false during a run")
	}

	if _, err := r.Run(context.Background(), []string{"again"}); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Run() error = %v, want ErrRunInProgress", err)
	}
	if _, err := r.Start(context.Background(), nil); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Start() error = %v, want ErrRunInProgress", err)
	}

	close(agent.block)
	deadline := time.Now().Add(5 * time.Second)
	for r.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunner_Timeout(t *testing.T) {
	log := memory.New()
	r := NewRunner(&fakeAgent{block: make(chan struct{})}, log, discard, Options{Timeout: 20 * time.Millisecond})

	result, err := r.Run(context.Background(), []string{"hangs", "never sent"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	logged, _ := log.List(context.Background())
	if len(logged) != 1 || logged[0].Prompt != "hangs" {
		t.Errorf("logged = %+v, want only the timed out prompt", logged)
	}
}
