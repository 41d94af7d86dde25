// Package report assembles the statement trace shown by the CLI and the
// dashboard: fetch, classify, filter, summarize and correlate.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/query-tracer/internal/agentlog"
	"github.com/tjfontaine/query-tracer/internal/statements"
	"github.com/tjfontaine/query-tracer/internal/tokens"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// DefaultWindow is the lookback used when Options.Window is zero.
const DefaultWindow = 10 * time.Minute

// Options controls one build.
type Options struct {
	Window  time.Duration
	Padding time.Duration
	Filter  tracer.Filter
}

// Row is a statement with its classification.
type Row struct {
	tracer.Statement
	Classification tracer.Classification `json:"classification"`
}

// Interaction is an agent interaction with token counts.
type Interaction struct {
	tracer.Interaction
	PromptTokens   tokens.Count `json:"prompt_tokens"`
	ResponseTokens tokens.Count `json:"response_tokens"`
}

// Seconds is the unpadded length of the round trip.
func (i Interaction) Seconds() float64 {
	return i.End.Sub(i.Start).Seconds()
}

type Group struct {
	Interaction Interaction `json:"interaction"`
	Statements  []Row       `json:"statements"`
}

// Report is the result of Build. Grouped reports fill Groups and Unmatched;
// flat reports fill Statements.
type Report struct {
	GeneratedAt    time.Time      `json:"generated_at"`
	WindowMinutes  int            `json:"window_minutes"`
	PaddingSeconds float64        `json:"padding_seconds"`
	Summary        tracer.Summary `json:"summary"`
	Grouped        bool           `json:"grouped"`
	Groups         []Group        `json:"groups,omitempty"`
	Unmatched      []Row          `json:"unmatched,omitempty"`
	Statements     []Row          `json:"statements,omitempty"`
}

// Builder holds the collaborators of Build.
type Builder struct {
	Source     statements.Source
	Log        agentlog.Store
	Classifier *tracer.Classifier
	Tokens     *tokens.Registry
	// TokenModel selects the tokenizer for prompt and response counts.
	TokenModel string
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// NewBuilder returns a Builder with the default classifier, token registry
// and the real clock.
func NewBuilder(src statements.Source, log agentlog.Store, logger *slog.Logger) *Builder {
	return &Builder{
		Source:     src,
		Log:        log,
		Classifier: tracer.NewClassifier(nil, nil),
		Tokens:     tokens.NewRegistry(),
		Clock:      clockwork.NewRealClock(),
		Logger:     logger,
	}
}

// Build fetches statements from the last opts.Window, filters them, and
// groups them under the interactions that ended inside the same window. With
// no such interactions the report is flat.
func (b *Builder) Build(ctx context.Context, opts Options) (_ *Report, err error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Padding < 0 {
		return nil, fmt.Errorf("padding must not be negative")
	}

	ctx, span := otel.Tracer("query-tracer/report").Start(ctx, "report.build")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := b.Clock.Now().UTC()

	fetched, err := b.Source.FetchRecent(ctx, opts.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch statements: %w", err)
	}
	shown := opts.Filter.Apply(b.Classifier, fetched)

	logged, err := b.Log.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load interactions: %w", err)
	}
	recent := tracer.EndedSince(logged, now.Add(-opts.Window))

	span.SetAttributes(
		attribute.Int("statements.fetched", len(fetched)),
		attribute.Int("statements.shown", len(shown)),
		attribute.Int("interactions", len(recent)),
	)
	b.logger().Debug("building report",
		slog.Int("fetched", len(fetched)),
		slog.Int("shown", len(shown)),
		slog.Int("interactions", len(recent)),
	)

	rep := &Report{
		GeneratedAt:    now,
		WindowMinutes:  int(opts.Window / time.Minute),
		PaddingSeconds: opts.Padding.Seconds(),
		Summary:        tracer.Summarize(b.Classifier, shown),
	}

	if len(recent) == 0 {
		rep.Statements = b.rows(shown)
		return rep, nil
	}

	res := tracer.Correlate(shown, recent, opts.Padding)
	rep.Grouped = true
	rep.Groups = make([]Group, len(res.Groups))
	for i, g := range res.Groups {
		rep.Groups[i] = Group{
			Interaction: b.interaction(g.Interaction),
			Statements:  b.rows(g.Statements),
		}
	}
	rep.Unmatched = b.rows(res.Unmatched)
	return rep, nil
}

func (b *Builder) rows(list []tracer.Statement) []Row {
	out := make([]Row, len(list))
	for i, st := range list {
		out[i] = Row{Statement: st, Classification: b.Classifier.Classify(st.Text)}
	}
	return out
}

func (b *Builder) interaction(in tracer.Interaction) Interaction {
	out := Interaction{Interaction: in}
	if b.Tokens != nil {
		out.PromptTokens = b.Tokens.CountText(b.TokenModel, in.Prompt)
		if in.Response != "" {
			out.ResponseTokens = b.Tokens.CountText(b.TokenModel, in.Response)
		}
	}
	return out
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
