package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/query-tracer/internal/api/dashboard"
	"github.com/tjfontaine/query-tracer/internal/driver"
	"github.com/tjfontaine/query-tracer/internal/pkg/config"
	"github.com/tjfontaine/query-tracer/internal/report"
	"github.com/tjfontaine/query-tracer/internal/server"
	"github.com/tjfontaine/query-tracer/internal/statements"
	"github.com/tjfontaine/query-tracer/internal/telemetry"
	"github.com/tjfontaine/query-tracer/internal/tracer"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the trace dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := flags.serviceLogger()
			slog.SetDefault(logger)

			cfg, err := flags.load()
			if err != nil {
				logger.Error("startup failed", slog.String("error", err.Error()))
				return err
			}

			if cfg.Server.Tracing {
				shutdown, err := telemetry.InitTracer(telemetry.Options{ServiceName: "query-tracer", Version: version}, logger)
				if err != nil {
					return fmt.Errorf("failed to init tracer: %w", err)
				}
				defer func() {
					if err := shutdown(ctx); err != nil {
						logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
					}
				}()
			}

			src := openSource(cfg, logger)
			defer src.Close()

			log, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			defaults, err := reportOptions(cfg)
			if err != nil {
				return err
			}

			// The dashboard still serves reports when the agent cannot be built.
			var runner *driver.Runner
			agent, closeAgent, err := newAgent(ctx, cfg.Agent, logger)
			if err != nil {
				logger.Warn("agent disabled", slog.String("error", err.Error()))
			} else {
				defer closeAgent()
				runner = newRunner(agent, log, cfg.Agent, logger)
			}

			srv := server.New(server.Options{Port: cfg.Server.Port, Timeout: cfg.Server.Timeout}, logger)
			srv.Router.Mount("/", dashboard.NewServer(dashboard.Config{
				Builder:       newBuilder(cfg, src, log, logger),
				Source:        src,
				Log:           log,
				Runner:        runner,
				Defaults:      defaults,
				Authenticator: authenticator(cfg),
				Logger:        logger,
			}))

			logger.Info("starting dashboard",
				slog.Int("port", cfg.Server.Port),
				slog.String("source", cfg.Source.Type),
				slog.Bool("agent", runner != nil),
			)
			return srv.Start(ctx)
		},
	}
}

type traceFlags struct {
	minutes int
	system  bool
	kinds   string
	tables  string
	json    bool
}

func newTraceCmd(flags *rootFlags) *cobra.Command {
	tf := &traceFlags{}
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print recent statements grouped by the agent interaction that caused them",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.terminalLogger()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			opts, err := reportOptions(cfg)
			if err != nil {
				return err
			}
			if err := tf.apply(cmd, &opts); err != nil {
				return err
			}

			src := openSource(cfg, logger)
			defer src.Close()
			log, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			rep, err := newBuilder(cfg, src, log, logger).Build(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if tf.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			return report.WriteText(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVarP(&tf.minutes, "minutes", "m", 0, "lookback window in minutes (default from config)")
	cmd.Flags().BoolVar(&tf.system, "system", false, "include infrastructure statements")
	cmd.Flags().StringVar(&tf.kinds, "kinds", "", "comma separated statement kinds, or all")
	cmd.Flags().StringVar(&tf.tables, "tables", "", "comma separated tables to keep")
	cmd.Flags().BoolVar(&tf.json, "json", false, "print the report as JSON")
	return cmd
}

func (tf *traceFlags) apply(cmd *cobra.Command, opts *report.Options) error {
	if cmd.Flags().Changed("minutes") {
		if tf.minutes < 1 {
			return errors.New("--minutes must be positive")
		}
		opts.Window = time.Duration(tf.minutes) * time.Minute
	}
	opts.Filter.ShowSystem = tf.system
	if cmd.Flags().Changed("kinds") {
		if strings.EqualFold(tf.kinds, "all") {
			opts.Filter.Kinds = nil
		} else {
			kinds, err := config.ParseKinds(strings.Split(tf.kinds, ","))
			if err != nil {
				return err
			}
			opts.Filter.Kinds = kinds
		}
	}
	for _, t := range strings.Split(tf.tables, ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.Filter.Tables = append(opts.Filter.Tables, t)
		}
	}
	return nil
}

func newAgentCmd(flags *rootFlags) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Send test prompts to the data agent and log each round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := flags.terminalLogger()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			log, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			agent, closeAgent, err := newAgent(ctx, cfg.Agent, logger)
			if err != nil {
				return err
			}
			defer closeAgent()

			var prompts []string
			if q := strings.TrimSpace(query); q != "" {
				prompts = []string{q}
			}

			res, err := newRunner(agent, log, cfg.Agent, logger).Run(ctx, prompts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d interactions logged, %d failed\n",
				res.RunID, len(res.Interactions), res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "single prompt to send instead of the built-in list")
	return cmd
}

func newRecordCmd(flags *rootFlags) *cobra.Command {
	var (
		rows       int64
		durationMs float64
	)
	cmd := &cobra.Command{
		Use:   "record <statement>",
		Short: "Append a statement to a sqlite or postgres statement log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			switch statements.Type(cfg.Source.Type) {
			case statements.TypeSQLite, statements.TypePostgres:
			default:
				return fmt.Errorf("record needs a sqlite or postgres source, not %q", cfg.Source.Type)
			}

			src, err := statements.OpenLog(statements.LogConfig{Driver: cfg.Source.Type, DSN: cfg.Source.DSN, Limit: cfg.Source.Limit})
			if err != nil {
				return err
			}
			defer src.Close()

			return src.Record(cmd.Context(), tracer.Statement{
				Text:           args[0],
				ExecutionCount: 1,
				AvgDurationMs:  durationMs,
				LastDurationMs: durationMs,
				Rows:           rows,
			})
		},
	}
	cmd.Flags().Int64Var(&rows, "rows", 0, "rows affected or returned")
	cmd.Flags().Float64Var(&durationMs, "duration-ms", 0, "execution time in milliseconds")
	return cmd
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the statement history and the interaction log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := flags.terminalLogger()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			src := openSource(cfg, logger)
			defer src.Close()
			switch err := statements.Clear(ctx, src); {
			case errors.Is(err, statements.ErrUnsupported):
				logger.Warn("source history cannot be cleared", slog.String("source", cfg.Source.Type))
			case err != nil:
				return err
			default:
				logger.Info("statement history cleared")
			}

			log, err := openLog(cfg)
			if err != nil {
				return err
			}
			defer log.Close()
			if err := log.Clear(ctx); err != nil {
				return err
			}
			logger.Info("interaction log cleared")
			return nil
		},
	}
}

func newDiagnosticsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Show the capture state of the statement source",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.terminalLogger()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			src := openSource(cfg, logger)
			defer src.Close()
			d, err := statements.Diagnose(cmd.Context(), src)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}
