package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tjfontaine/query-tracer/internal/agentlog"
	"github.com/tjfontaine/query-tracer/internal/auth"
	"github.com/tjfontaine/query-tracer/internal/driver"
	"github.com/tjfontaine/query-tracer/internal/pkg/config"
	"github.com/tjfontaine/query-tracer/internal/report"
	"github.com/tjfontaine/query-tracer/internal/statements"
)

func sourceConfig(cfg config.SourceConfig) statements.Config {
	return statements.Config{
		Type:     statements.Type(cfg.Type),
		DSN:      cfg.DSN,
		Limit:    cfg.Limit,
		Mode:     statements.Mode(cfg.Mode),
		AzureCLI: cfg.Auth == "azcli",
		ClickHouse: statements.ClickHouseConfig{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
	}
}

// openSource returns the configured source behind the reconnecting wrapper
// and, when cache_ttl is set, the refresh cache. It connects lazily.
func openSource(cfg *config.Config, logger *slog.Logger) statements.Source {
	scfg := sourceConfig(cfg.Source)
	src := statements.WithRetry(func(ctx context.Context) (statements.Source, error) {
		return statements.Open(ctx, scfg, logger)
	}, statements.RetryOptions{
		MaxElapsed: cfg.Source.Retry.MaxElapsed,
		MaxTries:   cfg.Source.Retry.MaxTries,
	}, logger)
	return statements.WithCache(src, cfg.Source.CacheTTL)
}

func openLog(cfg *config.Config) (agentlog.Store, error) {
	return agentlog.Open(agentlog.Config{
		Type: agentlog.Type(cfg.AgentLog.Type),
		Path: cfg.AgentLog.Path,
		DSN:  cfg.AgentLog.DSN,
	})
}

func reportOptions(cfg *config.Config) (report.Options, error) {
	kinds, err := cfg.Tracer.ParseKinds()
	if err != nil {
		return report.Options{}, err
	}
	opts := report.Options{
		Window:  cfg.Tracer.Window(),
		Padding: cfg.Tracer.Padding,
	}
	opts.Filter.Kinds = kinds
	return opts, nil
}

func newBuilder(cfg *config.Config, src statements.Source, log agentlog.Store, logger *slog.Logger) *report.Builder {
	b := report.NewBuilder(src, log, logger)
	b.Classifier = cfg.Tracer.Classifier()
	b.TokenModel = cfg.Agent.Model
	return b
}

func authenticator(cfg *config.Config) *auth.Authenticator {
	ops := make([]auth.Operator, len(cfg.Server.APIKeys))
	for i, k := range cfg.Server.APIKeys {
		ops[i] = auth.Operator{KeyHash: k.KeyHash, Description: k.Description}
	}
	return auth.NewAuthenticator(ops)
}

// newAgent builds the configured agent. The returned close function releases
// the MCP session, if any.
func newAgent(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (driver.Agent, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Provider {
	case "anthropic":
		if cfg.MCPURL == "" {
			return nil, nil, errors.New("agent.mcp_url is required for the anthropic provider")
		}
		toolbox, err := driver.ConnectMCP(ctx, driver.MCPConfig{
			Endpoint: cfg.MCPURL,
			Token:    cfg.MCPToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}

		opts := []option.RequestOption{}
		if cfg.APIKey != "" {
			opts = append(opts, option.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		agent := driver.NewClaudeAgent(driver.ClaudeConfig{
			Client:    anthropic.NewClient(opts...),
			Model:     anthropic.Model(cfg.Model),
			MaxTokens: cfg.MaxTokens,
			MaxRounds: cfg.MaxRounds,
			System:    cfg.System,
			Logger:    logger,
		}, toolbox)
		return agent, toolbox.Close, nil

	case "openai":
		return driver.NewChatAgent(driver.ChatConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			System:    cfg.System,
			MaxTokens: cfg.MaxTokens,
		}), noop, nil

	default:
		return nil, nil, fmt.Errorf("unsupported agent provider: %q", cfg.Provider)
	}
}

func newRunner(agent driver.Agent, log agentlog.Store, cfg config.AgentConfig, logger *slog.Logger) *driver.Runner {
	return driver.NewRunner(agent, log, logger, driver.Options{
		Pause:   cfg.Pause,
		Timeout: cfg.Timeout,
	})
}
