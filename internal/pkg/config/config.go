package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/query-tracer/internal/tracer"
)

// DefaultPath is read when Load is called with an empty path.
const DefaultPath = "config.yaml"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Source   SourceConfig   `koanf:"source"`
	Tracer   TracerConfig   `koanf:"tracer"`
	AgentLog AgentLogConfig `koanf:"agent_log"`
	Agent    AgentConfig    `koanf:"agent"`
}

type ServerConfig struct {
	Port    int            `koanf:"port"`
	Tracing bool           `koanf:"tracing"` // export OpenTelemetry spans to stdout
	Timeout time.Duration  `koanf:"timeout"` // per-request deadline
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

// APIKeyConfig is an operator key allowed to call mutating dashboard
// endpoints. Generate hashes with keygen.
type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	Description string `koanf:"description"`
}

// SourceConfig selects where executed statements are read from.
type SourceConfig struct {
	Type     string        `koanf:"type"` // sqlserver, clickhouse, sqlite, postgres
	DSN      string        `koanf:"dsn"`
	Mode     string        `koanf:"mode"` // sqlserver: querystore, dmv
	Auth     string        `koanf:"auth"` // sqlserver: azcli
	Limit    int           `koanf:"limit"`
	CacheTTL time.Duration `koanf:"cache_ttl"`

	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	Retry      RetryConfig      `koanf:"retry"`
}

type ClickHouseConfig struct {
	Addr     string `koanf:"addr"` // host:port of the native protocol
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

type RetryConfig struct {
	MaxElapsed time.Duration `koanf:"max_elapsed"`
	MaxTries   uint          `koanf:"max_tries"`
}

// TracerConfig controls classification and correlation.
type TracerConfig struct {
	Padding               time.Duration        `koanf:"padding"`
	WindowMinutes         int                  `koanf:"window_minutes"`
	Kinds                 []string             `koanf:"kinds"`
	TableEntities         []tracer.TableEntity `koanf:"table_entities"`
	InfrastructureMarkers []string             `koanf:"infrastructure_markers"`
}

type AgentLogConfig struct {
	Type string `koanf:"type"` // file, sqlite, postgres, memory
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn"`
}

// AgentConfig describes the agent the driver talks to.
type AgentConfig struct {
	Provider  string        `koanf:"provider"` // anthropic, openai
	Model     string        `koanf:"model"`
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	System    string        `koanf:"system"`
	MCPURL    string        `koanf:"mcp_url"`
	MCPToken  string        `koanf:"mcp_token"`
	MaxRounds int           `koanf:"max_rounds"`
	MaxTokens int64         `koanf:"max_tokens"`
	Pause     time.Duration `koanf:"pause"`
	Timeout   time.Duration `koanf:"timeout"`
}

var defaults = map[string]any{
	"server.port":              8080,
	"server.timeout":           "2m",
	"source.type":              "sqlserver",
	"source.mode":              "querystore",
	"source.limit":             200,
	"source.retry.max_elapsed": "1m",
	"tracer.padding":           "30s",
	"tracer.window_minutes":    10,
	"tracer.kinds":             []string{"SELECT", "INSERT", "UPDATE", "DELETE"},
	"agent_log.type":           "file",
	"agent_log.path":           "trace_log.json",
	"agent.provider":           "anthropic",
	"agent.model":              "claude-sonnet-4-5",
	"agent.max_rounds":         12,
	"agent.max_tokens":         2048,
	"agent.pause":              "15s",
	"agent.timeout":            "10m",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then TRACER_ environment
// variables on top. A missing file is not an error. Nested keys use a double
// underscore: TRACER_SOURCE__DSN sets source.dsn.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TRACER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TRACER_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Source.DSN = substituteEnvVars(cfg.Source.DSN)
	cfg.Source.ClickHouse.Password = substituteEnvVars(cfg.Source.ClickHouse.Password)
	cfg.AgentLog.DSN = substituteEnvVars(cfg.AgentLog.DSN)
	cfg.Agent.APIKey = substituteEnvVars(cfg.Agent.APIKey)
	cfg.Agent.MCPToken = substituteEnvVars(cfg.Agent.MCPToken)

	return &cfg, nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "sqlserver":
		if c.Source.Mode != "querystore" && c.Source.Mode != "dmv" {
			return fmt.Errorf("source.mode: unknown mode %q", c.Source.Mode)
		}
		if c.Source.Auth != "" && c.Source.Auth != "azcli" {
			return fmt.Errorf("source.auth: unknown method %q", c.Source.Auth)
		}
		if c.Source.DSN == "" {
			return fmt.Errorf("source.dsn is required for sqlserver")
		}
	case "clickhouse":
		if c.Source.ClickHouse.Addr == "" {
			return fmt.Errorf("source.clickhouse.addr is required")
		}
	case "sqlite", "postgres":
		if c.Source.DSN == "" {
			return fmt.Errorf("source.dsn is required for %s", c.Source.Type)
		}
	default:
		return fmt.Errorf("source.type: unknown type %q", c.Source.Type)
	}

	if c.Tracer.Padding < 0 {
		return fmt.Errorf("tracer.padding must not be negative")
	}
	if c.Tracer.WindowMinutes <= 0 {
		return fmt.Errorf("tracer.window_minutes must be positive")
	}
	if _, err := c.Tracer.ParseKinds(); err != nil {
		return err
	}

	switch c.AgentLog.Type {
	case "file", "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("agent_log.type: unknown type %q", c.AgentLog.Type)
	}

	switch c.Agent.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("agent.provider: unknown provider %q", c.Agent.Provider)
	}
	return nil
}

// ParseKinds converts the configured kind names.
func (t TracerConfig) ParseKinds() ([]tracer.Kind, error) {
	return ParseKinds(t.Kinds)
}

// ParseKinds converts kind names such as "select" or "EXEC". Empty entries are
// skipped.
func ParseKinds(names []string) ([]tracer.Kind, error) {
	var kinds []tracer.Kind
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		k, ok := tracer.ParseKind(n)
		if !ok {
			return nil, fmt.Errorf("tracer.kinds: unknown kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Window returns the lookback window.
func (t TracerConfig) Window() time.Duration {
	return time.Duration(t.WindowMinutes) * time.Minute
}

// Classifier builds a classifier from the configured mapping and markers.
// Unset lists select the defaults.
func (t TracerConfig) Classifier() *tracer.Classifier {
	return tracer.NewClassifier(t.TableEntities, t.InfrastructureMarkers)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
