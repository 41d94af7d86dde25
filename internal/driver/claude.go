package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

const (
	defaultMaxTokens        = 2048
	defaultMaxRounds        = 12
	defaultMaxToolResultLen = 20000
)

// ClaudeConfig configures a ClaudeAgent.
type ClaudeConfig struct {
	Client           anthropic.Client
	Model            anthropic.Model
	MaxTokens        int64
	MaxRounds        int
	MaxToolResultLen int
	System           string
	Logger           *slog.Logger
}

// ClaudeAgent answers prompts with Claude, calling MCP tools until the model
// produces a final text answer.
type ClaudeAgent struct {
	cfg   ClaudeConfig
	tools Toolbox
}

var _ Agent = (*ClaudeAgent)(nil)

// NewClaudeAgent creates an agent that uses tools from toolbox.
func NewClaudeAgent(cfg ClaudeConfig, toolbox Toolbox) *ClaudeAgent {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxToolResultLen == 0 {
		cfg.MaxToolResultLen = defaultMaxToolResultLen
	}
	if cfg.System == "" {
		cfg.System = Instructions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ClaudeAgent{cfg: cfg, tools: toolbox}
}

func (a *ClaudeAgent) params(msgs []anthropic.MessageParam, tools []anthropic.ToolUnionParam) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: a.cfg.System}},
		Messages:  msgs,
		Tools:     tools,
	}
}

// Ask runs the tool loop for one prompt in a fresh conversation.
func (a *ClaudeAgent) Ask(ctx context.Context, prompt string) (string, error) {
	mcpTools, err := a.tools.ListTools(ctx)
	if err != nil {
		return "", err
	}
	tools := toAnthropicTools(mcpTools)

	msgs := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}

	for round := 1; round <= a.cfg.MaxRounds; round++ {
		resp, err := a.cfg.Client.Messages.New(ctx, a.params(msgs, tools))
		if err != nil {
			return "", fmt.Errorf("failed to get response: %w", err)
		}
		msgs = append(msgs, resp.ToParam())

		var (
			text     strings.Builder
			toolUses []anthropic.ToolUseBlock
		)
		for _, blk := range resp.Content {
			switch blk.Type {
			case "text":
				text.WriteString(blk.AsText().Text)
			case "tool_use":
				toolUses = append(toolUses, blk.AsToolUse())
			}
		}

		if len(toolUses) == 0 {
			a.cfg.Logger.Debug("agent answered", slog.Int("round", round), slog.String("stop_reason", string(resp.StopReason)))
			return strings.TrimSpace(text.String()), nil
		}

		a.cfg.Logger.Debug("agent requested tools", slog.Int("round", round), slog.Int("count", len(toolUses)))
		results := make([]anthropic.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			results = append(results, a.callTool(ctx, tu))
		}
		msgs = append(msgs, anthropic.NewUserMessage(results...))
	}

	return "", fmt.Errorf("exceeded maximum rounds (%d)", a.cfg.MaxRounds)
}

func (a *ClaudeAgent) callTool(ctx context.Context, tu anthropic.ToolUseBlock) anthropic.ContentBlockParamUnion {
	var args map[string]any
	if len(tu.Input) > 0 {
		if err := json.Unmarshal(tu.Input, &args); err != nil {
			return anthropic.NewToolResultBlock(tu.ID, fmt.Sprintf("invalid tool input: %v", err), true)
		}
	}

	out, isErr, err := a.tools.CallTool(ctx, tu.Name, args)
	if err != nil {
		out = fmt.Sprintf("%s\n(error: %v)", out, err)
		isErr = true
	}
	if limit := a.cfg.MaxToolResultLen; len(out) > limit {
		out = fmt.Sprintf("%s\n\n[Result truncated from %d to %d characters]", out[:limit], len(out), limit)
	}
	return anthropic.NewToolResultBlock(tu.ID, out, isErr)
}

// toAnthropicTools converts MCP tools to Anthropic tool parameters.
func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props, _ := t.InputSchema["properties"].(map[string]any)
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.Opt(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: props,
				Required:   requiredFields(t.InputSchema["required"]),
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// requiredFields accepts both decoded JSON ([]any) and Go-built ([]string)
// schema values.
func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, s := range r {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
