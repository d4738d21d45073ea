// Package anthropicprovider adapts github.com/anthropics/anthropic-sdk-go's
// streaming Messages API to the agentrt.Provider contract. It is a thin,
// swappable reference adapter, not part of the core runtime's contract
// surface.
package anthropicprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kodeforge/agentcore/internal/agentrt"
)

// Config holds the parameters needed to construct a Provider.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
	MaxTokens    int
}

// Provider implements agentrt.Provider against the Anthropic Messages API.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
	maxTokens    int
}

// New constructs a Provider. APIKey is required.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropicprovider: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Stream satisfies agentrt.Provider, translating Anthropic's SSE protocol
// into the generalized Chunk stream the step loop consumes. Retries apply
// only to establishing the connection; once a chunk has been forwarded to
// the caller, a failure mid-stream ends the channel rather than silently
// replaying already-delivered deltas.
func (p *Provider) Stream(ctx context.Context, system string, messages []agentrt.CompletionMessage, tools []agentrt.ToolSpec) (<-chan agentrt.Chunk, error) {
	params, err := p.buildParams(system, messages, tools)
	if err != nil {
		return nil, err
	}

	out := make(chan agentrt.Chunk)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)
		reachedStop := p.pump(ctx, stream, out)
		if reachedStop {
			return
		}

		// Only retry a connection that produced no events at all; once any
		// delta has reached the caller, replaying the stream would duplicate it.
		if err := stream.Err(); err != nil && isRetryableError(err) {
			for attempt := 1; attempt <= p.maxRetries; attempt++ {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff(p.retryDelay, attempt)):
				}
				retry := p.client.Messages.NewStreaming(ctx, params)
				if p.pump(ctx, retry, out) {
					return
				}
				if retry.Err() == nil || !isRetryableError(retry.Err()) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) buildParams(system string, messages []agentrt.CompletionMessage, tools []agentrt.ToolSpec) (anthropic.MessageNewParams, error) {
	msgParams, err := convertMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropicprovider: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.defaultModel),
		Messages:  msgParams,
		MaxTokens: int64(p.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		toolParams, err := convertTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropicprovider: convert tools: %w", err)
		}
		params.Tools = toolParams
	}
	return params, nil
}

func convertMessages(messages []agentrt.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(result.ToolUseID, result.Content, result.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]interface{}
			if len(call.Input) > 0 {
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}
	return result, nil
}

func convertTools(tools []agentrt.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// pump drains one Anthropic message stream into the generalized Chunk
// channel, tracking the current tool_use block across delta events the same
// way the reference adapter's processStream does. Returns true once
// message_stop was reached (a complete turn), false if the stream ended
// early (error or cancellation) without producing one.
func (p *Provider) pump(ctx context.Context, stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- agentrt.Chunk) bool {
	var inToolUse, sawToolUse bool
	var inputTokens, outputTokens int

	for stream.Next() {
		if ctx.Err() != nil {
			return false
		}
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				inToolUse = true
				sawToolUse = true
				out <- agentrt.Chunk{Kind: agentrt.ChunkToolUseStart, ToolUseID: toolUse.ID, ToolUseName: toolUse.Name}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agentrt.Chunk{Kind: agentrt.ChunkTextDelta, TextDelta: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- agentrt.Chunk{Kind: agentrt.ChunkThinkingDelta, ThinkingDelta: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					out <- agentrt.Chunk{Kind: agentrt.ChunkToolUseDelta, ToolUseDelta: delta.PartialJSON}
				}
			}

		case "content_block_stop":
			if inToolUse {
				out <- agentrt.Chunk{Kind: agentrt.ChunkToolUseStop}
				inToolUse = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			stop := agentrt.StopEndTurn
			if sawToolUse {
				stop = agentrt.StopToolUse
			}
			out <- agentrt.Chunk{
				Kind:         agentrt.ChunkStop,
				Stop:         stop,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return true
		}
	}
	return false
}

// isRetryableError classifies transient Anthropic API failures the same way
// the reference provider does: rate limits, 5xx, timeouts, and connection
// resets are retried; everything else is not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(math.Pow(2, float64(attempt)))
}
