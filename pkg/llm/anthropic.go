package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// interleavedThinkingBeta enables reasoning blocks interleaved with tool
// use. Only sent when both thinking and tools are in play.
const interleavedThinkingBeta = "interleaved-thinking-2025-05-14"

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
	MaxTokens   int
	MaxRetries  int
	RetryDelay  time.Duration
}

// AnthropicClient implements Client on the official Anthropic SDK.
// Stream creation is retried with exponential backoff for transient
// failures; once deltas have been emitted the stream is never retried.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	visionModel string
	maxTokens   int
	maxRetries  int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewAnthropicClient creates an AnthropicClient from config, applying
// defaults for everything but the API key.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		logger:      slog.With("component", "anthropic_client"),
	}, nil
}

// Stream implements Client.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request, emit func(Delta)) (*Result, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var opts []option.RequestOption
	if req.EnableThinking && len(req.Tools) > 0 {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", interleavedThinkingBeta))
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryDelay * (1 << (attempt - 1))
			c.logger.Warn("Retrying model stream",
				"attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, emitted, err := c.consumeStream(ctx, params, opts, emit)
		if err == nil {
			return result, nil
		}
		// A stream that already delivered deltas cannot be replayed.
		if emitted || !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

// consumeStream runs one streaming call to completion, accumulating the
// full message so reasoning and tool-use blocks survive verbatim.
func (c *AnthropicClient) consumeStream(ctx context.Context, params anthropic.MessageNewParams, opts []option.RequestOption, emit func(Delta)) (*Result, bool, error) {
	stream := c.client.Messages.NewStreaming(ctx, params, opts...)
	defer func() { _ = stream.Close() }()

	var acc anthropic.Message
	emitted := false

	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, emitted, fmt.Errorf("anthropic: failed to accumulate stream event: %w", err)
		}

		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		switch delta.Type {
		case "text_delta":
			if delta.Text != "" {
				emitted = true
				emit(Delta{Kind: DeltaText, Text: delta.Text})
			}
		case "thinking_delta":
			if delta.Thinking != "" {
				emitted = true
				emit(Delta{Kind: DeltaThinking, Text: delta.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, emitted, fmt.Errorf("anthropic: stream failed: %w", err)
	}

	result := &Result{
		StopReason: string(acc.StopReason),
		Usage: Usage{
			InputTokens:  int(acc.Usage.InputTokens),
			OutputTokens: int(acc.Usage.OutputTokens),
		},
		Assistant: Turn{Role: "assistant", Raw: acc.ToParam()},
	}

	var text, thinking strings.Builder
	for _, block := range acc.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "tool_use":
			input, err := json.Marshal(block.Input)
			if err != nil {
				return nil, emitted, fmt.Errorf("anthropic: invalid tool input for %s: %w", block.Name, err)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	result.Text = text.String()
	result.Thinking = thinking.String()
	result.Assistant.Text = result.Text

	return result, emitted, nil
}

// Describe implements Client. The image is inlined as base64; supported
// media types follow the provider's vision documentation.
func (c *AnthropicClient) Describe(ctx context.Context, prompt, imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read image %s: %w", imagePath, err)
	}
	mediaType, err := imageMediaType(imagePath)
	if err != nil {
		return "", err
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.visionModel),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)),
				anthropic.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: vision call failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

// buildParams converts a Request to SDK params. Assistant turns carrying a
// provider-native Raw param pass through untouched.
func (c *AnthropicClient) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	for _, turn := range req.Turns {
		if turn.Raw != nil {
			raw, ok := turn.Raw.(anthropic.MessageParam)
			if !ok {
				return params, fmt.Errorf("anthropic: unexpected raw turn type %T", turn.Raw)
			}
			params.Messages = append(params.Messages, raw)
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if turn.Text != "" {
			content = append(content, anthropic.NewTextBlock(turn.Text))
		}
		for _, tr := range turn.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		if len(content) == 0 {
			continue
		}

		if turn.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}

	params.Messages = mergeSameRole(params.Messages)

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return params, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return params, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		params.Tools = append(params.Tools, toolParam)
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 8192
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

// mergeSameRole folds consecutive messages with the same role into one
// message, concatenating their content blocks. The API rejects adjacent
// same-role messages; they arise when a resume prefill turn is followed by
// the provider-native continuation of the same answer.
func mergeSameRole(msgs []anthropic.MessageParam) []anthropic.MessageParam {
	out := msgs[:0]
	for _, msg := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == msg.Role {
			out[len(out)-1].Content = append(out[len(out)-1].Content, msg.Content...)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// imageMediaType maps a file extension to a vision media type.
func imageMediaType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg", nil
	case ".png":
		return "image/png", nil
	case ".gif":
		return "image/gif", nil
	case ".webp":
		return "image/webp", nil
	default:
		return "", fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}
}

// isRetryable classifies transient provider failures: rate limits, 5xx,
// timeouts, and connection resets.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
