package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements the Provider interface for the Messages API.
// Extra["anthropic_version"] overrides the API version header.
type AnthropicProvider struct {
	config ProviderConfig
	http   endpoint
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	version := cfg.Extra["anthropic_version"]
	if version == "" {
		version = defaultAnthropicVersion
	}
	header := http.Header{}
	header.Set("x-api-key", cfg.APIKey)
	header.Set("anthropic-version", version)
	return &AnthropicProvider{
		config: cfg,
		http:   newEndpoint(cfg, header),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

type anthropicRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []anthropicMsg `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a chat request. System messages are folded into the
// top-level system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var out anthropicResponse
	if err := p.http.do(ctx, http.MethodPost, p.config.Endpoint+"/messages", toAnthropic(req), &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := Usage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	p.logger.Debug("chat completion",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.Int("tokens", usage.TotalTokens))

	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      text.String(),
		FinishReason: out.StopReason,
		Usage:        usage,
	}, nil
}

func toAnthropic(req *ChatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = defaultAnthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// HealthCheck sends a one-token prompt.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Chat(ctx, &ChatRequest{
		Model:     firstModel(p.config.Models, "claude-3-5-haiku-20241022"),
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func firstModel(models []string, fallback string) string {
	if len(models) > 0 {
		return models[0]
	}
	return fallback
}
