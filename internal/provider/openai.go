package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible
// chat completion APIs (OpenAI, LM Studio, Ollama, vLLM, ...).
type OpenAIProvider struct {
	config ProviderConfig
	http   endpoint
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &OpenAIProvider{
		config: cfg,
		http:   newEndpoint(cfg, header),
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// baseURL is the endpoint without a trailing completions path.
func (p *OpenAIProvider) baseURL() string {
	return strings.TrimSuffix(p.config.Endpoint, "/chat/completions")
}

// chatURL builds the chat completions URL. An endpoint that already names
// the completions path is used as is; Extra["path_model"] == "true" inserts
// the model name into the path.
func (p *OpenAIProvider) chatURL(model string) string {
	if strings.HasSuffix(p.config.Endpoint, "/chat/completions") {
		return p.config.Endpoint
	}
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat sends a non-streaming chat request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var out openAIChatResponse
	if err := p.http.do(ctx, http.MethodPost, p.chatURL(req.Model), req, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response from provider", p.config.ID)
	}

	p.logger.Debug("chat completion",
		zap.String("provider", p.config.ID),
		zap.String("model", out.Model),
		zap.Int("tokens", out.Usage.TotalTokens))

	first := out.Choices[0]
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      first.Message.Content,
		FinishReason: first.FinishReason,
		Usage:        out.Usage,
	}, nil
}

// HealthCheck lists the endpoint's models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if err := p.http.do(ctx, http.MethodGet, p.baseURL()+"/models", nil, nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}
