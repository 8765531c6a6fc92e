// Package oracle is the decision oracle client: it sends a system and a
// user prompt to a chat completion backend and returns cleaned text.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/stagehand/internal/provider"
	"go.uber.org/zap"
)

// Oracle answers a prompt with text. Replies are not guaranteed to be JSON.
type Oracle interface {
	Send(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ModelConfig names the model and sampling settings used for every request.
type ModelConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client sends prompts through the provider router under a fixed caller id.
type Client struct {
	router   *provider.Router
	callerID string
	model    ModelConfig
	logger   *zap.Logger
}

// NewClient creates an oracle client. callerID selects the router binding.
func NewClient(router *provider.Router, callerID string, model ModelConfig, logger *zap.Logger) *Client {
	if model.MaxTokens == 0 {
		model.MaxTokens = 4096
	}
	return &Client{
		router:   router,
		callerID: callerID,
		model:    model,
		logger:   logger,
	}
}

// noThink asks reasoning models to skip their thinking preamble.
const noThink = "\n/no_think"

// Send implements Oracle.
func (c *Client) Send(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := &provider.ChatRequest{
		Model: c.model.Model,
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt + noThink},
		},
		Temperature: c.model.Temperature,
		MaxTokens:   c.model.MaxTokens,
	}

	resp, err := c.router.Route(ctx, c.callerID, req)
	if err != nil {
		return "", fmt.Errorf("oracle request: %w", err)
	}
	text := Clean(resp.Content)
	c.logger.Debug("oracle reply",
		zap.String("caller", c.callerID),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Int("length", len(text)))
	return text, nil
}

// Clean strips markdown code fences and a leading <think> block from a
// model reply.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "</think>"); i >= 0 && strings.HasPrefix(s, "<think>") {
		s = strings.TrimSpace(s[i+len("</think>"):])
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// DecodeJSON unmarshals a cleaned reply into v. When the reply carries
// prose around a JSON object, the outermost {...} span is tried as well.
func DecodeJSON(text string, v interface{}) error {
	text = Clean(text)
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return err
	}
	if inner := json.Unmarshal([]byte(text[start:end+1]), v); inner != nil {
		return err
	}
	return nil
}

// Func adapts a plain function to the Oracle interface.
type Func func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

func (f Func) Send(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}
