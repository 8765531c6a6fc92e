// Package mcp discovers tools on Model Context Protocol servers over the
// SSE transport and exposes them to the tool registry.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("mcp client closed")

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type reply struct {
	result json.RawMessage
	err    error
}

// Client holds one SSE session with an MCP server. Requests are POSTed to
// the endpoint announced on the stream; replies arrive either on the
// stream or directly in the POST response.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	http    *http.Client
	timeout time.Duration
	tools   []ToolInfo

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan reply
	closed  bool
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewClient creates a client for the server's SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    &http.Client{},
		timeout: 30 * time.Second,
		pending: make(map[int64]chan reply),
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered on Connect.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the event stream, waits for the endpoint announcement and
// lists the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	endpoint := make(chan string, 1)
	go c.readStream(resp.Body, endpoint)

	select {
	case ep, ok := <-endpoint:
		if !ok {
			cancel()
			return fmt.Errorf("mcp %s: stream ended without endpoint event", c.name)
		}
		rpcURL, err := resolve(c.sseURL, ep)
		if err != nil {
			cancel()
			return fmt.Errorf("mcp endpoint %q: %w", ep, err)
		}
		c.mu.Lock()
		c.rpcURL = rpcURL
		c.cancel = cancel
		c.mu.Unlock()
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", c.rpcURL))

	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &listed); err != nil {
		cancel()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(listed.Tools)))
	return nil
}

// resolve turns the announced endpoint into an absolute URL.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// readStream parses SSE frames. The first endpoint event is handed to
// Connect; message events carry JSON-RPC replies.
func (c *Client) readStream(body io.ReadCloser, endpoint chan<- string) {
	defer body.Close()
	announced := false
	defer func() {
		if !announced {
			close(endpoint)
		}
		c.failPending(ErrClosed)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "endpoint" && !announced {
				endpoint <- data.String()
				announced = true
			} else if (event == "" || event == "message") && data.Len() > 0 {
				c.dispatch([]byte(data.String()))
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

type envelope struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// dispatch routes a JSON-RPC reply to its waiting caller.
func (c *Client) dispatch(raw []byte) bool {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.ID == nil {
		c.logger.Debug("mcp: ignoring non-reply frame", zap.String("server", c.name))
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	delete(c.pending, *env.ID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	if env.Error != nil {
		ch <- reply{err: env.Error}
	} else {
		ch <- reply{result: env.Result}
	}
	return true
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
}

// call sends a request and decodes the reply's result into out.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	rpcURL := c.rpcURL
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		forget()
		return fmt.Errorf("marshal rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(body))
	if err != nil {
		forget()
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		forget()
		return fmt.Errorf("send rpc: %w", err)
	}
	direct, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		forget()
		return fmt.Errorf("rpc %s: status %d", method, resp.StatusCode)
	}
	// Some servers answer in the POST body instead of on the stream.
	if len(bytes.TrimSpace(direct)) > 0 {
		c.dispatch(direct)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(r.result, out)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	case <-timer.C:
		forget()
		return fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

// CallTool invokes a tool and returns its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	params := map[string]interface{}{"name": name, "arguments": args}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}
	var texts []string
	for _, part := range result.Content {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return text, nil
}

// Close ends the session and fails outstanding requests.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.failPending(ErrClosed)
	return nil
}
