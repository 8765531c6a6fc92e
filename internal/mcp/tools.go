package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/stagehand/internal/tool"
	"go.uber.org/zap"
)

// remoteTool adapts one MCP tool to tool.Tool.
type remoteTool struct {
	client *Client
	info   ToolInfo
	schema tool.Schema
}

func (t *remoteTool) Description() string { return t.info.Description }
func (t *remoteTool) Schema() tool.Schema { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.client.CallTool(ctx, t.info.Name, params)
}

// SchemaFromJSON converts a JSON Schema object description into a
// tool.Schema. Nested objects keep their type but not their fields.
func SchemaFromJSON(js map[string]interface{}) tool.Schema {
	props, _ := js["properties"].(map[string]interface{})
	required := map[string]bool{}
	if req, ok := js["required"].([]interface{}); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var s tool.Schema
	for _, name := range names {
		def, _ := props[name].(map[string]interface{})
		p := tool.Param{Name: name, Type: "string", Required: required[name]}
		if typ, ok := def["type"].(string); ok {
			p.Type = typ
		}
		if desc, ok := def["description"].(string); ok {
			p.Description = desc
		}
		if enum, ok := def["enum"].([]interface{}); ok {
			for _, v := range enum {
				p.Enum = append(p.Enum, fmt.Sprint(v))
			}
		}
		s.Params = append(s.Params, p)
	}
	return s
}

// ToolID is the registry id of a remote tool: "<server>.<tool>".
func ToolID(server, name string) string {
	return server + "." + strings.ReplaceAll(name, " ", "_")
}

// Register adds every tool of a connected client to reg.
func Register(reg *tool.Registry, c *Client) (int, error) {
	n := 0
	for _, info := range c.Tools() {
		t := &remoteTool{client: c, info: info, schema: SchemaFromJSON(info.InputSchema)}
		if err := reg.Register(ToolID(c.Name(), info.Name), t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ConnectAll connects to each server, retrying with exponential backoff
// for up to maxWait, and registers the tools of those that answer.
// Unreachable servers are logged and skipped.
func ConnectAll(ctx context.Context, reg *tool.Registry, servers map[string]string, maxWait time.Duration, logger *zap.Logger) []*Client {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var clients []*Client
	for _, name := range names {
		c := NewClient(name, servers[name], logger.Named("mcp"))
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxWait
		err := backoff.Retry(func() error {
			return c.Connect(ctx)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", name), zap.Error(err))
			continue
		}
		n, err := Register(reg, c)
		if err != nil {
			logger.Warn("MCP tools not registered", zap.String("name", name), zap.Error(err))
			c.Close()
			continue
		}
		logger.Info("MCP tools registered", zap.String("name", name), zap.Int("count", n))
		clients = append(clients, c)
	}
	return clients
}
