package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/stagehand/internal/tool"
)

// ToolExecutor runs a tool call through authorization, queueing and
// retry. *tool.Scheduler satisfies it.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolID string, params map[string]interface{}, callerID string, opts ...tool.CallOption) tool.ExecutionResult
}

// ToolCatalog lists the tools an action step may request.
// *tool.Registry satisfies it.
type ToolCatalog interface {
	List() []tool.Definition
}

// describeTools renders the catalog for the action prompt.
func describeTools(defs []tool.Definition) string {
	if len(defs) == 0 {
		return "No tools are available."
	}
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.ID, d.Description)
		for _, p := range d.Schema.Params {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "    %s (%s%s)", p.Name, p.Type, req)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			if len(p.Enum) > 0 {
				fmt.Fprintf(&b, " one of [%s]", strings.Join(p.Enum, ", "))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
