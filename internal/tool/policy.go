package tool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Limits is the resource descriptor a tool runs under. CPU and Memory are
// host utilisation ceilings in percent; zero disables the check.
type Limits struct {
	CPU     float64       `json:"cpu,omitempty"`
	Memory  float64       `json:"memory,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Policy is the security hook consulted before a tool call is enqueued.
type Policy interface {
	CanAccessTool(callerID, toolID string) bool
	SanitizeParams(toolID string, schema Schema, params map[string]interface{}) (map[string]interface{}, error)
	ResourceLimit(toolID string) Limits
	Admit(ctx context.Context, limits Limits) error
}

// UsageSampler reports current host CPU and memory utilisation in percent.
type UsageSampler interface {
	Usage(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// HostSampler samples the local machine through gopsutil.
type HostSampler struct{}

func (HostSampler) Usage(ctx context.Context) (float64, float64, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	var c float64
	if len(cpus) > 0 {
		c = cpus[0]
	}
	return c, vm.UsedPercent, nil
}

// DefaultPolicy allows every caller except denied tool or caller:tool
// pairs, validates parameters against the tool schema and admits work
// while host utilisation stays under the configured ceilings.
type DefaultPolicy struct {
	Denied   map[string]bool
	Defaults Limits
	PerTool  map[string]Limits
	Sampler  UsageSampler
	Logger   *zap.Logger
}

// NewDefaultPolicy builds a policy from a deny list ("tool" or
// "caller:tool" entries) and default limits.
func NewDefaultPolicy(denied []string, defaults Limits, sampler UsageSampler, logger *zap.Logger) *DefaultPolicy {
	d := make(map[string]bool, len(denied))
	for _, id := range denied {
		d[id] = true
	}
	if defaults.Timeout == 0 {
		defaults.Timeout = 60 * time.Second
	}
	return &DefaultPolicy{
		Denied:   d,
		Defaults: defaults,
		PerTool:  make(map[string]Limits),
		Sampler:  sampler,
		Logger:   logger,
	}
}

func (p *DefaultPolicy) CanAccessTool(callerID, toolID string) bool {
	return !p.Denied[toolID] && !p.Denied[callerID+":"+toolID]
}

func (p *DefaultPolicy) SanitizeParams(toolID string, schema Schema, params map[string]interface{}) (map[string]interface{}, error) {
	return ValidateParams(schema, params)
}

func (p *DefaultPolicy) ResourceLimit(toolID string) Limits {
	if l, ok := p.PerTool[toolID]; ok {
		if l.Timeout == 0 {
			l.Timeout = p.Defaults.Timeout
		}
		return l
	}
	return p.Defaults
}

func (p *DefaultPolicy) Admit(ctx context.Context, limits Limits) error {
	if p.Sampler == nil || (limits.CPU <= 0 && limits.Memory <= 0) {
		return nil
	}
	c, m, err := p.Sampler.Usage(ctx)
	if err != nil {
		// An unreadable sampler must not stall the workflow.
		if p.Logger != nil {
			p.Logger.Warn("resource sampling failed, admitting", zap.Error(err))
		}
		return nil
	}
	if limits.CPU > 0 && c > limits.CPU {
		return fmt.Errorf("%w: cpu %.1f%% over ceiling %.1f%%", ErrResourceLimit, c, limits.CPU)
	}
	if limits.Memory > 0 && m > limits.Memory {
		return fmt.Errorf("%w: memory %.1f%% over ceiling %.1f%%", ErrResourceLimit, m, limits.Memory)
	}
	return nil
}

// ValidateParams checks params against schema: required parameters must be
// present, values must match the declared JSON type and enum, and keys the
// schema does not declare are dropped. A schema without parameters accepts
// any map unchanged.
func ValidateParams(schema Schema, params map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	if len(schema.Params) == 0 {
		return params, nil
	}
	clean := make(map[string]interface{}, len(schema.Params))
	var problems []string
	for _, p := range schema.Params {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if !matchesType(p.Type, v) {
			problems = append(problems, fmt.Sprintf("parameter %q must be %s, got %T", p.Name, p.Type, v))
			continue
		}
		if len(p.Enum) > 0 && !inEnum(p.Enum, v) {
			problems = append(problems, fmt.Sprintf("parameter %q must be one of %s", p.Name, strings.Join(p.Enum, ", ")))
			continue
		}
		clean[p.Name] = v
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return clean, nil
}

func matchesType(typ string, v interface{}) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "object":
		switch v.(type) {
		case map[string]interface{}, map[string]string:
			return true
		}
		return false
	case "array":
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func inEnum(enum []string, v interface{}) bool {
	s := fmt.Sprint(v)
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}
