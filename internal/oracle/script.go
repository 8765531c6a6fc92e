package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Rule answers prompts containing Match with Replies in order. The last
// reply repeats once the others are used up.
type Rule struct {
	Match   string   `json:"match" yaml:"match"`
	Replies []string `json:"replies" yaml:"replies"`
}

// Script is an offline Oracle that replays canned replies. It backs
// `stagehand run --replay` and the engine tests.
type Script struct {
	mu    sync.Mutex
	rules []Rule
	used  []int
	calls []Call
}

// Call records one prompt sent to a Script.
type Call struct {
	System string
	User   string
	Reply  string
}

// NewScript builds a Script from rules; earlier rules win.
func NewScript(rules ...Rule) *Script {
	return &Script{rules: rules, used: make([]int, len(rules))}
}

// LoadScript reads a list of rules from a JSON file, or from YAML when
// the file ends in .yaml or .yml.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	var rules []Rule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &rules)
	default:
		err = json.Unmarshal(data, &rules)
	}
	if err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return NewScript(rules...), nil
}

// Send implements Oracle.
func (s *Script) Send(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if !strings.Contains(systemPrompt, r.Match) && !strings.Contains(userPrompt, r.Match) {
			continue
		}
		if len(r.Replies) == 0 {
			continue
		}
		idx := s.used[i]
		if idx >= len(r.Replies) {
			idx = len(r.Replies) - 1
		}
		s.used[i]++
		reply := Clean(r.Replies[idx])
		s.calls = append(s.calls, Call{System: systemPrompt, User: userPrompt, Reply: reply})
		return reply, nil
	}
	return "", fmt.Errorf("script: no rule matches prompt")
}

// Calls returns the prompts answered so far.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}
