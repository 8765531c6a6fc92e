package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nidhogg/stagehand/internal/provider"
	"go.uber.org/zap"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  hello ", "hello"},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"think block", "<think>hmm</think>\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecodeJSONWithProse(t *testing.T) {
	var v struct {
		NextState string `json:"next_state"`
	}
	if err := DecodeJSON(`Sure! {"next_state":"complete"} hope that helps`, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.NextState != "complete" {
		t.Errorf("next_state = %q", v.NextState)
	}
	if err := DecodeJSON("not json at all", &v); err == nil {
		t.Error("expected error for plain text")
	}
}

func TestClientSend(t *testing.T) {
	var got provider.ChatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("{\"choices\":[{\"message\":{\"content\":\"```json\\n{\\\"ok\\\":true}\\n```\"}}]}"))
	}))
	defer ts.Close()

	router := provider.NewRouter(zap.NewNop())
	router.Register(provider.NewOpenAIProvider(provider.ProviderConfig{ID: "t", Endpoint: ts.URL}, zap.NewNop()))
	c := NewClient(router, "oracle", ModelConfig{Model: "m", Temperature: 0.7}, zap.NewNop())

	text, err := c.Send(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if text != `{"ok":true}` {
		t.Errorf("text = %q", text)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if !strings.HasSuffix(got.Messages[1].Content, "/no_think") {
		t.Errorf("user prompt missing no_think marker: %q", got.Messages[1].Content)
	}
	if got.MaxTokens != 4096 {
		t.Errorf("max tokens = %d", got.MaxTokens)
	}
}

func TestScriptRepeatsLastReply(t *testing.T) {
	s := NewScript(Rule{Match: "plan", Replies: []string{"one", "two"}})
	ctx := context.Background()
	for _, want := range []string{"one", "two", "two"} {
		got, err := s.Send(ctx, "you plan things", "goal")
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, err := s.Send(ctx, "review", "x"); err == nil {
		t.Error("expected no-match error")
	}
	if n := len(s.Calls()); n != 3 {
		t.Errorf("calls = %d", n)
	}
}

func TestLoadScriptFormats(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "replay.json")
	yamlPath := filepath.Join(dir, "replay.yaml")
	os.WriteFile(jsonPath, []byte(`[{"match":"planning","replies":["{\"steps\":[]}"]}]`), 0o600)
	os.WriteFile(yamlPath, []byte("- match: planning\n  replies:\n    - '{\"steps\":[]}'\n    - second\n"), 0o600)

	for _, path := range []string{jsonPath, yamlPath} {
		s, err := LoadScript(path)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}
		got, err := s.Send(context.Background(), "task planning expert", "goal")
		if err != nil || got != `{"steps":[]}` {
			t.Errorf("%s: reply %q err %v", path, got, err)
		}
	}

	bad := filepath.Join(dir, "bad.yml")
	os.WriteFile(bad, []byte("match: [unclosed"), 0o600)
	if _, err := LoadScript(bad); err == nil {
		t.Error("expected parse error")
	}
}
