package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nidhogg/stagehand/internal/events"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	platform string
	fail     bool
	mu       sync.Mutex
	sent     []*OutboundMessage
}

func (f *fakeAdapter) Platform() string              { return f.platform }
func (f *fakeAdapter) Connect(context.Context) error { return nil }
func (f *fakeAdapter) Close() error                  { return nil }
func (f *fakeAdapter) Status() AdapterStatus         { return AdapterStatus{Platform: f.platform} }
func (f *fakeAdapter) Send(_ context.Context, m *OutboundMessage) (string, error) {
	if f.fail {
		return "", errors.New("platform down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return fmt.Sprint(len(f.sent)), nil
}

func TestGatewayFiltersEventTypes(t *testing.T) {
	g := NewGateway(zap.NewNop())
	fa := &fakeAdapter{platform: "fake"}
	g.Register(fa)

	meta := map[string]interface{}{"run_id": "0123456789abcdef"}
	g.Emit(events.Event{Type: events.TypeRunStarted, Text: "Create a red box", Meta: meta})
	g.Emit(events.Event{Type: events.TypeResult, Text: "planning step: success", Meta: meta})
	g.Emit(events.Event{Type: events.TypeRunFinished, Text: "run finished in complete", Meta: meta})

	if len(fa.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(fa.sent))
	}
	if !strings.HasPrefix(fa.sent[0].Content, "[01234567]") || fa.sent[0].RunID != "0123456789abcdef" {
		t.Errorf("unexpected message %+v", fa.sent[0])
	}
	if h := g.History(0); len(h) != 2 || h[1].Targets[0] != "fake" {
		t.Errorf("history = %+v", h)
	}
}

func TestGatewayReportsAdapterFailure(t *testing.T) {
	g := NewGateway(zap.NewNop())
	g.Register(&fakeAdapter{platform: "down", fail: true})
	ok := &fakeAdapter{platform: "up"}
	g.Register(ok)

	if err := g.Notify(context.Background(), "r", "error", "boom"); err == nil {
		t.Fatal("expected error")
	}
	if len(ok.sent) != 1 {
		t.Error("healthy adapter skipped")
	}
	if got := g.Adapters(); len(got) != 2 || got[0] != "down" {
		t.Errorf("adapters = %v", got)
	}
}

func TestSlackAdapterThreadsPerRun(t *testing.T) {
	var mu sync.Mutex
	var posts []map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "auth.test"):
			w.Write([]byte(`{"ok":true,"user":"stagehand","team":"T1"}`))
		case strings.HasSuffix(r.URL.Path, "chat.postMessage"):
			r.ParseForm()
			mu.Lock()
			posts = append(posts, map[string]string{
				"channel":   r.Form.Get("channel"),
				"text":      r.Form.Get("text"),
				"thread_ts": r.Form.Get("thread_ts"),
			})
			n := len(posts)
			mu.Unlock()
			fmt.Fprintf(w, `{"ok":true,"channel":"C1","ts":"100.%d"}`, n)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	a := NewSlackAdapter("xoxb-test", "C1", zap.NewNop(), slack.OptionAPIURL(ts.URL+"/"))
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := a.Status(); !st.Connected || !strings.Contains(st.Details, "T1") {
		t.Errorf("status = %+v", st)
	}

	ctx := context.Background()
	first, err := a.Send(ctx, &OutboundMessage{RunID: "run-1", Content: "started"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Send(ctx, &OutboundMessage{RunID: "run-1", Content: "planning -> action"})
	a.Send(ctx, &OutboundMessage{RunID: "run-2", Content: "other run"})

	if len(posts) != 3 {
		t.Fatalf("posts = %d", len(posts))
	}
	if posts[0]["channel"] != "C1" || posts[0]["thread_ts"] != "" {
		t.Errorf("first post = %+v", posts[0])
	}
	if posts[1]["thread_ts"] != first {
		t.Errorf("second post thread = %q, want %q", posts[1]["thread_ts"], first)
	}
	if posts[2]["thread_ts"] != "" {
		t.Errorf("other run was threaded: %+v", posts[2])
	}
}

func TestDiscordSendRequiresConnect(t *testing.T) {
	a := NewDiscordAdapter("token", "chan", zap.NewNop())
	if _, err := a.Send(context.Background(), &OutboundMessage{Content: "x"}); err == nil {
		t.Fatal("expected error before connect")
	}
	if a.Status().Connected {
		t.Error("adapter reports connected")
	}
}

func TestFormat(t *testing.T) {
	e := events.Event{
		Type: events.TypeRunFinished,
		Text: "run failed in planning: boom",
		Meta: map[string]interface{}{"run_id": "abcdefgh-1", "error": "boom"},
	}
	if got := Format(e); got != "[abcdefgh] :x: run failed in planning: boom" {
		t.Errorf("format = %q", got)
	}
}
