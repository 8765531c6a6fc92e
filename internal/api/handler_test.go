package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nidhogg/stagehand/internal/document"
	"github.com/nidhogg/stagehand/internal/events"
	"github.com/nidhogg/stagehand/internal/gateway"
	"github.com/nidhogg/stagehand/internal/oracle"
	"github.com/nidhogg/stagehand/internal/orchestrator"
	"github.com/nidhogg/stagehand/internal/tool"
	"github.com/nidhogg/stagehand/internal/workflow"
	"go.uber.org/zap"
)

func redBoxScript() *oracle.Script {
	return oracle.NewScript(
		oracle.Rule{Match: "Current state: review", Replies: []string{`{"next_state":"complete","reason":"ok"}`}},
		oracle.Rule{Match: "task planning expert", Replies: []string{`{"steps":[{"action":"create a red box"}]}`}},
		oracle.Rule{Match: "task execution expert", Replies: []string{`{"tool":"createElement","parameters":{"tagName":"div","attributes":{"id":"red-box","style":"background: red"}}}`}},
		oracle.Rule{Match: "quality inspector", Replies: []string{`{"passed":true}`}},
	)
}

// newTestHandler creates a Handler wired with in-memory deps and a
// scripted oracle (no LLM, no Redis).
func newTestHandler(t *testing.T, o oracle.Oracle) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	tree := document.New(logger)
	reg := tool.NewRegistry()
	if err := document.RegisterTools(reg, tree); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	sched := tool.NewScheduler(reg, tool.NewDefaultPolicy(nil, tool.Limits{}, nil, logger), nil, tool.DefaultOptions(), logger)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	engine := &orchestrator.Engine{
		Oracle:   o,
		Tools:    sched,
		Surface:  tree,
		Workflow: workflow.Options{Decision: workflow.DecisionOracle},
		Loop:     orchestrator.LoopOptions{MaxIterations: 20, MaxStepFailures: 3},
		Logger:   logger,
	}
	runs := orchestrator.NewRuns(engine, 2, logger)
	t.Cleanup(func() { runs.Shutdown(context.Background()) })

	h := NewHandler(runs, reg, tree, gateway.NewGateway(logger), http.NotFoundHandler(), logger)
	h.poll = 10 * time.Millisecond
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitFinished(t *testing.T, ts *httptest.Server, id string) runSummary {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var sum runSummary
		decodeJSON(t, getJSON(t, ts, "/api/runs/"+id), &sum)
		if sum.Status.FinishedAt != nil {
			return sum
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return runSummary{}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t, redBoxScript())
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestListTools(t *testing.T) {
	_, router := newTestHandler(t, redBoxScript())
	ts := httptest.NewServer(router)
	defer ts.Close()

	var defs []tool.Definition
	decodeJSON(t, getJSON(t, ts, "/api/tools"), &defs)
	if len(defs) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(defs))
	}
	if defs[0].ID != "createElement" {
		t.Errorf("first tool = %q", defs[0].ID)
	}
}

func TestSubmitRunToCompletion(t *testing.T) {
	_, router := newTestHandler(t, redBoxScript())
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/runs", map[string]string{"goal": "Create a red box"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d", resp.StatusCode)
	}
	var created map[string]string
	decodeJSON(t, resp, &created)
	id := created["run_id"]
	if id == "" {
		t.Fatal("no run id")
	}

	sum := waitFinished(t, ts, id)
	if sum.Status.State != workflow.Complete {
		t.Errorf("state = %s", sum.Status.State)
	}

	var doc struct {
		HTML     string             `json:"html"`
		Elements []document.Element `json:"elements"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/document"), &doc)
	if len(doc.Elements) != 1 || doc.Elements[0].ID != "red-box" {
		t.Errorf("elements = %+v", doc.Elements)
	}
	if !strings.Contains(doc.HTML, `id="red-box"`) {
		t.Errorf("snapshot = %s", doc.HTML)
	}

	var evs []events.Event
	decodeJSON(t, getJSON(t, ts, "/api/runs/"+id+"/events"), &evs)
	if len(evs) == 0 || evs[len(evs)-1].Type != events.TypeRunFinished {
		t.Errorf("events = %+v", evs)
	}

	var list []runSummary
	decodeJSON(t, getJSON(t, ts, "/api/runs"), &list)
	if len(list) != 1 {
		t.Errorf("list = %d runs", len(list))
	}
}

func TestSubmitRunValidation(t *testing.T) {
	_, router := newTestHandler(t, redBoxScript())
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/runs", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty goal: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/runs/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/runs/nope/terminate", map[string]string{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("terminate unknown: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/document?selector=%5B%5B")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad selector: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTerminateRun(t *testing.T) {
	release := make(chan struct{})
	o := oracle.Func(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return `{"steps":[{"action":"wait"}]}`, nil
	})
	_, router := newTestHandler(t, o)
	ts := httptest.NewServer(router)
	defer ts.Close()

	var created map[string]string
	decodeJSON(t, postJSON(t, ts, "/api/runs", map[string]string{"goal": "slow"}), &created)
	id := created["run_id"]

	resp := postJSON(t, ts, "/api/runs/"+id+"/terminate", map[string]string{"reason": "enough"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	close(release)

	sum := waitFinished(t, ts, id)
	if sum.Status.State != workflow.Terminated {
		t.Errorf("state = %s", sum.Status.State)
	}
	last := sum.Status.History[len(sum.Status.History)-1]
	if last.Reason != "enough" {
		t.Errorf("termination reason = %q", last.Reason)
	}
}

func TestStreamRunOverWebsocket(t *testing.T) {
	_, router := newTestHandler(t, redBoxScript())
	ts := httptest.NewServer(router)
	defer ts.Close()

	var created map[string]string
	decodeJSON(t, postJSON(t, ts, "/api/runs", map[string]string{"goal": "Create a red box"}), &created)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/runs/" + created["run_id"] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []events.Event
	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		got = append(got, e)
	}
	if len(got) == 0 || got[0].Type != events.TypeRunStarted || got[len(got)-1].Type != events.TypeRunFinished {
		t.Fatalf("streamed events = %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("stream out of order at %d", i)
		}
	}
}
