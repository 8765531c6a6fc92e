package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/stagehand/internal/tool"
	"go.uber.org/zap"
)

// fakeServer speaks the SSE transport: GET /sse announces /rpc, and replies
// to POST /rpc arrive on the stream.
type fakeServer struct {
	mu     sync.Mutex
	frames chan string
	calls  []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{frames: make(chan string, 16)}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/sse":
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /rpc?session=1\n\n")
		flusher.Flush()
		for {
			select {
			case frame := <-f.frames:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	case "/rpc":
		var req struct {
			ID     int64                  `json:"id"`
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.calls = append(f.calls, req.Method)
		f.mu.Unlock()

		var result interface{}
		switch req.Method {
		case "tools/list":
			result = map[string]interface{}{"tools": []map[string]interface{}{{
				"name":        "fetch page",
				"description": "Fetch a URL",
				"inputSchema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"url": map[string]interface{}{"type": "string", "description": "Target"}},
					"required":   []string{"url"},
				},
			}}}
		case "tools/call":
			args, _ := req.Params["arguments"].(map[string]interface{})
			result = map[string]interface{}{"content": []map[string]string{{"type": "text", "text": "fetched " + fmt.Sprint(args["url"])}}}
		}
		b, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
		f.frames <- string(b)
		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func TestConnectRegistersAndCallsTools(t *testing.T) {
	srv := httptest.NewServer(newFakeServer())
	defer srv.Close()

	reg := tool.NewRegistry()
	clients := ConnectAll(context.Background(), reg, map[string]string{"web": srv.URL + "/sse"}, time.Second, zap.NewNop())
	if len(clients) != 1 {
		t.Fatalf("connected %d clients", len(clients))
	}
	defer clients[0].Close()

	tl, ok := reg.Get("web.fetch_page")
	if !ok {
		t.Fatal("remote tool not registered")
	}
	p, ok := tl.Schema().Param("url")
	if !ok || !p.Required || p.Type != "string" {
		t.Errorf("schema param = %+v", p)
	}

	out, err := tl.Execute(context.Background(), map[string]interface{}{"url": "http://example.com"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "fetched http://example.com" {
		t.Errorf("output = %v", out)
	}
}

func TestDirectReplyInPostBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: rpc\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID int64 `json:"id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"nope"}}`, req.ID)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient("direct", srv.URL+"/sse", zap.NewNop())
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected rpc error from tools/list")
	}
	c.Close()
}

func TestUnreachableServerIsSkipped(t *testing.T) {
	reg := tool.NewRegistry()
	clients := ConnectAll(context.Background(), reg, map[string]string{"down": "http://127.0.0.1:1/sse"}, 50*time.Millisecond, zap.NewNop())
	if len(clients) != 0 || len(reg.List()) != 0 {
		t.Errorf("unexpected registration: %d clients, %d tools", len(clients), len(reg.List()))
	}
}

func TestSchemaFromJSONEnum(t *testing.T) {
	s := SchemaFromJSON(map[string]interface{}{
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{"type": "string", "enum": []interface{}{"a", "b"}},
			"n":    map[string]interface{}{"type": "integer"},
		},
	})
	if len(s.Params) != 2 || s.Params[0].Name != "mode" || len(s.Params[0].Enum) != 2 {
		t.Errorf("schema = %+v", s)
	}
	if s.Params[1].Required {
		t.Error("n should be optional")
	}
}
