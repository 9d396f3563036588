package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/config"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/observability"
	"github.com/michaelbrown/kiln/internal/sandbox"
	"github.com/michaelbrown/kiln/internal/storage"
	"github.com/michaelbrown/kiln/internal/storage/sqlite"
)

type invokerFunc func(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error)

func (f invokerFunc) Invoke(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return f(ctx, cfg, name, args)
}

func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func testInvoker(ctx context.Context, _ catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error) {
	switch name {
	case "add":
		return mcp.NewToolResultText(fmt.Sprintf(`{"result": %v}`, number(args["a"])+number(args["b"]))), nil
	case "fail":
		return mcp.NewToolResultError("boom"), nil
	case "echo":
		return mcp.NewToolResultText(fmt.Sprint(args["text"])), nil
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(number(args["ms"])) * time.Millisecond):
			return mcp.NewToolResultText(`{"result": "done"}`), nil
		}
	}
	return nil, fmt.Errorf("unexpected tool %s", name)
}

type testEnv struct {
	srv     *Server
	store   storage.Store
	metrics *observability.MetricsCollector
}

func newTestServer(t *testing.T, withStore bool) *testEnv {
	t.Helper()
	math := catalog.ServerConfig{ID: "math"}
	text := catalog.ServerConfig{ID: "text"}
	cat := catalog.New(
		&catalog.Descriptor{Name: "add", Description: "Add two numbers", Server: math,
			Params: []catalog.Param{{Name: "a", Type: "number"}, {Name: "b", Type: "number"}}},
		&catalog.Descriptor{Name: "fail", Server: math},
		&catalog.Descriptor{Name: "slow", Server: math, Params: []catalog.Param{{Name: "ms", Type: "integer"}}},
		&catalog.Descriptor{Name: "echo", Server: text, Params: []catalog.Param{{Name: "text", Type: "string"}}},
	)
	metrics := observability.NewMetricsCollector()
	d := dispatch.New(cat, invokerFunc(testInvoker), dispatch.WithObserver(metrics))
	engine := sandbox.New(d, sandbox.WithObserver(metrics))

	env := &testEnv{metrics: metrics}
	if withStore {
		store, err := sqlite.Open(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { store.Close() })
		env.store = store
	}
	env.srv = New(config.ServerConfig{Port: 0, CORSOrigins: []string{"https://app.example"}}, Deps{
		Engine:     engine,
		Dispatcher: d,
		Store:      env.store,
		Metrics:    metrics,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestExecute(t *testing.T) {
	env := newTestServer(t, true)

	rec := env.do(t, http.MethodPost, "/api/execute", `{"program": "result = add(2, 3)\nprint('hi')"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["status"] != "success" || out["result"] != "5" {
		t.Fatalf("envelope = %v", out)
	}
	if out["output"] != "hi\n" {
		t.Errorf("output = %q", out["output"])
	}
	id, _ := out["id"].(string)
	if id == "" {
		t.Fatal("expected an id")
	}

	saved, err := env.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("execution not recorded: %v", err)
	}
	if saved.Payload != "5" || saved.Calls != 2 {
		t.Errorf("saved = %+v", saved)
	}
}

func TestExecuteErrorEnvelope(t *testing.T) {
	env := newTestServer(t, false)

	program := `result = add(add(add(1, 2), add(3, 4)), add(add(5, 6), 7))`
	rec := env.do(t, http.MethodPost, "/api/execute", fmt.Sprintf(`{"program": %q}`, program))
	out := decode(t, rec)
	if out["status"] != "error" {
		t.Fatalf("envelope = %v", out)
	}
	if msg, _ := out["error"].(string); !strings.HasPrefix(msg, "Too many functions") {
		t.Errorf("error = %q", msg)
	}
	if _, ok := out["result"]; ok {
		t.Error("error envelope should not carry result")
	}
}

func TestExecuteValidation(t *testing.T) {
	env := newTestServer(t, false)

	if rec := env.do(t, http.MethodPost, "/api/execute", `{"program": "  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty program status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/execute", `not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", rec.Code)
	}
}

func TestCall(t *testing.T) {
	env := newTestServer(t, false)

	tests := []struct {
		name   string
		body   string
		code   int
		result any
		errMsg string
	}{
		{name: "string form", body: `{"call": "add(1, 2)"}`, code: 200, result: 3.0},
		{name: "tool and args", body: `{"tool": "add", "args": [4, 5]}`, code: 200, result: 9.0},
		{name: "raw text reply", body: `{"tool": "echo", "args": ["hello"]}`, code: 200, result: "hello"},
		{name: "remote error", body: `{"call": "fail()"}`, code: 200, errMsg: "boom"},
		{name: "unknown tool", body: `{"call": "nope(1)"}`, code: 404},
		{name: "arity", body: `{"tool": "add", "args": [1]}`, code: 400},
		{name: "malformed", body: `{"call": "add(1, x)"}`, code: 400},
		{name: "empty", body: `{}`, code: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/call", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.code, rec.Body.String())
			}
			out := decode(t, rec)
			if tt.result != nil && out["result"] != tt.result {
				t.Errorf("result = %#v, want %#v", out["result"], tt.result)
			}
			if tt.errMsg != "" && out["error"] != tt.errMsg {
				t.Errorf("error = %#v, want %q", out["error"], tt.errMsg)
			}
			if tt.code != 200 && out["error"] == nil {
				t.Errorf("expected an error message, got %v", out)
			}
		})
	}
}

func TestListTools(t *testing.T) {
	env := newTestServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/tools?servers=text", "")
	var tools []catalog.Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &tools); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("tools = %+v", tools)
	}

	rec = env.do(t, http.MethodGet, "/api/tools/describe", "")
	body := rec.Body.String()
	if !strings.Contains(body, "- add(number, number)  # Add two numbers") {
		t.Errorf("describe output:\n%s", body)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestExecutionHistory(t *testing.T) {
	env := newTestServer(t, true)

	out := decode(t, env.do(t, http.MethodPost, "/api/execute", `{"program": "result = 1 / 0"}`))
	id := out["id"].(string)

	rec := env.do(t, http.MethodGet, "/api/executions?status=error", "")
	var execs []storage.Execution
	if err := json.Unmarshal(rec.Body.Bytes(), &execs); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != id || execs[0].Category != sandbox.CategoryEval {
		t.Fatalf("executions = %+v", execs)
	}

	rec = env.do(t, http.MethodGet, "/api/executions/"+id[:8], "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get by prefix status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/executions/"+id+"?format=markdown", "")
	if !strings.Contains(rec.Body.String(), "result = 1 / 0") {
		t.Errorf("markdown export:\n%s", rec.Body.String())
	}

	if rec := env.do(t, http.MethodDelete, "/api/executions/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/executions/"+id, ""); rec.Code != http.StatusNotFound {
		t.Errorf("after delete status = %d", rec.Code)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestServer(t, false)
	if rec := env.do(t, http.MethodGet, "/api/executions", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestServer(t, false)
	env.do(t, http.MethodPost, "/api/execute", `{"program": "result = add(1, 1)"}`)

	out := decode(t, env.do(t, http.MethodGet, "/healthz", ""))
	if out["status"] != "ok" || out["tools"] != 4.0 {
		t.Errorf("health = %v", out)
	}

	rec := env.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`kiln_executions_total{category="",status="success"} 1`,
		`kiln_tool_calls_total{outcome="ok",tool="add"} 1`,
		`route="/api/execute"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestCORS(t *testing.T) {
	env := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/execute", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketExecute(t *testing.T) {
	env := newTestServer(t, true)
	conn := dialWS(t, env)

	if err := conn.WriteJSON(map[string]string{"type": "execute", "program": "result = add(20, 22)"}); err != nil {
		t.Fatal(err)
	}

	started := readMsg(t, conn)
	if started["type"] != "started" || started["id"] == "" {
		t.Fatalf("first message = %v", started)
	}
	result := readMsg(t, conn)
	if result["type"] != "result" || result["status"] != "success" || result["result"] != "42" {
		t.Fatalf("result message = %v", result)
	}
	if result["id"] != started["id"] {
		t.Errorf("ids differ: %v vs %v", started["id"], result["id"])
	}
	for _, key := range []string{"execution_time", "total_time"} {
		if _, ok := result[key]; !ok {
			t.Errorf("result missing %s", key)
		}
	}
}

func TestWebSocketInvalidMessage(t *testing.T) {
	env := newTestServer(t, false)
	conn := dialWS(t, env)

	conn.WriteJSON(map[string]string{"type": "chat"})
	if msg := readMsg(t, conn); msg["type"] != "error" || msg["content"] != "invalid message" {
		t.Errorf("got %v", msg)
	}
}

func TestWebSocketCancel(t *testing.T) {
	env := newTestServer(t, false)
	conn := dialWS(t, env)

	conn.WriteJSON(map[string]string{"type": "execute", "id": "run-1", "program": "result = slow(10000)"})
	if msg := readMsg(t, conn); msg["type"] != "started" {
		t.Fatalf("got %v", msg)
	}

	rec := env.do(t, http.MethodGet, "/api/runs", "")
	var runs []ActiveRun
	json.Unmarshal(rec.Body.Bytes(), &runs)
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("runs = %+v", runs)
	}

	conn.WriteJSON(map[string]string{"type": "cancel", "id": "run-1"})
	msg := readMsg(t, conn)
	if msg["type"] != "result" || msg["status"] != "error" {
		t.Fatalf("got %v", msg)
	}
	if env.srv.Runs().Len() != 0 {
		t.Errorf("run still tracked after completion")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	env := newTestServer(t, false)
	if rec := env.do(t, http.MethodDelete, "/api/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}
