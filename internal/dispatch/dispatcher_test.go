package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/session"
)

// mathServer hosts a flat "add" and a nested "concat" that wraps its
// parameters under "input".
func mathServer() *server.MCPServer {
	s := server.NewMCPServer("dispatch-test", "0.1.0")
	s.AddTool(mcp.NewToolWithRawSchema("add", "Add two integers",
		json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`)),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			a, _ := args["a"].(float64)
			b, _ := args["b"].(float64)
			return mcp.NewToolResultText(`{"result": ` + strconv.Itoa(int(a+b)) + `}`), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("concat", "Join two strings",
		json.RawMessage(`{
			"type":"object",
			"properties":{"input":{"$ref":"#/$defs/ConcatInput"}},
			"$defs":{"ConcatInput":{"type":"object","properties":{"second":{"type":"string"},"first":{"type":"string"}}}}
		}`)),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			in, _ := req.GetArguments()["input"].(map[string]any)
			second, _ := in["second"].(string)
			first, _ := in["first"].(string)
			return mcp.NewToolResultText(`{"joined": "` + second + first + `"}`), nil
		})
	s.AddTool(mcp.NewToolWithRawSchema("fail", "Always fails",
		json.RawMessage(`{"type":"object","properties":{}}`)),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("boom"), nil
		})
	return s
}

func inProcessLauncher(s *server.MCPServer) *session.Launcher {
	return session.NewLauncher(session.Options{
		Transport: func(catalog.ServerConfig) (transport.Interface, error) {
			return transport.NewInProcessTransport(s), nil
		},
	}, nil)
}

func newDispatcher(t *testing.T, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	launcher := inProcessLauncher(mathServer())
	cat := catalog.Build(context.Background(),
		[]catalog.ServerConfig{{ID: "math", Enabled: true}}, launcher)
	require.Equal(t, 3, cat.Len())
	return dispatch.New(cat, launcher, opts...)
}

func TestStringFormMatchesPositional(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	positional, err := d.Dispatch(ctx, "add", 3, 4)
	require.NoError(t, err)
	str, err := d.Dispatch(ctx, "add(3, 4)")
	require.NoError(t, err)

	assert.Equal(t, json.Number("7"), positional)
	assert.Equal(t, positional, str)
}

func TestNestedSchemaBindsInDeclaredOrder(t *testing.T) {
	d := newDispatcher(t)
	got, err := d.Call(context.Background(), "concat", "A", "B")
	require.NoError(t, err)
	// second="A", first="B", server returns second+first.
	assert.Equal(t, "AB", got)
}

func TestBindNestedMatchesFlat(t *testing.T) {
	params := []catalog.Param{{Name: "query"}, {Name: "limit"}}
	flat := &catalog.Descriptor{Name: "search", Params: params}
	nested := &catalog.Descriptor{Name: "search", Params: params, Wrapper: catalog.InputWrapper}

	fp, err := dispatch.Bind(flat, []any{"go", 5})
	require.NoError(t, err)
	np, err := dispatch.Bind(nested, []any{"go", 5})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"query": "go", "limit": 5}, fp)
	assert.Equal(t, map[string]any{"input": fp}, np)
}

func TestUnknownToolNamesTool(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Call(context.Background(), "divide", 1, 2)
	require.ErrorIs(t, err, dispatch.ErrToolNotFound)
	assert.Contains(t, err.Error(), "divide")
}

func TestArgCountMismatch(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Call(context.Background(), "add", 1, 2, 3)
	require.ErrorIs(t, err, dispatch.ErrArgCount)
	assert.Equal(t, "add expects 2 args, got 3", err.Error())
}

func TestRemoteErrorReturnsRawReply(t *testing.T) {
	d := newDispatcher(t)
	got, err := d.Call(context.Background(), "fail")
	require.NoError(t, err)

	res, ok := got.(*mcp.CallToolResult)
	require.True(t, ok)
	msg, isErr := dispatch.ErrorText(res)
	assert.True(t, isErr)
	assert.Equal(t, "boom", msg)
}

func TestMalformedStringCall(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.CallString(context.Background(), "add(add(1, 2), 3)")
	assert.ErrorIs(t, err, dispatch.ErrMalformedCall)
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingInvoker) Invoke(context.Context, catalog.ServerConfig, string, map[string]any) (*mcp.CallToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return mcp.NewToolResultText(`{"result": 1}`), nil
}

func addCatalog() *catalog.Catalog {
	return catalog.New(&catalog.Descriptor{
		Name:   "add",
		Params: []catalog.Param{{Name: "a", Type: "integer"}, {Name: "b", Type: "integer"}},
		Schema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`),
		Server: catalog.ServerConfig{ID: "math"},
	})
}

func TestValidationRejectsBeforeInvoke(t *testing.T) {
	inv := &recordingInvoker{}
	d := dispatch.New(addCatalog(), inv, dispatch.WithValidation(dispatch.NewValidator()))

	_, err := d.Call(context.Background(), "add", "one", 2)
	require.ErrorIs(t, err, dispatch.ErrInvalidArguments)
	assert.Equal(t, 0, inv.calls)

	got, err := d.Call(context.Background(), "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), got)
	assert.Equal(t, 1, inv.calls)
}

func TestBrokenSchemaFailsAsDispatchError(t *testing.T) {
	inv := &recordingInvoker{}
	cat := catalog.New(&catalog.Descriptor{
		Name:   "add",
		Params: []catalog.Param{{Name: "a", Type: "integer"}},
		Schema: json.RawMessage(`{"type": "object",`),
		Server: catalog.ServerConfig{ID: "math"},
	})
	d := dispatch.New(cat, inv, dispatch.WithValidation(dispatch.NewValidator()))

	_, err := d.Call(context.Background(), "add", 1)
	require.ErrorIs(t, err, dispatch.ErrInvalidArguments)
	var de *dispatch.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "add", de.Tool)
	assert.Contains(t, de.Msg, "loading schema")
	assert.Equal(t, 0, inv.calls)
}

func TestArgCountCheckedBeforeInvoke(t *testing.T) {
	inv := &recordingInvoker{}
	d := dispatch.New(addCatalog(), inv)
	_, err := d.Call(context.Background(), "add", 1)
	require.ErrorIs(t, err, dispatch.ErrArgCount)
	assert.Equal(t, 0, inv.calls)
}

func TestTransportFailure(t *testing.T) {
	inv := &recordingInvoker{err: errors.New("starting server math: exec: not found")}
	d := dispatch.New(addCatalog(), inv)
	_, err := d.Call(context.Background(), "add", 1, 2)
	require.ErrorIs(t, err, dispatch.ErrTransport)
	assert.Contains(t, err.Error(), "add")
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (c *countingObserver) ObserveToolCall(_ string, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func TestObserverSeesOutcomes(t *testing.T) {
	obs := &countingObserver{}
	d := dispatch.New(addCatalog(), &recordingInvoker{}, dispatch.WithObserver(obs))
	_, _ = d.Call(context.Background(), "add", 1, 2)
	_, _ = d.Call(context.Background(), "missing")
	assert.Equal(t, []string{"ok", "dispatch_error"}, obs.outcomes)
}
