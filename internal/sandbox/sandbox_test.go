package sandbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/kiln/internal/catalog"
	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/sandbox"
)

type handler func(ctx context.Context, args []any) (any, error)

// fakeTools is a ToolSet backed by Go functions.
type fakeTools struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
}

func newFakeTools() *fakeTools {
	return &fakeTools{handlers: map[string]handler{}}
}

func (f *fakeTools) add(name string, h handler) *fakeTools {
	f.handlers[name] = h
	return f
}

func (f *fakeTools) Names() []string {
	names := make([]string, 0, len(f.handlers))
	for name := range f.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeTools) Dispatch(ctx context.Context, identifier string, args ...any) (any, error) {
	name := identifier
	if len(args) == 0 && strings.Contains(identifier, "(") {
		var err error
		if name, args, err = dispatch.ParseCall(identifier); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	h, ok := f.handlers[name]
	if !ok {
		return nil, &dispatch.Error{Tool: name, Msg: fmt.Sprintf("tool %q not found", name), Err: dispatch.ErrToolNotFound}
	}
	return h(ctx, args)
}

func (f *fakeTools) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func echo(_ context.Context, args []any) (any, error) {
	return args, nil
}

func sleeper(d time.Duration) handler {
	return func(ctx context.Context, args []any) (any, error) {
		select {
		case <-time.After(d):
			return args, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func sum(_ context.Context, args []any) (any, error) {
	total := int64(0)
	for _, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, fmt.Errorf("not an int: %v", a)
		}
		total += n
	}
	return json.Number(fmt.Sprint(total)), nil
}

func fastPolicy() sandbox.Policy {
	p := sandbox.DefaultPolicy()
	p.MinTimeout = 300 * time.Millisecond
	p.PerCallTimeout = 300 * time.Millisecond
	return p
}

func TestResultCapture(t *testing.T) {
	e := sandbox.New(nil)
	res := e.Execute(context.Background(), "result = 2 + 2")

	require.Equal(t, sandbox.StatusSuccess, res.Status, res.Payload)
	assert.Equal(t, "4", res.Payload)
	assert.Less(t, res.Elapsed, e.Policy().MinTimeout)
}

func TestComplexityGate(t *testing.T) {
	tools := newFakeTools().add("echo", echo)
	e := sandbox.New(tools)

	res := e.Execute(context.Background(), `
a = echo(1)
b = echo(2)
c = echo(3)
d = echo(4)
f = echo(5)
result = echo(6)
`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "Too many functions (6 > 5)", res.Payload)
	assert.ErrorIs(t, res.Err, sandbox.ErrTooComplex)
	assert.Less(t, res.Elapsed, 100*time.Millisecond)
	assert.Empty(t, tools.called())
}

func TestUnknownToolNamesTheTool(t *testing.T) {
	e := sandbox.New(newFakeTools().add("echo", echo))

	res := e.Execute(context.Background(), "result = frobnicate(1)")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Contains(t, res.Payload, "frobnicate")

	res = e.Execute(context.Background(), `result = call_tool("frobnicate(1)")`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, `DispatchError: tool "frobnicate" not found`, res.Payload)
	assert.ErrorIs(t, res.Err, dispatch.ErrToolNotFound)
	assert.Equal(t, sandbox.CategoryDispatch, res.Category())
}

func TestToolCallsAreAwaited(t *testing.T) {
	e := sandbox.New(newFakeTools().add("sum", sum))

	res := e.Execute(context.Background(), "result = sum(3, 4) * 2")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "14", res.Payload)

	res = e.Execute(context.Background(), `result = call_tool("sum(3, 4)")`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "7", res.Payload)

	res = e.Execute(context.Background(), `result = call_tool("sum", 3, 4)`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "7", res.Payload)
}

func TestKeywordArgumentsBecomePositional(t *testing.T) {
	e := sandbox.New(newFakeTools().add("echo", echo))

	res := e.Execute(context.Background(), `result = echo("go", limit=5, lang="en")`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, `["go", 5, "en"]`, res.Payload)
}

func TestShadowedToolName(t *testing.T) {
	e := sandbox.New(newFakeTools().add("sum", sum))

	res := e.Execute(context.Background(), `
def sum(a, b):
    return a - b
result = sum(5, 3)
`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "2", res.Payload)
}

func TestParallelRunsConcurrently(t *testing.T) {
	const latency = 200 * time.Millisecond
	tools := newFakeTools().add("t1", sleeper(latency)).add("t2", sleeper(latency))
	e := sandbox.New(tools, sandbox.WithPolicy(sandbox.DefaultPolicy()))

	start := time.Now()
	res := e.Execute(context.Background(), `result = parallel(("t1", 1), ("t2", 2))`)
	elapsed := time.Since(start)

	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "[[1], [2]]", res.Payload)
	assert.Less(t, elapsed, 2*latency-50*time.Millisecond)
	assert.ElementsMatch(t, []string{"t1", "t2"}, tools.called())
}

func TestParallelAcceptsProxiesAndPendingCalls(t *testing.T) {
	e := sandbox.New(newFakeTools().add("sum", sum))

	res := e.Execute(context.Background(), `result = parallel(sum(1, 2), (sum, 3, 4), "sum(5, 6)")`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "[3, 7, 11]", res.Payload)
}

func TestParallelWaitsForSiblingsAfterFault(t *testing.T) {
	var finished atomic.Bool
	tools := newFakeTools().
		add("bad", func(context.Context, []any) (any, error) {
			return nil, &dispatch.Error{Tool: "bad", Msg: "bad exploded", Err: dispatch.ErrTransport}
		}).
		add("slow", func(ctx context.Context, args []any) (any, error) {
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return args, nil
		})
	e := sandbox.New(tools)

	res := e.Execute(context.Background(), `result = parallel(("bad",), ("slow", 1))`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "DispatchError: bad exploded", res.Payload)
	assert.True(t, finished.Load(), "sibling call was not waited for")
}

func TestParallelReportsFaultInArgumentOrder(t *testing.T) {
	failAfter := func(d time.Duration, name string) handler {
		return func(context.Context, []any) (any, error) {
			time.Sleep(d)
			return nil, &dispatch.Error{Tool: name, Msg: name + " failed", Err: dispatch.ErrTransport}
		}
	}
	tools := newFakeTools().
		add("slowbad", failAfter(100*time.Millisecond, "slowbad")).
		add("fastbad", failAfter(0, "fastbad"))
	e := sandbox.New(tools)

	res := e.Execute(context.Background(), `result = parallel(("slowbad",), ("fastbad",))`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "DispatchError: slowbad failed", res.Payload)
}

func TestWhileLoop(t *testing.T) {
	e := sandbox.New(newFakeTools().add("sum", sum))

	res := e.Execute(context.Background(), "i = 0\nwhile i < 3:\n    i = sum(i, 1)\nresult = i\n")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "3", res.Payload)
	assert.Equal(t, 1, res.Calls)
}

func TestWhileLoopCountsTowardComplexity(t *testing.T) {
	tools := newFakeTools().add("echo", echo)
	e := sandbox.New(tools)

	res := e.Execute(context.Background(), "while echo(1):\n    echo(2)\n    echo(3)\n    echo(4)\n    echo(5)\n    echo(6)\n")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "Too many functions (6 > 5)", res.Payload)
	assert.Empty(t, tools.called())
}

func TestDeadline(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		wantOK  bool
	}{
		{"just under", 50 * time.Millisecond, true},
		{"over", 2 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := sandbox.New(newFakeTools().add("slow", sleeper(tt.latency)), sandbox.WithPolicy(fastPolicy()))
			res := e.Execute(context.Background(), "result = slow(1)")
			if tt.wantOK {
				require.True(t, res.OK(), res.Payload)
				assert.Equal(t, "[1]", res.Payload)
				return
			}
			require.Equal(t, sandbox.StatusError, res.Status)
			assert.Equal(t, "Execution timed out after 0.3 seconds", res.Payload)
			assert.ErrorIs(t, res.Err, sandbox.ErrTimeout)
			assert.Less(t, res.Elapsed, time.Second)
		})
	}
}

func TestDeadlineStopsPureComputation(t *testing.T) {
	e := sandbox.New(nil, sandbox.WithPolicy(fastPolicy()))
	res := e.Execute(context.Background(), "while True:\n    pass\n")

	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Contains(t, res.Payload, "timed out")
}

func TestDeadlineScalesWithCalls(t *testing.T) {
	p := sandbox.DefaultPolicy()
	assert.Equal(t, 3*time.Second, p.Deadline(0))
	assert.Equal(t, 1000*time.Second, p.Deadline(2))
}

func TestFinalAnswerAndNone(t *testing.T) {
	e := sandbox.New(nil)

	res := e.Execute(context.Background(), `final_answer("done")`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "done", res.Payload)

	res = e.Execute(context.Background(), "x = 1")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "None", res.Payload)

	res = e.Execute(context.Background(), "final_answer(1)\nreturn 2")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "2", res.Payload)
}

func TestFinalAnswerFirstCallWins(t *testing.T) {
	res := sandbox.New(nil).Execute(context.Background(), "final_answer(\"first\")\nfinal_answer(\"second\")\n")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "first", res.Payload)
}

func TestCompileError(t *testing.T) {
	tools := newFakeTools().add("echo", echo)
	e := sandbox.New(tools)

	res := e.Execute(context.Background(), "result = (echo(1)")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.True(t, strings.HasPrefix(res.Payload, "CompileError: "), res.Payload)
	assert.ErrorIs(t, res.Err, sandbox.ErrCompile)
	assert.Empty(t, tools.called())
}

func TestEvalError(t *testing.T) {
	res := sandbox.New(nil).Execute(context.Background(), `fail("boom")`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "EvalError: fail: boom", res.Payload)
}

func TestModuleAllowList(t *testing.T) {
	p := sandbox.DefaultPolicy()
	p.Modules = []string{"math"}
	e := sandbox.New(nil, sandbox.WithPolicy(p))

	res := e.Execute(context.Background(), "result = math.sqrt(16)")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "4.0", res.Payload)

	res = e.Execute(context.Background(), `load("math", "floor")
result = floor(2.5)`)
	require.True(t, res.OK(), res.Payload)

	res = e.Execute(context.Background(), `load("json", "dumps")`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Contains(t, res.Payload, "not available")

	res = e.Execute(context.Background(), `result = __import__("os")`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Contains(t, res.Payload, `module "os" is not available`)

	res = e.Execute(context.Background(), `result = json.dumps(1)`)
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.ErrorIs(t, res.Err, sandbox.ErrCompile)
}

func TestBuiltinsAndOutput(t *testing.T) {
	res := sandbox.New(nil).Execute(context.Background(), `
print("working")
result = [sum([1, 2, 3]), round(2.5), pow(2, 10), divmod(7, 2)]
`)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "[6, 2, 1024, (3, 1)]", res.Payload)
	assert.Equal(t, "working\n", res.Output)
}

func TestIndentedProgram(t *testing.T) {
	res := sandbox.New(nil).Execute(context.Background(), `
        total = 0
        for i in range(4):
            total += i
        result = total
    `)
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "6", res.Payload)
}

func TestEnvelope(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	ticks := []time.Time{start, start.Add(1500 * time.Millisecond)}
	clock := func() time.Time {
		now := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return now
	}
	res := sandbox.New(nil, sandbox.WithClock(clock)).Execute(context.Background(), "result = 'hi'")

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","result":"hi","execution_time":"2026-01-02 03:04:05","total_time":"1.500"}`, string(data))

	failed := &sandbox.Result{Status: sandbox.StatusError, Payload: "nope", Started: start}
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"error","error":"nope","execution_time":"2026-01-02 03:04:05","total_time":"0.000"}`, string(data))
}

type recordingObserver struct {
	statuses []string
}

func (o *recordingObserver) ObserveExecution(status, _ string, _ time.Duration) {
	o.statuses = append(o.statuses, status)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	e := sandbox.New(nil, sandbox.WithObserver(obs))
	e.Execute(context.Background(), "result = 1")
	e.Execute(context.Background(), "result = (")
	assert.Equal(t, []string{"success", "error"}, obs.statuses)
}

// invokerFunc adapts a function to dispatch.Invoker.
type invokerFunc func(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error)

func (f invokerFunc) Invoke(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return f(ctx, cfg, name, args)
}

func TestRemoteToolError(t *testing.T) {
	cat := catalog.New(&catalog.Descriptor{
		Name:   "divide",
		Params: []catalog.Param{{Name: "a", Type: "number"}, {Name: "b", Type: "number"}},
		Server: catalog.ServerConfig{ID: "math"},
	})
	d := dispatch.New(cat, invokerFunc(func(_ context.Context, _ catalog.ServerConfig, _ string, args map[string]any) (*mcp.CallToolResult, error) {
		if b, _ := args["b"].(int64); b == 0 {
			return mcp.NewToolResultError("  division by zero\n"), nil
		}
		return mcp.NewToolResultText(`{"result": 2}`), nil
	}))
	e := sandbox.New(d)

	res := e.Execute(context.Background(), "result = divide(4, 0)")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "division by zero", res.Payload)
	assert.ErrorIs(t, res.Err, sandbox.ErrRemoteTool)

	res = e.Execute(context.Background(), "r = divide(4, 0)\nresult = r.is_error")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "True", res.Payload)

	res = e.Execute(context.Background(), "result = divide(4, 2)")
	require.True(t, res.OK(), res.Payload)
	assert.Equal(t, "2", res.Payload)

	res = e.Execute(context.Background(), "result = divide(4)")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.Equal(t, "DispatchError: divide expects 2 args, got 1", res.Payload)
	assert.True(t, errors.Is(res.Err, dispatch.ErrArgCount))
}

func TestBrokenSchemaIsDispatchError(t *testing.T) {
	cat := catalog.New(&catalog.Descriptor{
		Name:   "add",
		Params: []catalog.Param{{Name: "a", Type: "integer"}},
		Schema: json.RawMessage(`{"type": "object",`),
		Server: catalog.ServerConfig{ID: "math"},
	})
	invoked := false
	d := dispatch.New(cat, invokerFunc(func(context.Context, catalog.ServerConfig, string, map[string]any) (*mcp.CallToolResult, error) {
		invoked = true
		return mcp.NewToolResultText(`{"result": 1}`), nil
	}), dispatch.WithValidation(dispatch.NewValidator()))

	res := sandbox.New(d).Execute(context.Background(), "result = add(1)")
	require.Equal(t, sandbox.StatusError, res.Status)
	assert.True(t, strings.HasPrefix(res.Payload, "DispatchError: add: loading schema"), res.Payload)
	assert.ErrorIs(t, res.Err, sandbox.ErrDispatch)
	assert.ErrorIs(t, res.Err, dispatch.ErrInvalidArguments)
	assert.False(t, invoked)
}
