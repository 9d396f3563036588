package sandbox

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.starlark.net/starlark"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

// toolProxy stands for one catalog tool inside a program. Calling it
// yields a pending call that __await__ sends through the dispatcher.
type toolProxy struct {
	name string
}

var _ starlark.Callable = (*toolProxy)(nil)

func (p *toolProxy) Name() string          { return p.name }
func (p *toolProxy) String() string        { return fmt.Sprintf("<tool %s>", p.name) }
func (p *toolProxy) Type() string          { return "tool" }
func (p *toolProxy) Freeze()               {}
func (p *toolProxy) Truth() starlark.Bool  { return starlark.True }
func (p *toolProxy) Hash() (uint32, error) { return hashString(p.name), nil }

func (p *toolProxy) CallInternal(_ *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return newPendingCall(p.name, args, kwargs)
}

// pendingCall is a tool call that has not been sent yet.
type pendingCall struct {
	identifier string
	args       []any
}

func newPendingCall(identifier string, args starlark.Tuple, kwargs []starlark.Tuple) (*pendingCall, error) {
	call := &pendingCall{identifier: identifier, args: make([]any, 0, len(args)+len(kwargs))}
	for _, a := range args {
		v, err := modules.FromStarlark(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", identifier, err)
		}
		call.args = append(call.args, v)
	}
	// Named values from a **kwargs splat follow the positionals.
	for _, kv := range kwargs {
		v, err := modules.FromStarlark(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", identifier, err)
		}
		call.args = append(call.args, v)
	}
	return call, nil
}

func (c *pendingCall) String() string        { return fmt.Sprintf("<tool_call %s>", c.identifier) }
func (c *pendingCall) Type() string          { return "tool_call" }
func (c *pendingCall) Freeze()               {}
func (c *pendingCall) Truth() starlark.Bool  { return starlark.True }
func (c *pendingCall) Hash() (uint32, error) { return 0, errors.New("unhashable type: tool_call") }

// replyValue exposes a raw tool reply whose text was not structured data.
type replyValue struct {
	res *mcp.CallToolResult
}

var _ starlark.HasAttrs = (*replyValue)(nil)

func (r *replyValue) String() string {
	for _, c := range r.res.Content {
		if text, ok := dispatch.TextOf(c); ok {
			return text
		}
	}
	return "<tool_reply>"
}

func (r *replyValue) Type() string          { return "tool_reply" }
func (r *replyValue) Freeze()               {}
func (r *replyValue) Truth() starlark.Bool  { return !starlark.Bool(r.res.IsError) }
func (r *replyValue) Hash() (uint32, error) { return 0, errors.New("unhashable type: tool_reply") }

func (r *replyValue) AttrNames() []string {
	return []string{"content", "isError", "is_error", "text"}
}

func (r *replyValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "isError", "is_error":
		return starlark.Bool(r.res.IsError), nil
	case "content":
		var texts []starlark.Value
		for _, c := range r.res.Content {
			if text, ok := dispatch.TextOf(c); ok {
				texts = append(texts, starlark.String(text))
			}
		}
		return starlark.NewList(texts), nil
	case "text":
		return starlark.String(r.String()), nil
	}
	return nil, nil
}

// failed returns the reply's error message if it is flagged as an error.
func (r *replyValue) failed() (string, bool) {
	text, isErr := dispatch.ErrorText(r.res)
	if !isErr {
		return "", false
	}
	if msg := strings.TrimSpace(text); msg != "" {
		return msg, true
	}
	return r.String(), true
}

// toValue converts a dispatcher result into a Starlark value.
func toValue(v any) starlark.Value {
	if res, ok := v.(*mcp.CallToolResult); ok {
		return &replyValue{res: res}
	}
	sv, err := modules.ToStarlark(v)
	if err != nil {
		return starlark.String(fmt.Sprint(v))
	}
	return sv
}

// await sends a pending call and returns its value. Any other value is
// returned unchanged, so a program may shadow a tool name with its own
// function.
func (x *execution) await(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	call, ok := v.(*pendingCall)
	if !ok {
		return v, nil
	}
	res, err := x.tools.Dispatch(x.ctx, call.identifier, call.args...)
	if err != nil {
		return nil, err
	}
	return toValue(res), nil
}

// callTool builds a pending call from a name or a string-encoded call:
// call_tool("add", 1, 2) or call_tool("add(1, 2)").
func (x *execution) callTool(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing tool name", b.Name())
	}
	identifier, err := toolIdentifier(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return newPendingCall(identifier, args[1:], kwargs)
}

// parallel runs every call concurrently and returns their results in
// argument order. Each argument is a (tool, args...) tuple or a pending
// call. All calls run to completion; the failure of the lowest-numbered
// argument is returned.
func (x *execution) parallel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	calls := make([]*pendingCall, len(args))
	for i, arg := range args {
		call, err := asPendingCall(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", b.Name(), i+1, err)
		}
		calls[i] = call
	}

	results := make([]any, len(calls))
	errs := make([]error, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i], errs[i] = x.tools.Dispatch(x.ctx, call.identifier, call.args...)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	out := make([]starlark.Value, len(results))
	for i, v := range results {
		out[i] = toValue(v)
	}
	return starlark.NewList(out), nil
}

func asPendingCall(v starlark.Value) (*pendingCall, error) {
	switch x := v.(type) {
	case *pendingCall:
		return x, nil
	case starlark.Tuple:
		if len(x) == 0 {
			return nil, errors.New("empty call tuple")
		}
		identifier, err := toolIdentifier(x[0])
		if err != nil {
			return nil, err
		}
		return newPendingCall(identifier, x[1:], nil)
	case starlark.String, *toolProxy:
		identifier, err := toolIdentifier(x)
		if err != nil {
			return nil, err
		}
		return &pendingCall{identifier: identifier}, nil
	}
	return nil, fmt.Errorf("got %s, want (tool, args...) tuple", v.Type())
}

func toolIdentifier(v starlark.Value) (string, error) {
	switch x := v.(type) {
	case starlark.String:
		return string(x), nil
	case *toolProxy:
		return x.name, nil
	}
	return "", fmt.Errorf("got %s, want tool name", v.Type())
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
