// Package sandbox runs candidate programs against a tool catalog inside a
// restricted Starlark environment with a deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.starlark.net/starlark"

	"github.com/michaelbrown/kiln/internal/dispatch"
	"github.com/michaelbrown/kiln/internal/sandbox/modules"
)

const sourceName = "program.star"

// ToolSet is the set of tools a program may call.
type ToolSet interface {
	Names() []string
	Dispatch(ctx context.Context, identifier string, args ...any) (any, error)
}

// Observer receives one measurement per execution.
type Observer interface {
	ObserveExecution(status, category string, elapsed time.Duration)
}

// Engine executes candidate programs. It is safe for concurrent use; every
// execution gets its own environment.
type Engine struct {
	tools    ToolSet
	policy   Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
	clock    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets execution limits.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithObserver records execution outcomes.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock sets the clock used for the envelope's timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// New returns an Engine calling tools. A nil ToolSet means no tools.
func New(tools ToolSet, opts ...Option) *Engine {
	if tools == nil {
		tools = noTools{}
	}
	e := &Engine{
		tools:  tools,
		policy: DefaultPolicy(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer(""),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's limits.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Execute runs program and always returns a Result.
func (e *Engine) Execute(ctx context.Context, program string) (res *Result) {
	start := e.clock()
	res = &Result{Started: start}

	ctx, span := e.tracer.Start(ctx, "sandbox.execute")
	defer func() {
		if r := recover(); r != nil {
			e.fail(res, internalFault(fmt.Errorf("panic: %v", r)))
		}
		res.Elapsed = e.clock().Sub(start)
		e.record(span, res)
	}()

	value, err := e.run(ctx, program, res)
	if err != nil {
		e.fail(res, err)
		return res
	}
	if rv, ok := value.(*replyValue); ok {
		if msg, failed := rv.failed(); failed {
			e.fail(res, remoteToolFault(msg))
			return res
		}
	}
	res.Status = StatusSuccess
	res.Payload = modules.Str(value)
	return res
}

// run takes the program from source to value. Returned errors are Faults.
func (e *Engine) run(ctx context.Context, program string, res *Result) (starlark.Value, error) {
	f, err := modules.ParseOptions.Parse(sourceName, dedent(program), 0)
	if err != nil {
		return nil, compileFault(err)
	}

	res.Calls = CountCalls(f)
	if res.Calls > e.policy.MaxCalls {
		return nil, tooComplex(res.Calls, e.policy.MaxCalls)
	}

	x := &execution{tools: e.tools, policy: e.policy}
	names := e.tools.Names()
	predeclared := x.predeclared(names)

	awaitable := make(map[string]bool, len(names)+1)
	for _, name := range names {
		if _, ok := predeclared[name].(*toolProxy); ok {
			awaitable[name] = true
		}
	}
	awaitable[callToolBuiltin] = true

	prog, err := starlark.FileProgram(rewrite(f, awaitable), predeclared.Has)
	if err != nil {
		return nil, compileFault(err)
	}

	deadline := e.policy.Deadline(res.Calls)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	x.ctx = ctx

	value, err := e.runDeadline(ctx, x, prog, predeclared)
	res.Output = x.out.String()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, timedOut(deadline)
	case errors.Is(err, context.Canceled):
		return nil, internalFault(err)
	case err != nil:
		return nil, err
	}

	if value == starlark.None && x.answer != nil {
		value = x.answer
	}
	return value, nil
}

type outcome struct {
	value starlark.Value
	err   error
}

// runDeadline runs the program on its own goroutine. When ctx ends first
// the thread is cancelled and the goroutine is left to unwind; module
// resources are released when it does.
func (e *Engine) runDeadline(ctx context.Context, x *execution, prog *starlark.Program, predeclared starlark.StringDict) (starlark.Value, error) {
	thread := x.newThread("kiln-exec")
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: internalFault(fmt.Errorf("panic: %v", r))}
			}
			if err := modules.Release(thread); err != nil {
				e.logger.Warn("releasing execution resources failed", slog.String("error", err.Error()))
			}
		}()

		globals, err := prog.Init(thread, predeclared)
		if err != nil {
			done <- outcome{err: runFault(err)}
			return
		}
		fn, ok := globals[mainFunc]
		if !ok {
			done <- outcome{err: internalFault(errors.New("compiled program has no entry point"))}
			return
		}
		v, err := starlark.Call(thread, fn, nil, nil)
		if err != nil {
			done <- outcome{err: runFault(err)}
			return
		}
		done <- outcome{value: v}
	}()

	select {
	case o := <-done:
		// A call failing because the deadline passed counts as a timeout.
		if o.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return o.value, o.err
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		return nil, ctx.Err()
	}
}

func (e *Engine) fail(res *Result, err error) {
	res.Status = StatusError
	res.Err = err
	res.Payload = err.Error()
}

func (e *Engine) record(span trace.Span, res *Result) {
	defer span.End()
	category := res.Category()
	span.SetAttributes(
		attribute.String("execution.status", string(res.Status)),
		attribute.Int("execution.calls", res.Calls),
	)
	attrs := []any{
		slog.String("status", string(res.Status)),
		slog.Int("calls", res.Calls),
		slog.String("total_time", res.TotalTime()),
	}
	if res.OK() {
		e.logger.Info("execution completed", attrs...)
	} else {
		span.SetStatus(codes.Error, category)
		e.logger.Info("execution failed", append(attrs, slog.String("category", category))...)
	}
	if e.observer != nil {
		e.observer.ObserveExecution(string(res.Status), category, res.Elapsed)
	}
}

// dedent removes blank leading lines and the whitespace prefix shared by
// every non-blank line.
func dedent(src string) string {
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\n") + "\n"
}

// noTools is the ToolSet of an engine without a catalog.
type noTools struct{}

func (noTools) Names() []string { return nil }

func (noTools) Dispatch(_ context.Context, identifier string, _ ...any) (any, error) {
	name := identifier
	if parsed, _, err := dispatch.ParseCall(identifier); err == nil {
		name = parsed
	}
	return nil, &dispatch.Error{
		Tool: name,
		Msg:  fmt.Sprintf("tool %q not found", name),
		Err:  dispatch.ErrToolNotFound,
	}
}
