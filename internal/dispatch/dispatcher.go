// Package dispatch resolves tool calls against a catalog, binds their
// arguments, runs them over a fresh server session and normalizes replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michaelbrown/kiln/internal/catalog"
)

// Invoker performs one tool call against a server. Implementations must
// not reuse a connection between calls.
type Invoker interface {
	Invoke(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Observer receives one measurement per completed dispatch.
type Observer interface {
	ObserveToolCall(tool, outcome string, elapsed time.Duration)
}

// Dispatcher routes calls to the server owning each tool. It is safe for
// concurrent use.
type Dispatcher struct {
	catalog     *catalog.Catalog
	invoker     Invoker
	validator   *Validator
	observer    Observer
	logger      *slog.Logger
	tracer      trace.Tracer
	callTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithValidation enables JSON-schema validation of bound payloads.
func WithValidation(v *Validator) Option {
	return func(d *Dispatcher) { d.validator = v }
}

// WithObserver records call outcomes, e.g. into metrics.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithCallTimeout bounds each remote call. Zero leaves only the caller's deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.callTimeout = timeout }
}

// New returns a Dispatcher over cat.
func New(cat *catalog.Catalog, invoker Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		catalog: cat,
		invoker: invoker,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Catalog returns the catalog calls are resolved against.
func (d *Dispatcher) Catalog() *catalog.Catalog {
	return d.catalog
}

// Names returns the callable tool names, sorted.
func (d *Dispatcher) Names() []string {
	return d.catalog.Names()
}

// Dispatch calls identifier with args. A lone identifier that looks like a
// call expression is treated as the string-encoded form.
func (d *Dispatcher) Dispatch(ctx context.Context, identifier string, args ...any) (any, error) {
	if len(args) == 0 && strings.Contains(identifier, "(") {
		return d.CallString(ctx, identifier)
	}
	return d.Call(ctx, identifier, args...)
}

// CallString parses expr with ParseCall and dispatches the result.
func (d *Dispatcher) CallString(ctx context.Context, expr string) (any, error) {
	name, args, err := ParseCall(expr)
	if err != nil {
		return nil, err
	}
	return d.Call(ctx, name, args...)
}

// Call invokes tool name with positional args. The returned value is the
// normalized reply, or the raw *mcp.CallToolResult when its text is not
// JSON.
func (d *Dispatcher) Call(ctx context.Context, name string, args ...any) (result any, err error) {
	start := time.Now()
	defer func() {
		if d.observer != nil {
			d.observer.ObserveToolCall(name, outcome(result, err), time.Since(start))
		}
	}()

	desc, ok := d.catalog.Lookup(name)
	if !ok {
		return nil, &Error{
			Tool: name,
			Msg:  fmt.Sprintf("tool %q not found", name),
			Err:  ErrToolNotFound,
		}
	}

	payload, err := Bind(desc, args)
	if err != nil {
		return nil, err
	}
	if d.validator != nil {
		if err := d.validator.Validate(desc, payload); err != nil {
			return nil, err
		}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.call",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("server.id", desc.Server.ID),
			attribute.Int("tool.args", len(args)),
		))
	defer span.End()

	if d.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	res, err := d.invoker.Invoke(ctx, desc.Server, name, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("tool call failed",
			slog.String("tool", name),
			slog.String("server", desc.Server.ID),
			slog.String("error", err.Error()),
		)
		return nil, &Error{
			Tool: name,
			Msg:  fmt.Sprintf("calling %s: %v", name, err),
			Err:  errors.Join(ErrTransport, err),
		}
	}
	if res.IsError {
		span.SetStatus(codes.Error, "tool reported error")
	}

	d.logger.Debug("tool call completed",
		slog.String("tool", name),
		slog.String("server", desc.Server.ID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return Normalize(res), nil
}

func outcome(result any, err error) string {
	switch {
	case err != nil:
		return "dispatch_error"
	default:
		if res, ok := result.(*mcp.CallToolResult); ok && res.IsError {
			return "tool_error"
		}
		return "ok"
	}
}
