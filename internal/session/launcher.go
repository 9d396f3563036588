package session

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/michaelbrown/kiln/internal/catalog"
)

// Launcher opens a new Session for every probe and every call, and always
// closes it before returning.
type Launcher struct {
	opts   Options
	tracer trace.Tracer
}

// NewLauncher returns a Launcher. A nil tracer disables spans.
func NewLauncher(opts Options, tracer trace.Tracer) *Launcher {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Launcher{opts: opts.withDefaults(), tracer: tracer}
}

// Probe lists the tools of the server described by cfg.
func (l *Launcher) Probe(ctx context.Context, cfg catalog.ServerConfig) (tools []catalog.RawTool, err error) {
	ctx, span := l.tracer.Start(ctx, "session.probe",
		trace.WithAttributes(attribute.String("server.id", cfg.ID)))
	defer func() { endSpan(span, err) }()

	s, err := Open(ctx, cfg, l.opts)
	if err != nil {
		return nil, err
	}
	defer l.close(s)

	tools, err = s.Probe(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("tools", len(tools)))
	}
	return tools, err
}

// Invoke calls tool name on the server described by cfg.
func (l *Launcher) Invoke(ctx context.Context, cfg catalog.ServerConfig, name string, args map[string]any) (res *mcp.CallToolResult, err error) {
	ctx, span := l.tracer.Start(ctx, "session.invoke",
		trace.WithAttributes(
			attribute.String("server.id", cfg.ID),
			attribute.String("tool.name", name),
		))
	defer func() { endSpan(span, err) }()

	s, err := Open(ctx, cfg, l.opts)
	if err != nil {
		return nil, err
	}
	defer l.close(s)

	return s.Invoke(ctx, name, args)
}

func (l *Launcher) close(s *Session) {
	if err := s.Close(); err != nil {
		l.opts.Logger.Debug("session close error",
			slog.String("server", s.cfg.ID),
			slog.String("error", err.Error()))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
