// Package observability wires metrics and tracing for kiln.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/michaelbrown/kiln/internal/config"
)

// Observability bundles the optional metrics collector and tracer.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *TracerSetup
	logger  *slog.Logger
}

// New builds the components enabled in cfg. Disabled components are nil
// and every method tolerates that.
func New(ctx context.Context, cfg config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	obs := &Observability{logger: logger}
	if cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	tracing, err := NewTracerSetup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	obs.Tracing = tracing
	if tracing != nil {
		logger.Info("tracing enabled",
			slog.String("endpoint", cfg.Tracing.Endpoint),
			slog.String("protocol", cfg.Tracing.Protocol),
		)
	}
	return obs, nil
}

// Tracer returns the configured tracer or a no-op one.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracing.Tracer()
}

// Shutdown flushes telemetry.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracing.Shutdown(ctx); err != nil {
		o.logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
	}
}
