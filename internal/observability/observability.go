// Package observability wires Prometheus metrics, OpenTelemetry spans, store
// fault detection and the readiness checks around the approval registry.
// A nil *Observability and every nil component are safe to use.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/config"
)

// Observability groups the enabled components. Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg disables everything and
// returns nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{Health: NewHealthChecker(logger)}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
		obs.Health.AddCheck("store_faults", func(context.Context) error {
			return obs.Anomaly.Degraded()
		})
	}
	return obs, nil
}

// WrapStore instruments a durable approval store.
func (o *Observability) WrapStore(inner DurableStore) *InstrumentedStore {
	if o == nil {
		return NewInstrumentedStore(inner, nil, nil, nil)
	}
	return NewInstrumentedStore(inner, o.Metrics, o.Tracer, o.Anomaly)
}

// InstrumentRegistry attaches approval metrics and spans to reg and reports
// its counts from the health endpoints.
func (o *Observability) InstrumentRegistry(reg *approval.Registry) {
	if o == nil {
		return
	}
	if o.Metrics != nil {
		reg.WithMetrics(approval.NewMetrics(o.Metrics.Registry))
	}
	if o.Tracer != nil {
		reg.WithTracer(o.Tracer.Tracer())
	}
	o.Health.WithApprovals(reg)
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}
