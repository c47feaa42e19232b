package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/signoff/internal/approval"
)

// DurableStore is a store that can also read its records back.
type DurableStore interface {
	approval.Store
	approval.Loader
	approval.Getter
}

// InstrumentedStore wraps a durable approval store with fault counting,
// store-level spans and anomaly detection. Conflicts are not faults.
type InstrumentedStore struct {
	inner   DurableStore
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedStore wraps a durable store with observability.
func NewInstrumentedStore(inner DurableStore, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStore {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedStore{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedStore) CreateApproval(ctx context.Context, req *approval.Request) (int64, error) {
	ctx, span := s.start(ctx, "store.create_approval", attribute.String("approval.subject", req.Subject))
	defer span.End()

	id, err := s.inner.CreateApproval(ctx, req)
	s.record(span, "create", err)
	return id, err
}

func (s *InstrumentedStore) SetApproval(ctx context.Context, id int64, d approval.Decision) error {
	ctx, span := s.start(ctx, "store.set_approval",
		attribute.Int64("approval.id", id),
		attribute.String("approval.status", d.Status.String()),
	)
	defer span.End()

	err := s.inner.SetApproval(ctx, id, d)
	s.record(span, "set", err)
	return err
}

func (s *InstrumentedStore) LoadApprovals(ctx context.Context) ([]approval.Request, error) {
	ctx, span := s.start(ctx, "store.load_approvals")
	defer span.End()

	start := time.Now()
	records, err := s.inner.LoadApprovals(ctx)
	s.record(span, "load", err)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.Int("approval.count", len(records)),
			attribute.Float64("store.duration_seconds", time.Since(start).Seconds()),
		)
	}
	return records, err
}

func (s *InstrumentedStore) GetApproval(ctx context.Context, id int64) (approval.Request, error) {
	ctx, span := s.start(ctx, "store.get_approval", attribute.Int64("approval.id", id))
	defer span.End()

	rec, err := s.inner.GetApproval(ctx, id)
	s.record(span, "get", err)
	return rec, err
}

func (s *InstrumentedStore) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *InstrumentedStore) record(span trace.Span, op string, err error) {
	outcome := ClassifyStoreError(err)
	s.anomaly.Observe(op, outcome)
	if outcome != StoreFault {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if s.metrics != nil {
		s.metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

// --- Compile-time interface checks ---

var _ DurableStore = (*InstrumentedStore)(nil)
