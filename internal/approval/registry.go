package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Registry is the addressable set of approval requests.
// Thread-safe. Create one per store and inject it where needed.
//
// Several registries may share one durable store (for example the HTTP gateway
// and an MCP server in separate processes). When the store implements Getter,
// ids unknown locally are read through and pending snapshots are re-read before
// they are returned, so the other process's writes become visible.
type Registry struct {
	store        Store
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	storeTimeout time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[int64]*entry
}

// entry holds one request. mu serializes decisions (and is held across the
// store write); snap is swapped only after the store has accepted the decision,
// so readers never see a partially applied record.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Request]
}

// RequestOption customizes a new approval request.
type RequestOption func(*Request)

// WithSubmitter records who submitted the unit of work.
func WithSubmitter(id string) RequestOption {
	return func(r *Request) { r.SubmittedBy = strings.TrimSpace(id) }
}

// WithAssignee restricts the decision to a single approver identity.
func WithAssignee(id string) RequestOption {
	return func(r *Request) { r.AssignedTo = strings.TrimSpace(id) }
}

// WithNote attaches free-form context for the approver.
func WithNote(note string) RequestOption {
	return func(r *Request) { r.Note = strings.TrimSpace(note) }
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status  Status
	Subject string
}

// NewRegistry creates a Registry backed by store. A nil store selects a NullStore.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if store == nil {
		store = NewNullStore()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		store:   store,
		logger:  logger,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// WithMetrics enables Prometheus metrics.
func (r *Registry) WithMetrics(m *Metrics) *Registry {
	r.metrics = m
	return r
}

// WithTracer enables OpenTelemetry spans around registry operations.
func (r *Registry) WithTracer(t trace.Tracer) *Registry {
	r.tracer = t
	return r
}

// WithStoreTimeout bounds every store call. Zero disables the bound.
func (r *Registry) WithStoreTimeout(d time.Duration) *Registry {
	r.storeTimeout = d
	return r
}

// WithClock overrides the time source (tests).
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Request creates a new pending approval for subject. The record is only
// registered once the store has minted its id.
func (r *Registry) Request(ctx context.Context, subject string, opts ...RequestOption) (Request, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Request{}, ErrInvalidSubject
	}

	ctx, span := r.startSpan(ctx, "approval.request", attribute.String("approval.subject", subject))
	defer span.End()

	rec := Request{
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: r.now().UTC(),
	}
	for _, opt := range opts {
		opt(&rec)
	}

	var id int64
	err := r.callStore(ctx, "create", func(ctx context.Context) error {
		var err error
		id, err = r.store.CreateApproval(ctx, &rec)
		return err
	})
	if err == nil && id <= 0 {
		err = fmt.Errorf("store returned invalid id %d", id)
	}
	if err != nil {
		r.recordCreateFailure()
		r.logger.ErrorContext(ctx, "approval create failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		endSpan(span, err)
		return Request{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	rec.ID = id

	r.mu.Lock()
	_, exists := r.entries[id]
	if !exists {
		r.insertLocked(rec)
	}
	r.mu.Unlock()
	// With a shared store a concurrent sync may have registered the row first.
	if exists && !r.shared() {
		err := fmt.Errorf("store reissued id %d", id)
		r.recordCreateFailure()
		endSpan(span, err)
		return Request{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if r.metrics != nil {
		r.metrics.RequestsCreated.Inc()
	}
	span.SetAttributes(attribute.Int64("approval.id", id))

	r.logger.InfoContext(ctx, "approval requested",
		slog.Int64("approval_id", id),
		slog.String("subject", subject),
		slog.String("submitted_by", rec.SubmittedBy),
		slog.String("assigned_to", rec.AssignedTo),
		slog.Bool("has_note", rec.Note != ""),
	)
	return rec.clone(), nil
}

// Approve moves a pending approval to approved.
func (r *Registry) Approve(ctx context.Context, id int64, approver, comment string) error {
	return r.decide(ctx, id, StatusApproved, approver, comment)
}

// Reject moves a pending approval to rejected.
func (r *Registry) Reject(ctx context.Context, id int64, approver, comment string) error {
	return r.decide(ctx, id, StatusRejected, approver, comment)
}

func (r *Registry) decide(ctx context.Context, id int64, target Status, approver, comment string) error {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return ErrInvalidApprover
	}

	ctx, span := r.startSpan(ctx, "approval.decide",
		attribute.Int64("approval.id", id),
		attribute.String("approval.target", target.String()),
	)
	defer span.End()

	e, _, err := r.resolve(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.recordDecision(target, OutcomeNotFound.String())
		} else {
			r.recordDecision(target, "persistence_failure")
		}
		endSpan(span, err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	curPtr := e.snap.Load()
	cur := *curPtr
	next, outcome := Transition(cur, target, approver, comment, r.now())
	if outcome != OutcomeApplied {
		r.recordDecision(target, outcome.String())
		err := outcome.Err()
		endSpan(span, err)
		return err
	}
	if cur.AssignedTo != "" && cur.AssignedTo != approver {
		r.recordDecision(target, "not_assignee")
		endSpan(span, ErrNotAssignee)
		return ErrNotAssignee
	}

	d := Decision{
		Status:    next.Status,
		Approver:  next.Approver,
		Comment:   next.Comment,
		DecidedAt: *next.DecidedAt,
	}
	if err := r.callStore(ctx, "set", func(ctx context.Context) error {
		return r.store.SetApproval(ctx, id, d)
	}); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyDecided):
			// Another registry on the same store decided first.
			r.refresh(ctx, id, e)
			r.recordDecision(target, OutcomeNotPending.String())
			r.logger.InfoContext(ctx, "approval already decided by another process",
				slog.Int64("approval_id", id),
				slog.String("status", target.String()),
				slog.String("approver", approver),
			)
			endSpan(span, ErrAlreadyDecided)
			return ErrAlreadyDecided
		case errors.Is(err, ErrNotFound):
			r.forget(id, e)
			r.recordDecision(target, OutcomeNotFound.String())
			endSpan(span, ErrNotFound)
			return ErrNotFound
		}
		r.recordDecision(target, "persistence_failure")
		r.logger.ErrorContext(ctx, "approval decision not persisted",
			slog.Int64("approval_id", id),
			slog.String("status", target.String()),
			slog.String("approver", approver),
			slog.String("error", err.Error()),
		)
		endSpan(span, err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	// A concurrent refresh may already have stored this same decision.
	if e.snap.CompareAndSwap(curPtr, &next) && r.metrics != nil {
		r.metrics.Pending.Dec()
	}
	r.recordDecision(target, OutcomeApplied.String())
	r.logger.InfoContext(ctx, "approval decided",
		slog.Int64("approval_id", id),
		slog.String("subject", next.Subject),
		slog.String("status", next.Status.String()),
		slog.String("approver", approver),
	)
	return nil
}

// Get returns a snapshot of the approval with the given id.
func (r *Registry) Get(ctx context.Context, id int64) (Request, error) {
	e, fresh, err := r.resolve(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if !fresh {
		r.refresh(ctx, id, e)
	}
	return e.snap.Load().clone(), nil
}

// List returns snapshots matching f, ordered by id. With a Loader store the
// registry first picks up records written by other processes.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]Request, error) {
	if loader, ok := r.store.(Loader); ok {
		if _, err := r.sync(ctx, loader); err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	out := make([]Request, 0, len(r.entries))
	for _, e := range r.entries {
		rec := e.snap.Load()
		if f.Status.Valid() && rec.Status != f.Status {
			continue
		}
		if f.Subject != "" && rec.Subject != f.Subject {
			continue
		}
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Request) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Len returns the number of registered approvals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats counts registered approvals.
type Stats struct {
	Tracked int `json:"tracked"`
	Pending int `json:"pending"`
}

// Stats returns the current counts without consulting the store.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Tracked: len(r.entries)}
	for _, e := range r.entries {
		if e.snap.Load().Pending() {
			s.Pending++
		}
	}
	return s
}

// Restore loads previously persisted approvals when the store implements
// Loader. Records already registered are left untouched unless the store holds
// a decision they lack. It returns the number of records added.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	loader, ok := r.store.(Loader)
	if !ok {
		return 0, nil
	}

	res, err := r.sync(ctx, loader)
	if err != nil {
		return 0, err
	}
	if seeded, ok := r.store.(interface{ Allocator() *Allocator }); ok {
		seeded.Allocator().Seed(res.maxID)
	}

	r.logger.InfoContext(ctx, "approvals restored",
		slog.Int("count", res.added),
		slog.Int("pending", res.pending),
	)
	return res.added, nil
}

type syncResult struct {
	added   int
	pending int
	maxID   int64
}

// sync merges every stored record into the registry.
func (r *Registry) sync(ctx context.Context, loader Loader) (syncResult, error) {
	var records []Request
	if err := r.callStore(ctx, "load", func(ctx context.Context) error {
		var err error
		records, err = loader.LoadApprovals(ctx)
		return err
	}); err != nil {
		return syncResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var res syncResult
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if rec.ID <= 0 || !rec.Status.Valid() {
			r.logger.WarnContext(ctx, "skipping invalid stored approval", slog.Int64("approval_id", rec.ID))
			continue
		}
		res.maxID = max(res.maxID, rec.ID)
		if e, exists := r.entries[rec.ID]; exists {
			r.adopt(e, e.snap.Load(), rec)
			continue
		}
		r.insertLocked(rec)
		res.added++
		if rec.Pending() {
			res.pending++
		}
	}
	return res, nil
}

// resolve returns the entry for id, reading it through from a Getter store
// when another process created it. fresh reports a record just read.
func (r *Registry) resolve(ctx context.Context, id int64) (e *entry, fresh bool, err error) {
	if e := r.lookup(id); e != nil {
		return e, false, nil
	}
	rec, err := r.fetch(ctx, id)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, false, nil
	}
	return r.insertLocked(rec), true, nil
}

// fetch reads one record. Stores without Getter report ErrNotFound.
func (r *Registry) fetch(ctx context.Context, id int64) (Request, error) {
	getter, ok := r.store.(Getter)
	if !ok {
		return Request{}, ErrNotFound
	}
	var rec Request
	err := r.callStore(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = getter.GetApproval(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return Request{}, ErrNotFound
	case err != nil:
		return Request{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	case rec.ID != id || !rec.Status.Valid():
		return Request{}, fmt.Errorf("%w: store returned invalid record for id %d", ErrPersistence, id)
	}
	return rec, nil
}

// refresh re-reads a pending record so a decision taken elsewhere replaces it.
// A failed read keeps the current snapshot.
func (r *Registry) refresh(ctx context.Context, id int64, e *entry) {
	old := e.snap.Load()
	if !old.Pending() {
		return
	}
	if _, ok := r.store.(Getter); !ok {
		return
	}
	rec, err := r.fetch(ctx, id)
	if err != nil {
		r.logger.DebugContext(ctx, "approval refresh failed",
			slog.Int64("approval_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	r.adopt(e, old, rec)
}

// adopt swaps a pending snapshot for a stored decision. Pending records and
// snapshots changed since old was read are left alone.
func (r *Registry) adopt(e *entry, old *Request, rec Request) {
	if !old.Pending() || rec.Pending() {
		return
	}
	stored := rec.clone()
	if e.snap.CompareAndSwap(old, &stored) && r.metrics != nil {
		r.metrics.Pending.Dec()
	}
}

// insertLocked registers rec. r.mu must be held for writing.
func (r *Registry) insertLocked(rec Request) *entry {
	e := &entry{}
	stored := rec.clone()
	e.snap.Store(&stored)
	r.entries[rec.ID] = e
	if rec.Pending() && r.metrics != nil {
		r.metrics.Pending.Inc()
	}
	return e
}

// shared reports whether the store can surface records written elsewhere.
func (r *Registry) shared() bool {
	_, getter := r.store.(Getter)
	_, loader := r.store.(Loader)
	return getter || loader
}

// forget drops an entry whose row no longer exists in the store.
func (r *Registry) forget(id int64, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] != e {
		return
	}
	delete(r.entries, id)
	if e.snap.Load().Pending() && r.metrics != nil {
		r.metrics.Pending.Dec()
	}
}

func (r *Registry) lookup(id int64) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) callStore(ctx context.Context, op string, fn func(context.Context) error) error {
	if r.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.storeTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	if r.metrics != nil {
		r.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("store %s timed out: %w", op, err)
	}
	return err
}

func (r *Registry) recordDecision(target Status, outcome string) {
	if r.metrics != nil {
		r.metrics.Decisions.WithLabelValues(target.String(), outcome).Inc()
	}
}

func (r *Registry) recordCreateFailure() {
	if r.metrics != nil {
		r.metrics.RequestsFailed.Inc()
	}
}

func (r *Registry) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if r.tracer == nil {
		// Non-recording span; ending it does not touch any parent span in ctx.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return r.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (r Request) clone() Request {
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		r.DecidedAt = &t
	}
	return r
}
