// Package httpapi implements the approver-facing HTTP API for signoff.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limit, 1 MB by default (413 beyond it)
//   - Per-user rate limiting of decisions via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/observability"
	"github.com/jkaninda/signoff/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → approver identity.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Approvals is the registry surface the gateway drives.
type Approvals interface {
	Request(ctx context.Context, subject string, opts ...approval.RequestOption) (approval.Request, error)
	Approve(ctx context.Context, id int64, approver, comment string) error
	Reject(ctx context.Context, id int64, approver, comment string) error
	Get(ctx context.Context, id int64) (approval.Request, error)
	List(ctx context.Context, f approval.ListFilter) ([]approval.Request, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	approvals Approvals
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	server    *http.Server

	okapi *okapi.Okapi
}

// NewGateway creates an HTTP API gateway with every route registered, so the
// handler is usable before Start. rl may be nil (no rate limiting).
func NewGateway(cfg Config, approvals Approvals, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Gateway{
		config:    cfg,
		approvals: approvals,
		limiter:   rl,
		logger:    logger,
		okapi: okapi.New(
			okapi.WithLogger(logger),
			okapi.WithMaxMultipartMemory(cfg.MaxRequestSize),
		),
	}
	g.registerRoutes()
	return g
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "signoff",
			Version: "v1",
		},
	)
	return g
}

// registerRoutes installs middleware and routes. okapi binds global middleware
// when a route is added, so the middleware goes first.
func (g *Gateway) registerRoutes() {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(limitBody(g.config.MaxRequestSize))

	// Authenticated /v1 group.
	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Post("/approvals", g.handleCreate,
		okapi.DocSummary("Request approval for a unit of work"),
		okapi.DocTags("Approvals"),
		okapi.DocRequestBody(CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, ApprovalResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Get("/approvals", g.handleList,
		okapi.DocSummary("List approvals, optionally filtered by status or subject"),
		okapi.DocTags("Approvals"),
		okapi.DocResponse([]ApprovalResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/approvals/{id}", g.handleGet,
		okapi.DocSummary("Get an approval by ID"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "integer", "Approval ID"),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/approvals/{id}/approve", g.handleApprove,
		okapi.DocSummary("Approve a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "integer", "Approval ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Post("/approvals/{id}/reject", g.handleReject,
		okapi.DocSummary("Reject a pending request"),
		okapi.DocTags("Approvals"),
		okapi.DocPathParam("id", "integer", "Approval ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(ApprovalResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CreateRequest is the JSON body for POST /v1/approvals.
type CreateRequest struct {
	Subject    string `json:"subject"`
	AssignedTo string `json:"assigned_to,omitempty"` // Empty = any authenticated approver.
	Note       string `json:"note,omitempty"`        // Context shown to the approver.
}

// DecisionRequest is the optional JSON body for approve/reject.
type DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

// ApprovalResponse is the JSON representation of an approval.
type ApprovalResponse struct {
	ID          int64      `json:"id"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	SubmittedBy string     `json:"submitted_by,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Note        string     `json:"note,omitempty"`
	Approver    string     `json:"approver,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

func toResponse(r approval.Request) ApprovalResponse {
	return ApprovalResponse{
		ID:          r.ID,
		Subject:     r.Subject,
		Status:      r.Status.String(),
		SubmittedBy: r.SubmittedBy,
		AssignedTo:  r.AssignedTo,
		Note:        r.Note,
		Approver:    r.Approver,
		Comment:     r.Comment,
		CreatedAt:   r.CreatedAt,
		DecidedAt:   r.DecidedAt,
	}
}

func (g *Gateway) handleCreate(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req CreateRequest
	if code, err := bindJSON(c, &req); err != nil {
		return bodyError(c, code)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return c.AbortBadRequest("subject is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http approval request",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("subject", req.Subject),
	)

	rec, err := g.approvals.Request(c.Context(), req.Subject,
		approval.WithSubmitter(userID),
		approval.WithAssignee(req.AssignedTo),
		approval.WithNote(req.Note),
	)
	if err != nil {
		return g.approvalError(c, correlationID, err)
	}
	return c.JSON(http.StatusCreated, toResponse(rec))
}

func (g *Gateway) handleList(c *okapi.Context) error {
	var f approval.ListFilter
	q := c.Request().URL.Query()
	if s := q.Get("status"); s != "" {
		status, err := approval.ParseStatus(s)
		if err != nil {
			return c.AbortBadRequest("status must be pending, approved or rejected")
		}
		f.Status = status
	}
	f.Subject = q.Get("subject")

	records, err := g.approvals.List(c.Context(), f)
	if err != nil {
		return g.approvalError(c, "", err)
	}
	resp := make([]ApprovalResponse, len(records))
	for i, r := range records {
		resp[i] = toResponse(r)
	}
	return c.OK(resp)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid approval ID")
	}
	rec, err := g.approvals.Get(c.Context(), id)
	if err != nil {
		return g.approvalError(c, "", err)
	}
	return c.OK(toResponse(rec))
}

func (g *Gateway) handleApprove(c *okapi.Context) error {
	return g.decide(c, approval.StatusApproved)
}

func (g *Gateway) handleReject(c *okapi.Context) error {
	return g.decide(c, approval.StatusRejected)
}

func (g *Gateway) decide(c *okapi.Context, target approval.Status) error {
	userID := c.GetString("userID")
	if userID == "" {
		return c.AbortUnauthorized("Unauthorized")
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	id, err := parseID(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid approval ID")
	}

	var req DecisionRequest
	if code, err := bindJSON(c, &req); err != nil {
		return bodyError(c, code)
	}

	correlationID := newCorrelationID()
	g.logger.Info("http approval decision",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.Int64("approval_id", id),
		slog.String("status", target.String()),
	)

	if target == approval.StatusApproved {
		err = g.approvals.Approve(c.Context(), id, userID, req.Comment)
	} else {
		err = g.approvals.Reject(c.Context(), id, userID, req.Comment)
	}
	if err != nil {
		return g.approvalError(c, correlationID, err)
	}

	rec, err := g.approvals.Get(c.Context(), id)
	if err != nil {
		return g.approvalError(c, correlationID, err)
	}
	return c.OK(toResponse(rec))
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness check
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker != nil {
		return c.OK(g.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Request bodies ---

// limitBody refuses bodies declared larger than max and caps the rest, so a
// chunked upload fails inside bindJSON once it passes max.
func limitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_ = json.NewEncoder(w).Encode(ErrorBody{Error: "request body too large"})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

// bindJSON decodes an optional JSON body into v. An empty body leaves v as is.
// On failure it returns the status to answer with.
func bindJSON(c *okapi.Context, v any) (int, error) {
	err := c.BindJSON(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return 0, nil
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, err
	default:
		return http.StatusBadRequest, err
	}
}

func bodyError(c *okapi.Context, code int) error {
	if code == http.StatusRequestEntityTooLarge {
		return c.AbortRequestEntityTooLarge("request body too large")
	}
	return c.AbortBadRequest("invalid request body")
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := lookupUser(g.config.APIKeys, c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupUser resolves a Bearer Authorization header to a user ID.
// Every key is compared so timing does not reveal which one matched.
func lookupUser(keys map[string]string, authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	userID := ""
	for key, user := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// --- Helpers ---

// statusForError maps approval errors to an HTTP status and client message.
// Conflicts are checked before persistence so that a decision lost to another
// process reports 409 rather than 503.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "approval not found"
	case errors.Is(err, approval.ErrAlreadyDecided):
		return http.StatusConflict, "approval already decided"
	case errors.Is(err, approval.ErrNotAssignee):
		return http.StatusForbidden, "approval is assigned to another approver"
	case errors.Is(err, approval.ErrInvalidSubject),
		errors.Is(err, approval.ErrInvalidApprover),
		errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, approval.ErrPersistence):
		return http.StatusServiceUnavailable, "approval store unavailable"
	default:
		return http.StatusInternalServerError, "approval error"
	}
}

func (g *Gateway) approvalError(c *okapi.Context, correlationID string, err error) error {
	code, msg := statusForError(err)
	if code >= http.StatusInternalServerError {
		g.logger.Error("approval operation failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(code, okapi.M{"error": msg})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}

func newCorrelationID() string {
	return uuid.NewString()
}
