package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/jobs"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/ratelimit"
	"catalog-pipeline/internal/telemetry"
	"catalog-pipeline/internal/transport"
)

const (
	maxBodyBytes      = 1 << 20
	streamKeepAlive   = 15 * time.Second
	defaultDeadLetter = 50
	maxDeadLetter     = 500
)

// Tenant ids flow into broker routing keys and pub/sub channel names, so the
// topic wildcards and separators are rejected.
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validTenantID(fl validator.FieldLevel) bool {
	return tenantIDPattern.MatchString(fl.Field().String())
}

// JobService is the job lifecycle surface the API exposes.
type JobService interface {
	Submit(ctx context.Context, tenantID, submitterID string, images []models.ImageRef) (models.Job, error)
	Get(ctx context.Context, tenantID, id string) (models.Job, error)
	List(ctx context.Context, q models.JobListQuery) ([]models.Job, error)
	Retry(ctx context.Context, tenantID, id string) (models.Job, error)
	Reprocess(ctx context.Context, tenantID, id string) (models.Job, error)
	Finalize(ctx context.Context, tenantID, id string, corrected models.Metadata, chosenMatchID string) (string, error)
	BulkDelete(ctx context.Context, tenantID string, ids []string) (jobs.BulkDeleteResult, error)
}

// OutboxReader backs the operator routes.
type OutboxReader interface {
	OutboxHealth(ctx context.Context, consumer string) ([]models.TenantOutboxHealth, error)
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]models.DeadLetterEvent, error)
}

type SubmitLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the cataloging API.
type Server struct {
	cfg      config.Config
	jobs     JobService
	outbox   OutboxReader
	limiter  SubmitLimiter
	stream   transport.Subscriber
	log      *slog.Logger
	validate *validator.Validate
}

type Option func(*Server)

func WithLimiter(l SubmitLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithStream enables GET /v1/events/stream.
func WithStream(sub transport.Subscriber) Option {
	return func(s *Server) { s.stream = sub }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New constructs the API server.
func New(cfg config.Config, svc JobService, ob OutboxReader, opts ...Option) *Server {
	v := validator.New()
	_ = v.RegisterValidation("tenant_id", validTenantID)
	s := &Server{
		cfg:      cfg,
		jobs:     svc,
		outbox:   ob,
		log:      slog.Default(),
		validate: v,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "api")
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(telemetry.HTTPMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireTenant)
			r.Post("/jobs", s.handleSubmit)
			r.Get("/jobs", s.handleList)
			r.Post("/jobs/bulk-delete", s.handleBulkDelete)
			r.Get("/jobs/{id}", s.handleGet)
			r.Post("/jobs/{id}/retry", s.handleRetry)
			r.Post("/jobs/{id}/reprocess", s.handleReprocess)
			r.Post("/jobs/{id}/finalize", s.handleFinalize)
			r.Get("/events/stream", s.handleStream)
		})

		r.Get("/outbox/health", s.handleOutboxHealth)
		r.Get("/outbox/dead-letters", s.handleDeadLetters)
	})
	return r
}

type ctxKey int

const tenantKey ctxKey = iota

func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
		if tenant == "" {
			writeProblem(w, http.StatusBadRequest, "X-Tenant-ID header is required")
			return
		}
		if err := s.validate.Var(tenant, "tenant_id"); err != nil {
			writeProblem(w, http.StatusBadRequest, "X-Tenant-ID must be 1-64 letters, digits, '-' or '_'")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

func tenantFromRequest(r *http.Request) string {
	v, _ := r.Context().Value(tenantKey).(string)
	return v
}

type imageRequest struct {
	Slot string `json:"slot" validate:"required,oneof=cover title_page copyright_page"`
	Ref  string `json:"ref" validate:"required,max=2048"`
}

type submitRequest struct {
	Images []imageRequest `json:"images" validate:"required,min=1,max=3,dive"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), "submit:"+tenant)
		if err != nil {
			s.log.Error("submit rate limit check", "tenant_id", tenant, "error", err)
			writeProblem(w, http.StatusInternalServerError, "rate limit unavailable")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Seconds() + 0.999)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeProblem(w, http.StatusTooManyRequests, "too many submissions")
			return
		}
	}

	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	images := make([]models.ImageRef, 0, len(req.Images))
	for _, img := range req.Images {
		images = append(images, models.ImageRef{Slot: models.ImageSlot(img.Slot), Ref: img.Ref})
	}

	job, err := s.jobs.Submit(r.Context(), tenant, r.Header.Get("X-User-ID"), images)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listResponse struct {
	Jobs   []models.Job `json:"jobs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q.TenantID = tenantFromRequest(r)
	q = q.Normalize()

	out, err := s.jobs.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: out, Limit: q.Limit, Offset: q.Offset})
}

func parseListQuery(r *http.Request) (models.JobListQuery, error) {
	v := r.URL.Query()
	var q models.JobListQuery

	if raw := v.Get("status"); raw != "" {
		st, err := models.ParseJobStatus(raw)
		if err != nil {
			return q, apperr.Validation("%s", err.Error())
		}
		q.Status = st
	}
	sort, err := models.ParseJobSort(v.Get("sort"))
	if err != nil {
		return q, apperr.Validation("%s", err.Error())
	}
	q.Sort = sort
	q.SubmitterID = v.Get("submitter")

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, apperr.Validation("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	for name, dst := range map[string]**time.Time{"created_after": &q.CreatedAfter, "created_before": &q.CreatedBefore} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, apperr.Validation("%s must be an RFC 3339 timestamp", name)
		}
		*dst = &t
	}
	return q, nil
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Reprocess(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type finalizeRequest struct {
	Metadata      *models.Metadata `json:"metadata" validate:"required"`
	ChosenMatchID string           `json:"chosen_match_id" validate:"omitempty,max=64"`
}

type finalizeResponse struct {
	InventoryRecordID string `json:"inventory_record_id"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.jobs.Finalize(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"), *req.Metadata, req.ChosenMatchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{InventoryRecordID: id})
}

type bulkDeleteRequest struct {
	JobIDs []string `json:"job_ids" validate:"required,min=1"`
}

type rejection struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type bulkDeleteResponse struct {
	Deleted  []string    `json:"deleted"`
	Rejected []rejection `json:"rejected"`
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.jobs.BulkDelete(r.Context(), tenantFromRequest(r), req.JobIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := bulkDeleteResponse{Deleted: res.Deleted, Rejected: make([]rejection, 0, len(res.Rejected))}
	if out.Deleted == nil {
		out.Deleted = []string{}
	}
	for _, rj := range res.Rejected {
		out.Rejected = append(out.Rejected, rejection{JobID: rj.JobID, Reason: rj.Reason})
	}
	writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Consumer string                      `json:"consumer"`
	Tenants  []models.TenantOutboxHealth `json:"tenants"`
}

func (s *Server) handleOutboxHealth(w http.ResponseWriter, r *http.Request) {
	rows, err := s.outbox.OutboxHealth(r.Context(), s.cfg.OutboxConsumer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant := r.URL.Query().Get("tenant")
	out := make([]models.TenantOutboxHealth, 0, len(rows))
	for _, row := range rows {
		if tenant == "" || row.TenantID == tenant {
			out = append(out, row)
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Consumer: s.cfg.OutboxConsumer, Tenants: out})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetter
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeProblem(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetter)
	}
	items, err := s.outbox.ListDeadLetters(r.Context(), r.URL.Query().Get("tenant"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.DeadLetterEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleStream relays the tenant's live batches as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeProblem(w, http.StatusNotImplemented, "live stream is not available with this transport")
		return
	}
	tenant := tenantFromRequest(r)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs, err := s.stream.Subscribe(ctx, tenant)
	if err != nil {
		s.log.Error("stream subscribe", "tenant_id", tenant, "error", err)
		writeProblem(w, http.StatusServiceUnavailable, "live stream unavailable")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	_ = rc.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: batch\ndata: %s\n\n", raw); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeProblem(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		writeProblem(w, http.StatusBadRequest, apperr.Message(err))
	case errors.Is(err, apperr.ErrNotFound):
		writeProblem(w, http.StatusNotFound, apperr.Message(err))
	case errors.Is(err, apperr.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, apperr.Message(err))
	case errors.Is(err, apperr.ErrUpstream):
		writeProblem(w, http.StatusBadGateway, apperr.Message(err))
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()), "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal error")
	}
}

func writeProblem(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
