// Package jobs owns the cataloging job state machine. Every mutation goes
// through a store transaction that also appends the matching outbox event.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/catalog"
	"catalog-pipeline/internal/events"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/storage"
	"catalog-pipeline/internal/store"
	"catalog-pipeline/internal/telemetry"
)

// Repository is the persistence the service needs. *store.Store and
// *memstore.Store both satisfy it.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx store.JobTx) error) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, q models.JobListQuery) ([]models.Job, error)
	ListStaleJobs(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error)
	FindCandidates(ctx context.Context, tenantID string, md models.Metadata) ([]models.InventoryRecord, error)
}

// Scheduler hands pending jobs to extraction workers.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
}

// TimeoutMessage is recorded on jobs the watchdog gives up on.
const TimeoutMessage = "extraction timed out"

type Service struct {
	repo      Repository
	scheduler Scheduler
	log       *slog.Logger
	now       func() time.Time
	matchOpts catalog.Options
}

type Option func(*Service)

func WithScheduler(s Scheduler) Option {
	return func(svc *Service) { svc.scheduler = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

func WithMatchOptions(o catalog.Options) Option {
	return func(svc *Service) { svc.matchOpts = o }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "jobs")
	return s
}

func (s *Service) clock() time.Time { return s.now().UTC() }

// Submit validates the images and creates a pending job.
func (s *Service) Submit(ctx context.Context, tenantID, submitterID string, images []models.ImageRef) (models.Job, error) {
	tenantID = strings.TrimSpace(tenantID)
	submitterID = strings.TrimSpace(submitterID)
	if tenantID == "" {
		return models.Job{}, apperr.Validation("tenant is required")
	}
	if submitterID == "" {
		return models.Job{}, apperr.Validation("submitter is required")
	}
	ordered, err := normalizeImages(images)
	if err != nil {
		return models.Job{}, err
	}

	now := s.clock()
	job := models.Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		SubmitterID: submitterID,
		Status:      models.StatusPending,
		Images:      ordered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.insert(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.Inc()
	s.log.Info("job.submitted", "job_id", job.ID, "tenant_id", tenantID, "images", len(ordered))
	s.schedule(ctx, job.ID)
	return job, nil
}

func normalizeImages(images []models.ImageRef) ([]models.ImageRef, error) {
	bySlot := make(map[models.ImageSlot]models.ImageRef, len(images))
	for _, img := range images {
		if !knownSlot(img.Slot) {
			return nil, apperr.Validation("unknown image slot %q", img.Slot)
		}
		if _, dup := bySlot[img.Slot]; dup {
			return nil, apperr.Validation("image slot %q given more than once", img.Slot)
		}
		img.Ref = strings.TrimSpace(img.Ref)
		if img.Ref == "" {
			return nil, apperr.Validation("image slot %q has an empty reference", img.Slot)
		}
		if _, err := storage.ParseRef(img.Ref); err != nil {
			return nil, apperr.Validation("image slot %q: %v", img.Slot, err)
		}
		bySlot[img.Slot] = img
	}
	for _, slot := range models.RequiredSlots {
		if _, ok := bySlot[slot]; !ok {
			return nil, apperr.Validation("image slot %q is required", slot)
		}
	}
	ordered := make([]models.ImageRef, 0, len(bySlot))
	for _, slot := range models.SlotOrder {
		if img, ok := bySlot[slot]; ok {
			ordered = append(ordered, img)
		}
	}
	return ordered, nil
}

func knownSlot(slot models.ImageSlot) bool {
	for _, s := range models.SlotOrder {
		if s == slot {
			return true
		}
	}
	return false
}

func (s *Service) insert(ctx context.Context, job models.Job) error {
	ev, err := events.ForJob(models.EventJobCreated, job, "")
	if err != nil {
		return err
	}
	return s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		return tx.InsertJob(ctx, job, ev)
	})
}

// schedule is best effort; the worker's pending sweep re-enqueues anything lost here.
func (s *Service) schedule(ctx context.Context, jobID string) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Enqueue(ctx, jobID); err != nil {
		s.log.Warn("job.enqueue_failed", "job_id", jobID, "error", err)
	}
}

// Get returns a job owned by tenantID. Jobs of other tenants are reported as missing.
func (s *Service) Get(ctx context.Context, tenantID, id string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != tenantID {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, q models.JobListQuery) ([]models.Job, error) {
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, apperr.Validation("tenant is required")
	}
	return s.repo.ListJobs(ctx, q)
}

// BeginProcessing claims a pending job for extraction. started is false when
// the job is already processing, which makes duplicate triggers harmless.
func (s *Service) BeginProcessing(ctx context.Context, id string) (models.Job, bool, error) {
	if !validID(id) {
		return models.Job{}, false, apperr.NotFound("job %s not found", id)
	}
	var (
		out     models.Job
		started bool
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		switch job.Status {
		case models.StatusProcessing:
			out = job
			return nil
		case models.StatusPending:
		default:
			return apperr.InvalidTransition("job %s is %s, cannot start processing", id, job.Status)
		}

		now := s.clock()
		job.Status = models.StatusProcessing
		job.ProcessingStartedAt = &now
		job.UpdatedAt = now
		if err := s.update(ctx, tx, models.EventJobProcessing, job, models.StatusPending); err != nil {
			return err
		}
		out, started = job, true
		return nil
	})
	if err != nil {
		return models.Job{}, false, err
	}
	if started {
		telemetry.JobTransitions.WithLabelValues(string(models.StatusProcessing)).Inc()
	}
	return out, started, nil
}

// CompleteExtraction records extracted metadata and ranked candidate matches.
func (s *Service) CompleteExtraction(ctx context.Context, id string, md models.Metadata, matches []models.CandidateMatch) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	md.Title = strings.TrimSpace(md.Title)
	if md.Title == "" {
		return models.Job{}, apperr.Validation("extracted metadata has no title")
	}
	if matches == nil {
		matches = []models.CandidateMatch{}
	}

	var out models.Job
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusProcessing {
			return apperr.InvalidTransition("job %s is %s, cannot complete", id, job.Status)
		}
		job.Status = models.StatusCompleted
		job.Metadata = &md
		job.CandidateMatches = matches
		job.ErrorMessage = nil
		job.UpdatedAt = s.clock()
		if err := s.update(ctx, tx, models.EventJobUpdated, job, models.StatusProcessing); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobTransitions.WithLabelValues(string(models.StatusCompleted)).Inc()
	s.log.Info("job.completed", "job_id", id, "tenant_id", out.TenantID, "matches", len(matches))
	return out, nil
}

// FailExtraction terminalizes a processing job with a sanitized message.
func (s *Service) FailExtraction(ctx context.Context, id, message string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	msg := apperr.Sanitize(message)

	var out models.Job
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != models.StatusProcessing {
			return apperr.InvalidTransition("job %s is %s, cannot fail", id, job.Status)
		}
		job.Status = models.StatusFailed
		job.ErrorMessage = &msg
		job.Metadata = nil
		job.UpdatedAt = s.clock()
		if err := s.update(ctx, tx, models.EventJobFailed, job, models.StatusProcessing); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobTransitions.WithLabelValues(string(models.StatusFailed)).Inc()
	s.log.Info("job.failed", "job_id", id, "tenant_id", out.TenantID, "error_message", msg)
	return out, nil
}

// MatchCandidates ranks the tenant's inventory against md.
func (s *Service) MatchCandidates(ctx context.Context, tenantID string, md models.Metadata) ([]models.CandidateMatch, error) {
	records, err := s.repo.FindCandidates(ctx, tenantID, md)
	if err != nil {
		return nil, err
	}
	return catalog.Rank(md, records, s.matchOpts), nil
}

// Retry creates a fresh pending job from a failed one.
func (s *Service) Retry(ctx context.Context, tenantID, id string) (models.Job, error) {
	return s.resubmit(ctx, tenantID, id, models.StatusFailed)
}

// Reprocess creates a fresh pending job from a completed one.
func (s *Service) Reprocess(ctx context.Context, tenantID, id string) (models.Job, error) {
	return s.resubmit(ctx, tenantID, id, models.StatusCompleted)
}

func (s *Service) resubmit(ctx context.Context, tenantID, id string, want models.JobStatus) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	var out models.Job
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		orig, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if orig.TenantID != tenantID {
			return apperr.NotFound("job %s not found", id)
		}
		if orig.Status != want {
			return apperr.InvalidTransition("job %s is %s, expected %s", id, orig.Status, want)
		}

		now := s.clock()
		retryOf := orig.ID
		job := models.Job{
			ID:          uuid.NewString(),
			TenantID:    orig.TenantID,
			SubmitterID: orig.SubmitterID,
			Status:      models.StatusPending,
			Images:      append([]models.ImageRef(nil), orig.Images...),
			RetryOf:     &retryOf,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ev, err := events.ForJob(models.EventJobCreated, job, "")
		if err != nil {
			return err
		}
		if err := tx.InsertJob(ctx, job, ev); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return models.Job{}, err
	}
	telemetry.JobsSubmitted.Inc()
	s.log.Info("job.resubmitted", "job_id", out.ID, "retry_of", id, "tenant_id", tenantID)
	s.schedule(ctx, out.ID)
	return out, nil
}

func (s *Service) update(ctx context.Context, tx store.JobTx, t models.EventType, job models.Job, previous models.JobStatus) error {
	ev, err := events.ForJob(t, job, previous)
	if err != nil {
		return err
	}
	return tx.UpdateJob(ctx, job, ev)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isKind(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
