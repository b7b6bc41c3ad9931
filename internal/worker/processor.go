package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/config"
	"catalog-pipeline/internal/jobs"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/telemetry"
)

const sweepLimit = 100

// WorkQueue hands out job ids under a lease.
type WorkQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Jobs is the slice of the job service the worker drives.
type Jobs interface {
	BeginProcessing(ctx context.Context, id string) (models.Job, bool, error)
	CompleteExtraction(ctx context.Context, id string, md models.Metadata, matches []models.CandidateMatch) (models.Job, error)
	FailExtraction(ctx context.Context, id, message string) (models.Job, error)
	MatchCandidates(ctx context.Context, tenantID string, md models.Metadata) ([]models.CandidateMatch, error)
	FailStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
	RequeuePending(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Extractor turns a job's photos into metadata.
type Extractor interface {
	Extract(ctx context.Context, images []models.ImageRef) (models.Metadata, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.Config
	queue     WorkQueue
	jobs      Jobs
	extractor Extractor
	workerID  string
	log       *slog.Logger
	now       func() time.Time
}

func NewProcessor(cfg config.Config, q WorkQueue, j Jobs, ex Extractor) *Processor {
	return NewProcessorWithID(cfg, q, j, ex, "", nil)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q WorkQueue, j Jobs, ex Extractor, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:       cfg,
		queue:     q,
		jobs:      j,
		extractor: ex,
		workerID:  workerID,
		log:       logger.With("component", "worker", "worker_id", workerID),
		now:       time.Now,
	}
}

// Run starts WorkerConcurrency extraction loops plus the watchdog and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return p.loop(gctx) })
	}
	g.Go(func() error { return p.watchdog(gctx) })
	p.log.Info("worker started", "concurrency", n)
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		worked, err := p.ProcessNext(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Warn("dequeue failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) watchdog(ctx context.Context) error {
	interval := p.cfg.WatchdogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reclaims expired leases, fails jobs stuck in processing past the
// extraction budget plus grace, and re-enqueues pending jobs whose queue entry
// may have been lost.
func (p *Processor) Sweep(ctx context.Context) {
	now := p.now()

	if reclaimed, err := p.queue.RequeueExpired(ctx, now, sweepLimit); err != nil {
		p.log.Warn("requeue expired leases", "error", err)
	} else if len(reclaimed) > 0 {
		p.log.Info("expired leases requeued", "count", len(reclaimed))
	}

	stuck := now.Add(-(p.cfg.ExtractionBudget + p.cfg.WatchdogGrace))
	if n, err := p.jobs.FailStale(ctx, stuck, sweepLimit); err != nil {
		p.log.Error("fail stale jobs", "error", err)
	} else if n > 0 {
		telemetry.WatchdogFailed.Add(float64(n))
		p.log.Warn("stale processing jobs failed", "count", n)
	}

	if p.cfg.PendingRequeueAfter > 0 {
		if n, err := p.jobs.RequeuePending(ctx, now.Add(-p.cfg.PendingRequeueAfter), sweepLimit); err != nil {
			p.log.Error("requeue pending jobs", "error", err)
		} else if n > 0 {
			p.log.Info("pending jobs re-enqueued", "count", n)
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ProcessNext handles one queued job. It reports false when the queue was empty.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.process(ctx, jobID)
	return true, nil
}

func (p *Processor) process(ctx context.Context, jobID string) {
	log := p.log.With("job_id", jobID)

	job, started, err := p.jobs.BeginProcessing(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrInvalidTransition) {
			log.Info("dropping queue entry", "reason", apperr.Message(err))
			p.ack(ctx, jobID)
			return
		}
		// Leave the lease to expire; the entry comes back for another try.
		log.Error("begin processing", "error", err)
		return
	}
	if !started {
		log.Debug("job already taken")
		p.ack(ctx, jobID)
		return
	}
	defer p.ack(ctx, jobID)

	if p.cfg.VisibilityTimeout < p.cfg.ExtractionBudget {
		// A failed extension leaves the shorter lease; the job may be redelivered
		// mid-extraction and BeginProcessing drops the duplicate.
		if err := p.queue.ExtendLease(ctx, jobID, p.cfg.ExtractionBudget+p.cfg.WatchdogGrace); err != nil {
			log.Warn("extend lease", "error", err)
		}
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	timeout := p.cfg.ExtractionBudget - p.cfg.ExtractionCleanupMargin
	if timeout <= 0 {
		timeout = p.cfg.ExtractionBudget
	}
	xctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	md, err := p.extractor.Extract(xctx, job.Images)
	cancel()
	telemetry.ExtractionDuration.Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Shutting down mid-call. The watchdog settles the job.
		log.Warn("extraction interrupted by shutdown")
		return
	}

	if err == nil {
		matches, merr := p.jobs.MatchCandidates(ctx, job.TenantID, md)
		if merr != nil {
			log.Warn("candidate matching failed", "error", merr)
			matches = nil
		}
		if _, err = p.jobs.CompleteExtraction(ctx, jobID, md, matches); err == nil {
			log.Info("job completed", "candidates", len(matches), "elapsed_ms", time.Since(start).Milliseconds())
			return
		}
		if !errors.Is(err, apperr.ErrValidation) {
			log.Error("complete extraction", "error", err)
			return
		}
	}

	reason, msg := classify(err)
	telemetry.ExtractionFailures.WithLabelValues(reason).Inc()
	if _, ferr := p.jobs.FailExtraction(ctx, jobID, msg); ferr != nil {
		log.Error("fail extraction", "error", ferr, "cause", err)
		return
	}
	log.Warn("job failed", "reason", reason, "error", err)
}

func (p *Processor) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
		p.log.Warn("ack failed", "job_id", jobID, "error", err)
	}
}

func classify(err error) (reason, message string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", jobs.TimeoutMessage
	case errors.Is(err, apperr.ErrValidation):
		return "invalid_output", apperr.Message(err)
	case errors.Is(err, apperr.ErrUpstream):
		return "upstream", apperr.Message(err)
	default:
		return "error", err.Error()
	}
}
