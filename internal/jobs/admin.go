package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/catalog"
	"catalog-pipeline/internal/events"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/store"
)

// MaxBulkDelete bounds one bulk delete request.
const MaxBulkDelete = 100

// Rejection reasons reported by BulkDelete.
const (
	ReasonNotFound   = "not_found"
	ReasonProcessing = "job is processing"
	ReasonFailed     = "delete failed"
)

type Rejection struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

type BulkDeleteResult struct {
	Deleted  []string    `json:"deleted"`
	Rejected []Rejection `json:"rejected"`
}

// Finalize turns a completed job into inventory. With chosenMatchID the
// existing record gains a copy; otherwise a new record is created from
// corrected. It returns the inventory record id.
func (s *Service) Finalize(ctx context.Context, tenantID, id string, corrected models.Metadata, chosenMatchID string) (string, error) {
	if !validID(id) {
		return "", apperr.NotFound("job %s not found", id)
	}
	corrected.Title = strings.TrimSpace(corrected.Title)
	if corrected.Title == "" {
		return "", apperr.Validation("title is required")
	}
	chosenMatchID = strings.TrimSpace(chosenMatchID)
	if chosenMatchID != "" && !validID(chosenMatchID) {
		return "", apperr.Validation("chosen match %s is not a valid id", chosenMatchID)
	}

	var recordID string
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.TenantID != tenantID {
			return apperr.NotFound("job %s not found", id)
		}
		if job.Status != models.StatusCompleted {
			return apperr.InvalidTransition("job %s is %s, only completed jobs can be finalized", id, job.Status)
		}
		if job.FinalizedAt != nil {
			return apperr.InvalidTransition("job %s is already finalized", id)
		}

		now := s.clock()
		if chosenMatchID != "" {
			if _, err := tx.LockInventoryRecord(ctx, tenantID, chosenMatchID); err != nil {
				if errors.Is(err, apperr.ErrNotFound) {
					return apperr.Validation("chosen match %s does not exist", chosenMatchID)
				}
				return err
			}
			if err := tx.IncrementInventoryQuantity(ctx, tenantID, chosenMatchID); err != nil {
				return err
			}
			recordID = chosenMatchID
		} else {
			jobID := job.ID
			rec := models.InventoryRecord{
				ID:               uuid.NewString(),
				TenantID:         tenantID,
				Title:            corrected.Title,
				Subtitle:         strings.TrimSpace(corrected.Subtitle),
				Authors:          corrected.Authors,
				Publisher:        strings.TrimSpace(corrected.Publisher),
				Year:             corrected.Year,
				EditionStatement: strings.TrimSpace(corrected.EditionStatement),
				DustJacket:       corrected.DustJacket,
				ISBN:             catalog.NormalizeISBN(corrected.ISBN),
				Quantity:         1,
				SourceJobID:      &jobID,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.InsertInventoryRecord(ctx, rec); err != nil {
				return err
			}
			recordID = rec.ID
		}

		job.InventoryRecordID = &recordID
		job.FinalizedAt = &now
		job.UpdatedAt = now
		return s.update(ctx, tx, models.EventJobFinalized, job, models.StatusCompleted)
	})
	if err != nil {
		return "", err
	}
	s.log.Info("job.finalized", "job_id", id, "tenant_id", tenantID, "inventory_record_id", recordID,
		"matched_existing", chosenMatchID != "")
	return recordID, nil
}

// BulkDelete deletes each id in its own transaction. Ids that are unknown,
// belong to another tenant or are mid-extraction are rejected individually.
func (s *Service) BulkDelete(ctx context.Context, tenantID string, ids []string) (BulkDeleteResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return BulkDeleteResult{}, apperr.Validation("tenant is required")
	}
	if len(ids) == 0 {
		return BulkDeleteResult{}, apperr.Validation("job_ids must not be empty")
	}
	if len(ids) > MaxBulkDelete {
		return BulkDeleteResult{}, apperr.Validation("at most %d job ids per request", MaxBulkDelete)
	}

	res := BulkDeleteResult{Deleted: []string{}, Rejected: []Rejection{}}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true

		reason, err := s.deleteOne(ctx, tenantID, id)
		switch {
		case err != nil:
			s.log.Error("job.delete_failed", "job_id", id, "tenant_id", tenantID, "error", err)
			res.Rejected = append(res.Rejected, Rejection{JobID: id, Reason: ReasonFailed})
		case reason != "":
			res.Rejected = append(res.Rejected, Rejection{JobID: id, Reason: reason})
		default:
			res.Deleted = append(res.Deleted, id)
			if s.scheduler != nil {
				if err := s.scheduler.Cancel(ctx, id); err != nil {
					s.log.Warn("job.dequeue_failed", "job_id", id, "error", err)
				}
			}
		}
	}
	s.log.Info("job.bulk_delete", "tenant_id", tenantID, "deleted", len(res.Deleted), "rejected", len(res.Rejected))
	return res, nil
}

func (s *Service) deleteOne(ctx context.Context, tenantID, id string) (string, error) {
	if !validID(id) {
		return ReasonNotFound, nil
	}
	var reason string
	err := s.repo.InTx(ctx, func(ctx context.Context, tx store.JobTx) error {
		job, err := tx.LockJob(ctx, id)
		if err != nil {
			return err
		}
		if job.TenantID != tenantID {
			reason = ReasonNotFound
			return nil
		}
		if job.Status == models.StatusProcessing {
			reason = ReasonProcessing
			return nil
		}
		ev, err := events.ForJob(models.EventJobDeleted, job, "")
		if err != nil {
			return err
		}
		return tx.DeleteJob(ctx, job, ev)
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return ReasonNotFound, nil
	}
	return reason, err
}

// FailStale fails processing jobs that started before cutoff. These are jobs
// whose worker died or lost its deadline.
func (s *Service) FailStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := s.repo.ListStaleJobs(ctx, models.StatusProcessing, cutoff, limit)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, job := range stale {
		if _, err := s.FailExtraction(ctx, job.ID, TimeoutMessage); err != nil {
			// Finished or deleted since the listing.
			if isKind(err, apperr.ErrInvalidTransition, apperr.ErrNotFound) {
				continue
			}
			return failed, err
		}
		failed++
		s.log.Warn("job.watchdog_failed", "job_id", job.ID, "tenant_id", job.TenantID)
	}
	return failed, nil
}

// RequeuePending hands pending jobs created before cutoff back to the
// scheduler, covering enqueues lost after commit.
func (s *Service) RequeuePending(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if s.scheduler == nil {
		return 0, nil
	}
	pending, err := s.repo.ListStaleJobs(ctx, models.StatusPending, cutoff, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range pending {
		if err := s.scheduler.Enqueue(ctx, job.ID); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
