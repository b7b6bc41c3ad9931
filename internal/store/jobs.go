package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/models"
)

var jobColumns = []string{
	"id::text", "tenant_id", "submitter_id", "status", "images", "metadata", "candidate_matches",
	"error_message", "retry_of::text", "inventory_record_id::text", "processing_started_at",
	"finalized_at", "created_at", "updated_at",
}

// listSortClauses maps the closed set of sort orders onto ORDER BY clauses.
var listSortClauses = map[models.JobSort]string{
	models.SortCreatedDesc: "created_at DESC, id DESC",
	models.SortCreatedAsc:  "created_at ASC, id ASC",
	models.SortUpdatedDesc: "updated_at DESC, id DESC",
	models.SortStatus:      "status ASC, created_at DESC",
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).From("cataloging_jobs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Job{}, fmt.Errorf("build get job sql: %w", err)
	}
	job, err := scanJob(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, err
}

// ListJobs returns a tenant's jobs filtered and ordered by q.
func (s *Store) ListJobs(ctx context.Context, q models.JobListQuery) ([]models.Job, error) {
	query, args, err := buildListJobs(s.sb, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func buildListJobs(sb sq.StatementBuilderType, q models.JobListQuery) (string, []any, error) {
	q = q.Normalize()
	order, ok := listSortClauses[q.Sort]
	if !ok {
		return "", nil, apperr.Validation("unsupported sort %q", q.Sort)
	}
	if q.TenantID == "" {
		return "", nil, apperr.Validation("tenant is required")
	}

	b := sb.Select(jobColumns...).From("cataloging_jobs").Where(sq.Eq{"tenant_id": q.TenantID})
	if q.Status != "" {
		if !q.Status.Valid() {
			return "", nil, apperr.Validation("unsupported status %q", q.Status)
		}
		b = b.Where(sq.Eq{"status": string(q.Status)})
	}
	if q.SubmitterID != "" {
		b = b.Where(sq.Eq{"submitter_id": q.SubmitterID})
	}
	if q.CreatedAfter != nil {
		b = b.Where(sq.GtOrEq{"created_at": *q.CreatedAfter})
	}
	if q.CreatedBefore != nil {
		b = b.Where(sq.Lt{"created_at": *q.CreatedBefore})
	}
	b = b.OrderBy(order).Limit(uint64(q.Limit)).Offset(uint64(q.Offset))

	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build list jobs sql: %w", err)
	}
	return query, args, nil
}

// ListStaleJobs returns jobs stuck in status since before cutoff: processing jobs
// by processing_started_at, pending jobs by created_at.
func (s *Store) ListStaleJobs(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	var column string
	switch status {
	case models.StatusProcessing:
		column = "processing_started_at"
	case models.StatusPending:
		column = "created_at"
	default:
		return nil, apperr.Validation("stale sweep does not apply to status %q", status)
	}
	query, args, err := s.sb.Select(jobColumns...).
		From("cataloging_jobs").
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{column: cutoff}).
		OrderBy(column + " ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stale jobs sql: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (t *pgJobTx) LockJob(ctx context.Context, id string) (models.Job, error) {
	query, args, err := t.sb.Select(jobColumns...).From("cataloging_jobs").Where(sq.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return models.Job{}, fmt.Errorf("build lock job sql: %w", err)
	}
	job, err := scanJob(t.tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, err
}

func (t *pgJobTx) InsertJob(ctx context.Context, job models.Job, ev models.NewEvent) error {
	images, err := json.Marshal(job.Images)
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}
	metadata, matches, err := marshalResult(job)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO cataloging_jobs (id, tenant_id, submitter_id, status, images, metadata, candidate_matches,
			error_message, retry_of, inventory_record_id, processing_started_at, finalized_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.TenantID, job.SubmitterID, string(job.Status), images, metadata, matches,
		job.ErrorMessage, job.RetryOf, job.InventoryRecordID, job.ProcessingStartedAt, job.FinalizedAt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return appendEvent(ctx, t.tx, ev)
}

// UpdateJob writes the mutable columns. Images are never rewritten.
func (t *pgJobTx) UpdateJob(ctx context.Context, job models.Job, ev models.NewEvent) error {
	metadata, matches, err := marshalResult(job)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE cataloging_jobs
		SET status = $2, metadata = $3, candidate_matches = $4, error_message = $5,
			inventory_record_id = $6, processing_started_at = $7, finalized_at = $8, updated_at = $9
		WHERE id = $1
	`, job.ID, string(job.Status), metadata, matches, job.ErrorMessage, job.InventoryRecordID,
		job.ProcessingStartedAt, job.FinalizedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s not found", job.ID)
	}
	return appendEvent(ctx, t.tx, ev)
}

func (t *pgJobTx) DeleteJob(ctx context.Context, job models.Job, ev models.NewEvent) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM cataloging_jobs WHERE id = $1 AND tenant_id = $2`, job.ID, job.TenantID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s not found", job.ID)
	}
	return appendEvent(ctx, t.tx, ev)
}

func marshalResult(job models.Job) (any, any, error) {
	var metadata, matches any
	if job.Metadata != nil {
		b, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}
	if job.CandidateMatches != nil {
		b, err := json.Marshal(job.CandidateMatches)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal candidate matches: %w", err)
		}
		matches = b
	}
	return metadata, matches, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                    models.Job
		status                 string
		images                 []byte
		metadata, matches      []byte
		errMsg, retryOf, inv   pgtype.Text
		startedAt, finalizedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.TenantID, &job.SubmitterID, &status, &images, &metadata, &matches,
		&errMsg, &retryOf, &inv, &startedAt, &finalizedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	if err := json.Unmarshal(images, &job.Images); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal images: %w", err)
	}
	if metadata != nil {
		job.Metadata = &models.Metadata{}
		if err := json.Unmarshal(metadata, job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if matches != nil {
		if err := json.Unmarshal(matches, &job.CandidateMatches); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal candidate matches: %w", err)
		}
	}
	job.ErrorMessage = textPtr(errMsg)
	job.RetryOf = textPtr(retryOf)
	job.InventoryRecordID = textPtr(inv)
	job.ProcessingStartedAt = timePtr(startedAt)
	job.FinalizedAt = timePtr(finalizedAt)
	return job, nil
}
