package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/store"
	"catalog-pipeline/internal/store/memstore"
)

func completedJob(t *testing.T, svc *Service, tenant string, md models.Metadata) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := svc.Submit(ctx, tenant, "user-1", threeImages)
	require.NoError(t, err)
	_, _, err = svc.BeginProcessing(ctx, job.ID)
	require.NoError(t, err)
	matches, err := svc.MatchCandidates(ctx, tenant, md)
	require.NoError(t, err)
	done, err := svc.CompleteExtraction(ctx, job.ID, md, matches)
	require.NoError(t, err)
	return done
}

func TestFinalizeCreatesInventoryRecord(t *testing.T) {
	ctx := context.Background()
	svc, ms, _ := newService(t)
	job := completedJob(t, svc, "tenant-a", models.Metadata{Title: "Dune"})

	recordID, err := svc.Finalize(ctx, "tenant-a", job.ID, models.Metadata{
		Title: " Dune ", Authors: []string{"Frank Herbert"}, Year: 1965, ISBN: "0-441-17271-7",
	}, "")
	require.NoError(t, err)

	rec, ok := ms.Inventory(recordID)
	require.True(t, ok)
	assert.Equal(t, "Dune", rec.Title)
	assert.Equal(t, 1, rec.Quantity)
	assert.Equal(t, "9780441172719", rec.ISBN)
	require.NotNil(t, rec.SourceJobID)
	assert.Equal(t, job.ID, *rec.SourceJobID)

	stored, err := ms.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.FinalizedAt)
	assert.Equal(t, recordID, *stored.InventoryRecordID)

	evs := ms.Events("tenant-a")
	assert.Equal(t, models.EventJobFinalized, evs[len(evs)-1].EventType)

	_, err = svc.Finalize(ctx, "tenant-a", job.ID, models.Metadata{Title: "Dune"}, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "finalize happens once")
}

func TestFinalizeIntoMatchedRecord(t *testing.T) {
	ctx := context.Background()
	svc, ms, _ := newService(t)

	first := completedJob(t, svc, "tenant-a", models.Metadata{Title: "The Hobbit", ISBN: "9780261102217"})
	recordID, err := svc.Finalize(ctx, "tenant-a", first.ID, *first.Metadata, "")
	require.NoError(t, err)

	second := completedJob(t, svc, "tenant-a", models.Metadata{Title: "The Hobbit", ISBN: "978-0-261-10221-7"})
	require.NotEmpty(t, second.CandidateMatches)
	assert.Equal(t, recordID, second.CandidateMatches[0].RecordID)
	assert.Equal(t, models.MatchISBN, second.CandidateMatches[0].Reason)

	got, err := svc.Finalize(ctx, "tenant-a", second.ID, *second.Metadata, recordID)
	require.NoError(t, err)
	assert.Equal(t, recordID, got)

	rec, ok := ms.Inventory(recordID)
	require.True(t, ok)
	assert.Equal(t, 2, rec.Quantity)
}

func TestFinalizeRejections(t *testing.T) {
	ctx := context.Background()
	svc, ms, _ := newService(t)

	pending, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "tenant-a", pending.ID, models.Metadata{Title: "X"}, "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	job := completedJob(t, svc, "tenant-a", models.Metadata{Title: "Emma"})
	_, err = svc.Finalize(ctx, "tenant-a", job.ID, models.Metadata{Title: ""}, "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = svc.Finalize(ctx, "tenant-b", job.ID, models.Metadata{Title: "Emma"}, "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	other := completedJob(t, svc, "tenant-b", models.Metadata{Title: "Emma"})
	foreignRecord, err := svc.Finalize(ctx, "tenant-b", other.ID, models.Metadata{Title: "Emma"}, "")
	require.NoError(t, err)

	_, err = svc.Finalize(ctx, "tenant-a", job.ID, models.Metadata{Title: "Emma"}, foreignRecord)
	assert.True(t, errors.Is(err, apperr.ErrValidation), "matches from another tenant are refused")
	_, err = svc.Finalize(ctx, "tenant-a", job.ID, models.Metadata{Title: "Emma"}, uuid.NewString())
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	rec, _ := ms.Inventory(foreignRecord)
	assert.Equal(t, 1, rec.Quantity)
	stored, _ := ms.GetJob(ctx, job.ID)
	assert.Nil(t, stored.FinalizedAt)
}

func TestBulkDelete(t *testing.T) {
	ctx := context.Background()
	svc, ms, sched := newService(t)

	pending, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)
	processing, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)
	_, _, err = svc.BeginProcessing(ctx, processing.ID)
	require.NoError(t, err)
	done := completedJob(t, svc, "tenant-a", models.Metadata{Title: "Emma"})
	foreign, err := svc.Submit(ctx, "tenant-b", "user-9", threeImages)
	require.NoError(t, err)
	missing := uuid.NewString()

	res, err := svc.BulkDelete(ctx, "tenant-a", []string{pending.ID, processing.ID, done.ID, foreign.ID, missing, "garbage", pending.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pending.ID, done.ID}, res.Deleted)
	assert.ElementsMatch(t, []Rejection{
		{JobID: processing.ID, Reason: ReasonProcessing},
		{JobID: foreign.ID, Reason: ReasonNotFound},
		{JobID: missing, Reason: ReasonNotFound},
		{JobID: "garbage", Reason: ReasonNotFound},
	}, res.Rejected)
	assert.ElementsMatch(t, []string{pending.ID, done.ID}, sched.cancelled)

	_, err = ms.GetJob(ctx, foreign.ID)
	assert.NoError(t, err, "other tenants' jobs survive")

	deleted := 0
	for _, ev := range ms.Events("tenant-a") {
		if ev.EventType == models.EventJobDeleted {
			deleted++
		}
	}
	assert.Equal(t, 2, deleted)
	for _, ev := range ms.Events("tenant-b") {
		assert.NotEqual(t, models.EventJobDeleted, ev.EventType)
	}
}

func TestBulkDeleteLimits(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	_, err := svc.BulkDelete(ctx, "tenant-a", nil)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	ids := make([]string, MaxBulkDelete+1)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	_, err = svc.BulkDelete(ctx, "tenant-a", ids)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestFailStaleAndRequeuePending(t *testing.T) {
	ctx := context.Background()
	ms := memstore.New()
	sched := &recordingScheduler{}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(ms, WithScheduler(sched), WithClock(func() time.Time { return now }))

	stuck, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)
	_, _, err = svc.BeginProcessing(ctx, stuck.ID)
	require.NoError(t, err)
	lost, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	fresh, err := svc.Submit(ctx, "tenant-a", "user-1", threeImages)
	require.NoError(t, err)
	_, _, err = svc.BeginProcessing(ctx, fresh.ID)
	require.NoError(t, err)

	n, err := svc.FailStale(ctx, now.Add(-5*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := ms.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, TimeoutMessage, *got.ErrorMessage)

	got, err = ms.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	sched.enqueued = nil
	n, err = svc.RequeuePending(ctx, now.Add(-5*time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{lost.ID}, sched.enqueued)
}

// Repository must accept both stores.
var (
	_ Repository = (*memstore.Store)(nil)
	_ Repository = (*store.Store)(nil)
)
