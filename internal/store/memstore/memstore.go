// Package memstore is an in-process implementation of the job and outbox
// stores. Transactions copy the state and swap it in on success, so a failed
// transaction leaves no trace. Faults can be injected between writes.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/catalog"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/store"
)

// Fault points accepted by FailNext.
const (
	OpInsertJob       = "insert_job"
	OpUpdateJob       = "update_job"
	OpDeleteJob       = "delete_job"
	OpAppendEvent     = "append_event"
	OpConfirmDelivery = "confirm_delivery"
)

type cursorKey struct {
	tenant   string
	consumer string
}

type state struct {
	jobs        map[string]models.Job
	inventory   map[string]models.InventoryRecord
	events      []models.OutboxEvent
	cursors     map[cursorKey]models.ProcessorCursor
	dead        []models.DeadLetterEvent
	nextEventID int64
	nextDeadID  int64
}

func (s state) clone() state {
	c := state{
		jobs:        make(map[string]models.Job, len(s.jobs)),
		inventory:   make(map[string]models.InventoryRecord, len(s.inventory)),
		events:      append([]models.OutboxEvent(nil), s.events...),
		cursors:     make(map[cursorKey]models.ProcessorCursor, len(s.cursors)),
		dead:        append([]models.DeadLetterEvent(nil), s.dead...),
		nextEventID: s.nextEventID,
		nextDeadID:  s.nextDeadID,
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.cursors {
		c.cursors[k] = v
	}
	return c
}

// Store is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	st     state
	now    func() time.Time
	faults map[string]error
}

func New() *Store {
	return &Store{
		st: state{
			jobs:      map[string]models.Job{},
			inventory: map[string]models.InventoryRecord{},
			cursors:   map[cursorKey]models.ProcessorCursor{},
		},
		now:    func() time.Time { return time.Now().UTC() },
		faults: map[string]error{},
	}
}

// SetNow replaces the clock used for timestamps and age comparisons.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next operation at op fail with err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// takeFault must be called with mu held.
func (s *Store) takeFault(op string) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// InTx runs fn against a private copy of the state and publishes it if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.JobTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scratch := s.st.clone()
	if err := fn(ctx, &memTx{s: s, st: &scratch}); err != nil {
		return err
	}
	s.st = scratch
	return nil
}

type memTx struct {
	s  *Store
	st *state
}

func (t *memTx) LockJob(_ context.Context, id string) (models.Job, error) {
	job, ok := t.st.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, nil
}

func (t *memTx) InsertJob(_ context.Context, job models.Job, ev models.NewEvent) error {
	if err := t.s.takeFault(OpInsertJob); err != nil {
		return err
	}
	if _, exists := t.st.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	if err := checkJobInvariants(job); err != nil {
		return err
	}
	t.st.jobs[job.ID] = job
	return t.appendEvent(ev)
}

func (t *memTx) UpdateJob(_ context.Context, job models.Job, ev models.NewEvent) error {
	if err := t.s.takeFault(OpUpdateJob); err != nil {
		return err
	}
	prev, ok := t.st.jobs[job.ID]
	if !ok {
		return apperr.NotFound("job %s not found", job.ID)
	}
	if err := checkJobInvariants(job); err != nil {
		return err
	}
	job.Images = prev.Images
	t.st.jobs[job.ID] = job
	return t.appendEvent(ev)
}

func (t *memTx) DeleteJob(_ context.Context, job models.Job, ev models.NewEvent) error {
	if err := t.s.takeFault(OpDeleteJob); err != nil {
		return err
	}
	existing, ok := t.st.jobs[job.ID]
	if !ok || existing.TenantID != job.TenantID {
		return apperr.NotFound("job %s not found", job.ID)
	}
	delete(t.st.jobs, job.ID)
	return t.appendEvent(ev)
}

func (t *memTx) appendEvent(ev models.NewEvent) error {
	if err := t.s.takeFault(OpAppendEvent); err != nil {
		return err
	}
	if ev.TenantID == "" || ev.EventType == "" || ev.EntityID == "" {
		return errors.New("append event: tenant, type and entity are required")
	}
	data, err := encodeData(ev.Data)
	if err != nil {
		return err
	}
	t.st.nextEventID++
	t.st.events = append(t.st.events, models.OutboxEvent{
		EventID:    t.st.nextEventID,
		TenantID:   ev.TenantID,
		EventType:  ev.EventType,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Data:       data,
		CreatedAt:  t.s.now(),
	})
	return nil
}

func (t *memTx) LockInventoryRecord(_ context.Context, tenantID, id string) (models.InventoryRecord, error) {
	rec, ok := t.st.inventory[id]
	if !ok || rec.TenantID != tenantID {
		return models.InventoryRecord{}, apperr.NotFound("inventory record %s not found", id)
	}
	return rec, nil
}

func (t *memTx) InsertInventoryRecord(_ context.Context, rec models.InventoryRecord) error {
	if _, exists := t.st.inventory[rec.ID]; exists {
		return fmt.Errorf("insert inventory record: duplicate id %s", rec.ID)
	}
	rec.ISBN = catalog.NormalizeISBN(rec.ISBN)
	t.st.inventory[rec.ID] = rec
	return nil
}

func (t *memTx) IncrementInventoryQuantity(_ context.Context, tenantID, id string) error {
	rec, ok := t.st.inventory[id]
	if !ok || rec.TenantID != tenantID {
		return apperr.NotFound("inventory record %s not found", id)
	}
	rec.Quantity++
	rec.UpdatedAt = t.s.now()
	t.st.inventory[id] = rec
	return nil
}

// checkJobInvariants mirrors the table CHECK constraints.
func checkJobInvariants(job models.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("job %s: invalid status %q", job.ID, job.Status)
	}
	if (job.Status == models.StatusCompleted) != (job.Metadata != nil) {
		return fmt.Errorf("job %s: metadata must be present exactly when completed", job.ID)
	}
	if (job.Status == models.StatusFailed) != (job.ErrorMessage != nil) {
		return fmt.Errorf("job %s: error message must be present exactly when failed", job.ID)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.st.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job %s not found", id)
	}
	return job, nil
}

func (s *Store) ListJobs(_ context.Context, q models.JobListQuery) ([]models.Job, error) {
	q = q.Normalize()
	if q.TenantID == "" {
		return nil, apperr.Validation("tenant is required")
	}
	less, ok := jobOrderings[q.Sort]
	if !ok {
		return nil, apperr.Validation("unsupported sort %q", q.Sort)
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, apperr.Validation("unsupported status %q", q.Status)
	}

	s.mu.Lock()
	var out []models.Job
	for _, job := range s.st.jobs {
		if job.TenantID != q.TenantID {
			continue
		}
		if q.Status != "" && job.Status != q.Status {
			continue
		}
		if q.SubmitterID != "" && job.SubmitterID != q.SubmitterID {
			continue
		}
		if q.CreatedAfter != nil && job.CreatedAt.Before(*q.CreatedAfter) {
			continue
		}
		if q.CreatedBefore != nil && !job.CreatedAt.Before(*q.CreatedBefore) {
			continue
		}
		out = append(out, job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if q.Offset >= len(out) {
		return nil, nil
	}
	out = out[q.Offset:]
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

var jobOrderings = map[models.JobSort]func(a, b models.Job) bool{
	models.SortCreatedDesc: func(a, b models.Job) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	},
	models.SortCreatedAsc: func(a, b models.Job) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	},
	models.SortUpdatedDesc: func(a, b models.Job) bool {
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	},
	models.SortStatus: func(a, b models.Job) bool {
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		return a.CreatedAt.After(b.CreatedAt)
	},
}

func (s *Store) ListStaleJobs(_ context.Context, status models.JobStatus, cutoff time.Time, limit int) ([]models.Job, error) {
	if status != models.StatusProcessing && status != models.StatusPending {
		return nil, apperr.Validation("stale sweep does not apply to status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, job := range s.st.jobs {
		if job.Status != status {
			continue
		}
		since := job.CreatedAt
		if status == models.StatusProcessing {
			if job.ProcessingStartedAt == nil {
				continue
			}
			since = *job.ProcessingStartedAt
		}
		if since.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindCandidates(_ context.Context, tenantID string, md models.Metadata) ([]models.InventoryRecord, error) {
	isbn := catalog.NormalizeISBN(md.ISBN)
	prefix := ""
	if key := catalog.TitleKey(md.Title); key != "" {
		prefix = catalog.SearchPrefix(key)
	}
	if isbn == "" && prefix == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.InventoryRecord
	for _, rec := range s.st.inventory {
		if rec.TenantID != tenantID {
			continue
		}
		if (isbn != "" && rec.ISBN == isbn) || (prefix != "" && strings.HasPrefix(catalog.TitleKey(rec.Title), prefix)) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
