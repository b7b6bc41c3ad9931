// Package events builds outbox payloads for job mutations. Each event type has
// an explicit allow-list of fields; anything not listed is never broadcast.
package events

import (
	"fmt"

	"catalog-pipeline/internal/models"
)

const (
	FieldJobID             = "job_id"
	FieldStatus            = "status"
	FieldPreviousStatus    = "previous_status"
	FieldRetryOf           = "retry_of"
	FieldImageCount        = "image_count"
	FieldMatchCount        = "match_count"
	FieldInventoryRecordID = "inventory_record_id"
)

var allowList = map[models.EventType][]string{
	models.EventJobCreated:    {FieldJobID, FieldStatus, FieldRetryOf, FieldImageCount},
	models.EventJobProcessing: {FieldJobID, FieldStatus, FieldPreviousStatus},
	models.EventJobUpdated:    {FieldJobID, FieldStatus, FieldPreviousStatus, FieldMatchCount},
	models.EventJobFailed:     {FieldJobID, FieldStatus, FieldPreviousStatus},
	models.EventJobFinalized:  {FieldJobID, FieldStatus, FieldInventoryRecordID},
	models.EventJobDeleted:    {FieldJobID, FieldStatus},
}

// AllowedFields returns the payload fields permitted for t.
func AllowedFields(t models.EventType) []string {
	return append([]string(nil), allowList[t]...)
}

// ForJob describes a mutation of job. previous is the status before the mutation
// (empty for creations).
func ForJob(t models.EventType, job models.Job, previous models.JobStatus) (models.NewEvent, error) {
	fields, ok := allowList[t]
	if !ok {
		return models.NewEvent{}, fmt.Errorf("unknown event type %q", t)
	}
	if job.ID == "" || job.TenantID == "" {
		return models.NewEvent{}, fmt.Errorf("event %s: job id and tenant are required", t)
	}

	facts := map[string]any{
		FieldJobID:      job.ID,
		FieldStatus:     string(job.Status),
		FieldImageCount: len(job.Images),
		FieldMatchCount: len(job.CandidateMatches),
	}
	if previous != "" {
		facts[FieldPreviousStatus] = string(previous)
	}
	if job.RetryOf != nil {
		facts[FieldRetryOf] = *job.RetryOf
	}
	if job.InventoryRecordID != nil {
		facts[FieldInventoryRecordID] = *job.InventoryRecordID
	}

	data := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := facts[f]; ok {
			data[f] = v
		}
	}

	return models.NewEvent{
		TenantID:   job.TenantID,
		EventType:  t,
		EntityType: models.EntityCatalogingJob,
		EntityID:   job.ID,
		Data:       data,
	}, nil
}
