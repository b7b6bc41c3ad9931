package events

import (
	"encoding/json"
	"strings"
	"testing"

	"catalog-pipeline/internal/models"
)

func TestForJobOnlyEmitsAllowedFields(t *testing.T) {
	retryOf := "orig-1"
	record := "rec-9"
	msg := "secret upstream body"
	job := models.Job{
		ID:       "job-1",
		TenantID: "tenant-a",
		Status:   models.StatusCompleted,
		Images:   []models.ImageRef{{Slot: models.SlotCover, Ref: "s3://b/k"}},
		Metadata: &models.Metadata{Title: "The Hobbit", Authors: []string{"J.R.R. Tolkien"}},
		CandidateMatches: []models.CandidateMatch{
			{RecordID: "r1", Title: "The Hobbit"},
		},
		ErrorMessage:      &msg,
		RetryOf:           &retryOf,
		InventoryRecordID: &record,
	}

	for eventType := range allowList {
		ev, err := ForJob(eventType, job, models.StatusProcessing)
		if err != nil {
			t.Fatalf("%s: %v", eventType, err)
		}
		allowed := map[string]bool{}
		for _, f := range AllowedFields(eventType) {
			allowed[f] = true
		}
		for k := range ev.Data {
			if !allowed[k] {
				t.Fatalf("%s: field %q not in allow-list", eventType, k)
			}
		}
		raw, _ := json.Marshal(ev.Data)
		for _, leak := range []string{"Hobbit", "Tolkien", "s3://", "secret"} {
			if strings.Contains(string(raw), leak) {
				t.Fatalf("%s payload leaked %q: %s", eventType, leak, raw)
			}
		}
		if ev.EntityID != job.ID || ev.TenantID != job.TenantID || ev.EntityType != models.EntityCatalogingJob {
			t.Fatalf("%s: unexpected envelope %+v", eventType, ev)
		}
	}
}

func TestForJobCreatedCarriesRetryReference(t *testing.T) {
	retryOf := "orig-1"
	ev, err := ForJob(models.EventJobCreated, models.Job{ID: "j2", TenantID: "t", Status: models.StatusPending, RetryOf: &retryOf}, "")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Data[FieldRetryOf] != "orig-1" {
		t.Fatalf("expected retry_of in payload, got %v", ev.Data)
	}
	if _, ok := ev.Data[FieldPreviousStatus]; ok {
		t.Fatalf("job_created must not carry previous_status")
	}
}

func TestForJobRejectsUnknownType(t *testing.T) {
	if _, err := ForJob("job_exploded", models.Job{ID: "j", TenantID: "t"}, ""); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
}
