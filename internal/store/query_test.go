package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/catalog"
	"catalog-pipeline/internal/models"
)

var testBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func TestBuildListJobsFiltersAndSort(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args, err := buildListJobs(testBuilder, models.JobListQuery{
		TenantID:     "t1",
		Status:       models.StatusFailed,
		SubmitterID:  "u1",
		CreatedAfter: &after,
		Sort:         models.SortUpdatedDesc,
		Limit:        500,
		Offset:       20,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, frag := range []string{
		"FROM cataloging_jobs",
		"tenant_id = $1",
		"status = $2",
		"submitter_id = $3",
		"created_at >= $4",
		"ORDER BY updated_at DESC, id DESC",
		"LIMIT 100",
		"OFFSET 20",
	} {
		if !strings.Contains(query, frag) {
			t.Fatalf("expected %q in %s", frag, query)
		}
	}
	if len(args) != 4 || args[0] != "t1" || args[1] != "failed" || args[2] != "u1" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildListJobsDefaults(t *testing.T) {
	query, args, err := buildListJobs(testBuilder, models.JobListQuery{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(query, "ORDER BY created_at DESC, id DESC") || !strings.Contains(query, "LIMIT 50") {
		t.Fatalf("unexpected default query %s", query)
	}
	if len(args) != 1 {
		t.Fatalf("expected only tenant arg, got %v", args)
	}
}

func TestBuildListJobsRejectsUnknownEnums(t *testing.T) {
	_, _, err := buildListJobs(testBuilder, models.JobListQuery{TenantID: "t1", Sort: "created_at; DROP TABLE cataloging_jobs"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown sort, got %v", err)
	}
	_, _, err = buildListJobs(testBuilder, models.JobListQuery{TenantID: "t1", Status: "archived"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
	_, _, err = buildListJobs(testBuilder, models.JobListQuery{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error without tenant, got %v", err)
	}
}

func TestBuildFindCandidates(t *testing.T) {
	query, args, ok, err := buildFindCandidates(testBuilder, "t1", models.Metadata{Title: "The Hobbit, or There", ISBN: "0-261-10221-4"})
	if err != nil || !ok {
		t.Fatalf("build: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(query, "(isbn = $2 OR title_key LIKE $3)") {
		t.Fatalf("unexpected query %s", query)
	}
	if args[1] != "9780261102217" || args[2] != "hobbit%" {
		t.Fatalf("unexpected args %v", args)
	}
	// Tier ordering must come before the row cap.
	if !strings.Contains(query, "ORDER BY (isbn = $4) DESC, (title_key = $5) DESC, id LIMIT 200") {
		t.Fatalf("expected tier ordering ahead of the limit, got %s", query)
	}
	if len(args) != 5 || args[3] != "9780261102217" || args[4] != catalog.TitleKey("The Hobbit, or There") {
		t.Fatalf("unexpected order args %v", args)
	}

	query, args, ok, err = buildFindCandidates(testBuilder, "t1", models.Metadata{Title: "History of the Peloponnesian War"})
	if err != nil || !ok {
		t.Fatalf("build title only: ok=%v err=%v", ok, err)
	}
	if !strings.Contains(query, "ORDER BY (title_key = $3) DESC, id LIMIT 200") || strings.Contains(query, "isbn =") {
		t.Fatalf("unexpected title-only query %s", query)
	}
	if len(args) != 3 || args[1] != "history%" {
		t.Fatalf("unexpected title-only args %v", args)
	}

	_, _, ok, err = buildFindCandidates(testBuilder, "t1", models.Metadata{})
	if err != nil || ok {
		t.Fatalf("expected no query for empty metadata, ok=%v err=%v", ok, err)
	}
}

func TestSuccessRate(t *testing.T) {
	if SuccessRate(0, 0) != 1 {
		t.Fatalf("expected 1 with no attempts")
	}
	if got := SuccessRate(3, 4); got != 0.75 {
		t.Fatalf("expected 0.75, got %v", got)
	}
}
