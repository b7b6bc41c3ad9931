package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ImageSlot names the photographed part of the book.
type ImageSlot string

const (
	SlotCover         ImageSlot = "cover"
	SlotTitlePage     ImageSlot = "title_page"
	SlotCopyrightPage ImageSlot = "copyright_page"
)

// SlotOrder is the canonical order images are stored and sent in.
var SlotOrder = []ImageSlot{SlotCover, SlotTitlePage, SlotCopyrightPage}

// RequiredSlots must be present on every submission.
var RequiredSlots = []ImageSlot{SlotCover, SlotTitlePage}

// ImageRef points at an uploaded photo (s3://bucket/key or an http(s) URL).
type ImageRef struct {
	Slot ImageSlot `json:"slot"`
	Ref  string    `json:"ref"`
}

// Metadata is the structured bibliographic record produced by extraction.
type Metadata struct {
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle,omitempty"`
	Authors          []string `json:"authors,omitempty"`
	Publisher        string   `json:"publisher,omitempty"`
	Year             int      `json:"year,omitempty"`
	EditionStatement string   `json:"edition_statement,omitempty"`
	DustJacket       bool     `json:"dust_jacket"`
	ISBN             string   `json:"isbn,omitempty"`
}

// MatchReason records which tier produced a candidate.
type MatchReason string

const (
	MatchISBN            MatchReason = "isbn_exact"
	MatchTitleAuthorYear MatchReason = "title_author_year_exact"
	MatchFuzzyTitle      MatchReason = "fuzzy_title"
)

// CandidateMatch is an existing inventory record the job may describe.
type CandidateMatch struct {
	RecordID string      `json:"record_id"`
	Title    string      `json:"title"`
	Authors  []string    `json:"authors,omitempty"`
	Year     int         `json:"year,omitempty"`
	ISBN     string      `json:"isbn,omitempty"`
	Reason   MatchReason `json:"reason"`
	Score    float64     `json:"score"`
}

// Job represents a cataloging job persisted in Postgres.
type Job struct {
	ID                  string           `json:"id"`
	TenantID            string           `json:"tenant_id"`
	SubmitterID         string           `json:"submitter_id"`
	Status              JobStatus        `json:"status"`
	Images              []ImageRef       `json:"images"`
	Metadata            *Metadata        `json:"metadata,omitempty"`
	CandidateMatches    []CandidateMatch `json:"candidate_matches,omitempty"`
	ErrorMessage        *string          `json:"error_message,omitempty"`
	RetryOf             *string          `json:"retry_of,omitempty"`
	InventoryRecordID   *string          `json:"inventory_record_id,omitempty"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty"`
	FinalizedAt         *time.Time       `json:"finalized_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// InventoryRecord is a catalogued book owned by a tenant.
type InventoryRecord struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Title            string    `json:"title"`
	Subtitle         string    `json:"subtitle,omitempty"`
	Authors          []string  `json:"authors,omitempty"`
	Publisher        string    `json:"publisher,omitempty"`
	Year             int       `json:"year,omitempty"`
	EditionStatement string    `json:"edition_statement,omitempty"`
	DustJacket       bool      `json:"dust_jacket"`
	ISBN             string    `json:"isbn,omitempty"`
	Quantity         int       `json:"quantity"`
	SourceJobID      *string   `json:"source_job_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
