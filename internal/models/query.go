package models

import (
	"fmt"
	"time"
)

// JobSort is the closed set of orderings accepted by job listings.
type JobSort string

const (
	SortCreatedDesc JobSort = "created_desc"
	SortCreatedAsc  JobSort = "created_asc"
	SortUpdatedDesc JobSort = "updated_desc"
	SortStatus      JobSort = "status"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ParseJobSort maps a caller-supplied value onto JobSort. Empty means SortCreatedDesc.
func ParseJobSort(v string) (JobSort, error) {
	switch s := JobSort(v); s {
	case "":
		return SortCreatedDesc, nil
	case SortCreatedDesc, SortCreatedAsc, SortUpdatedDesc, SortStatus:
		return s, nil
	default:
		return "", fmt.Errorf("unsupported sort %q", v)
	}
}

// ParseJobStatus maps a caller-supplied status filter onto JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unsupported status %q", v)
	}
	return s, nil
}

// JobListQuery filters a tenant's jobs. Only enum-typed fields select columns.
type JobListQuery struct {
	TenantID      string
	Status        JobStatus
	SubmitterID   string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Sort          JobSort
	Limit         int
	Offset        int
}

// Normalize applies defaults and bounds.
func (q JobListQuery) Normalize() JobListQuery {
	if q.Sort == "" {
		q.Sort = SortCreatedDesc
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
