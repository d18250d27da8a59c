package model

import "time"

// ValidationRun groups one batch execution of detection and reconciliation.
type ValidationRun struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	TotalProviders   int        `json:"total_providers"`
	Processed        int        `json:"processed"`
	SuccessCount     int        `json:"success_count"`
	NeedsReviewCount int        `json:"needs_review_count"`
}

// Completed reports whether the run has been stamped complete.
func (r *ValidationRun) Completed() bool {
	return r.CompletedAt != nil
}
