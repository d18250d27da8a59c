package model

import "time"

// IssueStatus is the lifecycle state of an issue. OPEN is the only
// non-terminal state.
type IssueStatus string

const (
	IssueOpen     IssueStatus = "OPEN"
	IssueAccepted IssueStatus = "ACCEPTED"
	IssueRejected IssueStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s IssueStatus) Terminal() bool {
	return s == IssueAccepted || s == IssueRejected
}

// Severity is how urgently a human should look at an issue.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Action is the automated disposition of an issue.
type Action string

const (
	ActionAutoAccept  Action = "AUTO_ACCEPT"
	ActionNeedsReview Action = "NEEDS_REVIEW"
)

// Issue is a candidate correction of one provider field.
type Issue struct {
	ID             string      `json:"id"`
	ProviderID     string      `json:"provider_id"`
	RunID          string      `json:"run_id"`
	FieldName      string      `json:"field_name"`
	OldValue       string      `json:"old_value"`
	SuggestedValue *string     `json:"suggested_value"`
	Confidence     float64     `json:"confidence"`
	Severity       Severity    `json:"severity"`
	Action         Action      `json:"action"`
	SourceType     SourceType  `json:"source_type"`
	Status         IssueStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}
