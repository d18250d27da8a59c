//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/provider-qa/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []model.ValidationRun{
		{
			ID:               "abc12345-6789-0000-0000-000000000000",
			StartedAt:        now,
			CompletedAt:      &done,
			TotalProviders:   12,
			Processed:        12,
			SuccessCount:     9,
			NeedsReviewCount: 3,
		},
		{
			ID:             "def12345-6789-0000-0000-000000000000",
			StartedAt:      now.Add(-1 * time.Hour),
			TotalProviders: 40,
			Processed:      7,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "PROVIDERS")
	assert.Contains(t, output, "REVIEW")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "running")
}

func TestFormatIssuesList(t *testing.T) {
	suggested := "301-555-0199"
	issues := []model.Issue{
		{
			ID:             "11112222-0000-0000-0000-000000000000",
			ProviderID:     "33334444-0000-0000-0000-000000000000",
			FieldName:      "phone",
			OldValue:       "(301) 555-0100",
			SuggestedValue: &suggested,
			Confidence:     0.915,
			Severity:       model.SeverityLow,
			SourceType:     model.SourceNPI,
			Status:         model.IssueAccepted,
		},
		{
			ID:         "55556666-0000-0000-0000-000000000000",
			ProviderID: "33334444-0000-0000-0000-000000000000",
			FieldName:  "address",
			OldValue:   "123 Main Street, Building Four, Floor Two, Suite 400",
			Confidence: 0.2,
			Severity:   model.SeverityHigh,
			SourceType: model.SourceAzureMaps,
			Status:     model.IssueOpen,
		},
	}

	var buf bytes.Buffer
	formatIssuesList(&buf, issues)

	output := buf.String()
	assert.Contains(t, output, "FIELD")
	assert.Contains(t, output, "11112222")
	assert.Contains(t, output, "33334444")
	assert.Contains(t, output, "301-555-0199")
	assert.Contains(t, output, "0.915")
	assert.Contains(t, output, "ACCEPTED")
	assert.Contains(t, output, "AZURE_MAPS")
	assert.Contains(t, output, "123 Main Street, Building F...")
	assert.Contains(t, output, "-")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, printJSON(&buf, map[string]int{"success": 2}))
	assert.Equal(t, "{\n  \"success\": 2\n}\n", buf.String())
}
