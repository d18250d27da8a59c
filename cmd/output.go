package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sells-group/provider-qa/internal/model"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatRunsList(out io.Writer, runs []model.ValidationRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTARTED\tPROVIDERS\tPROCESSED\tSUCCESS\tREVIEW\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-------\t---------\t---------\t-------\t------\t--------")

	for _, r := range runs {
		dur := "running"
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.StartedAt.Format("2006-01-02 15:04"),
			r.TotalProviders,
			r.Processed,
			r.SuccessCount,
			r.NeedsReviewCount,
			dur,
		)
	}
	_ = w.Flush()
}

func formatIssuesList(out io.Writer, issues []model.Issue) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROVIDER\tFIELD\tOLD\tSUGGESTED\tCONF\tSEVERITY\tSOURCE\tSTATUS")
	_, _ = fmt.Fprintln(w, "--\t--------\t-----\t---\t---------\t----\t--------\t------\t------")

	for _, is := range issues {
		suggested := "-"
		if is.SuggestedValue != nil {
			suggested = *is.SuggestedValue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.3f\t%s\t%s\t%s\n",
			truncateID(is.ID),
			truncateID(is.ProviderID),
			is.FieldName,
			clip(is.OldValue, 30),
			clip(suggested, 30),
			is.Confidence,
			is.Severity,
			is.SourceType,
			is.Status,
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
