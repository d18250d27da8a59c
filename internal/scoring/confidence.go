package scoring

import (
	"math"

	"github.com/sells-group/provider-qa/internal/model"
)

// DefaultThreshold is the confidence at or above which a correction is
// applied without review.
const DefaultThreshold = 0.60

// Signal weights of the final score.
const (
	weightSource  = 0.5
	weightAddress = 0.3
	weightPhone   = 0.2
)

// Placeholder bounds for non-address fields.
const (
	minPlaceholder = 0.2
	maxPlaceholder = 0.8
)

// Signals are the inputs of FinalScore.
type Signals struct {
	Source  float64 `json:"source"`
	Address float64 `json:"address"`
	Phone   float64 `json:"phone"`
}

// FinalScore combines the signals as 0.5·source + 0.3·address + 0.2·phone.
// Inputs and output are clamped to [0,1].
func FinalScore(s Signals) float64 {
	return clamp01(weightSource*clamp01(s.Source) +
		weightAddress*clamp01(s.Address) +
		weightPhone*clamp01(s.Phone))
}

// DetermineAction returns AUTO_ACCEPT when confidence reaches threshold.
func DetermineAction(confidence, threshold float64) model.Action {
	if confidence >= threshold {
		return model.ActionAutoAccept
	}
	return model.ActionNeedsReview
}

// DetermineSeverity is the inverse of the action: a confident correction is
// LOW urgency for a reviewer, an unconfident one HIGH.
func DetermineSeverity(confidence, threshold float64) model.Severity {
	if confidence >= threshold {
		return model.SeverityLow
	}
	return model.SeverityHigh
}

// Model carries the tunable parts of scoring.
type Model struct {
	Threshold    float64
	Weights      Weights
	Placeholders map[model.SourceType]float64
}

// DefaultPlaceholders are the non-address contributions per source type.
func DefaultPlaceholders() map[model.SourceType]float64 {
	return map[model.SourceType]float64{
		model.SourceNPI:               0.8,
		model.SourceNPICertifications: 0.8,
		model.SourceAzureMaps:         0.7,
		model.SourceAzurePOI:          0.7,
		model.SourceTrueLensWebsite:   0.6,
		model.SourceScrapeEnrichment:  0.5,
		model.SourceScrapeFallback:    0.5,
		model.SourcePDFOCR:            0.4,
	}
}

// DefaultModel returns the reference scoring model.
func DefaultModel() *Model {
	return &Model{
		Threshold:    DefaultThreshold,
		Weights:      DefaultWeights(),
		Placeholders: DefaultPlaceholders(),
	}
}

// Action applies DetermineAction with the model threshold.
func (m *Model) Action(confidence float64) model.Action {
	return DetermineAction(confidence, m.Threshold)
}

// Severity applies DetermineSeverity with the model threshold.
func (m *Model) Severity(confidence float64) model.Severity {
	return DetermineSeverity(confidence, m.Threshold)
}

// Placeholder returns the non-address contribution for a source type,
// clamped to [0.2, 0.8]. Unknown types get the lower bound.
func (m *Model) Placeholder(st model.SourceType) float64 {
	v, ok := m.Placeholders[st]
	if !ok {
		return minPlaceholder
	}
	return math.Min(maxPlaceholder, math.Max(minPlaceholder, v))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
