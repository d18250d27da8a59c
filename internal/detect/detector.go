// Package detect compares a provider record against the latest observation
// of each source and proposes at most one correction per field.
package detect

import (
	"sort"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/scoring"
	"github.com/sells-group/provider-qa/internal/similarity"
)

const (
	// notFoundConfidence is assigned to the manual-verification issue raised
	// when the geocoder cannot find the address.
	notFoundConfidence = 0.3

	// lowMatchScore is the geocoder match score below which the address is
	// flagged even when every component agrees.
	lowMatchScore  = 0.6
	lowMatchFactor = 0.8
)

// Suggestion is the best correction found for one field.
type Suggestion struct {
	Field      string           `json:"field"`
	OldValue   string           `json:"old_value"`
	Suggested  *string          `json:"suggested_value"`
	Confidence float64          `json:"confidence"`
	Severity   model.Severity   `json:"severity"`
	Action     model.Action     `json:"action"`
	Source     model.SourceType `json:"source_type"`
	Signals    scoring.Signals  `json:"signals"`
}

// Detector produces suggestions. It holds no state beyond its scoring model
// and is safe for concurrent use.
type Detector struct {
	scoring *scoring.Model
}

// New creates a Detector. A nil model uses the defaults.
func New(m *scoring.Model) *Detector {
	if m == nil {
		m = scoring.DefaultModel()
	}
	return &Detector{scoring: m}
}

// Detect returns the best suggestion per disagreeing field. Sources are
// visited in priority order; see merge for how competing suggestions resolve.
func (d *Detector) Detect(p *model.Provider, obs []model.SourceObservation) map[string]Suggestion {
	out := make(map[string]Suggestion)
	if p == nil || len(obs) == 0 {
		return out
	}

	latest := model.LatestBySource(obs)
	for _, st := range model.KnownSourceTypes {
		o, ok := latest[st]
		if !ok {
			continue
		}
		for _, s := range d.evaluate(p, o, latest) {
			merge(out, s)
		}
		if _, exists := out[FieldAddress]; !exists {
			if s, ok := d.lowMatch(p, o); ok {
				out[FieldAddress] = s
			}
		}
	}
	return out
}

// evaluate returns one suggestion per field on which o disagrees with p.
func (d *Detector) evaluate(p *model.Provider, o model.SourceObservation, latest map[model.SourceType]model.SourceObservation) []Suggestion {
	if o.SourceType == model.SourceAzureMaps && addressNotFound(o) {
		return []Suggestion{{
			Field:      FieldAddress,
			OldValue:   fields[FieldAddress].current(p),
			Confidence: notFoundConfidence,
			Severity:   model.SeverityHigh,
			Action:     model.ActionNeedsReview,
			Source:     o.SourceType,
		}}
	}
	if !o.Found {
		return nil
	}

	var out []Suggestion
	for _, name := range authoritative[o.SourceType] {
		f := fields[name]
		reported, ok := f.reported(o)
		if !ok {
			continue
		}
		old := f.current(p)
		if !f.differs(old, reported) {
			continue
		}
		out = append(out, d.score(f, old, reported, o.SourceType, latest))
	}
	return out
}

// score builds the corroboration for one candidate value and turns it into
// a scored suggestion.
func (d *Detector) score(f field, old, reported string, source model.SourceType, latest map[model.SourceType]model.SourceObservation) Suggestion {
	target := normalize(f.kind, reported)
	corr := scoring.NewCorroboration(source)
	for _, st := range model.KnownSourceTypes {
		if st == source || !Reports(st, f.name) {
			continue
		}
		other, ok := latest[st]
		if !ok || !other.Found || (st == model.SourceAzureMaps && addressNotFound(other)) {
			continue
		}
		v, ok := f.reported(other)
		if !ok {
			continue
		}
		corr.Observe(st, normalize(f.kind, v) == target)
	}

	sig := scoring.Signals{Source: corr.Score(d.scoring.Weights)}
	if f.address {
		sig.Address = similarity.Address(old, reported)
	} else {
		sig.Address = d.scoring.Placeholder(source)
	}
	if f.name == FieldPhone {
		sig.Phone = 1
	}

	conf := scoring.FinalScore(sig)
	suggested := reported
	return Suggestion{
		Field:      f.name,
		OldValue:   old,
		Suggested:  &suggested,
		Confidence: conf,
		Severity:   d.scoring.Severity(conf),
		Action:     d.scoring.Action(conf),
		Source:     source,
		Signals:    sig,
	}
}

// lowMatch flags a geocoder result whose match score is weak.
func (d *Detector) lowMatch(p *model.Provider, o model.SourceObservation) (Suggestion, bool) {
	if o.SourceType != model.SourceAzureMaps || !o.Found {
		return Suggestion{}, false
	}
	score, ok := o.Number("score")
	if !ok || score >= lowMatchScore {
		return Suggestion{}, false
	}

	conf := lowMatchFactor * score
	s := Suggestion{
		Field:      FieldAddress,
		OldValue:   fields[FieldAddress].current(p),
		Confidence: conf,
		Severity:   model.SeverityMedium,
		Action:     d.scoring.Action(conf),
		Source:     o.SourceType,
	}
	if street, ok := fields[FieldAddress].reported(o); ok {
		s.Suggested = &street
	}
	return s, true
}

// merge keeps the first suggestion for a field. A later one replaces it
// only with strictly higher confidence, and scraped or OCR sources never do.
func merge(out map[string]Suggestion, s Suggestion) {
	cur, ok := out[s.Field]
	if !ok {
		out[s.Field] = s
		return
	}
	if neverOverwrites(s.Source) {
		return
	}
	if s.Confidence > cur.Confidence {
		out[s.Field] = s
	}
}

func neverOverwrites(st model.SourceType) bool {
	switch st {
	case model.SourceScrapeEnrichment, model.SourceScrapeFallback, model.SourcePDFOCR:
		return true
	}
	return false
}

func addressNotFound(o model.SourceObservation) bool {
	if !o.Found {
		return true
	}
	valid, ok := o.Bool("isValid", "is_valid")
	return ok && !valid
}

// Issues converts suggestions into unpersisted OPEN issues ordered by field.
func Issues(providerID, runID string, suggestions map[string]Suggestion) []model.Issue {
	names := make([]string, 0, len(suggestions))
	for name := range suggestions {
		names = append(names, name)
	}
	sort.Strings(names)

	issues := make([]model.Issue, 0, len(names))
	for _, name := range names {
		s := suggestions[name]
		var suggested *string
		if s.Suggested != nil {
			v := *s.Suggested
			suggested = &v
		}
		issues = append(issues, model.Issue{
			ProviderID:     providerID,
			RunID:          runID,
			FieldName:      s.Field,
			OldValue:       s.OldValue,
			SuggestedValue: suggested,
			Confidence:     s.Confidence,
			Severity:       s.Severity,
			Action:         s.Action,
			SourceType:     s.Source,
			Status:         model.IssueOpen,
		})
	}
	return issues
}
