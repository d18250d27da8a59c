// Package scoring turns per-field disagreement signals into a confidence
// value and the action/severity derived from it.
package scoring

import (
	"sort"

	"github.com/sells-group/provider-qa/internal/model"
)

// Source families share one reliability weight.
const (
	FamilyNPI    = "npi"
	FamilyAzure  = "azure"
	FamilyScrape = "scrape"
	FamilyPDF    = "pdf"
)

// Weights maps a source family to its reliability weight.
type Weights map[string]float64

// DefaultWeights returns the reference reliability weights.
func DefaultWeights() Weights {
	return Weights{
		FamilyNPI:    0.95,
		FamilyAzure:  0.85,
		FamilyScrape: 0.70,
		FamilyPDF:    0.60,
	}
}

// FamilyOf returns the credibility family of a source type, or "" for an
// unknown type.
func FamilyOf(st model.SourceType) string {
	switch st {
	case model.SourceNPI, model.SourceNPICertifications:
		return FamilyNPI
	case model.SourceAzureMaps, model.SourceAzurePOI:
		return FamilyAzure
	case model.SourceScrapeEnrichment, model.SourceScrapeFallback, model.SourceTrueLensWebsite:
		return FamilyScrape
	case model.SourcePDFOCR:
		return FamilyPDF
	}
	return ""
}

// Vote returns the weighted fraction of the passed flags that are true.
// The denominator is the weight of every known flag passed, true or false;
// unknown names count nowhere. No true flag yields 0.
func (w Weights) Vote(flags map[string]bool) float64 {
	// Fixed summation order keeps the result independent of map iteration.
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var num, den float64
	for _, name := range names {
		weight, ok := w[name]
		if !ok {
			continue
		}
		den += weight
		if flags[name] {
			num += weight
		}
	}
	if num == 0 || den == 0 {
		return 0
	}
	return clamp01(num / den)
}

// SourceWeightedVote applies Vote with the default weights.
func SourceWeightedVote(flags map[string]bool) float64 {
	return DefaultWeights().Vote(flags)
}

// Corroboration records, for one candidate value of one field, which source
// families agree with it. The family that proposed the value always agrees.
type Corroboration struct {
	primary string
	flags   map[string]bool
}

// NewCorroboration starts a corroboration for a value proposed by source.
func NewCorroboration(source model.SourceType) *Corroboration {
	primary := FamilyOf(source)
	c := &Corroboration{primary: primary, flags: map[string]bool{}}
	if primary != "" {
		c.flags[primary] = true
	}
	return c
}

// Observe registers another source's opinion on the field. A family counts
// as agreeing if any of its sources agrees.
func (c *Corroboration) Observe(source model.SourceType, agrees bool) {
	family := FamilyOf(source)
	if family == "" {
		return
	}
	c.flags[family] = c.flags[family] || agrees
}

// Flags returns a copy of the family flags.
func (c *Corroboration) Flags() map[string]bool {
	out := make(map[string]bool, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// Score is the proposing family's weight scaled by the weighted vote. An
// uncontested value scores exactly its family weight.
func (c *Corroboration) Score(w Weights) float64 {
	return clamp01(w[c.primary] * w.Vote(c.flags))
}
