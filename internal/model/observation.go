package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceType identifies the external system that produced an observation.
type SourceType string

const (
	SourceNPI               SourceType = "NPI_API"
	SourceAzureMaps         SourceType = "AZURE_MAPS"
	SourceAzurePOI          SourceType = "AZURE_POI"
	SourceScrapeEnrichment  SourceType = "SCRAPING_ENRICHMENT"
	SourceScrapeFallback    SourceType = "SCRAPING_FALLBACK"
	SourcePDFOCR            SourceType = "PDF_OCR"
	SourceTrueLensWebsite   SourceType = "TRUELENS_WEBSITE"
	SourceNPICertifications SourceType = "NPI_CERTIFICATIONS"
)

// KnownSourceTypes lists every source type the detector understands.
var KnownSourceTypes = []SourceType{
	SourceNPI,
	SourceNPICertifications,
	SourceAzureMaps,
	SourceAzurePOI,
	SourceTrueLensWebsite,
	SourceScrapeEnrichment,
	SourceScrapeFallback,
	SourcePDFOCR,
}

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	for _, k := range KnownSourceTypes {
		if s == k {
			return true
		}
	}
	return false
}

// SourceObservation is an immutable snapshot of what one source reported
// about one provider.
type SourceObservation struct {
	ID         string         `json:"id" yaml:"id"`
	ProviderID string         `json:"provider_id" yaml:"provider_id"`
	SourceType SourceType     `json:"source_type" yaml:"source_type"`
	Found      bool           `json:"found" yaml:"found"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
}

// String returns the first non-empty payload value under any of keys,
// rendered as a trimmed string.
func (o SourceObservation) String(keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := o.Payload[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = fmt.Sprintf("%v", t)
		}
		s = strings.TrimSpace(s)
		if s != "" {
			return s, true
		}
	}
	return "", false
}

// Value returns the raw payload value under the first present key.
func (o SourceObservation) Value(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := o.Payload[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Number returns a numeric payload value, accepting numbers and numeric strings.
func (o SourceObservation) Number(keys ...string) (float64, bool) {
	v, ok := o.Value(keys...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean payload value, accepting bools and truthy strings.
func (o SourceObservation) Bool(keys ...string) (bool, bool) {
	v, ok := o.Value(keys...)
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return Truthy(t), true
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	}
	return false, false
}

// Truthy interprets common affirmative spellings.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// LatestBySource keeps the most recent observation per source type.
func LatestBySource(obs []SourceObservation) map[SourceType]SourceObservation {
	latest := make(map[SourceType]SourceObservation, len(obs))
	for _, o := range obs {
		cur, ok := latest[o.SourceType]
		if !ok || o.CreatedAt.After(cur.CreatedAt) {
			latest[o.SourceType] = o
		}
	}
	return latest
}
