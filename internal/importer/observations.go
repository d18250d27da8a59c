package importer

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/provider-qa/internal/model"
)

// ObservationRecord is one entry of an observations file. The provider is
// identified by ID or by NPI.
type ObservationRecord struct {
	ProviderID string         `yaml:"provider_id"`
	NPI        string         `yaml:"npi"`
	SourceType string         `yaml:"source_type"`
	Found      *bool          `yaml:"found"`
	Payload    map[string]any `yaml:"payload"`
	ObservedAt *time.Time     `yaml:"observed_at"`
}

type observationFile struct {
	Observations []ObservationRecord `yaml:"observations"`
}

// ParseObservations decodes an observations document. YAML and JSON are
// both accepted; the document is either a list of records or a mapping
// with an "observations" list.
func ParseObservations(data []byte) ([]ObservationRecord, error) {
	var list []ObservationRecord
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc observationFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "importer: parse observations")
	}
	return doc.Observations, nil
}

// ObservationSummary reports the outcome of an observation import.
type ObservationSummary struct {
	Stored      int        `json:"stored"`
	Skipped     int        `json:"skipped"`
	Errors      []RowError `json:"errors,omitempty"`
	ProviderIDs []string   `json:"provider_ids"`
}

// ImportObservations stores every observation in the file at path.
func (im *Importer) ImportObservations(ctx context.Context, path string) (*ObservationSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "importer: read %s", path)
	}
	records, err := ParseObservations(data)
	if err != nil {
		return nil, err
	}
	return im.StoreObservations(ctx, records)
}

// StoreObservations resolves each record's provider and stores the
// observations in one batch. Records naming an unknown provider or source
// type are skipped and reported.
func (im *Importer) StoreObservations(ctx context.Context, records []ObservationRecord) (*ObservationSummary, error) {
	sum := &ObservationSummary{}
	seen := make(map[string]bool)
	now := time.Now().UTC()

	obs := make([]model.SourceObservation, 0, len(records))
	for i, rec := range records {
		o, err := im.resolve(ctx, rec, now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "importer: cancelled")
			}
			sum.Skipped++
			sum.Errors = append(sum.Errors, RowError{Row: i + 1, Reason: err.Error()})
			continue
		}
		obs = append(obs, o)
		if !seen[o.ProviderID] {
			seen[o.ProviderID] = true
			sum.ProviderIDs = append(sum.ProviderIDs, o.ProviderID)
		}
	}

	if err := im.store.AddObservations(ctx, obs); err != nil {
		return nil, eris.Wrap(err, "importer: store observations")
	}
	sum.Stored = len(obs)

	zap.L().Info("importer: observations stored",
		zap.Int("stored", sum.Stored),
		zap.Int("skipped", sum.Skipped),
		zap.Int("providers", len(sum.ProviderIDs)),
	)
	return sum, nil
}

func (im *Importer) resolve(ctx context.Context, rec ObservationRecord, now time.Time) (model.SourceObservation, error) {
	st := model.SourceType(strings.ToUpper(strings.TrimSpace(rec.SourceType)))
	if !st.Valid() {
		return model.SourceObservation{}, eris.Errorf("unknown source type %q", rec.SourceType)
	}

	var p *model.Provider
	var err error
	switch {
	case rec.ProviderID != "":
		p, err = im.store.GetProvider(ctx, rec.ProviderID)
	case rec.NPI != "":
		p, err = im.store.GetProviderByNPI(ctx, rec.NPI)
	default:
		return model.SourceObservation{}, eris.New("record has neither provider_id nor npi")
	}
	if err != nil {
		return model.SourceObservation{}, eris.Wrap(err, "resolve provider")
	}

	o := model.SourceObservation{
		ProviderID: p.ID,
		SourceType: st,
		Found:      rec.Found == nil || *rec.Found,
		Payload:    rec.Payload,
		CreatedAt:  now,
	}
	if rec.ObservedAt != nil {
		o.CreatedAt = rec.ObservedAt.UTC()
	}
	return o, nil
}
