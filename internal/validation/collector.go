package validation

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
	"github.com/sells-group/provider-qa/pkg/npi"
)

// Collector gathers source observations for a provider.
type Collector interface {
	Collect(ctx context.Context, p *model.Provider) ([]model.SourceObservation, error)
}

// StoreCollector returns the latest stored observation of every source.
type StoreCollector struct {
	Store store.Store
}

// Collect implements Collector.
func (c StoreCollector) Collect(ctx context.Context, p *model.Provider) ([]model.SourceObservation, error) {
	obs, err := c.Store.LatestObservations(ctx, p.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: stored observations for %s", p.ID)
	}
	return obs, nil
}

// NPICollector fetches the provider's registry record, stores it as
// NPI_API and NPI_CERTIFICATIONS observations and returns them. Providers
// without an NPI yield nothing.
type NPICollector struct {
	Client npi.Client
	Store  store.Store
}

// Collect implements Collector.
func (c NPICollector) Collect(ctx context.Context, p *model.Provider) ([]model.SourceObservation, error) {
	if strings.TrimSpace(p.NPI) == "" {
		return nil, nil
	}
	rec, err := c.Client.Lookup(ctx, p.NPI)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: npi lookup for %s", p.ID)
	}
	obs := RegistryObservations(p.ID, rec, time.Now().UTC())
	if c.Store != nil {
		if err := c.Store.AddObservations(ctx, obs); err != nil {
			return nil, eris.Wrapf(err, "validation: store npi observations for %s", p.ID)
		}
	}
	return obs, nil
}

// MultiCollector concatenates the observations of several collectors. A
// failing collector is logged and skipped; missing data is not an error.
type MultiCollector []Collector

// Collect implements Collector.
func (m MultiCollector) Collect(ctx context.Context, p *model.Provider) ([]model.SourceObservation, error) {
	var out []model.SourceObservation
	for _, c := range m {
		obs, err := c.Collect(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			tracing.Logger(ctx).Warn("validation: collector failed, continuing", zap.Error(err))
			continue
		}
		out = append(out, obs...)
	}
	return out, nil
}

// RegistryObservations maps a registry record onto the two NPI source
// observations. A record the registry did not find produces two
// observations with Found false.
func RegistryObservations(providerID string, rec *npi.Record, at time.Time) []model.SourceObservation {
	base := model.SourceObservation{ProviderID: providerID, CreatedAt: at}

	api := base
	api.SourceType = model.SourceNPI
	certs := base
	certs.SourceType = model.SourceNPICertifications
	if rec == nil || !rec.Found {
		return []model.SourceObservation{api, certs}
	}

	api.Found = true
	api.Payload = map[string]any{
		"npi":           rec.Number,
		"name":          rec.Name,
		"phone":         rec.Phone,
		"address_line1": rec.AddressLine1,
		"address_line2": rec.AddressLine2,
		"city":          rec.City,
		"state":         rec.State,
		"zip":           zip5(rec.PostalCode),
	}
	if rec.Credential != "" {
		api.Payload["credential"] = rec.Credential
	}

	certs.Found = len(rec.Taxonomies) > 0
	certs.Payload = map[string]any{}
	if primary, ok := rec.PrimaryTaxonomy(); ok {
		api.Payload["speciality"] = primary.Desc
		certs.Payload["certification"] = primary.Desc
		certs.Payload["license_number"] = primary.License
		certs.Payload["license_state"] = primary.State
	}
	if len(rec.Taxonomies) > 0 {
		list := make([]any, 0, len(rec.Taxonomies))
		for _, t := range rec.Taxonomies {
			list = append(list, map[string]any{
				"code":    t.Code,
				"desc":    t.Desc,
				"primary": t.Primary,
				"state":   t.State,
				"license": t.License,
			})
		}
		certs.Payload["certifications"] = list
	}
	return []model.SourceObservation{api, certs}
}

func zip5(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 5 {
		return s[:5]
	}
	return s
}
