// Package validation drives validation runs: it gathers observations for
// each provider, detects discrepancies, records them as issues and applies
// the ones confident enough to auto-accept.
package validation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/provider-qa/internal/detect"
	"github.com/sells-group/provider-qa/internal/ledger"
	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/tracing"
	"github.com/sells-group/provider-qa/pkg/npi"
)

var (
	// ErrInvalidNPI is returned for a malformed NPI.
	ErrInvalidNPI = eris.New("validation: invalid npi")
	// ErrNPINotFound is returned when the registry does not know the NPI.
	ErrNPINotFound = eris.New("validation: npi not found in registry")
)

// ProviderResult is the outcome of validating one provider within a run.
type ProviderResult struct {
	ProviderID   string                  `json:"provider_id"`
	Observations int                     `json:"observations"`
	Candidates   int                     `json:"candidates"`
	Issues       []model.Issue           `json:"issues"`
	Reconcile    *ledger.ReconcileResult `json:"reconcile,omitempty"`
	NeedsReview  bool                    `json:"needs_review"`
}

// Runner executes validation runs.
type Runner struct {
	store       store.Store
	detector    *detect.Detector
	ledger      *ledger.Ledger
	collector   Collector
	registry    npi.Client
	concurrency int
}

// Option configures a Runner.
type Option func(*Runner)

// WithCollector sets where observations come from. The default reads the
// latest stored observations.
func WithCollector(c Collector) Option {
	return func(r *Runner) { r.collector = c }
}

// WithConcurrency bounds how many providers are validated at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRegistry enables ValidateByNPI.
func WithRegistry(c npi.Client) Option {
	return func(r *Runner) { r.registry = c }
}

// NewRunner creates a Runner.
func NewRunner(st store.Store, d *detect.Detector, lg *ledger.Ledger, opts ...Option) *Runner {
	r := &Runner{
		store:       st,
		detector:    d,
		ledger:      lg,
		collector:   StoreCollector{Store: st},
		concurrency: 1,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunBatch validates providers as one run. Per-provider failures are
// counted as needing review and never abort the run. The run is stamped
// complete unless ctx was cancelled first.
func (r *Runner) RunBatch(ctx context.Context, providers []model.Provider) (*model.ValidationRun, error) {
	run, err := r.store.CreateRun(ctx, len(providers))
	if err != nil {
		return nil, eris.Wrap(err, "validation: create run")
	}
	ctx = tracing.WithRun(ctx, run.ID)
	ctx, span := tracing.Start(ctx, "validation.run", attribute.Int("providers", len(providers)))
	defer span.End()

	log := tracing.Logger(ctx)
	log.Info("validation run started",
		zap.Int("providers", len(providers)),
		zap.Int("concurrency", r.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	var mu sync.Mutex
	var processed, success, needsReview int

	for i := range providers {
		p := &providers[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := r.validateProvider(gctx, run.ID, p)
			if err != nil {
				log.Error("provider validation failed", zap.String("provider_id", p.ID), zap.Error(err))
			}

			mu.Lock()
			defer mu.Unlock()
			processed++
			if err != nil || res.NeedsReview {
				needsReview++
			} else {
				success++
			}
			if uerr := r.store.UpdateRunProgress(gctx, run.ID, processed, success, needsReview); uerr != nil {
				log.Warn("update run progress failed", zap.Error(uerr))
			}
			return nil // don't abort the run on individual failure
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		log.Warn("validation run interrupted",
			zap.Int("processed", processed),
			zap.Int("total", len(providers)),
		)
		return nil, eris.Wrapf(err, "validation: run %s interrupted", run.ID)
	}

	if err := r.store.CompleteRun(ctx, run.ID, time.Now().UTC()); err != nil {
		return nil, eris.Wrapf(err, "validation: complete run %s", run.ID)
	}
	log.Info("validation run complete",
		zap.Int("processed", processed),
		zap.Int("success", success),
		zap.Int("needs_review", needsReview),
	)

	final, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "validation: reload run %s", run.ID)
	}
	return final, nil
}

// ValidateOne validates a single provider as a run of one.
func (r *Runner) ValidateOne(ctx context.Context, p *model.Provider) (*model.ValidationRun, *ProviderResult, error) {
	run, err := r.store.CreateRun(ctx, 1)
	if err != nil {
		return nil, nil, eris.Wrap(err, "validation: create run")
	}
	ctx = tracing.WithRun(ctx, run.ID)

	res, verr := r.validateProvider(ctx, run.ID, p)
	success, needsReview := 1, 0
	if verr != nil || res.NeedsReview {
		success, needsReview = 0, 1
	}
	if err := r.store.UpdateRunProgress(ctx, run.ID, 1, success, needsReview); err != nil {
		return nil, nil, eris.Wrapf(err, "validation: update run %s", run.ID)
	}
	if err := r.store.CompleteRun(ctx, run.ID, time.Now().UTC()); err != nil {
		return nil, nil, eris.Wrapf(err, "validation: complete run %s", run.ID)
	}
	final, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "validation: reload run %s", run.ID)
	}
	return final, res, verr
}

// ValidateByNPI finds the provider with the given NPI, creating it from
// the registry's name and practice location when it is not in the
// directory yet, and validates it against fresh registry data. Remaining
// registry fields reach the provider through issues like any other
// correction.
func (r *Runner) ValidateByNPI(ctx context.Context, number string) (*model.ValidationRun, *ProviderResult, error) {
	if r.registry == nil {
		return nil, nil, eris.New("validation: npi registry not configured")
	}
	number = strings.TrimSpace(number)
	if !npi.ValidNumber(number) {
		return nil, nil, eris.Wrapf(ErrInvalidNPI, "%q", number)
	}

	p, err := r.store.GetProviderByNPI(ctx, number)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		rec, lerr := r.registry.Lookup(ctx, number)
		if lerr != nil {
			return nil, nil, eris.Wrapf(lerr, "validation: lookup npi %s", number)
		}
		if !rec.Found {
			return nil, nil, eris.Wrapf(ErrNPINotFound, "%s", number)
		}
		p, err = r.store.UpsertProvider(ctx, &model.Provider{
			NPI:          rec.Number,
			Name:         rec.Name,
			AddressLine1: rec.AddressLine1,
			AddressLine2: rec.AddressLine2,
			City:         rec.City,
			State:        rec.State,
			Zip:          zip5(rec.PostalCode),
		})
		if err != nil {
			return nil, nil, eris.Wrapf(err, "validation: create provider for npi %s", number)
		}
		zap.L().Info("provider created from npi registry", zap.String("npi", number), zap.String("provider_id", p.ID))
	default:
		return nil, nil, eris.Wrapf(err, "validation: find provider by npi %s", number)
	}

	byNPI := *r
	byNPI.collector = MultiCollector{NPICollector{Client: r.registry, Store: r.store}, r.collector}
	return byNPI.ValidateOne(ctx, p)
}

// validateProvider runs gather, detect, record and auto-reconcile for one
// provider. A record failure leaves the provider marked NEEDS_REVIEW.
func (r *Runner) validateProvider(ctx context.Context, runID string, p *model.Provider) (*ProviderResult, error) {
	ctx = tracing.WithProvider(ctx, p.ID)
	ctx, span := tracing.Start(ctx, "validation.provider")
	defer span.End()

	res := &ProviderResult{ProviderID: p.ID}
	obs, err := r.collector.Collect(ctx, p)
	if err != nil {
		res.NeedsReview = true
		return res, eris.Wrapf(err, "validation: collect %s", p.ID)
	}
	res.Observations = len(obs)

	suggestions := r.detector.Detect(p, obs)
	candidates := detect.Issues(p.ID, runID, suggestions)
	res.Candidates = len(candidates)
	span.SetAttributes(
		attribute.Int("observations", len(obs)),
		attribute.Int("candidates", len(candidates)),
	)

	inserted, err := r.ledger.Record(ctx, p.ID, candidates)
	if err != nil {
		res.NeedsReview = true
		return res, err
	}
	res.Issues = inserted

	rec, err := r.ledger.AutoReconcile(ctx, p.ID)
	if err != nil {
		res.NeedsReview = true
		return res, eris.Wrapf(err, "validation: reconcile %s", p.ID)
	}
	res.Reconcile = rec
	res.NeedsReview = rec.NeedsReview

	tracing.Logger(ctx).Debug("provider validated",
		zap.Int("observations", res.Observations),
		zap.Int("candidates", res.Candidates),
		zap.Int("recorded", len(inserted)),
		zap.Int("applied", rec.Applied),
		zap.Bool("needs_review", res.NeedsReview),
	)
	return res, nil
}
