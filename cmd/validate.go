package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/provider-qa/internal/model"
	"github.com/sells-group/provider-qa/internal/store"
	"github.com/sells-group/provider-qa/internal/validation"
)

const providerPageSize = 500

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate providers against their latest observations",
	Long: "Runs a validation batch over the directory (or a single provider), records every " +
		"discrepancy as an issue and auto-applies the confident ones.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		providerID, _ := cmd.Flags().GetString("provider")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		refresh, _ := cmd.Flags().GetBool("refresh-npi")

		if concurrency > 0 {
			cfg.Batch.MaxConcurrentProviders = concurrency
		}
		mode := "store"
		if refresh {
			mode = "lookup"
		}
		env, err := initEnv(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		var opts []validation.Option
		if refresh {
			opts = append(opts, validation.WithCollector(validation.MultiCollector{
				validation.NPICollector{Client: env.Registry, Store: env.Store},
				validation.StoreCollector{Store: env.Store},
			}))
		}
		runner := env.Runner(opts...)

		if providerID != "" {
			p, err := env.Store.GetProvider(ctx, providerID)
			if err != nil {
				return eris.Wrap(err, "validate")
			}
			run, res, verr := runner.ValidateOne(ctx, p)
			if run == nil {
				return eris.Wrap(verr, "validate")
			}
			if err := printJSON(os.Stdout, map[string]any{"run": run, "result": res}); err != nil {
				return err
			}
			return verr
		}

		providers, err := listProviders(ctx, env.Store, model.ProviderStatus(status), limit)
		if err != nil {
			return eris.Wrap(err, "validate")
		}
		if len(providers) == 0 {
			_, _ = os.Stderr.WriteString("No providers to validate.\n")
			return nil
		}

		run, err := runner.RunBatch(ctx, providers)
		if err != nil {
			return eris.Wrap(err, "validate")
		}
		return printJSON(os.Stdout, run)
	},
}

// listProviders pages through the directory. limit <= 0 means all.
func listProviders(ctx context.Context, st store.Store, status model.ProviderStatus, limit int) ([]model.Provider, error) {
	var out []model.Provider
	for offset := 0; ; offset += providerPageSize {
		page := providerPageSize
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		batch, err := st.ListProviders(ctx, store.ProviderFilter{Status: status, Limit: page, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < page || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
	}
}

func init() {
	validateCmd.Flags().String("provider", "", "validate a single provider by ID")
	validateCmd.Flags().String("status", "", "only validate providers in this status (ACTIVE, NEEDS_REVIEW, REJECTED)")
	validateCmd.Flags().Int("limit", 0, "max number of providers to validate (0 = all)")
	validateCmd.Flags().Int("concurrency", 0, "providers validated at once (default from config)")
	validateCmd.Flags().Bool("refresh-npi", false, "fetch fresh NPI registry data before scoring")
	rootCmd.AddCommand(validateCmd)
}
