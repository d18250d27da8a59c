package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-qa/internal/importer"
	"github.com/sells-group/provider-qa/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import providers from a CSV, TSV or XLSX directory export",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		validate, _ := cmd.Flags().GetBool("validate")

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := importer.New(env.Store).ImportFile(ctx, path)
		if err != nil {
			return eris.Wrap(err, "import")
		}
		zap.L().Info("import complete",
			zap.String("file", path),
			zap.Int("rows", sum.Rows),
			zap.Int("created", sum.Created),
			zap.Int("updated", sum.Updated),
			zap.Int("skipped", sum.Skipped),
		)

		out := map[string]any{"import": sum}
		if validate && len(sum.Providers) > 0 {
			run, err := env.Runner().RunBatch(ctx, sum.Providers)
			if err != nil {
				return eris.Wrap(err, "import: validate")
			}
			out["run"] = run
		}
		return printJSON(os.Stdout, out)
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Store source observations from a YAML or JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		validate, _ := cmd.Flags().GetBool("validate")

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := importer.New(env.Store).ImportObservations(ctx, path)
		if err != nil {
			return eris.Wrap(err, "observe")
		}
		zap.L().Info("observations stored",
			zap.String("file", path),
			zap.Int("stored", sum.Stored),
			zap.Int("skipped", sum.Skipped),
		)

		out := map[string]any{"observations": sum}
		if validate && len(sum.ProviderIDs) > 0 {
			providers := make([]model.Provider, 0, len(sum.ProviderIDs))
			for _, id := range sum.ProviderIDs {
				p, err := env.Store.GetProvider(ctx, id)
				if err != nil {
					return eris.Wrapf(err, "observe: load provider %s", id)
				}
				providers = append(providers, *p)
			}
			run, err := env.Runner().RunBatch(ctx, providers)
			if err != nil {
				return eris.Wrap(err, "observe: validate")
			}
			out["run"] = run
		}
		return printJSON(os.Stdout, out)
	},
}

func init() {
	importCmd.Flags().String("file", "", "path to the provider export (required)")
	importCmd.Flags().Bool("validate", false, "validate the imported providers as one run")
	_ = importCmd.MarkFlagRequired("file")

	observeCmd.Flags().String("file", "", "path to the observations file (required)")
	observeCmd.Flags().Bool("validate", false, "validate the observed providers as one run")
	_ = observeCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(observeCmd)
}
