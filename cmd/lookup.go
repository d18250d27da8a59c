package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <npi>",
	Short: "Validate a provider against the NPI registry, adding it if unknown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "lookup")
		if err != nil {
			return err
		}
		defer env.Close()

		run, res, err := env.Runner().ValidateByNPI(ctx, args[0])
		if run == nil {
			return eris.Wrap(err, "lookup")
		}
		if err != nil {
			zap.L().Warn("lookup validated with errors", zap.String("npi", args[0]), zap.Error(err))
		}

		out := map[string]any{"run": run, "result": res}
		if res != nil {
			if p, perr := env.Store.GetProvider(ctx, res.ProviderID); perr == nil {
				out["provider"] = p
			}
		}
		return printJSON(os.Stdout, out)
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}
