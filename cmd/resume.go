package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fulfillment-engine/internal/fulfill"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Re-run generation for a session with a stuck claim",
	Long:  "Spends one unit of the bounded retry budget to re-run the analysis for a session whose claim is stuck. The payment stays claimed throughout; a session whose claim is already completed is refused, and a claim younger than the stuck-claim threshold is refused because its owner may still be running.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "resume")
		}
		if res.Status == fulfill.StatusDuplicate {
			res.Reason = "claim already completed; nothing to resume"
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
