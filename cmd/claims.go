package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fulfillment-engine/internal/ledger"
	"github.com/sells-group/fulfillment-engine/internal/monitoring"
)

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Inspect idempotency claims",
	Long:  "Commands for viewing claim records and finding claims stuck past the alert threshold.",
}

// -- claims show --

var claimsShowCmd = &cobra.Command{
	Use:   "show <reference>",
	Short: "Show the claim record for a fulfillment reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, kvs, err := initAdminStores(ctx)
		if err != nil {
			return err
		}
		defer kvs.Close() //nolint:errcheck
		defer st.Close()  //nolint:errcheck

		led := ledger.New(kvs, cfg.Ledger.MaxAttempts)
		rec, found, err := led.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "claims show")
		}
		if !found {
			fmt.Fprintln(os.Stderr, "No claim record for this reference.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// -- claims stuck --

var claimsStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List claims held past the alert threshold",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, kvs, err := initAdminStores(ctx)
		if err != nil {
			return err
		}
		defer kvs.Close() //nolint:errcheck
		defer st.Close()  //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		threshold, _ := cmd.Flags().GetDuration("threshold")
		led := ledger.New(kvs, cfg.Ledger.MaxAttempts)
		checker := monitoring.NewChecker(st, led, threshold, time.Minute)

		stuck, err := checker.Check(ctx)
		if err != nil {
			return eris.Wrap(err, "claims stuck")
		}

		if len(stuck) == 0 {
			fmt.Fprintln(os.Stderr, "No stuck claims.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "REFERENCE\tSESSION\tSTATE\tATTEMPTS\tHELD\tNOTE")
		_, _ = fmt.Fprintln(w, "---------\t-------\t-----\t--------\t----\t----")
		for _, s := range stuck {
			ref := s.Reference
			if len(ref) > 24 {
				ref = ref[:21] + "..."
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				ref, truncateID(s.SessionID), s.State, s.Attempts, formatDuration(s.HeldFor), s.Note)
		}
		return w.Flush()
	},
}

func init() {
	claimsStuckCmd.Flags().Duration("threshold", 2*time.Hour, "age past which a held claim counts as stuck")

	claimsCmd.AddCommand(claimsShowCmd)
	claimsCmd.AddCommand(claimsStuckCmd)
	rootCmd.AddCommand(claimsCmd)
}
