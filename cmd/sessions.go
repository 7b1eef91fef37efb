package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect purchase sessions",
	Long:  "Commands for listing and viewing purchase sessions and their analysis results.",
}

// -- sessions list --

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List purchase sessions",
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

		status, _ := cmd.Flags().GetString("status")
		tier, _ := cmd.Flags().GetString("tier")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.SessionFilter{
			Status: model.SessionStatus(status),
			Tier:   model.Tier(tier),
			Limit:  limit,
		}

		sessions, err := st.ListSessions(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "sessions list")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions found.")
			return nil
		}

		formatSessionsList(os.Stdout, sessions)
		return nil
	},
}

// -- sessions show --

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its analysis result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		sess, err := st.GetSession(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sessions show")
		}

		out := map[string]any{"session": sess}
		if result, err := st.GetResult(ctx, sess.ID); err == nil && result != nil {
			out["result"] = result
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	sessionsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	sessionsListCmd.Flags().String("tier", "", "filter by tier (basic, standard, full)")
	sessionsListCmd.Flags().Int("limit", 50, "max number of sessions to display")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// formatSessionsList writes a tabular list of sessions to w.
func formatSessionsList(out io.Writer, sessions []model.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tSTATUS\tREFERENCE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t---------\t-------")

	for _, s := range sessions {
		ref := s.Reference
		if len(ref) > 24 {
			ref = ref[:21] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(s.ID),
			s.Tier,
			s.Status,
			ref,
			s.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatDuration renders a duration compactly for operator output.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
