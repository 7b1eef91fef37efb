package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fulfillment-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fulfillment-engine",
	Short: "Idempotent payment fulfillment for tiered AI analyses",
	Long:  "Receives payment confirmations from on-chain, Stripe, and Coinbase Commerce rails, claims each payment exactly once, and delivers the purchased multi-stage analysis.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
