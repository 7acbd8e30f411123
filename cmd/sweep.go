package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"chatpipe/pkg/channel/telegram"
	"chatpipe/pkg/config"
	"chatpipe/pkg/ledger"
	"chatpipe/pkg/store"

	"github.com/spf13/cobra"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release ledger events stuck in processing",
	Long:  "Moves events claimed longer ago than --older-than back to retry, or to failed once their attempts are exhausted, and prints the counts as JSON.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.sweep", os.Stderr)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		alerter, err := telegram.NewAlerter(cfg.Alerts.Telegram, log)
		if err != nil {
			log.Error("Failed to initialize telegram alerter", "error", err)
			return
		}

		ctx := context.Background()
		st, err := store.Open(ctx, cfg.Ledger.DSN)
		if err != nil {
			log.Error("Failed to open store", "error", err)
			return
		}
		defer st.Close()

		l := ledger.New(ledger.Options{
			Store:       st,
			Alerter:     alerter,
			Logger:      log,
			MaxAttempts: cfg.Ledger.MaxAttempts,
			StaleAfter:  cfg.Ledger.StaleClaimAfter(),
		})

		result, err := l.Sweep(ctx, sweepThreshold(cfg, sweepOlderThan))
		if err != nil {
			log.Error("Sweep failed", "error", err)
			return
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			log.Error("Write sweep result failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "claim age after which an event is considered stale (defaults to ledger.stale_claim_minutes)")
}

func sweepThreshold(cfg *config.Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return cfg.Ledger.StaleClaimAfter()
}
