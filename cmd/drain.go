package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatpipe/pkg/pipeline"

	"github.com/spf13/cobra"
)

var drainLimit int

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process pending ledger events once",
	Long:  "Claims up to --limit pending or retry-due events from the durable ledger, runs them, and prints the drain summary as JSON.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.drain", os.Stderr)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := pipeline.Build(ctx, cfg, pipeline.Options{Logger: log})
		if err != nil {
			log.Error("Failed to build pipeline", "error", err)
			return
		}
		defer p.Close()

		limit := p.BatchLimit()
		if drainLimit > 0 {
			limit = drainLimit
		}

		result, err := p.Ledger.ProcessPending(ctx, limit)
		if err != nil {
			log.Error("Drain failed", "error", err)
			return
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			log.Error("Write drain result failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)
	drainCmd.Flags().IntVarP(&drainLimit, "limit", "l", 0, "maximum events to claim (defaults to ledger.batch_limit)")
}
