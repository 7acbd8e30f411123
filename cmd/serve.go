package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatpipe/pkg/gateway"
	"chatpipe/pkg/pipeline"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	Long:  "Serves the WhatsApp webhook, the cron drain endpoint, and health and readiness probes until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.serve", os.Stderr)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		p, err := pipeline.Build(runCtx, cfg, pipeline.Options{Logger: log})
		if err != nil {
			log.Error("Failed to build pipeline", "error", err)
			return
		}
		defer p.Close()

		svc, err := gateway.NewService(cfg, p, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started",
			"environment", cfg.Environment,
			"primary", p.Primary.Name(),
			"fallback", providerName(p),
			"durable_queue", p.Flags.DurableQueue(),
			"alerts", p.Alerter.Enabled(),
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func providerName(p *pipeline.Pipeline) string {
	if p == nil || p.Fallback == nil {
		return ""
	}
	return p.Fallback.Name()
}
