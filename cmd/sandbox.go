package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"chatpipe/pkg/bus"
	"chatpipe/pkg/channel/sandbox"
	"chatpipe/pkg/pipeline"
	"chatpipe/pkg/ui/chat"

	"github.com/spf13/cobra"
)

var (
	sandboxPrompt  string
	sandboxSender  string
	sandboxName    string
	sandboxLogFile string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox [message]",
	Short: "Chat with the pipeline from the terminal",
	Long:  "Runs the full inbound pipeline against a local sender. Replies are delivered to the terminal instead of WhatsApp. With a message argument it sends once and exits.",
	Run: func(cmd *cobra.Command, args []string) {
		prompt := resolvePrompt(args)

		logOut, closeLog, err := openLogOutput(sandboxLogFile)
		if err != nil {
			fmt.Printf("failed to open log file: %v\n", err)
			return
		}
		defer closeLog()

		cfg, log, err := loadRuntime("cmd.sandbox", logOut)
		if err != nil {
			fmt.Printf("%v\n", err)
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mb := bus.NewMessageBus()
		p, err := pipeline.Build(ctx, cfg, pipeline.Options{
			Messenger: sandbox.New(mb),
			Bus:       mb,
			Logger:    log,
		})
		if err != nil {
			fmt.Printf("failed to build pipeline: %v\n", err)
			return
		}
		defer p.Close()

		if err := p.Primary.Health(ctx); err != nil {
			log.Warn("Primary provider health check failed", "provider", p.Primary.Name(), "error", err)
		}

		session, err := sandbox.StartSession(ctx, p.Processor, mb, sandbox.SessionOptions{
			Sender:     sandboxSender,
			SenderName: sandboxName,
			Logger:     log,
		})
		if err != nil {
			fmt.Printf("failed to start sandbox session: %v\n", err)
			return
		}
		defer session.Close()

		info := chat.RuntimeInfo{
			Sender:       session.Sender(),
			Primary:      p.Primary.Name(),
			Fallback:     providerName(p),
			DurableQueue: p.Flags.DurableQueue(),
		}

		if prompt != "" {
			if err := chat.RunOneShot(ctx, session.Prompt, prompt, info); err != nil {
				fmt.Printf("sandbox failed: %v\n", err)
			}
			return
		}

		if err := chat.RunInteractive(ctx, session.Prompt, info); err != nil {
			fmt.Printf("sandbox failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.Flags().StringVarP(&sandboxPrompt, "prompt", "p", "", "message text to send once")
	sandboxCmd.Flags().StringVar(&sandboxSender, "sender", sandbox.DefaultSender, "phone number the messages come from")
	sandboxCmd.Flags().StringVar(&sandboxName, "name", sandbox.DefaultSenderName, "profile name of the sender")
	sandboxCmd.Flags().StringVar(&sandboxLogFile, "log-file", "", "append logs to this file instead of discarding them")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(sandboxPrompt); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

// openLogOutput keeps log lines off the terminal the TUI draws on.
func openLogOutput(path string) (io.Writer, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return io.Discard, func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
