package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/knoguchi/instchat/internal/logging"
)

var (
	debug     bool
	logFormat string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "pretty", "Log format: pretty, text or json")
}

var rootCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an instruction-tuned model",
	Long: `chat sends [INST] formatted prompts to a text-generation endpoint and
streams the answer to stdout.

Examples:
  chat ask "What is the capital of France?"
  chat ask "Explain goroutines" --max-new-tokens 512 --temperature 0.7
  chat ask "hello" --server localhost:9090   # through a running chatd
  chat limits`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	SilenceUsage:      true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(logging.New(
			logging.WithDebug(debug),
			logging.WithFormat(logFormat),
			logging.WithWriter(cmd.ErrOrStderr()),
		))
	},
}
