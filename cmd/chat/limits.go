package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/config"
)

func init() {
	rootCmd.AddCommand(limitsCmd)
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Print the accepted generation parameter ranges as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ceiling := chat.MaxMaxNewTokens
		systemPrompt := chat.DefaultSystemPrompt
		if cfg, err := config.Load(); err == nil {
			ceiling = cfg.MaxNewTokensCeiling
			if cfg.SystemPrompt != "" {
				systemPrompt = cfg.SystemPrompt
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(chat.NewLimits(ceiling, systemPrompt))
	},
}
