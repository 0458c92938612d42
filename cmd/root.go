package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "eml-intake",
	Short: "Email intake and customer extraction pipeline",
	Long:  "Accepts uploaded .eml files, deduplicates them by content, extracts customer contact fields with per-sender strategies, and keeps a journal of every attempt.",
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
