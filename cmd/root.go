package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "deals",
	Short: "Dispensary deals ingestion and ranking",
	Long:  "Fetches dispensary flyers and websites, extracts deals via OCR and Claude, gates them into a catalog, and ranks them for subscribers.",
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
