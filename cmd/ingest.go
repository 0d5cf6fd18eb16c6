package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/pipeline"
)

var ingestOnly []string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion batch for configured dispensaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		sum := env.RunBatch(ctx, ingestOnly)
		zap.L().Info("ingest complete",
			zap.Int64("processed", sum.Processed),
			zap.Int64("skipped", sum.Skipped),
			zap.Int64("failed", sum.Failed),
			zap.Int64("deals_inserted", sum.DealsInserted),
		)
		return printSummary(cmd.OutOrStdout(), sum)
	},
}

func printSummary(w io.Writer, sum *pipeline.BatchSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestOnly, "only", nil, "limit the run to these dispensary ids or names")
	rootCmd.AddCommand(ingestCmd)
}
