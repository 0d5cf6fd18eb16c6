package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/api"
	"github.com/sells-group/dispensary-deals/internal/pipeline"
	"github.com/sells-group/dispensary-deals/internal/throttle"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (stages, trigger, ranking, brands)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := api.NewServer(alertingIngestor{env.Pipeline, env}, env.Ranking, env.Store, env.Limiter, api.Config{
			SharedSecret: cfg.Auth.SharedSecret,
			CORSOrigins:  cfg.Server.CORSOrigins,
			Breakers:     env.Breakers,
		})

		go pruneCounters(ctx, env.Limiter)

		return startServer(ctx, srv.Handler(), resolvePort(servePort, cfg.Server.Port))
	},
}

// alertingIngestor routes triggered batches through the alert check.
type alertingIngestor struct {
	*pipeline.Pipeline
	env *appEnv
}

func (a alertingIngestor) RunBatch(ctx context.Context, only []string) *pipeline.BatchSummary {
	return a.env.RunBatch(ctx, only)
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves handler until ctx is cancelled, then shuts down.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

// pruneCounters drops expired throttle windows every few minutes.
func pruneCounters(ctx context.Context, l *throttle.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(ctx)
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
