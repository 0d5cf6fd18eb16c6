package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dispensary-deals/internal/blob"
	"github.com/sells-group/dispensary-deals/internal/config"
	"github.com/sells-group/dispensary-deals/internal/extract"
	"github.com/sells-group/dispensary-deals/internal/fetcher"
	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/monitoring"
	"github.com/sells-group/dispensary-deals/internal/ocr"
	"github.com/sells-group/dispensary-deals/internal/pipeline"
	"github.com/sells-group/dispensary-deals/internal/quality"
	"github.com/sells-group/dispensary-deals/internal/ranking"
	"github.com/sells-group/dispensary-deals/internal/resilience"
	"github.com/sells-group/dispensary-deals/internal/store"
	"github.com/sells-group/dispensary-deals/internal/throttle"
	anthropicpkg "github.com/sells-group/dispensary-deals/pkg/anthropic"
)

// appEnv holds every client and service the commands need. It is built once
// per process and passed down explicitly.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Ranking  *ranking.Service
	Limiter  *throttle.Limiter
	Breakers *resilience.Breakers
	Alerter  *monitoring.Alerter
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "deals.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates the store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initRanking builds the store-backed ranking service only.
func initRanking(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate("rank"); err != nil {
		return nil, err
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	return &appEnv{Store: st, Ranking: ranking.NewService(st)}, nil
}

// initApp builds the full ingestion environment for mode ("serve" or "ingest").
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env, err := buildEnv(st, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline, ranking service and throttle over st.
func buildEnv(st store.Store, c *config.Config) (*appEnv, error) {
	dispensaries, err := loadDispensaries(c.Dispensaries.File)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewOS(c.Blob.Root)
	if err != nil {
		return nil, err
	}

	breakers := resilience.BreakersFromConfig(c.Circuit)

	var ai anthropicpkg.Client
	if c.Anthropic.Key != "" {
		ai = anthropicpkg.NewClient(c.Anthropic.Key)
	} else {
		zap.L().Warn("anthropic key not set, extraction will fall back to summary deals")
	}

	chain, err := ocr.NewFromConfig(c, ai, breakers)
	if err != nil {
		return nil, eris.Wrap(err, "build ocr chain")
	}

	parser, err := extract.New(ai, breakers, extract.Options{
		Model:         c.Anthropic.Model,
		MaxTokens:     c.Anthropic.MaxTokens,
		MaxInputChars: c.Extract.MaxInputChars,
		Timeout:       time.Duration(c.Extract.TimeoutSecs) * time.Second,
		Retry:         resilience.RetryFromConfig(c.Retry),
	})
	if err != nil {
		return nil, eris.Wrap(err, "build extractor")
	}

	fetch := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.Fetch.UserAgent,
		Timeout:    time.Duration(c.Fetch.TimeoutSecs) * time.Second,
		MaxRetries: c.Fetch.MaxRetries,
		MaxBytes:   c.Fetch.MaxBytes,
		RatePerSec: c.Fetch.RatePerSec,
	})

	p := pipeline.New(pipeline.Deps{
		Store:         st,
		Blobs:         blobs,
		Fetcher:       fetch,
		OCR:           chain,
		Parser:        parser,
		Gate:          quality.NewGate(st, c.Quality.MinConfidence, c.Quality.MaxPrice),
		Dispensaries:  dispensaries,
		MaxConcurrent: c.Batch.MaxConcurrent,
	})

	limiter, err := newLimiter(st, c)
	if err != nil {
		return nil, eris.Wrap(err, "build limiter")
	}

	zap.L().Info("application initialized",
		zap.Int("dispensaries", len(dispensaries)),
		zap.Strings("ocr_providers", chain.Providers()),
		zap.String("store", c.Store.Driver),
	)

	return &appEnv{
		Store:    st,
		Pipeline: p,
		Ranking:  ranking.NewService(st),
		Limiter:  limiter,
		Breakers: breakers,
		Alerter:  monitoring.NewAlerter(c.Monitoring),
	}, nil
}

// loadDispensaries reads the dispensary list. A missing file yields an empty
// list so the stage endpoints still work for ad-hoc dispensaries.
func loadDispensaries(path string) ([]model.Dispensary, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zap.L().Warn("dispensary list not found, batch runs will be empty", zap.String("file", path))
		return nil, nil
	}
	return config.LoadDispensaries(path)
}

func newLimiter(st store.Store, c *config.Config) (*throttle.Limiter, error) {
	var counter throttle.Counter
	switch c.Throttle.Backend {
	case "store":
		counter = throttle.NewStoreCounter(st)
	default:
		counter = throttle.NewMemoryCounter()
	}

	profiles := throttle.DefaultProfiles()
	if c.Throttle.WindowSecs > 0 && c.Throttle.Strict > 0 && c.Throttle.Standard > 0 && c.Throttle.Relaxed > 0 {
		profiles = throttle.Profiles(time.Duration(c.Throttle.WindowSecs)*time.Second,
			c.Throttle.Strict, c.Throttle.Standard, c.Throttle.Relaxed)
	}

	proxies, err := throttle.ParseTrustedProxies(c.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	return throttle.NewLimiter(counter, throttle.Options{
		Profiles:       profiles,
		SharedSecret:   c.Auth.SharedSecret,
		JWTSecret:      c.Auth.JWTSecret,
		TrustedProxies: proxies,
	}), nil
}

// RunBatch runs a batch and checks the result against alert thresholds.
func (e *appEnv) RunBatch(ctx context.Context, only []string) *pipeline.BatchSummary {
	sum := e.Pipeline.RunBatch(ctx, only)
	if e.Alerter != nil {
		e.Alerter.Check(ctx, sum, e.Breakers.States())
	}
	return sum
}
