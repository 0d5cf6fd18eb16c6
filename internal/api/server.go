// Package api exposes the pipeline stages, batch trigger, ranking and brand
// registry over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/dispensary-deals/internal/model"
	"github.com/sells-group/dispensary-deals/internal/ocr"
	"github.com/sells-group/dispensary-deals/internal/pipeline"
	"github.com/sells-group/dispensary-deals/internal/ranking"
	"github.com/sells-group/dispensary-deals/internal/resilience"
	"github.com/sells-group/dispensary-deals/internal/throttle"
)

// Ingestor runs pipeline stages and batches.
type Ingestor interface {
	Fetch(ctx context.Context, req pipeline.FetchRequest) (*pipeline.FetchResult, error)
	OCR(ctx context.Context, req pipeline.OCRRequest) (*ocr.Result, error)
	Parse(ctx context.Context, req pipeline.ParseRequest) (*pipeline.ParseResult, error)
	RunBatch(ctx context.Context, only []string) *pipeline.BatchSummary
}

// Ranker ranks deals and stores subscriber preferences.
type Ranker interface {
	Rank(ctx context.Context, email, date string) ([]ranking.RankedDeal, error)
	SavePreferences(ctx context.Context, sub *model.Subscriber) error
}

// Catalog is the store subset read directly by the API.
type Catalog interface {
	ListBrands(ctx context.Context) ([]model.Brand, error)
	Ping(ctx context.Context) error
}

// BreakerStates reports provider circuit breaker states for /health.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// Config holds the server's HTTP settings.
type Config struct {
	SharedSecret string
	CORSOrigins  []string
	// BatchTimeout bounds a triggered batch run. Zero means no extra bound.
	BatchTimeout time.Duration
	// Breakers is optional.
	Breakers BreakerStates
}

// Server wires handlers to their dependencies.
type Server struct {
	ingest  Ingestor
	ranker  Ranker
	catalog Catalog
	limiter *throttle.Limiter
	cfg     Config
	router  chi.Router
}

// NewServer builds the router.
func NewServer(ingest Ingestor, ranker Ranker, catalog Catalog, limiter *throttle.Limiter, cfg Config) *Server {
	s := &Server{
		ingest:  ingest,
		ranker:  ranker,
		catalog: catalog,
		limiter: limiter,
		cfg:     cfg,
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(throttle.ProfileStrict))
			r.Post("/stages/fetch", s.handleFetch)
			r.Post("/stages/ocr", s.handleOCR)
			r.Post("/stages/parse", s.handleParse)
		})

		r.With(s.requireSecret).Post("/trigger", s.handleTrigger)

		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware(throttle.ProfileStandard))
			r.Get("/deals/ranked", s.handleRanked)
			r.Put("/subscribers", s.handlePutSubscriber)
		})

		r.With(s.limiter.Middleware(throttle.ProfileRelaxed)).Get("/brands", s.handleBrands)
	})

	s.router = r
}

// requireSecret rejects callers without the shared-secret bearer token.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.IsTrusted(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
