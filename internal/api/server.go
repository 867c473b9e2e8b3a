package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/budget"
	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/registry"
	"github.com/relaycore/relaycore/internal/steering"
)

// Server is the HTTP surface over the pipeline and the budget admin API.
type Server struct {
	router   chi.Router
	logger   *zap.Logger
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	budgets  *budget.Registry
	tracker  *budget.Tracker
	registry *registry.Registry
	steering *steering.Engine
	db       *gorm.DB
	redis    *redis.Client
}

type Deps struct {
	Logger   *zap.Logger
	Pipeline *pipeline.Pipeline
	Budgets  *budget.Registry
	Tracker  *budget.Tracker
	Registry *registry.Registry
	Steering *steering.Engine
	DB       *gorm.DB
	Redis    *redis.Client
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		logger:   deps.Logger,
		cfg:      cfg,
		pipeline: deps.Pipeline,
		budgets:  deps.Budgets,
		tracker:  deps.Tracker,
		registry: deps.Registry,
		steering: deps.Steering,
		db:       deps.DB,
		redis:    deps.Redis,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORS.AllowedOrigins,
			AllowedMethods: s.cfg.CORS.AllowedMethods,
			AllowedHeaders: s.cfg.CORS.AllowedHeaders,
			MaxAge:         s.cfg.CORS.MaxAge,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", s.handleCreateBudget)
			r.Get("/", s.handleListBudgets)
			r.Post("/check", s.handleCheckConstraints)
			r.Route("/{budgetID}", func(r chi.Router) {
				r.Get("/", s.handleGetBudget)
				r.Patch("/", s.handleUpdateBudget)
				r.Delete("/", s.handleDeleteBudget)
				r.Get("/status", s.handleBudgetStatus)
				r.Post("/refresh", s.handleRefreshBudget)
				r.Get("/hierarchy", s.handleBudgetHierarchy)
				r.Get("/usage", s.handleBudgetUsage)
				r.Get("/summary", s.handleBudgetSummary)
				r.Get("/alerts", s.handleListAlerts)
			})
		})
		r.Post("/alerts/{alertID}/resolve", s.handleResolveAlert)
		r.Get("/steering/rules", s.handleSteeringRules)
		r.Get("/providers", s.handleListProviders)
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer builds the configured net/http server around the router.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
