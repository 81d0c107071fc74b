package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nelssec/ueba/internal/auth"
	"github.com/nelssec/ueba/internal/config"
	"github.com/nelssec/ueba/internal/detect"
	"github.com/nelssec/ueba/internal/geo"
	"github.com/nelssec/ueba/internal/ingest"
	"github.com/nelssec/ueba/internal/reports"
	"github.com/nelssec/ueba/internal/scheduler"
	"github.com/nelssec/ueba/internal/scoring"
	"github.com/nelssec/ueba/internal/store"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService    *auth.Service
	principalStore auth.PrincipalStore

	detection *detect.Service
	ingestor  *ingest.Ingestor
	reports   *reports.Generator
	scheduler *scheduler.Scheduler
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.principalStore = auth.NewPostgresPrincipalStore(st.DB())
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.principalStore)

	geoResolver := geo.NewResolver(cfg.Geo.DatabasePath, s.logger)

	s.detection = detect.NewService(st, detect.DefaultRegistry(), geoResolver, cfg.Detection, s.logger)
	loader := scoring.NewLoader(s.logger)
	s.detection.RegisterModel(scoring.NewDetector("model_insider", cfg.Models.InsiderPath, loader, s.logger))
	s.detection.RegisterModel(scoring.NewDetector("model_ueba", cfg.Models.UEBAPath, loader, s.logger))

	s.ingestor = ingest.New(st, s.logger)
	s.reports = reports.NewGenerator(st, s.logger)

	s.scheduler = scheduler.New(s.logger)
	if cfg.Detection.Schedule != "" {
		err := s.scheduler.Add("detection_run", cfg.Detection.Schedule, func(ctx context.Context) error {
			_, err := s.detection.Run(ctx, nil)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("scheduling detection run: %w", err)
		}
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Get("/auth/me", s.getCurrentPrincipal)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Post("/detection/run", s.runDetection)
				r.Post("/data/upload-logs", s.uploadLogs)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAnalyst))
				r.Get("/anomalies", s.listAnomalies)
				r.Get("/anomalies/types", s.listAnomalyTypes)
				r.Post("/anomalies/{anomalyID}/resolve", s.resolveAnomaly)
			})

			r.Get("/detection/detectors", s.listDetectors)

			r.Route("/users", func(r chi.Router) {
				r.Get("/top-risk", s.topRiskUsers)
				r.Get("/{userID}", s.getUser)
			})

			r.Get("/reports/risk", s.riskReport)
		})
	})
}

// Run starts the scheduler and HTTP listener, then blocks until the context
// is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.scheduler.Start()

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) Close() error {
	return s.store.Close()
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
