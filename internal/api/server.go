// Package api provides the HTTP API server for graphdeploy.
// It uses the Echo framework to serve the deployment REST endpoints and a
// WebSocket stream of deployment queue events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"evalgo.org/graphdeploy/internal/auth"
	"evalgo.org/graphdeploy/internal/config"
	"evalgo.org/graphdeploy/internal/deployment"
	"evalgo.org/graphdeploy/internal/queue"
	"evalgo.org/graphdeploy/internal/version"
	"evalgo.org/graphdeploy/models"
)

// DeploymentService is the set of deployment operations the API exposes.
type DeploymentService interface {
	Create(ctx context.Context, req deployment.CreateRequest) (*models.Deployment, error)
	Get(ctx context.Context, id string) (*models.Deployment, error)
	List(ctx context.Context, filter models.DeploymentFilter) ([]*models.Deployment, int, error)
	GetStatus(ctx context.Context, id string) (*deployment.Status, error)
	Cancel(ctx context.Context, id string) (*models.Deployment, error)
	Rollback(ctx context.Context, id string, req deployment.RollbackRequest) (*deployment.RollbackResult, error)
	History(ctx context.Context, id string) ([]*models.DeploymentHistory, error)
	JobStatus(ctx context.Context, jobID string) (queue.JobStatus, error)
}

// HealthCheck probes one backend.
type HealthCheck func(ctx context.Context) error

// Options wires the server to its backends.
type Options struct {
	Deployments DeploymentService

	// Events feeds the websocket stream; nil disables it
	Events EventSource

	// Checks are run by /health, keyed by backend name
	Checks map[string]HealthCheck

	Logger *slog.Logger
}

// Server represents the graphdeploy API server.
type Server struct {
	echo        *echo.Echo
	config      *config.Config
	deployments DeploymentService
	checks      map[string]HealthCheck
	wsHub       *Hub
	authMiddle  *auth.Middleware
	logger      *slog.Logger

	cancel context.CancelFunc
}

// New creates a new API server instance and starts its websocket hub.
func New(cfg *config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = NewHTTPErrorHandler(logger)
	e.Validator = newRequestValidator()

	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		echo:        e,
		config:      cfg,
		deployments: opts.Deployments,
		checks:      opts.Checks,
		wsHub:       NewHub(logger),
		authMiddle:  auth.NewMiddleware(cfg.Security.AuthEnabled, cfg.Security.JWTSecret),
		logger:      logger.With("component", "api"),
		cancel:      cancel,
	}

	go server.wsHub.Run(ctx)
	if opts.Events != nil {
		go func() {
			if err := server.wsHub.Forward(ctx, opts.Events); err != nil {
				server.logger.Error("Deployment event stream unavailable", "error", err)
			}
		}()
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}

	s.echo.Use(middleware.RequestID())

	if s.config.Security.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.config.Security.RateLimit),
		)))
	}

	s.echo.Use(ValidateContentType)
	s.echo.Use(ValidateAcceptHeader)
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)

	v1 := s.echo.Group("/api/v1")

	deployments := v1.Group("/deployments")
	deployments.GET("", s.listDeployments, ValidateQueryParams, s.authMiddle.RequireRead)
	deployments.POST("", s.createDeployment, s.authMiddle.RequireWrite)
	deployments.GET("/events", s.HandleWebSocket, s.authMiddle.RequireRead)
	deployments.GET("/events/stats", s.GetWebSocketStats, s.authMiddle.RequireRead)
	deployments.GET("/:id", s.getDeployment, ValidateIDFormat, s.authMiddle.RequireRead)
	deployments.GET("/:id/status", s.getDeploymentStatus, ValidateIDFormat, s.authMiddle.RequireRead)
	deployments.GET("/:id/history", s.getDeploymentHistory, ValidateIDFormat, ValidateQueryParams, s.authMiddle.RequireRead)
	deployments.POST("/:id/cancel", s.cancelDeployment, ValidateIDFormat, s.authMiddle.RequireWrite)
	deployments.POST("/:id/rollback", s.rollbackDeployment, ValidateIDFormat, s.authMiddle.RequireWrite)

	jobs := v1.Group("/jobs")
	jobs.GET("/:id", s.getJob, ValidateIDFormat, s.authMiddle.RequireRead)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.logger.Info("Starting graphdeploy API server",
		"address", addr,
		"debug", s.config.Server.Debug,
		"auth", s.config.Security.AuthEnabled)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server and its websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down graphdeploy API server")
	defer s.cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// healthCheck handles health check requests.
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (s *Server) healthCheck(c echo.Context) error {
	resp := HealthResponse{
		Status:  "healthy",
		Service: version.Name,
		Version: version.Version,
		Checks:  map[string]string{},
	}
	code := http.StatusOK

	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	return c.JSON(code, resp)
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
