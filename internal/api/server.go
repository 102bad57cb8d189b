// Package api provides the HTTP API server for metalpool.
// It uses the Echo framework to serve the REST endpoints under /api/v1 and
// a WebSocket stream of machine events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	echoSwagger "github.com/swaggo/echo-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	_ "evalgo.org/metalpool/docs" // OpenAPI document
	"evalgo.org/metalpool/internal/allocation"
	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/events"
	"evalgo.org/metalpool/internal/lifecycle"
	"evalgo.org/metalpool/internal/power"
	"evalgo.org/metalpool/internal/rackrpc"
	"evalgo.org/metalpool/internal/storage"
	"evalgo.org/metalpool/internal/validation"
	"evalgo.org/metalpool/internal/version"
)

// Server represents the metalpool API server.
type Server struct {
	echo       *echo.Echo
	config     *config.Config
	storage    *storage.Storage
	allocator  *allocation.Engine
	lifecycle  *lifecycle.Service
	power      *power.Orchestrator
	racks      *rackrpc.Manager
	hub        *Hub // WebSocket hub for machine events
	emitter    events.Emitter
	validator  *validation.Validator
	authMiddle *auth.Middleware
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// Deps are the services the API serves.
type Deps struct {
	Storage   *storage.Storage
	Allocator *allocation.Engine
	Lifecycle *lifecycle.Service
	Power     *power.Orchestrator
	Racks     *rackrpc.Manager

	// Hub receives events and serves /api/v1/ws/events. Its Run loop is
	// owned by the caller.
	Hub *Hub

	// Emitter publishes events raised by the API itself (enlistment,
	// rack registration); usually a Multi including Hub.
	Emitter events.Emitter

	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.HTTPErrorHandler = newErrorHandler(logger)

	v := validation.New()
	e.Validator = v

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}

	server := &Server{
		echo:       e,
		config:     cfg,
		storage:    deps.Storage,
		allocator:  deps.Allocator,
		lifecycle:  deps.Lifecycle,
		power:      deps.Power,
		racks:      deps.Racks,
		hub:        hub,
		emitter:    events.OrNop(deps.Emitter),
		validator:  v,
		authMiddle: auth.NewMiddleware(cfg.Security),
		gatherer:   gatherer,
		logger:     logger,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == "/health" || c.Path() == "/metrics" },
		Format:  "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))

	s.echo.Use(middleware.Recover())

	s.echo.Use(SecurityHeaders)

	if len(s.config.Security.AllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.config.Security.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
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
	s.echo.GET("/version", s.versionInfo)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// Swagger UI (public; the API endpoints stay protected)
	s.echo.GET("/docs/*", echoSwagger.WrapHandler)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.healthCheck)
	v1.GET("/version", s.versionInfo)
	v1.GET("/auth/whoami", s.whoami, s.authMiddle.RequireAuth)

	machines := v1.Group("/machines")
	machines.GET("", s.listMachines, ValidateQueryParams, s.authMiddle.RequireRead)
	machines.POST("", s.enlistMachine, s.authMiddle.RequireWrite)
	machines.GET("/allocated", s.listAllocated, ValidateQueryParams, s.authMiddle.RequireRead)
	machines.GET("/power-parameters", s.listPowerParameters, s.authMiddle.RequireAdmin)
	machines.POST("/allocate", s.allocateMachine, s.authMiddle.RequireWrite)
	machines.POST("/accept", s.acceptMachines, s.authMiddle.RequireAdmin)
	machines.POST("/release", s.releaseMachines, s.authMiddle.RequireWrite)
	machines.POST("/set-zone", s.setZone, s.authMiddle.RequireAdmin)
	machines.GET("/:id", s.getMachine, ValidateSystemID, s.authMiddle.RequireRead)
	machines.GET("/:id/power", s.queryPowerState, ValidateSystemID, s.authMiddle.RequireRead)
	machines.POST("/:id/power/on", s.powerOn, ValidateSystemID, s.authMiddle.RequireWrite)
	machines.POST("/:id/power/off", s.powerOff, ValidateSystemID, s.authMiddle.RequireWrite)
	machines.POST("/:id/deploy", s.deployMachine, ValidateSystemID, s.authMiddle.RequireWrite)
	machines.POST("/:id/mark-deployed", s.markDeployed, ValidateSystemID, s.authMiddle.RequireAgent)
	machines.POST("/:id/mark-failed", s.markFailed, ValidateSystemID, s.authMiddle.RequireAgent)
	machines.POST("/:id/commissioning-result", s.commissioningResult, ValidateSystemID, s.authMiddle.RequireAgent)
	machines.GET("/:id/script-sets", s.listScriptSets, ValidateSystemID, s.authMiddle.RequireRead)

	zones := v1.Group("/zones")
	zones.GET("", s.listZones, s.authMiddle.RequireRead)
	zones.GET("/:name", s.getZone, s.authMiddle.RequireRead)
	zones.POST("", s.createZone, s.authMiddle.RequireAdmin)
	zones.DELETE("/:name", s.deleteZone, s.authMiddle.RequireAdmin)

	tags := v1.Group("/tags")
	tags.GET("", s.listTags, s.authMiddle.RequireRead)
	tags.POST("", s.createTag, s.authMiddle.RequireAdmin)
	tags.DELETE("/:name", s.deleteTag, s.authMiddle.RequireAdmin)

	fabrics := v1.Group("/fabrics")
	fabrics.GET("", s.listFabrics, s.authMiddle.RequireRead)
	fabrics.POST("", s.createFabric, s.authMiddle.RequireAdmin)
	fabrics.DELETE("/:name", s.deleteFabric, s.authMiddle.RequireAdmin)

	subnets := v1.Group("/subnets")
	subnets.GET("", s.listSubnets, s.authMiddle.RequireRead)
	subnets.POST("", s.createSubnet, s.authMiddle.RequireAdmin)
	subnets.DELETE("/:name", s.deleteSubnet, s.authMiddle.RequireAdmin)

	racks := v1.Group("/rackcontrollers")
	racks.GET("", s.listRackControllers, s.authMiddle.RequireRead)
	racks.POST("", s.registerRackController, s.authMiddle.RequireAgent)

	settings := v1.Group("/settings")
	settings.GET("/enable_disk_erasing_on_release", s.getDiskErasing, s.authMiddle.RequireRead)
	settings.PUT("/enable_disk_erasing_on_release", s.setDiskErasing, s.authMiddle.RequireAdmin)

	ws := v1.Group("/ws")
	ws.GET("/events", s.HandleWebSocket, s.authMiddle.RequireRead)
	ws.GET("/stats", s.GetWebSocketStats, s.authMiddle.RequireRead)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Server.Address()

	s.logger.Info("starting API server",
		zap.String("address", addr),
		zap.Bool("tls", s.config.Server.TLSEnabled),
		zap.Bool("auth", s.config.Security.AuthEnabled))

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.Server.WriteTimeout

	var err error
	if s.config.Server.TLSEnabled {
		err = s.echo.StartTLS(addr, s.config.Server.TLSCert, s.config.Server.TLSKey)
	} else {
		err = s.echo.Start(addr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server. The registry and the
// other services are closed by their owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// healthCheck reports liveness and the number of known machines.
func (s *Server) healthCheck(c echo.Context) error {
	machines, err := s.storage.ListMachines(c.Request().Context(), storage.MachineFilter{})
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"error":   "registry unavailable",
			"details": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"service":          "metalpool",
		"version":          version.Version,
		"machines":         len(machines),
		"rack_controllers": s.racks.Count(),
		"ws_clients":       s.hub.ClientCount(),
	})
}

func (s *Server) versionInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}

// ServeHTTP allows Server to implement http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
