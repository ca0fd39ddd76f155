// Package gateway serves the public HTTP API and relays each request to a
// named backend instance.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pgrestgw/pkg/instance"
	"pgrestgw/pkg/log"
	"pgrestgw/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventSource lists recorded instance events.
type EventSource interface {
	Events(ctx context.Context, name string, limit int) ([]models.InstanceEvent, error)
}

type Server struct {
	service                 *instance.Service
	poolSize                int
	gracefulShutdownTimeout time.Duration
	events                  EventSource
	gatherer                prometheus.Gatherer
	echo                    *echo.Echo
}

func NewGatewayServer(service *instance.Service, poolSize int, gracefulShutdownTimeout time.Duration) *Server {
	return &Server{
		service:                 service,
		poolSize:                poolSize,
		gracefulShutdownTimeout: gracefulShutdownTimeout,
		echo:                    echo.New(),
	}
}

// SetEventSource enables the instance events route.
func (s *Server) SetEventSource(events EventSource) {
	s.events = events
}

// SetGatherer enables the metrics route.
func (s *Server) SetGatherer(gatherer prometheus.Gatherer) {
	s.gatherer = gatherer
}

// Start serves on addr until SIGINT or SIGTERM, then shuts down.
func (s *Server) Start(addr string) error {
	s.setupRoutes()

	go func() {
		log.Info().Str("addr", addr).Int("pool_size", s.poolSize).Msg("Starting gateway")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.gracefulShutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.GET("/", s.HomeHandler)
	s.echo.GET("/api/health", s.HealthHandler)
	s.echo.GET("/api/schema", s.SchemaHandler)

	for _, r := range resources {
		s.echo.GET("/api/"+r.plural, s.listHandler(r))
		s.echo.GET("/api/"+r.plural+"/:id", s.getHandler(r))
		s.echo.POST("/api/"+r.plural, s.createHandler(r))
		s.echo.PUT("/api/"+r.plural+"/:id", s.updateHandler(r))
		s.echo.DELETE("/api/"+r.plural+"/:id", s.deleteHandler(r))
	}

	s.echo.GET("/api/lb/*", s.LoadBalancedHandler)
	s.echo.GET("/api/instances", s.InstancesHandler)
	s.echo.GET("/api/instances/:name/events", s.EventsHandler)

	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}
