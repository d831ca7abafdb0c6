package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/api/handlers"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/search"
	"example.com/tickettoken/services/ticketing/internal/services"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config        config.Config
	router        *gin.Engine
	httpServer    *http.Server
	scanService   *services.ScanService
	ticketService *services.TicketService
	discrepancies repositories.DiscrepancyRepository
	operations    repositories.OperationRepository
	search        *search.ElasticClient
	metrics       *metrics.Metrics
	tracer        tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	scanService *services.ScanService,
	ticketService *services.TicketService,
	discrepancies repositories.DiscrepancyRepository,
	operations repositories.OperationRepository,
	elasticClient *search.ElasticClient,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:        cfg,
		scanService:   scanService,
		ticketService: ticketService,
		discrepancies: discrepancies,
		operations:    operations,
		search:        elasticClient,
		metrics:       collector,
		tracer:        tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	router.Use(gin.Recovery())

	scanHandler := handlers.NewScanHandler(s.scanService, s.tracer)
	scanHandler.RegisterRoutes(router)

	ticketHandler := handlers.NewTicketHandler(s.ticketService, s.tracer)
	ticketHandler.RegisterRoutes(router)

	adminHandler := handlers.NewAdminHandler(s.discrepancies, s.operations, s.search, s.metrics, s.tracer)
	adminHandler.RegisterRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
