package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/tickettoken/services/ticketing/internal/api"
	"example.com/tickettoken/services/ticketing/internal/cache"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/search"
	"example.com/tickettoken/services/ticketing/internal/services"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for checkpoint scans and ticket management`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := initDatabase(cfg)
	if err != nil {
		return err
	}
	repos := newRepoSet(db)

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	metricsCollector := metrics.NewMetrics()

	scanService := services.NewScanService(
		repos.tx, repos.tickets, repos.scans, repos.operations,
		redisCache, metricsCollector, tracer, cfg.Scan.DedupWindow)
	ticketService := services.NewTicketService(
		repos.tx, repos.tickets, repos.events, repos.operations, repos.scans,
		redisCache, metricsCollector, tracer)

	server := api.NewServer(cfg, scanService, ticketService,
		repos.discrepancies, repos.operations, elasticClient, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
