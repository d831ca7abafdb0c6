package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/tickettoken/services/ticketing/internal/cache"
	"example.com/tickettoken/services/ticketing/internal/messaging"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/search"
	"example.com/tickettoken/services/ticketing/internal/services"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the outbox dispatcher, the reconciliation job and the gate scan queue consumer`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

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

	gateway, err := newLedgerGateway(cfg)
	if err != nil {
		return err
	}

	scanService := services.NewScanService(
		repos.tx, repos.tickets, repos.scans, repos.operations,
		redisCache, metricsCollector, tracer, cfg.Scan.DedupWindow)

	dispatcher := services.NewDispatcher(
		repos.operations, repos.tickets, repos.events,
		gateway, metricsCollector, cfg.Dispatcher)

	reconciler := services.NewReconciler(
		repos.tickets, repos.scans, repos.operations, repos.discrepancies,
		gateway, elasticClient, metricsCollector, cfg.Reconciler)

	// Outbox dispatcher loop.
	g.Go(func() error {
		log.Info().Msg("Starting outbox dispatcher")
		return dispatcher.Run(ctx)
	})

	// Reconciliation cron job.
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Reconciler.Interval).Msg("Starting reconciliation job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Reconciler.Interval),
			gocron.NewTask(func() {
				if _, err := reconciler.ReconcileOnce(ctx); err != nil {
					log.Error().Err(err).Msg("Reconciliation pass failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Gate scan queue consumer, when a queue is configured.
	if cfg.Azure.QueueConnStr != "" {
		azureClient, err := messaging.NewAzureClient(cfg.Azure.QueueConnStr)
		if err != nil {
			return err
		}
		processor := messaging.NewProcessor(scanService)

		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting gate scan consumer")
			return azureClient.StartConsumers(ctx, cfg.Azure.QueueName, processor)
		})
	} else {
		log.Info().Msg("No scan queue configured, skipping consumer")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
