package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/database"
	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/services"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ticketing-service",
	Short: "Ticket lifecycle service",
	Long:  `Service that manages event tickets and keeps the database and the ledger mirror consistent`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
}

func loadConfig() (config.Config, error) {
	return config.LoadConfig(configPath)
}

func initDatabase(cfg config.Config) (*gorm.DB, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	if err := database.Migrate(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}

// repoSet bundles the repositories every command wires the same way.
type repoSet struct {
	tickets       repositories.TicketRepository
	events        repositories.EventRepository
	scans         repositories.ScanRecordRepository
	operations    repositories.OperationRepository
	discrepancies repositories.DiscrepancyRepository
	tx            services.Transactor
}

func newRepoSet(db *gorm.DB) repoSet {
	return repoSet{
		tickets:       repositories.NewTicketRepository(db),
		events:        repositories.NewEventRepository(db),
		scans:         repositories.NewScanRecordRepository(db),
		operations:    repositories.NewOperationRepository(db),
		discrepancies: repositories.NewDiscrepancyRepository(db),
		tx:            services.NewTransactor(db),
	}
}

func newLedgerGateway(cfg config.Config) (ledger.Gateway, error) {
	return ledger.NewRPCGateway(ledger.RPCConfig{
		Endpoint:      cfg.Ledger.Endpoint,
		APIKey:        cfg.Ledger.APIKey,
		SubmitTimeout: cfg.Ledger.SubmitTimeout,
		ReadTimeout:   cfg.Ledger.ReadTimeout,
	})
}
