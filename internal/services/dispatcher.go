package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
)

// Dispatcher drains the outbox against the ledger gateway. Operations
// on the same ticket go out strictly in enqueue order; different
// tickets dispatch concurrently.
type Dispatcher struct {
	operations repositories.OperationRepository
	tickets    repositories.TicketRepository
	events     repositories.EventRepository
	gateway    ledger.Gateway
	metrics    *metrics.Metrics
	cfg        config.DispatcherConfig
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	operations repositories.OperationRepository,
	tickets repositories.TicketRepository,
	events repositories.EventRepository,
	gateway ledger.Gateway,
	collector *metrics.Metrics,
	cfg config.DispatcherConfig,
) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Dispatcher{
		operations: operations,
		tickets:    tickets,
		events:     events,
		gateway:    gateway,
		metrics:    collector,
		cfg:        cfg,
	}
}

// Run polls the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Msg("Starting outbox dispatcher")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatcher shutting down")
			return nil
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil {
				log.Error().Err(err).Msg("Dispatcher drain failed")
			}
		}
	}
}

// Drain claims one batch of due operations and dispatches it, returning
// how many operations were confirmed.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	claimed, err := d.operations.ClaimDue(ctx, d.cfg.BatchSize, time.Now())
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	// Group into per-subject lanes. ClaimDue returns rows in sequence
	// order, so each lane is already FIFO.
	laneOrder := make([]string, 0, len(claimed))
	lanes := make(map[string][]models.LedgerOperation)
	for _, op := range claimed {
		key := op.SubjectKey()
		if _, ok := lanes[key]; !ok {
			laneOrder = append(laneOrder, key)
		}
		lanes[key] = append(lanes[key], op)
	}

	confirmed := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	results := make(chan int, len(laneOrder))

	for _, key := range laneOrder {
		lane := lanes[key]
		g.Go(func() error {
			n := 0
			for i := range lane {
				proceed := d.dispatch(gctx, &lane[i])
				if !proceed {
					// An unresolved operation blocks the rest of its
					// lane until a later cycle. Younger claimed rows go
					// back to Pending untouched by the ledger.
					for j := i + 1; j < len(lane); j++ {
						d.requeue(gctx, &lane[j])
					}
					break
				}
				if lane[i].Status == models.OperationConfirmed {
					n++
				}
			}
			results <- n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return confirmed, err
	}
	close(results)
	for n := range results {
		confirmed += n
	}
	return confirmed, nil
}

// dispatch submits one operation and settles its outcome. It returns
// true when the lane may advance to the next operation: either this one
// confirmed, or it failed terminally and retrying is pointless.
func (d *Dispatcher) dispatch(ctx context.Context, op *models.LedgerOperation) bool {
	start := time.Now()

	sub := &ledger.Submission{
		Fingerprint: op.Fingerprint,
		Type:        op.Type,
		Payload:     op.Payload,
	}

	txRef, err := d.gateway.Submit(ctx, sub)
	if err != nil {
		if ledger.IsRejection(err) {
			d.fail(ctx, op, err)
			return true
		}
		// Timeout or transport failure: the submission may or may not
		// have landed. The fingerprint makes the retry safe either way.
		d.retryLater(ctx, op, err)
		return false
	}

	status, err := d.gateway.Confirm(ctx, txRef)
	if err != nil {
		d.retryLater(ctx, op, err)
		return false
	}

	switch status {
	case ledger.TxConfirmed:
		d.confirm(ctx, op, txRef)
		d.metrics.RecordTimer(metrics.DispatchLatency, time.Since(start))
		return true
	case ledger.TxFailed:
		d.fail(ctx, op, &ledger.RejectionError{Code: "TX_FAILED", Message: "ledger transaction failed"})
		return true
	default:
		d.retryLater(ctx, op, ledger.ErrUnconfirmed)
		return false
	}
}

func (d *Dispatcher) confirm(ctx context.Context, op *models.LedgerOperation, txRef string) {
	if err := d.operations.MarkConfirmed(ctx, op.ID, txRef); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Failed to mark operation confirmed")
		return
	}
	op.Status = models.OperationConfirmed

	// Propagate the mirror status onto the owning row. The ticket's
	// ledger account is keyed by its own reference.
	if op.TicketID != nil {
		if err := d.tickets.MarkSynced(ctx, *op.TicketID, op.TicketID.String()); err != nil {
			log.Error().Err(err).Str("ticket_id", op.TicketID.String()).Msg("Failed to mark ticket synced")
		}
	}
	if op.EventID != nil {
		if err := d.events.MarkSynced(ctx, *op.EventID); err != nil {
			log.Error().Err(err).Str("event_id", op.EventID.String()).Msg("Failed to mark event synced")
		}
	}

	d.metrics.IncrementCounter(metrics.OperationsConfirmed, 1)
	log.Info().
		Str("operation_id", op.ID.String()).
		Str("type", string(op.Type)).
		Str("tx_ref", txRef).
		Msg("Operation confirmed on ledger")
}

func (d *Dispatcher) fail(ctx context.Context, op *models.LedgerOperation, cause error) {
	if err := d.operations.MarkFailed(ctx, op.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Failed to mark operation failed")
		return
	}
	op.Status = models.OperationFailed

	if op.TicketID != nil {
		if err := d.tickets.MarkSyncFailed(ctx, *op.TicketID); err != nil {
			log.Error().Err(err).Str("ticket_id", op.TicketID.String()).Msg("Failed to mark ticket sync failed")
		}
	}
	if op.EventID != nil {
		if err := d.events.MarkSyncFailed(ctx, *op.EventID); err != nil {
			log.Error().Err(err).Str("event_id", op.EventID.String()).Msg("Failed to mark event sync failed")
		}
	}

	d.metrics.IncrementCounter(metrics.OperationsFailed, 1)
	log.Error().
		Err(cause).
		Str("operation_id", op.ID.String()).
		Str("type", string(op.Type)).
		Msg("Operation failed terminally, operator attention required")
}

func (d *Dispatcher) retryLater(ctx context.Context, op *models.LedgerOperation, cause error) {
	attempts := op.AttemptCount + 1
	if attempts >= d.cfg.MaxAttempts {
		d.fail(ctx, op, cause)
		return
	}

	next := time.Now().Add(d.backoff(attempts))
	if err := d.operations.Reschedule(ctx, op.ID, attempts, next, cause.Error()); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Failed to reschedule operation")
		return
	}
	op.Status = models.OperationPending
	op.AttemptCount = attempts

	d.metrics.IncrementCounter(metrics.OperationsRetried, 1)
	log.Warn().
		Err(cause).
		Str("operation_id", op.ID.String()).
		Str("type", string(op.Type)).
		Int("attempt", attempts).
		Time("next_attempt_at", next).
		Msg("Operation rescheduled")
}

// requeue returns an op claimed behind a blocked lane head without
// counting an attempt against it.
func (d *Dispatcher) requeue(ctx context.Context, op *models.LedgerOperation) {
	next := time.Now().Add(d.cfg.PollInterval)
	if err := d.operations.Reschedule(ctx, op.ID, op.AttemptCount, next, "blocked by earlier operation"); err != nil {
		log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("Failed to requeue blocked operation")
	}
	op.Status = models.OperationPending
}

// backoff computes min(base * 2^attempts, cap) with jitter.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
			break
		}
	}
	// Half fixed, half jittered, so simultaneous failures spread out.
	half := backoff / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
