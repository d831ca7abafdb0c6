package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/tickettoken/services/ticketing/config"
	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/search"
)

// Reconciler compares database ticket state against the ledger mirror
// and records divergence. It never mutates ticket rows: the database
// stays authoritative, and healing happens by enqueueing compensating
// operations for the dispatcher. Safe to run concurrently with the
// dispatcher.
type Reconciler struct {
	tickets       repositories.TicketRepository
	scans         repositories.ScanRecordRepository
	operations    repositories.OperationRepository
	discrepancies repositories.DiscrepancyRepository
	gateway       ledger.Gateway
	search        *search.ElasticClient
	metrics       *metrics.Metrics
	cfg           config.ReconcilerConfig
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	TicketsChecked  int
	SkippedInFlight int
	Found           int
	Healed          int
	Escalated       int
	Resolved        int
}

// NewReconciler creates a new reconciler
func NewReconciler(
	tickets repositories.TicketRepository,
	scans repositories.ScanRecordRepository,
	operations repositories.OperationRepository,
	discrepancies repositories.DiscrepancyRepository,
	gateway ledger.Gateway,
	elasticClient *search.ElasticClient,
	collector *metrics.Metrics,
	cfg config.ReconcilerConfig,
) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Reconciler{
		tickets:       tickets,
		scans:         scans,
		operations:    operations,
		discrepancies: discrepancies,
		gateway:       gateway,
		search:        elasticClient,
		metrics:       collector,
		cfg:           cfg,
	}
}

// ReconcileOnce runs one pass over recently-touched tickets.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*ReconcileReport, error) {
	start := time.Now()
	report := &ReconcileReport{}

	tickets, err := r.tickets.ListRecentlyTouched(ctx, start.Add(-r.cfg.Window), r.cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tickets for reconciliation")
	}

	for i := range tickets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r.reconcileTicket(ctx, &tickets[i], report)
	}

	if open, err := r.discrepancies.CountOpen(ctx); err == nil {
		r.metrics.SetGauge(metrics.OpenDiscrepancies, open)
	}
	r.metrics.RecordTimer(metrics.ReconcileLatency, time.Since(start))

	log.Info().
		Int("tickets_checked", report.TicketsChecked).
		Int("skipped_in_flight", report.SkippedInFlight).
		Int("found", report.Found).
		Int("healed", report.Healed).
		Int("escalated", report.Escalated).
		Int("resolved", report.Resolved).
		Msg("Reconciliation pass complete")

	return report, nil
}

func (r *Reconciler) reconcileTicket(ctx context.Context, ticket *models.Ticket, report *ReconcileReport) {
	report.TicketsChecked++

	// A mismatch explained by an operation still in flight is expected
	// replication lag, not a discrepancy.
	inFlight, err := r.operations.HasIncompleteForTicket(ctx, ticket.ID)
	if err != nil {
		log.Error().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to check in-flight operations")
		return
	}
	if inFlight {
		report.SkippedInFlight++
		return
	}

	if ticket.LedgerAccountRef == nil {
		r.reconcileUnregistered(ctx, ticket, report)
		return
	}

	snapshot, err := r.gateway.Read(ctx, *ticket.LedgerAccountRef)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			r.handleDiff(ctx, ticket, fieldDiff{"registered", "true", "false"}, report)
			return
		}
		// Transient read failure; the next pass will retry.
		log.Warn().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Ledger read failed during reconciliation")
		return
	}

	diffs := compareTicket(ticket, snapshot)
	if len(diffs) == 0 {
		if err := r.discrepancies.ResolveForTicket(ctx, ticket.ID, time.Now()); err != nil {
			log.Error().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to resolve discrepancies")
			return
		}
		report.Resolved++
		return
	}

	for _, diff := range diffs {
		r.handleDiff(ctx, ticket, diff, report)
	}
}

// reconcileUnregistered handles tickets with no ledger account and no
// operation in flight. A terminally failed registration is operator
// territory; anything else means the registration intent never made it
// into the outbox and is re-enqueued.
func (r *Reconciler) reconcileUnregistered(ctx context.Context, ticket *models.Ticket, report *ReconcileReport) {
	if ticket.LedgerSyncStatus == models.SyncFailed {
		return
	}

	_, err := r.operations.GetByFingerprint(ctx, registerFingerprint(ticket.ID))
	if err == nil {
		// Confirmed register without an account ref would have been
		// set by the dispatcher; nothing sane to do here.
		return
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		log.Error().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to look up register operation")
		return
	}

	payload, merr := json.Marshal(ledger.RegisterPayload{
		TicketRef: ticket.ID.String(),
		EventRef:  ticket.EventID.String(),
		AssetRef:  derefOrEmpty(ticket.LedgerAssetRef),
		OwnerRef:  ticket.OwnerID,
	})
	if merr != nil {
		log.Error().Err(merr).Msg("Failed to marshal register heal payload")
		return
	}
	err = r.operations.Enqueue(ctx, nil, &models.LedgerOperation{
		Fingerprint: registerFingerprint(ticket.ID),
		Type:        ledger.OpRegister,
		TicketID:    &ticket.ID,
		Payload:     payload,
		Status:      models.OperationPending,
	})
	if err != nil {
		log.Error().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to enqueue register heal")
		return
	}

	report.Healed++
	r.metrics.IncrementCounter(metrics.DiscrepanciesHealed, 1)
	log.Warn().
		Str("ticket_id", ticket.ID.String()).
		Msg("Ticket had no registration intent, re-enqueued")
}

type fieldDiff struct {
	Field       string
	DBValue     string
	LedgerValue string
}

func compareTicket(ticket *models.Ticket, snapshot *ledger.TicketSnapshot) []fieldDiff {
	var diffs []fieldDiff
	if string(ticket.Location) != string(snapshot.Location) {
		diffs = append(diffs, fieldDiff{"location", string(ticket.Location), string(snapshot.Location)})
	}
	if ticket.ScanCount != snapshot.ScanCount {
		diffs = append(diffs, fieldDiff{"scan_count", strconv.Itoa(ticket.ScanCount), strconv.Itoa(snapshot.ScanCount)})
	}
	if ticket.OwnerID != snapshot.OwnerRef {
		diffs = append(diffs, fieldDiff{"owner", ticket.OwnerID, snapshot.OwnerRef})
	}
	if ticket.TransferCount != snapshot.TransferCount {
		diffs = append(diffs, fieldDiff{"transfer_count", strconv.Itoa(ticket.TransferCount), strconv.Itoa(snapshot.TransferCount)})
	}
	if ticket.IsValid != snapshot.IsValid {
		diffs = append(diffs, fieldDiff{"is_valid", strconv.FormatBool(ticket.IsValid), strconv.FormatBool(snapshot.IsValid)})
	}
	return diffs
}

// handleDiff records one unexplained mismatch and attempts auto-heal
// exactly once. A mismatch that recurs after healing escalates for
// manual review.
func (r *Reconciler) handleDiff(ctx context.Context, ticket *models.Ticket, diff fieldDiff, report *ReconcileReport) {
	existing, err := r.discrepancies.FindUnresolved(ctx, ticket.ID, diff.Field)
	if err != nil {
		log.Error().Err(err).Str("ticket_id", ticket.ID.String()).Msg("Failed to look up discrepancy")
		return
	}

	if existing != nil {
		switch existing.Status {
		case models.DiscrepancyAutoHealed:
			// Healing did not stick.
			existing.Status = models.DiscrepancyEscalated
			existing.DBValue = diff.DBValue
			existing.LedgerValue = diff.LedgerValue
			if err := r.discrepancies.Save(ctx, existing); err != nil {
				log.Error().Err(err).Msg("Failed to escalate discrepancy")
				return
			}
			report.Escalated++
			r.metrics.IncrementCounter(metrics.DiscrepanciesEscalated, 1)
			r.index(ctx, existing)
			log.Error().
				Str("ticket_id", ticket.ID.String()).
				Str("field", diff.Field).
				Str("db_value", diff.DBValue).
				Str("ledger_value", diff.LedgerValue).
				Msg("Discrepancy recurred after auto-heal, escalating")
		default:
			// Already tracked, nothing new to record.
		}
		return
	}

	record := &models.DiscrepancyRecord{
		TicketID:    ticket.ID,
		EventID:     &ticket.EventID,
		Field:       diff.Field,
		DBValue:     diff.DBValue,
		LedgerValue: diff.LedgerValue,
		Status:      models.DiscrepancyOpen,
		DetectedAt:  time.Now(),
	}
	if err := r.discrepancies.Create(ctx, record); err != nil {
		log.Error().Err(err).Msg("Failed to create discrepancy record")
		return
	}
	report.Found++
	r.metrics.IncrementCounter(metrics.DiscrepanciesFound, 1)

	log.Warn().
		Str("ticket_id", ticket.ID.String()).
		Str("field", diff.Field).
		Str("db_value", diff.DBValue).
		Str("ledger_value", diff.LedgerValue).
		Msg("Divergence detected between database and ledger")

	if healOp := r.healOperation(ctx, ticket, diff); healOp != nil {
		if err := r.operations.Enqueue(ctx, nil, healOp); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue heal operation")
			r.index(ctx, record)
			return
		}
		record.Status = models.DiscrepancyAutoHealed
		record.HealAttempts++
		if err := r.discrepancies.Save(ctx, record); err != nil {
			log.Error().Err(err).Msg("Failed to update healed discrepancy")
		}
		report.Healed++
		r.metrics.IncrementCounter(metrics.DiscrepanciesHealed, 1)
	}

	r.index(ctx, record)
}

// healOperation builds the compensating operation that would bring the
// ledger in line with the database for one diverged field. Returns nil
// when no single operation can, leaving the record Open for review.
func (r *Reconciler) healOperation(ctx context.Context, ticket *models.Ticket, diff fieldDiff) *models.LedgerOperation {
	healKey := func(opType ledger.OperationType) string {
		return Fingerprint(opType, "heal", ticket.ID.String(), diff.Field, diff.DBValue, diff.LedgerValue)
	}

	switch diff.Field {
	case "owner":
		payload, err := json.Marshal(ledger.TransferPayload{
			TicketRef:   ticket.ID.String(),
			NewOwnerRef: ticket.OwnerID,
		})
		if err != nil {
			return nil
		}
		return &models.LedgerOperation{
			Fingerprint: healKey(ledger.OpTransfer),
			Type:        ledger.OpTransfer,
			TicketID:    &ticket.ID,
			Payload:     payload,
			Status:      models.OperationPending,
		}

	case "is_valid":
		// Only heal in the invalidating direction; the ledger cannot
		// re-validate a ticket, and a valid DB ticket against an
		// invalidated ledger mirror is operator territory.
		if ticket.IsValid {
			return nil
		}
		payload, err := json.Marshal(ledger.InvalidatePayload{
			TicketRef: ticket.ID.String(),
			Reason:    "reconciliation heal",
		})
		if err != nil {
			return nil
		}
		return &models.LedgerOperation{
			Fingerprint: healKey(ledger.OpInvalidate),
			Type:        ledger.OpInvalidate,
			TicketID:    &ticket.ID,
			Payload:     payload,
			Status:      models.OperationPending,
		}

	case "location":
		// Replay the ticket's latest accepted scan; if more than one
		// scan is missing on the ledger the mismatch recurs and
		// escalates on the next pass. A bare scan_count divergence with
		// an agreeing location has no safe compensating scan and stays
		// open, as does transfer_count: count drift usually converges
		// when the driving field's heal lands.
		last, err := r.scans.Latest(ctx, ticket.ID)
		if err != nil || last == nil {
			return nil
		}
		payload, merr := json.Marshal(ledger.RecordScanPayload{
			TicketRef: ticket.ID.String(),
			Scan:      last.ScanType,
			Zone:      last.Zone,
			DeviceID:  last.DeviceID,
		})
		if merr != nil {
			return nil
		}
		return &models.LedgerOperation{
			Fingerprint: healKey(ledger.OpRecordScan),
			Type:        ledger.OpRecordScan,
			TicketID:    &ticket.ID,
			Payload:     payload,
			Status:      models.OperationPending,
		}

	case "registered":
		payload, err := json.Marshal(ledger.RegisterPayload{
			TicketRef: ticket.ID.String(),
			EventRef:  ticket.EventID.String(),
			AssetRef:  derefOrEmpty(ticket.LedgerAssetRef),
			OwnerRef:  ticket.OwnerID,
		})
		if err != nil {
			return nil
		}
		return &models.LedgerOperation{
			Fingerprint: healKey(ledger.OpRegister),
			Type:        ledger.OpRegister,
			TicketID:    &ticket.ID,
			Payload:     payload,
			Status:      models.OperationPending,
		}
	}
	return nil
}

func (r *Reconciler) index(ctx context.Context, record *models.DiscrepancyRecord) {
	if r.search == nil {
		return
	}
	if err := r.search.IndexDiscrepancy(ctx, record); err != nil {
		log.Warn().Err(err).Msg("Failed to index discrepancy")
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
