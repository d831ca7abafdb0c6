package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/tickettoken/services/ticketing/internal/cache"
	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

// Business-rule errors surfaced to callers of the ticket flows.
var (
	ErrTransferNotAllowed = errors.New("event does not allow transfers")
	ErrEventCancelled     = errors.New("event has been cancelled")
)

// TicketService owns the issuance, transfer, invalidation, and
// event-cancellation flows. Every ledger-affecting mutation commits to
// the database and enqueues its outbox operation in the same local
// transaction; there is no pathway that changes ownership without
// going through the outbox.
type TicketService struct {
	tx         Transactor
	tickets    repositories.TicketRepository
	events     repositories.EventRepository
	operations repositories.OperationRepository
	scans      repositories.ScanRecordRepository
	cache      *cache.RedisCache
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewTicketService creates a new ticket service
func NewTicketService(
	tx Transactor,
	tickets repositories.TicketRepository,
	events repositories.EventRepository,
	operations repositories.OperationRepository,
	scans repositories.ScanRecordRepository,
	redisCache *cache.RedisCache,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *TicketService {
	return &TicketService{
		tx:         tx,
		tickets:    tickets,
		events:     events,
		operations: operations,
		scans:      scans,
		cache:      redisCache,
		metrics:    collector,
		tracer:     tracer,
	}
}

// CreateEvent creates a new event row.
func (s *TicketService) CreateEvent(ctx context.Context, name, venue string, start, end time.Time, resaleable bool) (*models.Event, error) {
	event := &models.Event{
		ID:               uuid.New(),
		Name:             name,
		Venue:            venue,
		StartTime:        start,
		EndTime:          end,
		Resaleable:       resaleable,
		LedgerSyncStatus: models.SyncUnsynced,
	}
	if err := s.events.Create(ctx, event); err != nil {
		return nil, errors.Wrap(err, "failed to create event")
	}

	log.Info().Str("event_id", event.ID.String()).Str("name", name).Msg("Event created")
	return event, nil
}

// IssueTicket creates a ticket and enqueues its ledger registration.
// The database row exists before any ledger attempt is made.
func (s *TicketService) IssueTicket(ctx context.Context, eventID uuid.UUID, ownerID, assetRef string) (*models.Ticket, error) {
	txn := s.tracer.StartTransaction("issue-ticket")
	defer s.tracer.EndTransaction(txn)

	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Cancelled {
		return nil, ErrEventCancelled
	}

	ticket := &models.Ticket{
		ID:               uuid.New(),
		EventID:          eventID,
		OwnerID:          ownerID,
		Location:         ledger.LocationOutside,
		IsValid:          true,
		LedgerSyncStatus: models.SyncPending,
	}
	if assetRef != "" {
		ticket.LedgerAssetRef = &assetRef
	}

	err = s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		if err := s.tickets.Create(ctx, tx, ticket); err != nil {
			return err
		}
		return s.enqueueTicketOp(ctx, tx, ticket, ledger.OpRegister,
			registerFingerprint(ticket.ID),
			ledger.RegisterPayload{
				TicketRef: ticket.ID.String(),
				EventRef:  eventID.String(),
				AssetRef:  assetRef,
				OwnerRef:  ownerID,
			})
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to issue ticket")
	}

	log.Info().
		Str("ticket_id", ticket.ID.String()).
		Str("event_id", eventID.String()).
		Str("owner_id", ownerID).
		Msg("Ticket issued")

	return ticket, nil
}

// Transfer changes a ticket's owner and enqueues the ledger transfer.
func (s *TicketService) Transfer(ctx context.Context, ticketID uuid.UUID, newOwnerID, reason string) (*models.Ticket, error) {
	txn := s.tracer.StartTransaction("transfer-ticket")
	defer s.tracer.EndTransaction(txn)

	var ticket *models.Ticket
	err := s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		ticket, err = s.tickets.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !ticket.IsValid {
			return ledger.ErrTicketInvalidated
		}

		event, err := s.events.GetByID(ctx, ticket.EventID)
		if err != nil {
			return err
		}
		if event.Cancelled {
			return ErrEventCancelled
		}
		if !event.Resaleable {
			return ErrTransferNotAllowed
		}

		previousOwner := ticket.OwnerID
		ticket.OwnerID = newOwnerID
		ticket.TransferCount++
		ticket.LedgerSyncStatus = models.SyncPending
		if err := s.tickets.Save(ctx, tx, ticket); err != nil {
			return err
		}

		log.Info().
			Str("ticket_id", ticketID.String()).
			Str("from", previousOwner).
			Str("to", newOwnerID).
			Int("transfer_count", ticket.TransferCount).
			Str("reason", reason).
			Msg("Ticket transferred")

		return s.enqueueTicketOp(ctx, tx, ticket, ledger.OpTransfer,
			transferFingerprint(ticket.ID, ticket.TransferCount),
			ledger.TransferPayload{
				TicketRef:   ticket.ID.String(),
				NewOwnerRef: newOwnerID,
			})
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidateCachedTicket(ctx, ticketID)
	return ticket, nil
}

// Invalidate marks a ticket invalid (refund, revocation). Invalidating
// an already-invalid ticket is a no-op.
func (s *TicketService) Invalidate(ctx context.Context, ticketID uuid.UUID, reason string) (*models.Ticket, error) {
	txn := s.tracer.StartTransaction("invalidate-ticket")
	defer s.tracer.EndTransaction(txn)

	var ticket *models.Ticket
	err := s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		ticket, err = s.tickets.GetForUpdate(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if !ticket.IsValid {
			return nil
		}

		ticket.IsValid = false
		ticket.LedgerSyncStatus = models.SyncPending
		if err := s.tickets.Save(ctx, tx, ticket); err != nil {
			return err
		}

		log.Info().
			Str("ticket_id", ticketID.String()).
			Str("reason", reason).
			Msg("Ticket invalidated")

		return s.enqueueTicketOp(ctx, tx, ticket, ledger.OpInvalidate,
			invalidateFingerprint(ticket.ID),
			ledger.InvalidatePayload{
				TicketRef: ticket.ID.String(),
				Reason:    reason,
			})
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, errors.Wrap(err, "failed to invalidate ticket")
	}

	s.invalidateCachedTicket(ctx, ticketID)
	return ticket, nil
}

// CancelEvent cancels an event and invalidates every ticket under it,
// enqueueing one Invalidate operation per ticket plus the event-level
// cancellation. Returns the number of tickets invalidated.
func (s *TicketService) CancelEvent(ctx context.Context, eventID uuid.UUID, reason string) (int, error) {
	txn := s.tracer.StartTransaction("cancel-event")
	defer s.tracer.EndTransaction(txn)

	invalidated := 0
	err := s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		event, err := s.events.GetForUpdate(ctx, tx, eventID)
		if err != nil {
			return err
		}

		event.Cancelled = true
		event.LedgerSyncStatus = models.SyncPending
		if err := s.events.Save(ctx, tx, event); err != nil {
			return err
		}

		tickets, err := s.tickets.ListByEvent(ctx, eventID)
		if err != nil {
			return err
		}

		for i := range tickets {
			ticket := &tickets[i]
			if !ticket.IsValid {
				continue
			}
			ticket.IsValid = false
			ticket.LedgerSyncStatus = models.SyncPending
			if err := s.tickets.Save(ctx, tx, ticket); err != nil {
				return err
			}
			err = s.enqueueTicketOp(ctx, tx, ticket, ledger.OpInvalidate,
				invalidateFingerprint(ticket.ID),
				ledger.InvalidatePayload{
					TicketRef: ticket.ID.String(),
					Reason:    reason,
				})
			if err != nil {
				return err
			}
			invalidated++
		}

		payload, err := json.Marshal(ledger.CancelEventPayload{
			EventRef: eventID.String(),
			Reason:   reason,
		})
		if err != nil {
			return errors.Wrap(err, "failed to marshal cancel payload")
		}
		return s.operations.Enqueue(ctx, tx, &models.LedgerOperation{
			Fingerprint: cancelEventFingerprint(eventID),
			Type:        ledger.OpCancelEvent,
			EventID:     &eventID,
			Payload:     payload,
			Status:      models.OperationPending,
		})
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return 0, errors.Wrap(err, "failed to cancel event")
	}

	log.Info().
		Str("event_id", eventID.String()).
		Int("tickets_invalidated", invalidated).
		Str("reason", reason).
		Msg("Event cancelled")

	return invalidated, nil
}

// GetTicket reads a ticket, via cache when available.
func (s *TicketService) GetTicket(ctx context.Context, ticketID uuid.UUID) (*models.Ticket, error) {
	key := cache.GetTicketCacheKey(ticketID)
	var cached models.Ticket
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	ticket, err := s.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, ticket, 10*time.Second); err != nil && s.cache.Enabled() {
		log.Warn().Err(err).Msg("Failed to cache ticket")
	}
	return ticket, nil
}

// ListScans returns a ticket's scan history.
func (s *TicketService) ListScans(ctx context.Context, ticketID uuid.UUID, limit int) ([]models.ScanRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.scans.ListByTicket(ctx, ticketID, limit)
}

func (s *TicketService) enqueueTicketOp(ctx context.Context, tx *gorm.DB, ticket *models.Ticket, opType ledger.OperationType, fingerprint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal operation payload")
	}
	err = s.operations.Enqueue(ctx, tx, &models.LedgerOperation{
		Fingerprint: fingerprint,
		Type:        opType,
		TicketID:    &ticket.ID,
		Payload:     data,
		Status:      models.OperationPending,
	})
	if err != nil {
		return err
	}
	s.metrics.IncrementCounter(metrics.OperationsEnqueued, 1)
	return nil
}

func (s *TicketService) invalidateCachedTicket(ctx context.Context, ticketID uuid.UUID) {
	if err := s.cache.Invalidate(ctx, cache.GetTicketCacheKey(ticketID)); err != nil {
		log.Warn().Err(err).Msg("Failed to invalidate cached ticket")
	}
}
