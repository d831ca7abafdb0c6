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

// ScanReason explains a scan decision to gate staff. Denials are always
// specific, never generic.
type ScanReason string

const (
	ReasonAdmitted          ScanReason = "ADMITTED"
	ReasonDuplicateScan     ScanReason = "DUPLICATE_SCAN"
	ReasonTicketInvalidated ScanReason = "TICKET_INVALIDATED"
	ReasonInvalidTransition ScanReason = "INVALID_TRANSITION"
)

// ScanRequest carries one checkpoint scan.
type ScanRequest struct {
	TicketID   uuid.UUID
	ScanType   ledger.ScanType
	Zone       string
	DeviceID   string
	OperatorID string
	ScannedAt  time.Time
}

// ScanResult is the synchronous admit/deny decision. The ledger mirror
// happens asynchronously and never blocks the door.
type ScanResult struct {
	Allowed   bool            `json:"allowed"`
	Reason    ScanReason      `json:"reason"`
	Location  ledger.Location `json:"location"`
	ScanCount int             `json:"scan_count"`
}

// ScanService validates checkpoint scans and durably records accepted
// ones.
type ScanService struct {
	tx          Transactor
	tickets     repositories.TicketRepository
	scans       repositories.ScanRecordRepository
	operations  repositories.OperationRepository
	cache       *cache.RedisCache
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
	dedupWindow time.Duration
}

// NewScanService creates a new scan service
func NewScanService(
	tx Transactor,
	tickets repositories.TicketRepository,
	scans repositories.ScanRecordRepository,
	operations repositories.OperationRepository,
	redisCache *cache.RedisCache,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
	dedupWindow time.Duration,
) *ScanService {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Second
	}
	return &ScanService{
		tx:          tx,
		tickets:     tickets,
		scans:       scans,
		operations:  operations,
		cache:       redisCache,
		metrics:     collector,
		tracer:      tracer,
		dedupWindow: dedupWindow,
	}
}

// Process decides admit/deny for one scan. Accepted scans write the
// ticket update, the audit record, and the outbox entry in a single
// local transaction; rejections write nothing. The row lock is released
// at commit, before any ledger dispatch happens.
func (s *ScanService) Process(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	txn := s.tracer.StartTransaction("process-scan")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "ticket_id", req.TicketID.String())
	s.tracer.AddAttribute(txn, "scan_type", string(req.ScanType))

	if !ledger.ValidScanType(req.ScanType) {
		return nil, errors.Wrapf(ledger.ErrUnknownScanType, "%q", req.ScanType)
	}
	if req.ScannedAt.IsZero() {
		req.ScannedAt = time.Now().UTC()
	}

	// Fast-path duplicate suppression. A cache failure degrades to the
	// database window check inside the transaction.
	claimed, err := s.cache.ClaimScan(ctx, req.TicketID, req.ScanType, req.DeviceID, s.dedupWindow)
	if err != nil {
		log.Warn().Err(err).Msg("Scan dedup cache unavailable, falling back to database check")
		claimed = true
	}
	if !claimed {
		return s.duplicateResult(ctx, req)
	}

	var result *ScanResult
	err = s.tx.Transaction(ctx, func(tx *gorm.DB) error {
		ticket, err := s.tickets.GetForUpdate(ctx, tx, req.TicketID)
		if err != nil {
			return err
		}

		if !ticket.IsValid {
			result = denied(ticket, ReasonTicketInvalidated)
			return nil
		}

		last, err := s.scans.LastAccepted(ctx, tx, req.TicketID, req.ScanType, req.DeviceID)
		if err != nil {
			return err
		}
		if repositories.WithinWindow(last, req.ScannedAt, s.dedupWindow) {
			result = &ScanResult{
				Allowed:   false,
				Reason:    ReasonDuplicateScan,
				Location:  ticket.Location,
				ScanCount: ticket.ScanCount,
			}
			return nil
		}

		newLocation, err := ledger.ApplyScan(ticket.Location, req.ScanType, ticket.IsValid)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				result = denied(ticket, ReasonInvalidTransition)
				return nil
			}
			return err
		}

		return s.accept(ctx, tx, ticket, req, newLocation, &result)
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		if relErr := s.cache.ReleaseScan(ctx, req.TicketID, req.ScanType, req.DeviceID); relErr != nil {
			log.Warn().Err(relErr).Msg("Failed to release scan dedup slot")
		}
		return nil, errors.Wrap(err, "failed to process scan")
	}

	// A denied scan frees its dedup slot so the next scan at the gate
	// is judged on its own merits. A duplicate keeps the slot.
	if !result.Allowed && result.Reason != ReasonDuplicateScan {
		if relErr := s.cache.ReleaseScan(ctx, req.TicketID, req.ScanType, req.DeviceID); relErr != nil {
			log.Warn().Err(relErr).Msg("Failed to release scan dedup slot")
		}
	}

	s.record(req, result)
	return result, nil
}

// accept performs the three writes of an accepted scan inside the
// caller's transaction.
func (s *ScanService) accept(ctx context.Context, tx *gorm.DB, ticket *models.Ticket, req *ScanRequest, newLocation ledger.Location, result **ScanResult) error {
	prior := ticket.Location
	scannedAt := req.ScannedAt

	ticket.Location = newLocation
	ticket.ScanCount++
	ticket.LastScanAt = &scannedAt
	if ticket.FirstEntryAt == nil && req.ScanType == ledger.ScanEntry {
		ticket.FirstEntryAt = &scannedAt
	}
	if err := s.tickets.Save(ctx, tx, ticket); err != nil {
		return err
	}

	record := &models.ScanRecord{
		ID:                uuid.New(),
		TicketID:          ticket.ID,
		ScanType:          req.ScanType,
		Zone:              req.Zone,
		DeviceID:          req.DeviceID,
		OperatorID:        req.OperatorID,
		PriorLocation:     prior,
		ResultingLocation: newLocation,
		ScannedAt:         scannedAt,
	}
	if err := s.scans.Create(ctx, tx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(ledger.RecordScanPayload{
		TicketRef: ticket.ID.String(),
		Scan:      req.ScanType,
		Zone:      req.Zone,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal scan payload")
	}

	op := &models.LedgerOperation{
		Fingerprint: scanFingerprint(ticket.ID, req.ScanType, req.DeviceID, scannedAt.UnixNano()),
		Type:        ledger.OpRecordScan,
		TicketID:    &ticket.ID,
		Payload:     payload,
		Status:      models.OperationPending,
	}
	if err := s.operations.Enqueue(ctx, tx, op); err != nil {
		return err
	}

	*result = &ScanResult{
		Allowed:   true,
		Reason:    ReasonAdmitted,
		Location:  newLocation,
		ScanCount: ticket.ScanCount,
	}
	return nil
}

func (s *ScanService) duplicateResult(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	ticket, err := s.tickets.GetByID(ctx, req.TicketID)
	if err != nil {
		return nil, err
	}
	result := &ScanResult{
		Allowed:   false,
		Reason:    ReasonDuplicateScan,
		Location:  ticket.Location,
		ScanCount: ticket.ScanCount,
	}
	s.record(req, result)
	return result, nil
}

func (s *ScanService) record(req *ScanRequest, result *ScanResult) {
	switch {
	case result.Allowed:
		s.metrics.IncrementCounter(metrics.ScansAccepted, 1)
	case result.Reason == ReasonDuplicateScan:
		s.metrics.IncrementCounter(metrics.ScansDuplicate, 1)
	default:
		s.metrics.IncrementCounter(metrics.ScansDenied, 1)
	}

	evt := log.Info()
	if !result.Allowed {
		evt = log.Warn()
	}
	evt.
		Str("ticket_id", req.TicketID.String()).
		Str("scan_type", string(req.ScanType)).
		Str("device_id", req.DeviceID).
		Bool("allowed", result.Allowed).
		Str("reason", string(result.Reason)).
		Str("location", string(result.Location)).
		Int("scan_count", result.ScanCount).
		Msg("Scan processed")
}

func denied(ticket *models.Ticket, reason ScanReason) *ScanResult {
	return &ScanResult{
		Allowed:   false,
		Reason:    reason,
		Location:  ticket.Location,
		ScanCount: ticket.ScanCount,
	}
}
