package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/models"
)

// ScanRecordRepository provides access to the scan audit trail.
// Records are append-only; there are no update or delete methods.
type ScanRecordRepository interface {
	Create(ctx context.Context, tx *gorm.DB, record *models.ScanRecord) error
	LastAccepted(ctx context.Context, tx *gorm.DB, ticketID uuid.UUID, scanType ledger.ScanType, deviceID string) (*models.ScanRecord, error)
	Latest(ctx context.Context, ticketID uuid.UUID) (*models.ScanRecord, error)
	ListByTicket(ctx context.Context, ticketID uuid.UUID, limit int) ([]models.ScanRecord, error)
}

type scanRecordRepository struct {
	db *gorm.DB
}

// NewScanRecordRepository creates a new scan record repository
func NewScanRecordRepository(db *gorm.DB) ScanRecordRepository {
	return &scanRecordRepository{db: db}
}

func (r *scanRecordRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Create appends one scan record.
func (r *scanRecordRepository) Create(ctx context.Context, tx *gorm.DB, record *models.ScanRecord) error {
	return r.conn(tx).WithContext(ctx).Omit(clause.Associations).Create(record).Error
}

// LastAccepted returns the most recent accepted scan for the exact
// (ticket, scan type, device) triple, or nil when none exists. The scan
// validator uses it as the duplicate-suppression fallback when the
// cache is unavailable.
func (r *scanRecordRepository) LastAccepted(ctx context.Context, tx *gorm.DB, ticketID uuid.UUID, scanType ledger.ScanType, deviceID string) (*models.ScanRecord, error) {
	var record models.ScanRecord
	err := r.conn(tx).WithContext(ctx).
		Where("ticket_id = ? AND scan_type = ? AND device_id = ?", ticketID, scanType, deviceID).
		Order("scanned_at desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query last accepted scan")
	}
	return &record, nil
}

// Latest returns the most recent scan for a ticket regardless of type
// or device, or nil when the ticket has never been scanned.
func (r *scanRecordRepository) Latest(ctx context.Context, ticketID uuid.UUID) (*models.ScanRecord, error) {
	var record models.ScanRecord
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("scanned_at desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query latest scan")
	}
	return &record, nil
}

// ListByTicket lists a ticket's scan history, newest first.
func (r *scanRecordRepository) ListByTicket(ctx context.Context, ticketID uuid.UUID, limit int) ([]models.ScanRecord, error) {
	var records []models.ScanRecord
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("scanned_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scan records")
	}
	return records, nil
}

// WithinWindow reports whether the record was accepted within the dedup
// window ending at now.
func WithinWindow(record *models.ScanRecord, now time.Time, window time.Duration) bool {
	if record == nil {
		return false
	}
	return now.Sub(record.ScannedAt) < window
}
