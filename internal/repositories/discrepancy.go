package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/tickettoken/services/ticketing/internal/models"
)

// DiscrepancyRepository records detected divergence between the
// database and the ledger.
type DiscrepancyRepository interface {
	Create(ctx context.Context, record *models.DiscrepancyRecord) error
	Save(ctx context.Context, record *models.DiscrepancyRecord) error

	// FindUnresolved returns the newest unresolved record for a
	// ticket field, or nil when the field has no open history.
	FindUnresolved(ctx context.Context, ticketID uuid.UUID, field string) (*models.DiscrepancyRecord, error)

	// ResolveForTicket closes every unresolved record for the ticket.
	// Called when a reconciliation pass shows full agreement.
	ResolveForTicket(ctx context.Context, ticketID uuid.UUID, at time.Time) error

	List(ctx context.Context, status models.DiscrepancyStatus, limit int) ([]models.DiscrepancyRecord, error)
	CountOpen(ctx context.Context) (int64, error)
}

type discrepancyRepository struct {
	db *gorm.DB
}

// NewDiscrepancyRepository creates a new discrepancy repository
func NewDiscrepancyRepository(db *gorm.DB) DiscrepancyRepository {
	return &discrepancyRepository{db: db}
}

func (r *discrepancyRepository) Create(ctx context.Context, record *models.DiscrepancyRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	return errors.Wrap(
		r.db.WithContext(ctx).Create(record).Error,
		"failed to create discrepancy record")
}

func (r *discrepancyRepository) Save(ctx context.Context, record *models.DiscrepancyRecord) error {
	return errors.Wrap(
		r.db.WithContext(ctx).Save(record).Error,
		"failed to save discrepancy record")
}

var unresolvedStatuses = []models.DiscrepancyStatus{
	models.DiscrepancyOpen,
	models.DiscrepancyAutoHealed,
	models.DiscrepancyEscalated,
}

func (r *discrepancyRepository) FindUnresolved(ctx context.Context, ticketID uuid.UUID, field string) (*models.DiscrepancyRecord, error) {
	var record models.DiscrepancyRecord
	err := r.db.WithContext(ctx).
		Where("ticket_id = ? AND field = ? AND status IN ?", ticketID, field, unresolvedStatuses).
		Order("detected_at desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to find unresolved discrepancy")
	}
	return &record, nil
}

func (r *discrepancyRepository) ResolveForTicket(ctx context.Context, ticketID uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.DiscrepancyRecord{}).
		Where("ticket_id = ? AND status IN ?", ticketID, unresolvedStatuses).
		Updates(map[string]interface{}{
			"status":      models.DiscrepancyResolved,
			"resolved_at": at,
		}).Error
	return errors.Wrap(err, "failed to resolve discrepancies for ticket")
}

func (r *discrepancyRepository) List(ctx context.Context, status models.DiscrepancyStatus, limit int) ([]models.DiscrepancyRecord, error) {
	var records []models.DiscrepancyRecord
	q := r.db.WithContext(ctx).Order("detected_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list discrepancy records")
	}
	return records, nil
}

func (r *discrepancyRepository) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.DiscrepancyRecord{}).
		Where("status = ?", models.DiscrepancyOpen).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count open discrepancies")
	}
	return count, nil
}
