package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/tickettoken/services/ticketing/internal/models"
)

// TicketRepository provides access to ticket rows. Methods that take a
// tx participate in a caller-owned transaction; passing nil uses the
// repository's own connection.
type TicketRepository interface {
	Create(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Ticket, error)
	Save(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error
	MarkSynced(ctx context.Context, id uuid.UUID, accountRef string) error
	MarkSyncFailed(ctx context.Context, id uuid.UUID) error
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Ticket, error)
	ListRecentlyTouched(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error)
}

type ticketRepository struct {
	db *gorm.DB
}

// NewTicketRepository creates a new ticket repository
func NewTicketRepository(db *gorm.DB) TicketRepository {
	return &ticketRepository{db: db}
}

func (r *ticketRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Create inserts a new ticket row.
func (r *ticketRepository) Create(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error {
	return r.conn(tx).WithContext(ctx).Omit(clause.Associations).Create(ticket).Error
}

// GetByID gets a ticket by ID.
func (r *ticketRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.db.WithContext(ctx).First(&ticket, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get ticket by ID")
	}
	return &ticket, nil
}

// GetForUpdate loads a ticket under a row-level lock. Two concurrent
// scans of the same ticket serialize here.
func (r *ticketRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Ticket, error) {
	var ticket models.Ticket
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&ticket, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to lock ticket row")
	}
	return &ticket, nil
}

// Save writes the full ticket row back.
func (r *ticketRepository) Save(ctx context.Context, tx *gorm.DB, ticket *models.Ticket) error {
	return r.conn(tx).WithContext(ctx).Omit(clause.Associations).Save(ticket).Error
}

// MarkSynced records a confirmed ledger mirror for the ticket.
func (r *ticketRepository) MarkSynced(ctx context.Context, id uuid.UUID, accountRef string) error {
	result := r.db.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"ledger_sync_status": models.SyncSynced,
			"ledger_account_ref": accountRef,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark ticket synced")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSyncFailed records a terminally failed ledger mirror.
func (r *ticketRepository) MarkSyncFailed(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Ticket{}).
		Where("id = ?", id).
		Update("ledger_sync_status", models.SyncFailed)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark ticket sync failed")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByEvent lists all tickets under an event.
func (r *ticketRepository) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at asc").
		Find(&tickets).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tickets by event")
	}
	return tickets, nil
}

// ListRecentlyTouched lists tickets updated since the given time, the
// reconciliation window.
func (r *ticketRepository) ListRecentlyTouched(ctx context.Context, since time.Time, limit int) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := r.db.WithContext(ctx).
		Where("updated_at >= ?", since).
		Order("updated_at asc").
		Limit(limit).
		Find(&tickets).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recently touched tickets")
	}
	return tickets, nil
}
