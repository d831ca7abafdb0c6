package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/tickettoken/services/ticketing/internal/models"
)

// EventRepository provides access to event rows.
type EventRepository interface {
	Create(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Event, error)
	Save(ctx context.Context, tx *gorm.DB, event *models.Event) error
	MarkSynced(ctx context.Context, id uuid.UUID) error
	MarkSyncFailed(ctx context.Context, id uuid.UUID) error
}

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *eventRepository) Create(ctx context.Context, event *models.Event) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(event).Error
}

func (r *eventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get event by ID")
	}
	return &event, nil
}

func (r *eventRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&event, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to lock event row")
	}
	return &event, nil
}

func (r *eventRepository) Save(ctx context.Context, tx *gorm.DB, event *models.Event) error {
	return r.conn(tx).WithContext(ctx).Omit(clause.Associations).Save(event).Error
}

func (r *eventRepository) MarkSynced(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ?", id).
		Update("ledger_sync_status", models.SyncSynced)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event synced")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepository) MarkSyncFailed(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("id = ?", id).
		Update("ledger_sync_status", models.SyncFailed)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark event sync failed")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
