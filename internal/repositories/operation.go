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

// OperationRepository is the durable outbox of intended ledger
// mutations.
type OperationRepository interface {
	// Enqueue inserts the operation unless its fingerprint already
	// exists, in which case the call is a silent no-op.
	Enqueue(ctx context.Context, tx *gorm.DB, op *models.LedgerOperation) error

	// ClaimDue atomically claims up to limit dispatchable operations,
	// moving them Pending -> Submitted. An operation is dispatchable
	// when it is due and no older incomplete operation exists on the
	// same subject, preserving per-ticket FIFO order.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.LedgerOperation, error)

	MarkConfirmed(ctx context.Context, id uuid.UUID, txRef string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error

	// Reschedule returns a claimed operation to Pending with its next
	// attempt time set by the dispatcher's backoff.
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error

	GetByFingerprint(ctx context.Context, fingerprint string) (*models.LedgerOperation, error)
	HasIncompleteForTicket(ctx context.Context, ticketID uuid.UUID) (bool, error)
	ListByStatus(ctx context.Context, status models.OperationStatus, limit int) ([]models.LedgerOperation, error)
}

type operationRepository struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &operationRepository{db: db}
}

func (r *operationRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Enqueue inserts the outbox row inside the caller's transaction.
// ON CONFLICT on the fingerprint makes re-enqueueing idempotent.
func (r *operationRepository) Enqueue(ctx context.Context, tx *gorm.DB, op *models.LedgerOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	err := r.conn(tx).WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(op).Error
	if err != nil {
		return errors.Wrap(err, "failed to enqueue ledger operation")
	}
	return nil
}

// dispatchableNotBlocked filters out operations with an older
// incomplete operation on the same ticket or event lane.
const dispatchableNotBlocked = `NOT EXISTS (
	SELECT 1 FROM ledger_operations older
	WHERE older.sequence < ledger_operations.sequence
	  AND older.status IN ('PENDING', 'SUBMITTED')
	  AND (
	        (older.ticket_id IS NOT NULL AND older.ticket_id = ledger_operations.ticket_id)
	     OR (older.event_id IS NOT NULL AND older.event_id = ledger_operations.event_id)
	  )
)`

// ClaimDue selects candidates oldest-first and claims each with a
// conditional update, so two dispatcher workers never own the same row.
func (r *operationRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]models.LedgerOperation, error) {
	var candidates []models.LedgerOperation
	err := r.db.WithContext(ctx).
		Where("status = ?", models.OperationPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where(dispatchableNotBlocked).
		Order("sequence asc").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to select dispatchable operations")
	}

	claimed := make([]models.LedgerOperation, 0, len(candidates))
	for _, op := range candidates {
		result := r.db.WithContext(ctx).
			Model(&models.LedgerOperation{}).
			Where("id = ? AND status = ?", op.ID, models.OperationPending).
			Update("status", models.OperationSubmitted)
		if result.Error != nil {
			return nil, errors.Wrap(result.Error, "failed to claim operation")
		}
		if result.RowsAffected == 1 {
			op.Status = models.OperationSubmitted
			claimed = append(claimed, op)
		}
	}
	return claimed, nil
}

// MarkConfirmed terminates the operation with its ledger transaction
// reference.
func (r *operationRepository) MarkConfirmed(ctx context.Context, id uuid.UUID, txRef string) error {
	result := r.db.WithContext(ctx).
		Model(&models.LedgerOperation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.OperationConfirmed,
			"ledger_tx_ref": txRef,
			"last_error":    nil,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark operation confirmed")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed terminates the operation. Failed is terminal: the
// dispatcher never picks the row up again.
func (r *operationRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&models.LedgerOperation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.OperationFailed,
			"last_error": lastError,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to mark operation failed")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Reschedule returns a claimed operation to the queue for a later
// attempt.
func (r *operationRepository) Reschedule(ctx context.Context, id uuid.UUID, attempts int, nextAttempt time.Time, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&models.LedgerOperation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.OperationPending,
			"attempt_count":   attempts,
			"next_attempt_at": nextAttempt,
			"last_error":      lastError,
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to reschedule operation")
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByFingerprint looks an operation up by its idempotency key.
func (r *operationRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.LedgerOperation, error) {
	var op models.LedgerOperation
	err := r.db.WithContext(ctx).First(&op, "fingerprint = ?", fingerprint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get operation by fingerprint")
	}
	return &op, nil
}

// HasIncompleteForTicket reports whether the ticket still has
// operations in flight. The reconciler uses it to separate expected
// replication lag from real divergence.
func (r *operationRepository) HasIncompleteForTicket(ctx context.Context, ticketID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.LedgerOperation{}).
		Where("ticket_id = ? AND status IN ?", ticketID,
			[]models.OperationStatus{models.OperationPending, models.OperationSubmitted}).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to count incomplete operations")
	}
	return count > 0, nil
}

// ListByStatus lists operations in a given status, oldest first.
func (r *operationRepository) ListByStatus(ctx context.Context, status models.OperationStatus, limit int) ([]models.LedgerOperation, error) {
	var ops []models.LedgerOperation
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("sequence asc").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list operations by status")
	}
	return ops, nil
}
