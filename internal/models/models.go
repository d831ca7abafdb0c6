package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/tickettoken/services/ticketing/internal/ledger"
)

// SyncStatus tracks how far a row's ledger mirror has progressed.
type SyncStatus string

const (
	SyncUnsynced SyncStatus = "UNSYNCED"
	SyncPending  SyncStatus = "PENDING"
	SyncSynced   SyncStatus = "SYNCED"
	SyncFailed   SyncStatus = "FAILED"
)

// OperationStatus is the outbox lifecycle state.
type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationSubmitted OperationStatus = "SUBMITTED"
	OperationConfirmed OperationStatus = "CONFIRMED"
	OperationFailed    OperationStatus = "FAILED"
)

// DiscrepancyStatus is the resolution state of a detected divergence.
type DiscrepancyStatus string

const (
	DiscrepancyOpen       DiscrepancyStatus = "OPEN"
	DiscrepancyAutoHealed DiscrepancyStatus = "AUTO_HEALED"
	DiscrepancyEscalated  DiscrepancyStatus = "ESCALATED"
	DiscrepancyResolved   DiscrepancyStatus = "RESOLVED"
)

// Event represents one ticketed event
type Event struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	Name             string         `gorm:"not null" json:"name"`
	Venue            string         `json:"venue"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	Resaleable       bool           `gorm:"not null;default:true" json:"resaleable"`
	Cancelled        bool           `gorm:"not null;default:false" json:"cancelled"`
	LedgerSyncStatus SyncStatus     `gorm:"not null;default:UNSYNCED" json:"ledger_sync_status"`
	LedgerRef        *string        `json:"ledger_ref"`
	Tickets          []Ticket       `gorm:"foreignKey:EventID" json:"-"`
}

// Ticket represents one admission right. Invalidation is a state, not a
// deletion: rows are never physically removed.
type Ticket struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	EventID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"event_id"`
	OwnerID          string          `gorm:"not null" json:"owner_id"`
	Location         ledger.Location `gorm:"not null;default:OUTSIDE" json:"location"`
	ScanCount        int             `gorm:"not null;default:0" json:"scan_count"`
	FirstEntryAt     *time.Time      `json:"first_entry_at"`
	LastScanAt       *time.Time      `json:"last_scan_at"`
	TransferCount    int             `gorm:"not null;default:0" json:"transfer_count"`
	IsValid          bool            `gorm:"not null;default:true" json:"is_valid"`
	LedgerSyncStatus SyncStatus      `gorm:"not null;default:UNSYNCED" json:"ledger_sync_status"`
	LedgerAccountRef *string         `json:"ledger_account_ref"`
	LedgerAssetRef   *string         `json:"ledger_asset_ref"`
	Event            Event           `gorm:"foreignKey:EventID" json:"-"`
	ScanRecords      []ScanRecord    `gorm:"foreignKey:TicketID" json:"-"`
}

// ScanRecord is an immutable audit entry, one per accepted scan.
type ScanRecord struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	TicketID          uuid.UUID       `gorm:"type:uuid;not null;index" json:"ticket_id"`
	ScanType          ledger.ScanType `gorm:"not null" json:"scan_type"`
	Zone              string          `json:"zone"`
	DeviceID          string          `gorm:"not null;index" json:"device_id"`
	OperatorID        string          `json:"operator_id"`
	PriorLocation     ledger.Location `gorm:"not null" json:"prior_location"`
	ResultingLocation ledger.Location `gorm:"not null" json:"resulting_location"`
	ScannedAt         time.Time       `gorm:"not null;index" json:"scanned_at"`
	Ticket            Ticket          `gorm:"foreignKey:TicketID" json:"-"`
}

// LedgerOperation is one durable outbox entry: an intended ledger
// mutation keyed by an idempotency fingerprint. Re-enqueuing an
// already-fingerprinted intent is a no-op. Sequence gives the per-ticket
// FIFO dispatch order.
type LedgerOperation struct {
	ID            uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
	Sequence      int64                `gorm:"autoIncrement;uniqueIndex" json:"sequence"`
	Fingerprint   string               `gorm:"not null;uniqueIndex" json:"fingerprint"`
	Type          ledger.OperationType `gorm:"not null" json:"type"`
	TicketID      *uuid.UUID           `gorm:"type:uuid;index" json:"ticket_id"`
	EventID       *uuid.UUID           `gorm:"type:uuid;index" json:"event_id"`
	Payload       []byte               `gorm:"type:jsonb;not null" json:"payload"`
	Status        OperationStatus      `gorm:"not null;default:PENDING;index" json:"status"`
	AttemptCount  int                  `gorm:"not null;default:0" json:"attempt_count"`
	NextAttemptAt *time.Time           `gorm:"index" json:"next_attempt_at"`
	LastError     *string              `json:"last_error"`
	LedgerTxRef   *string              `json:"ledger_tx_ref"`
}

// SubjectKey identifies the FIFO lane the operation belongs to.
// Operations on the same ticket are dispatched in enqueue order;
// event-level operations form their own lane.
func (o *LedgerOperation) SubjectKey() string {
	if o.TicketID != nil {
		return "ticket:" + o.TicketID.String()
	}
	if o.EventID != nil {
		return "event:" + o.EventID.String()
	}
	return "op:" + o.ID.String()
}

// DiscrepancyRecord is one detected, unexplained mismatch between the
// database and the ledger for a single ticket field.
type DiscrepancyRecord struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	TicketID     uuid.UUID         `gorm:"type:uuid;not null;index" json:"ticket_id"`
	EventID      *uuid.UUID        `gorm:"type:uuid;index" json:"event_id"`
	Field        string            `gorm:"not null" json:"field"`
	DBValue      string            `gorm:"not null" json:"db_value"`
	LedgerValue  string            `gorm:"not null" json:"ledger_value"`
	Status       DiscrepancyStatus `gorm:"not null;default:OPEN;index" json:"status"`
	HealAttempts int               `gorm:"not null;default:0" json:"heal_attempts"`
	DetectedAt   time.Time         `gorm:"not null" json:"detected_at"`
	ResolvedAt   *time.Time        `json:"resolved_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Ticket{},
		&ScanRecord{},
		&LedgerOperation{},
		&DiscrepancyRecord{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
