package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// OperationType identifies a ledger-mutating call.
type OperationType string

const (
	OpRegister    OperationType = "REGISTER"
	OpTransfer    OperationType = "TRANSFER"
	OpRecordScan  OperationType = "RECORD_SCAN"
	OpInvalidate  OperationType = "INVALIDATE"
	OpCancelEvent OperationType = "CANCEL_EVENT"
)

// TxStatus is the confirmation state of a submitted ledger transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

// Submission is one intended ledger mutation. The fingerprint doubles
// as the idempotency key on the ledger side: replaying an
// already-applied fingerprint is a no-op, never a double apply.
type Submission struct {
	Fingerprint string          `json:"fingerprint"`
	Type        OperationType   `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// TicketSnapshot is the mirrored on-ledger state of one ticket.
type TicketSnapshot struct {
	TicketRef     string   `json:"ticket_ref"`
	EventRef      string   `json:"event_ref"`
	OwnerRef      string   `json:"owner_ref"`
	AssetRef      string   `json:"asset_ref"`
	Location      Location `json:"location"`
	ScanCount     int      `json:"scan_count"`
	TransferCount int      `json:"transfer_count"`
	IsValid       bool     `json:"is_valid"`
}

// Gateway is the narrow client contract over the external ledger.
// Every call must be bounded by a timeout; a call that neither confirms
// nor definitively fails is transient and will be retried by the
// dispatcher, never assumed to have succeeded.
type Gateway interface {
	Submit(ctx context.Context, sub *Submission) (string, error)
	Confirm(ctx context.Context, txRef string) (TxStatus, error)
	Read(ctx context.Context, accountRef string) (*TicketSnapshot, error)
}

// ErrAccountNotFound is returned by Read when the ledger holds no
// account for the given reference.
var ErrAccountNotFound = errors.New("ledger account not found")

// ErrUnconfirmed marks a submission whose confirmation is still
// pending. Transient: the dispatcher retries it.
var ErrUnconfirmed = errors.New("ledger transaction not yet confirmed")

// RejectionError is a business-rule rejection from the ledger program.
// It is permanent: retrying the identical submission can never succeed.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected operation: %s (%s)", e.Message, e.Code)
}

// IsRejection reports whether err is a permanent ledger-side rejection,
// as opposed to a transient transport or timing failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Operation payloads, one per call in the ledger program contract.

type RegisterPayload struct {
	TicketRef string `json:"ticket_ref"`
	EventRef  string `json:"event_ref"`
	AssetRef  string `json:"asset_ref"`
	OwnerRef  string `json:"owner_ref"`
}

type TransferPayload struct {
	TicketRef   string `json:"ticket_ref"`
	NewOwnerRef string `json:"new_owner_ref"`
}

type RecordScanPayload struct {
	TicketRef string   `json:"ticket_ref"`
	Scan      ScanType `json:"scan_type"`
	Zone      string   `json:"zone"`
	DeviceID  string   `json:"device_id"`
}

type InvalidatePayload struct {
	TicketRef string `json:"ticket_ref"`
	Reason    string `json:"reason"`
}

type CancelEventPayload struct {
	EventRef string `json:"event_ref"`
	Reason   string `json:"reason"`
}
