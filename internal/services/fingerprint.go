package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"

	"example.com/tickettoken/services/ticketing/internal/ledger"
)

// Fingerprint derives the deterministic idempotency key for an outbox
// operation from its type and identifying parts. The same intent always
// hashes to the same fingerprint, so re-enqueueing is a no-op and the
// ledger can reject replays.
func Fingerprint(op ledger.OperationType, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, part := range parts {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func registerFingerprint(ticketID uuid.UUID) string {
	return Fingerprint(ledger.OpRegister, ticketID.String())
}

func transferFingerprint(ticketID uuid.UUID, transferCount int) string {
	return Fingerprint(ledger.OpTransfer, ticketID.String(), strconv.Itoa(transferCount))
}

func invalidateFingerprint(ticketID uuid.UUID) string {
	return Fingerprint(ledger.OpInvalidate, ticketID.String())
}

func cancelEventFingerprint(eventID uuid.UUID) string {
	return Fingerprint(ledger.OpCancelEvent, eventID.String())
}

// scanFingerprint is the scan's own natural key: an identical scan
// observed twice (a redelivered queue message, a stuttering device)
// produces the same fingerprint and therefore a single outbox row.
func scanFingerprint(ticketID uuid.UUID, scan ledger.ScanType, deviceID string, unixNanos int64) string {
	return Fingerprint(ledger.OpRecordScan,
		ticketID.String(), string(scan), deviceID, strconv.FormatInt(unixNanos, 10))
}
