package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/services"
)

// Event types carried in the message envelope.
const (
	GateScan    = "GateScan"
	GateHealthy = "GateHealthy"
)

// BusMessage is the common envelope published by gate devices.
type BusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// GateScanMessage is the payload of a GateScan event.
type GateScanMessage struct {
	TicketID   string `json:"ticket_id"`
	ScanType   string `json:"scan_type"`
	Zone       string `json:"zone"`
	DeviceID   string `json:"device_id"`
	OperatorID string `json:"operator_id"`
	ScannedAt  int64  `json:"scanned_at"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Processor routes queue messages to the scan validator. The decision
// is recorded but not returned anywhere; queued scans come from offline
// gates replaying their buffers, so the door decision already happened.
type Processor struct {
	scanService *services.ScanService
}

func NewProcessor(scanService *services.ScanService) *Processor {
	return &Processor{scanService: scanService}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg BusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	switch msg.EventType {
	case GateScan:
		var scan GateScanMessage
		if err := json.Unmarshal(msg.Data, &scan); err != nil {
			return err
		}
		return p.handleGateScan(ctx, scan)

	case GateHealthy:
		// Heartbeat only.
		return nil

	default:
		// Bare scans without an envelope come from older gate firmware.
		var scan GateScanMessage
		if err := json.Unmarshal(message.Body, &scan); err == nil && scan.TicketID != "" {
			return p.handleGateScan(ctx, scan)
		}
		return fmt.Errorf("unsupported event type: %s", msg.EventType)
	}
}

func (p *Processor) handleGateScan(ctx context.Context, scan GateScanMessage) error {
	ticketID, err := uuid.Parse(scan.TicketID)
	if err != nil {
		// Unparseable IDs would redeliver forever; drop them.
		log.Warn().Str("ticket_id", scan.TicketID).Msg("Dropping scan with malformed ticket id")
		return nil
	}

	req := &services.ScanRequest{
		TicketID:   ticketID,
		ScanType:   ledger.ScanType(scan.ScanType),
		Zone:       scan.Zone,
		DeviceID:   scan.DeviceID,
		OperatorID: scan.OperatorID,
	}
	if scan.ScannedAt > 0 {
		req.ScannedAt = time.Unix(0, scan.ScannedAt)
	}

	result, err := p.scanService.Process(ctx, req)
	if err != nil {
		return err
	}

	log.Info().
		Str("ticket_id", scan.TicketID).
		Str("scan_type", scan.ScanType).
		Bool("allowed", result.Allowed).
		Str("reason", string(result.Reason)).
		Msg("Queued scan processed")
	return nil
}
