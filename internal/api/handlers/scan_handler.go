package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/services"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

// ScanHandler handles checkpoint scan HTTP requests
type ScanHandler struct {
	scanService *services.ScanService
	tracer      tracing.Tracer
}

// NewScanHandler creates a new scan handler
func NewScanHandler(scanService *services.ScanService, tracer tracing.Tracer) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		tracer:      tracer,
	}
}

// ScanPayloadRequest represents an incoming gate scan
type ScanPayloadRequest struct {
	TicketID   string `json:"ticket_id" binding:"required"`
	ScanType   string `json:"scan_type" binding:"required"`
	Zone       string `json:"zone"`
	DeviceID   string `json:"device_id" binding:"required"`
	OperatorID string `json:"operator_id"`
	ScannedAt  int64  `json:"scanned_at"`
}

// ScanPayloadResponse is the synchronous admit/deny decision
type ScanPayloadResponse struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Location  string `json:"location"`
	ScanCount int    `json:"scan_count"`
	Timestamp string `json:"timestamp"`
}

// HandleScan validates a scan and returns the door decision
func (h *ScanHandler) HandleScan(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-scan")
	defer h.tracer.EndTransaction(txn)

	var req ScanPayloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	ticketID, err := uuid.Parse(req.TicketID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket_id"})
		return
	}

	h.tracer.AddAttribute(txn, "ticket_id", req.TicketID)
	h.tracer.AddAttribute(txn, "scan_type", req.ScanType)
	h.tracer.AddAttribute(txn, "device_id", req.DeviceID)

	scanReq := &services.ScanRequest{
		TicketID:   ticketID,
		ScanType:   ledger.ScanType(req.ScanType),
		Zone:       req.Zone,
		DeviceID:   req.DeviceID,
		OperatorID: req.OperatorID,
	}
	if req.ScannedAt > 0 {
		scanReq.ScannedAt = time.Unix(0, req.ScannedAt)
	}

	result, err := h.scanService.Process(c, scanReq)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		if errors.Is(err, ledger.ErrUnknownScanType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Msg("Failed to process scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, ScanPayloadResponse{
		Allowed:   result.Allowed,
		Reason:    string(result.Reason),
		Location:  string(result.Location),
		ScanCount: result.ScanCount,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// RegisterRoutes registers the handler's routes
func (h *ScanHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/scans", h.HandleScan)
}
