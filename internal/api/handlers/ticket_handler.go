package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/tickettoken/services/ticketing/internal/ledger"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/services"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

// TicketHandler handles ticket and event HTTP requests
type TicketHandler struct {
	ticketService *services.TicketService
	tracer        tracing.Tracer
}

// NewTicketHandler creates a new ticket handler
func NewTicketHandler(ticketService *services.TicketService, tracer tracing.Tracer) *TicketHandler {
	return &TicketHandler{
		ticketService: ticketService,
		tracer:        tracer,
	}
}

// CreateEventRequest represents an event creation request
type CreateEventRequest struct {
	Name       string    `json:"name" binding:"required"`
	Venue      string    `json:"venue" binding:"required"`
	StartTime  time.Time `json:"start_time" binding:"required"`
	EndTime    time.Time `json:"end_time" binding:"required"`
	Resaleable bool      `json:"resaleable"`
}

// IssueTicketRequest represents a ticket issuance request
type IssueTicketRequest struct {
	EventID  string `json:"event_id" binding:"required"`
	OwnerID  string `json:"owner_id" binding:"required"`
	AssetRef string `json:"asset_ref"`
}

// TransferRequest represents an ownership transfer request
type TransferRequest struct {
	NewOwnerID string `json:"new_owner_id" binding:"required"`
	Reason     string `json:"reason"`
}

// InvalidateRequest represents a ticket invalidation request
type InvalidateRequest struct {
	Reason string `json:"reason"`
}

// CancelEventRequest represents an event cancellation request
type CancelEventRequest struct {
	Reason string `json:"reason"`
}

// HandleCreateEvent creates an event
func (h *TicketHandler) HandleCreateEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-event")
	defer h.tracer.EndTransaction(txn)

	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := h.ticketService.CreateEvent(c, req.Name, req.Venue, req.StartTime, req.EndTime, req.Resaleable)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// HandleIssueTicket issues a new ticket for an event
func (h *TicketHandler) HandleIssueTicket(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-issue-ticket")
	defer h.tracer.EndTransaction(txn)

	var req IssueTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	eventID, err := uuid.Parse(req.EventID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event_id"})
		return
	}

	h.tracer.AddAttribute(txn, "event_id", req.EventID)

	ticket, err := h.ticketService.IssueTicket(c, eventID, req.OwnerID, req.AssetRef)
	if err != nil {
		h.writeServiceError(c, txn, err, "Failed to issue ticket")
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

// HandleGetTicket returns a single ticket
func (h *TicketHandler) HandleGetTicket(c *gin.Context) {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	ticket, err := h.ticketService.GetTicket(c, ticketID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// HandleTransfer changes a ticket's owner
func (h *TicketHandler) HandleTransfer(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-transfer-ticket")
	defer h.tracer.EndTransaction(txn)

	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.ticketService.Transfer(c, ticketID, req.NewOwnerID, req.Reason)
	if err != nil {
		h.writeServiceError(c, txn, err, "Failed to transfer ticket")
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// HandleInvalidate permanently invalidates a ticket
func (h *TicketHandler) HandleInvalidate(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-invalidate-ticket")
	defer h.tracer.EndTransaction(txn)

	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ticket, err := h.ticketService.Invalidate(c, ticketID, req.Reason)
	if err != nil {
		h.writeServiceError(c, txn, err, "Failed to invalidate ticket")
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// HandleListScans returns a ticket's scan history
func (h *TicketHandler) HandleListScans(c *gin.Context) {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket id"})
		return
	}

	scans, err := h.ticketService.ListScans(c, ticketID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"scans": scans})
}

// HandleCancelEvent cancels an event and invalidates its tickets
func (h *TicketHandler) HandleCancelEvent(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-cancel-event")
	defer h.tracer.EndTransaction(txn)

	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	var req CancelEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	invalidated, err := h.ticketService.CancelEvent(c, eventID, req.Reason)
	if err != nil {
		h.writeServiceError(c, txn, err, "Failed to cancel event")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id":            eventID,
		"tickets_invalidated": invalidated,
	})
}

func (h *TicketHandler) writeServiceError(c *gin.Context, txn *newrelic.Transaction, err error, msg string) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, services.ErrEventCancelled),
		errors.Is(err, services.ErrTransferNotAllowed),
		errors.Is(err, ledger.ErrTicketInvalidated):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Msg(msg)
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// RegisterRoutes registers the handler's routes
func (h *TicketHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events", h.HandleCreateEvent)
	router.POST("/events/:id/cancel", h.HandleCancelEvent)
	router.POST("/tickets", h.HandleIssueTicket)
	router.GET("/tickets/:id", h.HandleGetTicket)
	router.GET("/tickets/:id/scans", h.HandleListScans)
	router.POST("/tickets/:id/transfer", h.HandleTransfer)
	router.POST("/tickets/:id/invalidate", h.HandleInvalidate)
}
