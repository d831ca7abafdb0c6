package handlers

import (
	"net/http"
	"runtime"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/tickettoken/services/ticketing/internal/metrics"
	"example.com/tickettoken/services/ticketing/internal/models"
	"example.com/tickettoken/services/ticketing/internal/repositories"
	"example.com/tickettoken/services/ticketing/internal/search"
	"example.com/tickettoken/services/ticketing/internal/tracing"
)

// AdminHandler exposes operator endpoints: reconciliation
// discrepancies, the operation queue and process metrics.
type AdminHandler struct {
	discrepancies repositories.DiscrepancyRepository
	operations    repositories.OperationRepository
	search        *search.ElasticClient
	metrics       *metrics.Metrics
	tracer        tracing.Tracer
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(
	discrepancies repositories.DiscrepancyRepository,
	operations repositories.OperationRepository,
	elasticClient *search.ElasticClient,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *AdminHandler {
	return &AdminHandler{
		discrepancies: discrepancies,
		operations:    operations,
		search:        elasticClient,
		metrics:       collector,
		tracer:        tracer,
	}
}

// HandleListDiscrepancies lists discrepancy records by status
func (h *AdminHandler) HandleListDiscrepancies(c *gin.Context) {
	status := models.DiscrepancyStatus(c.DefaultQuery("status", string(models.DiscrepancyOpen)))

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.discrepancies.List(c, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"discrepancies": records})
}

// HandleSearchDiscrepancies runs a raw query against the discrepancy
// index
func (h *AdminHandler) HandleSearchDiscrepancies(c *gin.Context) {
	if h.search == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
		return
	}

	var query map[string]interface{}
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hits, err := h.search.SearchDiscrepancies(c, query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"hits": hits})
}

// HandleListOperations lists outbox operations by status. Operators use
// it to inspect the failed queue after the dispatcher gives up.
func (h *AdminHandler) HandleListOperations(c *gin.Context) {
	status := models.OperationStatus(c.DefaultQuery("status", string(models.OperationFailed)))

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	ops, err := h.operations.ListByStatus(c, status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// HandleGetMetrics returns a snapshot of all metrics
func (h *AdminHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))

	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// RegisterRoutes registers the handler's routes
func (h *AdminHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/discrepancies", h.HandleListDiscrepancies)
	router.POST("/discrepancies/search", h.HandleSearchDiscrepancies)
	router.GET("/operations", h.HandleListOperations)
	router.GET("/metrics", h.HandleGetMetrics)
}
