package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ticket-service/internal/models"
	"ticket-service/internal/service"
	"ticket-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck checks one dependency for /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders  *service.OrderService
	catalog *service.CatalogService
	checks  []ReadinessCheck
	logger  *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orders *service.OrderService, catalog *service.CatalogService, checks ...ReadinessCheck) *Handler {
	return &Handler{
		orders:  orders,
		catalog: catalog,
		checks:  checks,
		logger:  util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.reserve)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/confirm", h.confirmOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/ticket-types", h.createTicketType)
		v1.GET("/ticket-types/:id", h.getAvailability)
		v1.DELETE("/ticket-types/:id", h.deleteTicketType)

		v1.POST("/discount-codes", h.createDiscountCode)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failed[check.Name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// reserve places a hold and returns the pending order
func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.Reserve(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to reserve tickets", err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "Invalid order ID")
	if !ok {
		return
	}

	details, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "Failed to load order", err)
		return
	}

	c.JSON(http.StatusOK, details)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	orderID, ok := pathID(c, "Invalid order ID")
	if !ok {
		return
	}

	order, err := h.orders.Confirm(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "Failed to confirm order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder cancels a pending order on behalf of its buyer. The body is optional; the only
// reason a caller may give is user_cancelled.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "Invalid order ID")
	if !ok {
		return
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	if req.Reason != "" && req.Reason != models.CancelReasonUser {
		h.writeError(c, "Failed to cancel order", fmt.Errorf("%w: %q", models.ErrInvalidCancelReason, req.Reason))
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), orderID, models.CancelReasonUser)
	if err != nil {
		h.writeError(c, "Failed to cancel order", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) createTicketType(c *gin.Context) {
	var req service.CreateTicketTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	tt, err := h.catalog.CreateTicketType(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to create ticket type", err)
		return
	}

	c.JSON(http.StatusCreated, tt)
}

func (h *Handler) getAvailability(c *gin.Context) {
	id, ok := pathID(c, "Invalid ticket type ID")
	if !ok {
		return
	}

	availability, err := h.catalog.Availability(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to load ticket type", err)
		return
	}

	c.JSON(http.StatusOK, availability)
}

// deleteTicketType answers 204 when the row is gone and 200 when it was only retired.
func (h *Handler) deleteTicketType(c *gin.Context) {
	id, ok := pathID(c, "Invalid ticket type ID")
	if !ok {
		return
	}

	retired, err := h.catalog.DeleteTicketType(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "Failed to delete ticket type", err)
		return
	}

	if retired {
		c.JSON(http.StatusOK, gin.H{"ticket_type_id": id, "retired": true})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) createDiscountCode(c *gin.Context) {
	var req service.CreateDiscountCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	dc, err := h.catalog.CreateDiscountCode(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "Failed to create discount code", err)
		return
	}

	c.JSON(http.StatusCreated, dc)
}

func (h *Handler) writeError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrOrderNotFound), errors.Is(err, models.ErrTicketTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrOrderExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrCapacityExceeded),
		errors.Is(err, models.ErrInvalidStateTransition),
		errors.Is(err, models.ErrTicketTypeHasSales):
		return http.StatusConflict
	case errors.Is(err, models.ErrDiscountCodeInvalid),
		errors.Is(err, models.ErrDiscountCodeExhausted),
		service.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrStorageTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func pathID(c *gin.Context, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": message,
		})
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
