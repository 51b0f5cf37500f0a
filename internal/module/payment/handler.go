package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursehub/server/internal/module/payment/gateway"
	apperrors "github.com/coursehub/server/internal/shared/errors"
	"github.com/coursehub/server/internal/utils/middleware"
)

// Handler handles HTTP requests for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the authenticated payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("", h.CreateIntent)
		payments.GET("", h.ListPayments)
		payments.GET("/:transaction_id", h.GetPayment)
		payments.POST("/:transaction_id/refund", middleware.RequireAdmin(), h.Refund)
	}

	methods := r.Group("/payment-methods")
	{
		methods.GET("", h.ListPaymentMethods)
		methods.DELETE("/:id", h.DeletePaymentMethod)
		methods.PUT("/:id/default", h.SetDefaultPaymentMethod)
	}
}

// CreateIntent starts a course purchase on the chosen gateway.
func (h *Handler) CreateIntent(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.CreateIntent(c.Request.Context(), userID, middleware.Email(c), c.ClientIP(), &req)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListPayments returns a page of the caller's payment history.
func (h *Handler) ListPayments(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	resp, err := h.service.ListPayments(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetPayment returns one payment by transaction reference.
func (h *Handler) GetPayment(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		handlePaymentError(c, err)
		return
	}
	if payment.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	c.JSON(http.StatusOK, PaymentToResponse(payment))
}

// Refund returns funds for a completed payment. Operator action; the
// route requires the admin role.
func (h *Handler) Refund(c *gin.Context) {
	var req RefundPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.service.Refund(c.Request.Context(), c.Param("transaction_id"), &req)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListPaymentMethods returns the caller's saved payment methods.
func (h *Handler) ListPaymentMethods(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	methods, err := h.service.ListPaymentMethods(c.Request.Context(), userID)
	if err != nil {
		handlePaymentError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment_methods": methods})
}

// DeletePaymentMethod removes a saved payment method.
func (h *Handler) DeletePaymentMethod(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	methodID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment method ID"})
		return
	}

	if err := h.service.DeletePaymentMethod(c.Request.Context(), userID, methodID); err != nil {
		handlePaymentError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// SetDefaultPaymentMethod marks one saved method as the default.
func (h *Handler) SetDefaultPaymentMethod(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	methodID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment method ID"})
		return
	}

	if err := h.service.SetDefaultPaymentMethod(c.Request.Context(), userID, methodID); err != nil {
		handlePaymentError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handlePaymentError maps service errors to HTTP responses.
func handlePaymentError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.StatusCode, apperrors.ErrorResponse{
			Error: apperrors.ErrorDetail{Code: appErr.Code, Message: appErr.Message},
		})
		return
	}

	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrCourseNotFound), errors.Is(err, ErrMethodNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrDuplicatePurchase), errors.Is(err, ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrCourseNotPurchasable), errors.Is(err, gateway.ErrUnknownGateway):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperrors.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
