package orders

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/mbd888/sokopay/internal/geo"
	"github.com/mbd888/sokopay/internal/validation"
)

// qrSize is the edge length of generated payment-link QR codes, in pixels.
const qrSize = 256

// Handler provides HTTP endpoints for the order lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the public order routes. Extra middleware (rate
// limiting) can be passed for the payment initiation route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, payMiddleware ...gin.HandlerFunc) {
	r.POST("/payment-links", h.CreatePaymentLink)

	o := r.Group("/orders/:id", validation.OrderIDParamMiddleware())
	o.GET("", h.GetOrder)
	o.GET("/qr", h.GetQRCode)
	o.POST("/pay", append(payMiddleware, h.InitiatePayment)...)
	o.POST("/ship", h.ShipOrder)
	o.POST("/confirm-delivery", h.ConfirmDelivery)
	o.POST("/dispute", h.RaiseDispute)
}

// RegisterCallbackRoutes sets up the gateway webhook route.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/payhero/callback", h.PaymentCallback)
}

// RegisterAdminRoutes sets up dispute handling and risk routes. The group
// must already carry the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/orders/:id/resolve", validation.OrderIDParamMiddleware(), h.ResolveDispute)
	r.GET("/orders/:id/risk", validation.OrderIDParamMiddleware(), h.GetOrderRisk)
}

// CreatePaymentLink handles POST /v1/payment-links
func (h *Handler) CreatePaymentLink(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	order, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"orderId":     order.ID,
		"paymentLink": order.PaymentLink,
		"order":       order,
		"message":     "Payment link created successfully",
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	tracking, err := h.service.Track(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tracking)
}

// GetQRCode handles GET /v1/orders/:id/qr
func (h *Handler) GetQRCode(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, gin.H{"orderId": order.ID, "qrData": order.PaymentLink})
		return
	}

	png, err := qrcode.Encode(order.PaymentLink, qrcode.Medium, qrSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to generate QR code",
		})
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "image/png", png)
}

// InitiatePayment handles POST /v1/orders/:id/pay
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	result, err := h.service.InitiatePayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PaymentCallback handles POST /v1/payhero/callback. The gateway always
// gets a 200 so it stops retrying; failures are logged and counted.
func (h *Handler) PaymentCallback(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		raw = nil
	}
	outcome := h.service.HandleCallback(c.Request.Context(), raw)
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Callback processed",
		"outcome": outcome,
	})
}

// ShipOrder handles POST /v1/orders/:id/ship
func (h *Handler) ShipOrder(c *gin.Context) {
	order, err := h.service.Ship(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId": order.ID,
		"status":  order.Status,
		"message": "Order marked as shipped",
	})
}

type confirmDeliveryRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmDeliveryRequest
	// An empty body is allowed for orders that need no GPS proof.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			invalidBody(c)
			return
		}
	}
	if errs := validation.Validate(
		validation.ValidCoordinates("location", req.Latitude, req.Longitude),
	); len(errs) > 0 {
		writeError(c, &ValidationError{Fields: errs})
		return
	}

	var buyer *geo.Point
	if req.Latitude != nil {
		buyer = &geo.Point{Lat: *req.Latitude, Lon: *req.Longitude}
	}

	payout, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), buyer)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

// RaiseDispute handles POST /v1/orders/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	dispute, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"orderId": dispute.OrderID,
		"status":  StatusDisputed,
		"dispute": dispute,
		"message": "Dispute raised. An admin will review it.",
	})
}

// ListDisputes handles GET /v1/admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	disputes, err := h.service.ListDisputes(c.Request.Context(), c.Query("status"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveDispute handles POST /v1/admin/orders/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}

	result, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetOrderRisk handles GET /v1/admin/orders/:id/risk
func (h *Handler) GetOrderRisk(c *gin.Context) {
	result, err := h.service.RiskAdvice(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "risk": result})
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Fields.Error(),
			"details": verr.Fields,
		})
		return
	case errors.Is(err, ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", "Order not found"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrFraudBlocked):
		status, code = http.StatusForbidden, "fraud_blocked"
	case errors.Is(err, ErrLocationVerificationFailed):
		status, code = http.StatusUnprocessableEntity, "location_verification_failed"
	case errors.Is(err, ErrGatewayError):
		status, code, message = http.StatusBadGateway, "gateway_error", "Payment gateway unavailable, please try again"
	default:
		message = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
