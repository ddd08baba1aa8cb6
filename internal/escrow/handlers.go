package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/payments"
	"github.com/mbento/servpay/internal/ratelimit"
)

// Handler exposes escrow operations over HTTP. Money movement itself is
// driven by booking and dispute flows; these routes cover visibility,
// the post-release refund negotiation and admin overrides.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers user-facing escrow routes. Routes that can
// move money back to the customer share a tight per-actor refund limit.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, strict *ratelimit.Limiter) {
	refunds := strict.Middleware("refund")

	r.GET("/escrow", h.list)
	r.GET("/escrow/:id", h.get)
	r.GET("/escrow/:id/events", h.events)
	r.POST("/escrow/bookings/:bookingId/refund-request", refunds, h.requestRefund)
	r.POST("/escrow/bookings/:bookingId/refund-request/accept", refunds, h.acceptRefund)
	r.POST("/escrow/bookings/:bookingId/refund-request/decline", h.declineRefund)
	r.POST("/escrow/bookings/:bookingId/partial-refund", refunds, h.partialRefund)
}

// RegisterAdminRoutes registers override routes; the caller guards the
// group with the admin middleware.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/release", h.adminRelease)
	r.POST("/escrow/:id/refund", h.adminRefund)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out, "count": len(out)})
}

func (h *Handler) get(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	caller := c.GetString("authUserID")
	if t.CustomerID != caller && t.ProviderID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this transaction"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) events(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	caller := c.GetString("authUserID")
	if t.CustomerID != caller && t.ProviderID != caller {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this transaction"})
		return
	}
	evs, err := h.service.Events(c.Request.Context(), t.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

type refundRequestBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) requestRefund(c *gin.Context) {
	var body refundRequestBody
	_ = c.ShouldBindJSON(&body)
	t, err := h.service.RequestRefund(c.Request.Context(), c.Param("bookingId"),
		c.GetString("authUserID"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) acceptRefund(c *gin.Context) {
	t, err := h.service.AcceptRefund(c.Request.Context(), c.Param("bookingId"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) declineRefund(c *gin.Context) {
	t, err := h.service.DeclineRefund(c.Request.Context(), c.Param("bookingId"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type partialRefundBody struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Reason      string `json:"reason"`
}

func (h *Handler) partialRefund(c *gin.Context) {
	var body partialRefundBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := h.service.PartialRefund(c.Request.Context(), c.Param("bookingId"),
		c.GetString("authUserID"), body.AmountCents, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type adminOverrideBody struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) adminRelease(c *gin.Context) {
	var body adminOverrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	t, err := h.service.AdminRelease(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) adminRefund(c *gin.Context) {
	var body adminOverrideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	t, err := h.service.AdminRefund(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrWrongRail):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidSplit):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payments.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway error"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
