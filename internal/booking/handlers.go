package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes booking operations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers booking routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.create)
	r.GET("/bookings", h.list)
	r.GET("/bookings/:id", h.get)
	r.POST("/bookings/:id/confirm", h.confirm)
	r.POST("/bookings/:id/alternative", h.proposeAlternative)
	r.POST("/bookings/:id/alternative/accept", h.acceptAlternative)
	r.POST("/bookings/:id/start", h.start)
	r.POST("/bookings/:id/complete", h.complete)
	r.POST("/bookings/:id/confirm-completion", h.confirmCompletion)
	r.POST("/bookings/:id/cancel", h.cancel)
	r.POST("/bookings/:id/no-show", h.noShow)
	r.POST("/bookings/:id/review", h.review)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := h.service.Create(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": out, "count": len(out)})
}

func (h *Handler) get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if b.PartyOf(c.GetString("authUserID")) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party to this booking"})
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) confirm(c *gin.Context) {
	b, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) proposeAlternative(c *gin.Context) {
	var req AlternativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := h.service.ProposeAlternative(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) acceptAlternative(c *gin.Context) {
	b, err := h.service.AcceptAlternative(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) start(c *gin.Context) {
	b, err := h.service.Start(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) complete(c *gin.Context) {
	b, err := h.service.Complete(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) confirmCompletion(c *gin.Context) {
	b, err := h.service.ConfirmCompletion(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) cancel(c *gin.Context) {
	var req CancelRequest
	_ = c.ShouldBindJSON(&req) // reason is optional
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) noShow(c *gin.Context) {
	b, err := h.service.NoShow(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r, err := h.service.Review(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyReviewed), errors.Is(err, ErrAlternativeExpired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidRating):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrEligibilityDenied):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
