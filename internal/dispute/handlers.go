package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbento/servpay/internal/escrow"
	"github.com/mbento/servpay/internal/payments"
	"github.com/mbento/servpay/internal/ratelimit"
)

// Handler exposes dispute operations over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers dispute routes on the given group. Escalation
// pulls in the AI advisor, so it carries its own tight per-actor limit.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, strict *ratelimit.Limiter) {
	r.POST("/disputes", h.open)
	r.GET("/disputes", h.list)
	r.GET("/disputes/:id", h.get)
	r.POST("/disputes/:id/counter-offer", h.counterOffer)
	r.POST("/disputes/:id/accept-offer", h.acceptOffer)
	r.POST("/disputes/:id/withdraw", h.withdraw)
	r.POST("/disputes/:id/escalate", strict.Middleware("dispute_escalation"), h.escalate)
	r.POST("/disputes/:id/select-option", h.selectOption)
	r.POST("/disputes/:id/accept-decision", h.acceptDecision)
	r.POST("/disputes/:id/external-resolution", h.externalResolution)
}

func (h *Handler) open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.service.Open(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	out, err := h.service.ListByUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": out, "count": len(out)})
}

func (h *Handler) get(c *gin.Context) {
	d, responses, options, decision, err := h.service.Get(c.Request.Context(),
		c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"dispute": d, "responses": responses, "options": options}
	if decision != nil {
		resp["decision"] = decision
	}
	c.JSON(http.StatusOK, resp)
}

type counterOfferBody struct {
	RefundPercent *int   `json:"refundPercent" binding:"required"`
	Message       string `json:"message"`
}

func (h *Handler) counterOffer(c *gin.Context) {
	var body counterOfferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refundPercent is required"})
		return
	}
	r, err := h.service.SubmitCounterOffer(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), *body.RefundPercent, body.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

type acceptOfferBody struct {
	ResponseID string `json:"responseId" binding:"required"`
}

func (h *Handler) acceptOffer(c *gin.Context) {
	var body acceptOfferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "responseId is required"})
		return
	}
	d, err := h.service.AcceptCounterOffer(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), body.ResponseID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) withdraw(c *gin.Context) {
	d, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) escalate(c *gin.Context) {
	d, err := h.service.RequestEscalation(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type selectOptionBody struct {
	OptionID string `json:"optionId" binding:"required"`
}

func (h *Handler) selectOption(c *gin.Context) {
	var body selectOptionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "optionId is required"})
		return
	}
	d, err := h.service.SelectOption(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"), body.OptionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) acceptDecision(c *gin.Context) {
	d, err := h.service.AcceptDecision(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) externalResolution(c *gin.Context) {
	d, err := h.service.ChooseExternalResolution(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrOwnOffer), errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidPercent), errors.Is(err, ErrInvalidOption):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrTooEarly):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAdvisor):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "advisor unavailable, try again later"})
	case errors.Is(err, payments.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway error"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
