package eligibility

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the eligibility check over HTTP so clients can show
// rail availability before a booking attempt.
type Handler struct {
	gate *Gate
}

// NewHandler creates a new eligibility handler.
func NewHandler(gate *Gate) *Handler {
	return &Handler{gate: gate}
}

// RegisterRoutes registers eligibility routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/eligibility/check", h.check)
}

func (h *Handler) check(c *gin.Context) {
	providerID := c.Query("providerId")
	if providerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "providerId is required"})
		return
	}
	amountCents, err := strconv.ParseInt(c.Query("amountCents"), 10, 64)
	if err != nil || amountCents <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amountCents must be a positive integer"})
		return
	}

	res, err := h.gate.CheckEligibility(c.Request.Context(),
		c.GetString("authUserID"), providerID, amountCents)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}
