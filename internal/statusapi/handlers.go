package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"drbdgo/internal/device"
)

// Handler holds the one Device this endpoint reports on. Grounded on
// godkv's api.Handler, trimmed to a single dependency since there is no
// replicator or membership service here to inject separately — Device
// already owns its peer registry.
type Handler struct {
	dev *device.Device
}

// NewHandler creates a Handler for dev.
func NewHandler(dev *device.Device) *Handler {
	return &Handler{dev: dev}
}

// Register mounts the read-only routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/status", h.Status)
}

// Healthz handles GET /healthz: a bare liveness probe, no device state.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status handles GET /status, returning device.Status as JSON.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.dev.Status())
}
