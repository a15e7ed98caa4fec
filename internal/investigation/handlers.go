package investigation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes sweep control on the admin surface.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterAdminRoutes sets up the sweep control routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/sweep/status", h.SweepStatus)
	r.POST("/sweep/start", h.StartSweep)
	r.POST("/sweep/stop", h.StopSweep)
	r.POST("/sweep/run", h.RunSweep)
}

// SweepStatus handles GET /v1/admin/sweep/status
func (h *Handler) SweepStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// StartSweep handles POST /v1/admin/sweep/start
func (h *Handler) StartSweep(c *gin.Context) {
	h.engine.Enable()
	c.JSON(http.StatusOK, gin.H{"status": "sweep_enabled"})
}

// StopSweep handles POST /v1/admin/sweep/stop
func (h *Handler) StopSweep(c *gin.Context) {
	h.engine.Disable()
	c.JSON(http.StatusOK, gin.H{"status": "sweep_disabled"})
}

// RunSweep handles POST /v1/admin/sweep/run. Kicks one sweep immediately
// without waiting for the next tick.
func (h *Handler) RunSweep(c *gin.Context) {
	go h.engine.safeSweep()
	c.JSON(http.StatusAccepted, gin.H{"status": "sweep_started"})
}
