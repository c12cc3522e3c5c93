package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"laundry-sync-backend/internal/model"
)

// ListMachines handles GET /api/machines.
func (h *Handler) ListMachines(c *gin.Context) {
	machines, err := h.store.ListMachines(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, machines)
}

// GetMachine handles GET /api/machines/:id.
func (h *Handler) GetMachine(c *gin.Context) {
	m, err := h.store.GetMachine(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type machineStatsResponse struct {
	MachineID     string              `json:"machineId"`
	Status        model.MachineStatus `json:"status"`
	TotalCycles   int64               `json:"totalCycles"`
	TodayCycles   int64               `json:"todayCycles"`
	LastResetDate time.Time           `json:"lastResetDate"`
}

// GetMachineStats handles GET /api/machines/:id/stats. todayCycles reads as
// zero once the counter's day has passed, even before the next cycle resets it.
func (h *Handler) GetMachineStats(c *gin.Context) {
	m, err := h.store.GetMachine(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	today := m.Stats.TodayCycles
	now := h.now()
	if y, mo, d := m.Stats.LastResetDate.In(now.Location()).Date(); y != now.Year() || mo != now.Month() || d != now.Day() {
		today = 0
	}
	c.JSON(http.StatusOK, machineStatsResponse{
		MachineID:     m.ID,
		Status:        m.Status,
		TotalCycles:   m.Stats.TotalCycles,
		TodayCycles:   today,
		LastResetDate: m.Stats.LastResetDate,
	})
}

// PauseMachine handles POST /api/machines/:id/pause.
func (h *Handler) PauseMachine(c *gin.Context) {
	if err := h.operator.Pause(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command": "PAUSE"})
}

// ResumeMachine handles POST /api/machines/:id/resume.
func (h *Handler) ResumeMachine(c *gin.Context) {
	if err := h.operator.Resume(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command": "RESUME"})
}

// ResetMachine handles POST /api/machines/:id/reset.
func (h *Handler) ResetMachine(c *gin.Context) {
	m, err := h.operator.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type maintenanceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetMaintenance handles POST /api/machines/:id/maintenance.
func (h *Handler) SetMaintenance(c *gin.Context) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.operator.SetMaintenance(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
