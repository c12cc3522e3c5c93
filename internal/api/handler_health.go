package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetHealth reports whether the API is up and the broker link state.
func (h *Handler) GetHealth(c *gin.Context) {
	link := "disconnected"
	if h.link != nil && h.link.IsConnected() {
		link = "connected"
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mqtt": link})
}
