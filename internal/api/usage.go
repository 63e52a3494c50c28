package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wuwenbin0122/copilot/internal/auth"
)

func (h *Handler) handleUsageStatus(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	if !caller.Anonymous() {
		c.JSON(http.StatusOK, gin.H{"unlimited": true})
		return
	}

	counter, err := h.gate.Status(c.Request.Context(), caller.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	body := usageBody(counter)
	body["unlimited"] = false
	body["upgradeUrl"] = h.upgradeURL
	c.JSON(http.StatusOK, body)
}

// handleUsageConsume is the standalone check-and-increment for clients that
// gate questions themselves.
func (h *Handler) handleUsageConsume(c *gin.Context) {
	caller, _ := auth.CallerFrom(c)
	if !caller.Anonymous() {
		c.JSON(http.StatusOK, gin.H{"unlimited": true})
		return
	}

	counter, err := h.gate.Admit(c.Request.Context(), caller.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	body := usageBody(counter)
	body["unlimited"] = false
	c.JSON(http.StatusOK, body)
}
