package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/botfleet/internal/session"
)

// defaultHistoryLimit applies when ?limit is absent or invalid.
const defaultHistoryLimit = 100

type handlers struct {
	fleet   Fleet
	feed    Feed
	history History
	version string
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.handleHealth)

	api := router.Group("/api")
	api.GET("/bots", h.handleList)
	api.GET("/bots/:id", h.handleGet)
	api.POST("/bots/:id/start", h.handleStart)
	api.POST("/bots/:id/stop", h.handleStop)
	api.POST("/bots/:id/reconnect", h.handleReconnect)
	api.POST("/bots/:id/send", h.handleSend)
	api.GET("/bots/:id/history", h.handleHistory)

	api.GET("/events", h.handleSSE)
	api.GET("/ws", h.handleWS)
}

func (h *handlers) handleHealth(c *gin.Context) {
	snaps := h.fleet.Snapshots()
	online := 0
	for _, s := range snaps {
		if s.State == session.StateOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.version,
		"online":  online,
		"total":   len(snaps),
	})
}

func (h *handlers) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleet.Snapshots())
}

func (h *handlers) handleGet(c *gin.Context) {
	snap, err := h.fleet.Snapshot(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) handleStart(c *gin.Context) {
	id := c.Param("id")
	if err := h.fleet.Start(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusAccepted, id)
}

func (h *handlers) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := h.fleet.Stop(id); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusOK, id)
}

type reconnectRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *handlers) handleReconnect(c *gin.Context) {
	var req reconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be {"enabled": true|false}`})
		return
	}
	id := c.Param("id")
	if err := h.fleet.SetAutoReconnect(id, *req.Enabled); err != nil {
		abortWithError(c, err)
		return
	}
	h.respondSnapshot(c, http.StatusOK, id)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *handlers) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if err := h.fleet.SendMessage(c.Param("id"), req.Text); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

func (h *handlers) handleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return
	}
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	events, err := h.history.Recent(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

// respondSnapshot replies with the account's current snapshot after a
// command, falling back to a bare acknowledgement.
func (h *handlers) respondSnapshot(c *gin.Context, status int, id string) {
	snap, err := h.fleet.Snapshot(id)
	if err != nil {
		c.JSON(status, gin.H{"account_id": id})
		return
	}
	c.JSON(status, snap)
}

// abortWithError maps controller errors onto HTTP statuses.
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrBotOffline):
		status = http.StatusConflict
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
