package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/realtime"
)

// Notifier delivers an event to every connection of a user.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// GatewayHandler exposes the realtime gateway over HTTP.
type GatewayHandler struct {
	gw       *realtime.Gateway
	ws       http.Handler
	notifier Notifier
}

// NewGatewayHandler creates a GatewayHandler. ws serves the WebSocket
// upgrade; notifier may be nil, which disables the notify route.
func NewGatewayHandler(gw *realtime.Gateway, ws http.Handler, notifier Notifier) *GatewayHandler {
	return &GatewayHandler{gw: gw, ws: ws, notifier: notifier}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string   `json:"status"`
	State       string   `json:"state"`
	Node        string   `json:"node"`
	Connections int      `json:"connections"`
	Modules     []string `json:"modules"`
}

// PresenceResponse is a room presence snapshot.
type PresenceResponse struct {
	Room  string               `json:"room"`
	Users []model.PresenceUser `json:"users"`
}

// NotifyRequest is the body of POST /api/users/:id/notify.
type NotifyRequest struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data"`
}

// Health handles GET /health. It answers 503 unless the gateway is running.
func (h *GatewayHandler) Health(c *gin.Context) {
	state := h.gw.State()
	resp := HealthResponse{
		Status:      "ok",
		State:       state.String(),
		Node:        h.gw.NodeID(),
		Connections: h.gw.ConnectionCount(),
		Modules:     h.gw.Modules(),
	}
	if state != realtime.StateRunning {
		resp.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WebSocket handles GET /ws.
func (h *GatewayHandler) WebSocket(c *gin.Context) {
	h.ws.ServeHTTP(c.Writer, c.Request)
}

// Presence handles GET /api/rooms/:room/presence.
func (h *GatewayHandler) Presence(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Room is required")
		return
	}
	users := h.gw.Rooms().CollectPresence(room, nil)
	if users == nil {
		users = []model.PresenceUser{}
	}
	c.JSON(http.StatusOK, PresenceResponse{Room: room, Users: users})
}

// Notify handles POST /api/users/:id/notify. Only authenticated callers may
// notify.
func (h *GatewayHandler) Notify(c *gin.Context) {
	if currentUser(c) == nil {
		sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}
	h.notifier.Notify(c.Param("id"), req.Event, req.Data)
	c.Status(http.StatusAccepted)
}

// RegisterRoutes registers the health and WebSocket routes on r and the API
// routes on api.
func (h *GatewayHandler) RegisterRoutes(r gin.IRoutes, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	r.GET("/ws", h.WebSocket)
	api.GET("/rooms/:room/presence", h.Presence)
	if h.notifier != nil {
		api.POST("/users/:id/notify", h.Notify)
	}
}
