package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/terminal"
)

// TargetStore persists execution targets.
type TargetStore interface {
	Create(ctx context.Context, target *model.Target) error
	GetByID(ctx context.Context, id string) (*model.Target, error)
	List(ctx context.Context) ([]*model.Target, error)
	Delete(ctx context.Context, id string) error
}

// SessionHistory lists the audit rows of past terminal sessions.
type SessionHistory interface {
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*model.TerminalSessionRecord, error)
}

// TerminalHandler handles HTTP requests for targets and shared terminals.
type TerminalHandler struct {
	mux      *terminal.Multiplexer
	targets  TargetStore
	sessions SessionHistory
}

func NewTerminalHandler(mux *terminal.Multiplexer, targets TargetStore, sessions SessionHistory) *TerminalHandler {
	return &TerminalHandler{mux: mux, targets: targets, sessions: sessions}
}

// CreateTargetRequest represents the request body for creating a target.
type CreateTargetRequest struct {
	Command string            `json:"command" binding:"required"`
	Name    string            `json:"name"`
	Workdir string            `json:"workdir"`
	Env     map[string]string `json:"env"`
}

// ListTerminals handles GET /api/terminals - the live shared sessions of
// this node.
func (h *TerminalHandler) ListTerminals(c *gin.Context) {
	infos := h.mux.Sessions()
	sort.Slice(infos, func(i, j int) bool { return infos[i].TargetID < infos[j].TargetID })
	c.JSON(http.StatusOK, infos)
}

// ListSessions handles GET /api/terminals/:target/sessions - the audit
// history of a target, newest first. ?limit= caps the result.
func (h *TerminalHandler) ListSessions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.sessions.ListByTarget(c.Request.Context(), c.Param("target"), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}
	if records == nil {
		records = []*model.TerminalSessionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// CreateTarget handles POST /api/targets.
func (h *TerminalHandler) CreateTarget(c *gin.Context) {
	var req CreateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	target := &model.Target{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Command:   req.Command,
		Workdir:   req.Workdir,
		Env:       req.Env,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.targets.Create(c.Request.Context(), target); err != nil {
		if errors.Is(err, model.ErrCommandRequired) {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create target: "+err.Error())
		return
	}
	c.JSON(http.StatusCreated, target)
}

// ListTargets handles GET /api/targets.
func (h *TerminalHandler) ListTargets(c *gin.Context) {
	targets, err := h.targets.List(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list targets: "+err.Error())
		return
	}
	if targets == nil {
		targets = []*model.Target{}
	}
	c.JSON(http.StatusOK, targets)
}

// GetTarget handles GET /api/targets/:id.
func (h *TerminalHandler) GetTarget(c *gin.Context) {
	id := c.Param("id")
	target, err := h.targets.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrTargetNotFound) {
			sendError(c, http.StatusNotFound, "TARGET_NOT_FOUND", "Target "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get target: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, target)
}

// DeleteTarget handles DELETE /api/targets/:id. A live shared session of
// the target is left running until its viewers leave.
func (h *TerminalHandler) DeleteTarget(c *gin.Context) {
	id := c.Param("id")
	if err := h.targets.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrTargetNotFound) {
			sendError(c, http.StatusNotFound, "TARGET_NOT_FOUND", "Target "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete target: "+err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TerminalHandler) RegisterRoutes(rg *gin.RouterGroup) {
	terminals := rg.Group("/terminals")
	{
		terminals.GET("", h.ListTerminals)
		terminals.GET("/:target/sessions", h.ListSessions)
	}
	targets := rg.Group("/targets")
	{
		targets.POST("", h.CreateTarget)
		targets.GET("", h.ListTargets)
		targets.GET("/:id", h.GetTarget)
		targets.DELETE("/:id", h.DeleteTarget)
	}
}
