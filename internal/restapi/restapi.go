// Package restapi exposes a minimal gin HTTP surface over the registry:
// list, create, get and delete sessions, send a message, update options
// and terminate the environment. The spec places the full REST surface
// out of scope; these handlers exist so the registry/
// coordinator pairing has a reachable entry point, grounded on the
// teacher's cmd/kandev route-registration style (handler functions taking
// shared dependencies, JSON request/response bodies, gin.H errors).
package restapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentsession/internal/agentsession"
	"github.com/kandev/agentsession/internal/blocks"
	"github.com/kandev/agentsession/internal/logger"
	"github.com/kandev/agentsession/internal/registry"
)

// Handlers holds the dependencies shared by every route.
type Handlers struct {
	registry *registry.Registry
	logger   *logger.Logger
}

// NewHandlers constructs the REST handler set.
func NewHandlers(reg *registry.Registry, log *logger.Logger) *Handlers {
	return &Handlers{registry: reg, logger: log.WithFields()}
}

// RegisterRoutes wires every route onto router under /api/sessions.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/api/sessions")
	group.GET("", h.listSessions)
	group.POST("", h.createSession)
	group.GET("/:id", h.getSession)
	group.POST("/:id/messages", h.sendMessage)
	group.POST("/:id/options", h.updateOptions)
	group.POST("/:id/terminate", h.terminateSession)
	group.DELETE("/:id", h.destroySession)
}

type createSessionRequest struct {
	AgentProfileRef       string                 `json:"agentProfileRef"`
	Architecture          string                 `json:"architecture"`
	SessionOptions        map[string]interface{} `json:"sessionOptions"`
	DefaultWorkspaceFiles map[string]string      `json:"defaultWorkspaceFiles"`
}

func (h *Handlers) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	arch := blocks.Architecture(req.Architecture)
	if arch == "" {
		arch = blocks.ArchitectureA2
	}

	s, err := h.registry.CreateSession(c.Request.Context(), agentsession.CreateArgs{
		AgentProfileRef:       req.AgentProfileRef,
		Architecture:          arch,
		SessionOptions:        req.SessionOptions,
		DefaultWorkspaceFiles: req.DefaultWorkspaceFiles,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.GetState())
}

func (h *Handlers) listSessions(c *gin.Context) {
	entries, err := h.registry.ListAllSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handlers) getSession(c *gin.Context) {
	s, err := h.loadSession(c)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, s.GetState())
}

type sendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *Handlers) sendMessage(c *gin.Context) {
	s, err := h.loadSession(c)
	if err != nil {
		return
	}

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.SendMessage(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handlers) updateOptions(c *gin.Context) {
	s, err := h.loadSession(c)
	if err != nil {
		return
	}

	var opts map[string]interface{}
	if err := c.ShouldBindJSON(&opts); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.UpdateSessionOptions(opts)
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handlers) terminateSession(c *gin.Context) {
	s, err := h.loadSession(c)
	if err != nil {
		return
	}
	if err := s.TerminateExecutionEnvironment(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}

func (h *Handlers) destroySession(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.UnloadSession(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
}

// loadSession loads id via the registry, writing an error response and
// returning a non-nil error if it cannot be found or loaded.
func (h *Handlers) loadSession(c *gin.Context) (*agentsession.Session, error) {
	id := c.Param("id")
	s, err := h.registry.LoadSession(c.Request.Context(), id)
	if err != nil {
		var notFound *agentsession.ErrNotFound
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, err
	}
	return s, nil
}
