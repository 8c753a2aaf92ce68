package broadcast

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentsession/internal/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades an HTTP request into a Client subscribed to one
// session's room, grounded on the teacher's gateway/websocket.Handler.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler constructs a gin-compatible WebSocket upgrade handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "broadcast-handler"))}
}

// HandleConnection upgrades the request and blocks, streaming the
// requested session's events to the client until it disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	RunSubscribedToSession(c.Request.Context(), client, sessionID)
}

// RegisterRoutes mounts the WebSocket upgrade endpoint under /ws/sessions.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ws/sessions/:id", h.HandleConnection)
}
