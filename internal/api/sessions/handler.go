package sessions

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/liliang-cn/carewise/internal/service"
	"go.uber.org/zap"
)

// eventBuffer bounds events queued for one slow SSE client
const eventBuffer = 64

// Handler exposes the session controller over HTTP
type Handler struct {
	ctrl     *service.SessionController
	logger   *zap.Logger
	shutdown <-chan struct{}
}

// NewHandler creates a new sessions handler. Closing shutdown ends open
// event streams; nil keeps them open until the client leaves.
func NewHandler(ctrl *service.SessionController, logger *zap.Logger, shutdown <-chan struct{}) *Handler {
	return &Handler{ctrl: ctrl, logger: logger, shutdown: shutdown}
}

// RegisterRoutes registers session routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	sessions := r.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.POST("", h.CreateSession)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.PUT("/:id/active", h.SelectSession)
		sessions.POST("/:id/messages", h.Submit)
		sessions.DELETE("/:id/query", h.CancelQuery)
	}

	r.GET("/events", h.Events)
}

type sessionSummary struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	CreatedAt    time.Time          `json:"created_at"`
	MessageCount int                `json:"message_count"`
	Stage        *domain.QueryStage `json:"stage,omitempty"`
}

type sessionView struct {
	domain.ChatSession
	Active bool               `json:"active"`
	Stage  *domain.QueryStage `json:"stage,omitempty"`
}

type submitRequest struct {
	Message string `json:"message" binding:"required"`
}

func (h *Handler) stage(sessionID string) *domain.QueryStage {
	if stage, ok := h.ctrl.Stage(sessionID); ok {
		return &stage
	}
	return nil
}

// ListSessions returns every session, most recent first, and the active id
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := h.ctrl.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			ID:           s.ID,
			Name:         s.Name,
			CreatedAt:    s.CreatedAt,
			MessageCount: len(s.Messages),
			Stage:        h.stage(s.ID),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"user":              h.ctrl.User(),
		"active_session_id": h.ctrl.ActiveSessionID(),
		"sessions":          out,
	})
}

// CreateSession starts an empty session and activates it
func (h *Handler) CreateSession(c *gin.Context) {
	session, err := h.ctrl.CreateSession(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionView{ChatSession: session, Active: true})
}

// GetSession returns a session with its transcript
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	session, err := h.ctrl.Session(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView{
		ChatSession: session,
		Active:      h.ctrl.ActiveSessionID() == id,
		Stage:       h.stage(id),
	})
}

// DeleteSession removes a session
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.ctrl.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_session_id": h.ctrl.ActiveSessionID()})
}

// SelectSession makes a session active
func (h *Handler) SelectSession(c *gin.Context) {
	if err := h.ctrl.SelectSession(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_session_id": h.ctrl.ActiveSessionID()})
}

// Submit asks a question in a session. Progress and the answer arrive on
// the event stream.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if _, err := h.ctrl.Submit(id, req.Message); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": id,
		"stage":      domain.StageSubmitted,
	})
}

// CancelQuery stops the session's in-flight query
func (h *Handler) CancelQuery(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.ctrl.Session(id); err != nil {
		h.writeError(c, err)
		return
	}
	h.ctrl.Cancel(id)
	c.Status(http.StatusNoContent)
}

// Events relays controller events as server-sent events
func (h *Handler) Events(c *gin.Context) {
	events := make(chan service.Event, eventBuffer)
	unsubscribe := h.ctrl.Subscribe(func(ev service.Event) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("Dropping event for slow client", zap.String("type", string(ev.Type)))
		}
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.SSEvent(string(service.EventActive), service.Event{
		Type:      service.EventActive,
		SessionID: h.ctrl.ActiveSessionID(),
	})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		case <-h.shutdown:
			return false
		}
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrEmptyQuery), errors.Is(err, domain.ErrInvalidRequest):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
