package http

import (
	"errors"
	"io/fs"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	store   *session.Store
	logger  *zap.Logger
	version string
	started time.Time
}

// NewHandlers creates a new handler set
func NewHandlers(store *session.Store, version string, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:   store,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
}

// Register mounts every session route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/home", h.Home)

	r.GET("/sessions", h.ListSessions)
	r.POST("/sessions", h.CreateSession)

	s := r.Group("/sessions/:id", ValidateSessionID())
	s.GET("", h.GetSession)
	s.DELETE("", h.CloseSession)

	s.POST("/run", h.Run)
	s.POST("/cancel", h.Cancel)
	s.POST("/privileged", h.RunPrivileged)
	s.POST("/secret/key", h.SecretKey)
	s.POST("/secret/submit", h.SubmitSecret)
	s.POST("/secret/cancel", h.CancelSecret)

	s.GET("/cwd", h.CurrentDirectory)
	s.GET("/branch", h.Branch)
	s.GET("/history", h.History)
	s.DELETE("/history", h.ClearHistory)
	s.GET("/recall", h.Recall)
	s.GET("/suggest", h.Suggest)
}

// ValidateSessionID rejects malformed :id parameters before they reach a
// handler.
func ValidateSessionID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := utils.ValidateID(c.Param("id"), "session_id", true); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}
		c.Next()
	}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "shelld",
		"version": h.version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.store.Count(),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

// Home returns the home directory used for "~" expansion
func (h *Handlers) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"home":    h.store.HomeDirectory(),
	})
}

// ListSessions lists all open sessions
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions := h.store.List()
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// CreateSession opens a new session
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	// An empty body selects the defaults.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if err := errors.Join(utils.ValidateDirectory(req.Directory), utils.ValidateLabel(req.Label)); err != nil {
		badRequest(c, err)
		return
	}

	info, err := h.store.CreateSession(session.CreateOptions{
		Directory: req.Directory,
		Label:     req.Label,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"session": info,
	})
}

// GetSession returns one session
func (h *Handlers) GetSession(c *gin.Context) {
	info, err := h.store.Get(sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"session": info,
	})
}

// CloseSession closes a session and terminates its active execution
func (h *Handlers) CloseSession(c *gin.Context) {
	sid := sessionID(c)
	if err := h.store.CloseSession(sid); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sid,
	})
}

// Run submits a command
func (h *Handlers) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := utils.ValidateCommand(req.Command); err != nil {
		badRequest(c, err)
		return
	}

	sid := sessionID(c)
	eid, err := h.store.Run(c.Request.Context(), sid, req.Command)
	if err != nil {
		h.fail(c, err)
		return
	}

	mode, _ := h.store.InputMode(sid)
	c.JSON(http.StatusAccepted, gin.H{
		"success":         true,
		"execution_id":    eid,
		"awaiting_secret": mode == privilege.ModeAwaitingSecret,
	})
}

// Cancel stops an execution
func (h *Handlers) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := utils.ValidateID(req.ExecutionID, "execution_id", true); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.store.Cancel(sessionID(c), id.ExecutionID(req.ExecutionID)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"execution_id": req.ExecutionID,
	})
}

// RunPrivileged runs an elevated command with its password supplied in the
// request body
func (h *Handlers) RunPrivileged(c *gin.Context) {
	var req PrivilegedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := errors.Join(utils.ValidateCommand(req.Command), utils.ValidateSecret(req.Secret)); err != nil {
		badRequest(c, err)
		return
	}

	eid, err := h.store.RunPrivileged(c.Request.Context(), sessionID(c), req.Command, []byte(req.Secret))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":      true,
		"execution_id": eid,
	})
}

// SecretKey records one password keystroke or a backspace
func (h *Handlers) SecretKey(c *gin.Context) {
	var req SecretKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	sid := sessionID(c)
	var (
		mask string
		err  error
	)
	switch {
	case req.Backspace:
		mask, err = h.store.SecretBackspace(sid)
	case utf8.RuneCountInString(req.Key) == 1:
		r, _ := utf8.DecodeRuneInString(req.Key)
		mask, err = h.store.SecretKey(sid, r)
	default:
		badRequest(c, errors.New("key must be exactly one character"))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mask":    mask,
	})
}

// SubmitSecret dispatches the pending privileged command
func (h *Handlers) SubmitSecret(c *gin.Context) {
	eid, err := h.store.SubmitSecret(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":      true,
		"execution_id": eid,
	})
}

// CancelSecret abandons password entry
func (h *Handlers) CancelSecret(c *gin.Context) {
	if err := h.store.CancelSecret(sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// CurrentDirectory returns the session's working directory
func (h *Handlers) CurrentDirectory(c *gin.Context) {
	dir, err := h.store.CurrentDirectory(sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"directory": dir,
		"display":   paths.Shorten(dir, h.store.HomeDirectory()),
	})
}

// Branch returns the git branch of the session's directory, empty outside
// a repository
func (h *Handlers) Branch(c *gin.Context) {
	branch, err := h.store.Branch(c.Request.Context(), sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"branch":  branch,
	})
}

// History returns the session's execution history
func (h *Handlers) History(c *gin.Context) {
	entries, err := h.store.History(sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"history": entries,
	})
}

// ClearHistory empties the session's execution history
func (h *Handlers) ClearHistory(c *gin.Context) {
	if err := h.store.ClearHistory(sessionID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Recall returns recently entered commands, oldest first
func (h *Handlers) Recall(c *gin.Context) {
	commands, err := h.store.Recall(sessionID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"commands": commands,
	})
}

// Suggest returns completion candidates for the input query parameter
func (h *Handlers) Suggest(c *gin.Context) {
	input := c.Query("input")
	if err := utils.ValidateCommand(input); err != nil {
		badRequest(c, err)
		return
	}

	suggestions, err := h.store.Suggest(sessionID(c), input)
	if err != nil {
		h.fail(c, err)
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"suggestions": suggestions,
	})
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func sessionID(c *gin.Context) id.SessionID {
	return id.SessionID(c.Param("id"))
}

// StatusFor maps a store error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRunning),
		errors.Is(err, session.ErrAwaitingSecret),
		errors.Is(err, session.ErrRemoteUnavailable),
		errors.Is(err, session.ErrTooManySessions):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyCommand),
		errors.Is(err, session.ErrNotAwaitingSecret),
		errors.Is(err, utils.ErrInvalid),
		errors.Is(err, paths.ErrNotFound),
		errors.Is(err, paths.ErrNotDirectory):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, session.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
