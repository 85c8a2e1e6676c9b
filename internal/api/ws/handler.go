package ws

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/privilege"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/stream"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Metrics receives connection and frame counts.
type Metrics interface {
	IncWSConnections()
	DecWSConnections()
	RecordWSMessage(direction, msgType string)
}

type nopMetrics struct{}

func (nopMetrics) IncWSConnections()               {}
func (nopMetrics) DecWSConnections()               {}
func (nopMetrics) RecordWSMessage(string, string) {}

// ClientMessage is a frame sent by the client.
type ClientMessage struct {
	Type        string `json:"type"`
	Command     string `json:"command,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Key         string `json:"key,omitempty"`
}

// Handler manages WebSocket connections
type Handler struct {
	store    *session.Store
	metrics  Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. Browser origins must appear
// in allowOrigins unless it contains "*". metrics may be nil.
func NewHandler(store *session.Store, metrics Metrics, allowOrigins []string, logger *zap.Logger) *Handler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	allowAll := len(allowOrigins) == 0 || slices.Contains(allowOrigins, "*")
	return &Handler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowOrigins, origin)
			},
		},
	}
}

// HandleConnection upgrades the request and streams one session's events
// until either side closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	if err := utils.ValidateID(c.Param("id"), "session_id", true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	sid := id.SessionID(c.Param("id"))
	if _, err := h.store.Get(sid); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := h.logger.With(
		zap.String("conn_id", connID),
		zap.String("session_id", sid.String()))

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	// Subscribe before acknowledging so the client never misses an event
	// for a command it sends after "subscribed".
	sub, err := h.store.Subscribe(sid)
	if err != nil {
		_ = h.write(conn, errorFrame(err.Error()))
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	logger.Debug("WebSocket connected")
	defer logger.Debug("WebSocket disconnected")

	replies := make(chan map[string]any, 16)
	go h.readLoop(ctx, cancel, conn, sid, replies, logger)

	info, _ := h.store.Get(sid)
	h.writeLoop(ctx, conn, sub, replies, map[string]any{
		"type":          "subscribed",
		"session_id":    sid,
		"connection_id": connID,
		"directory":     info.Directory,
		"input_mode":    info.InputMode,
		"timestamp":     time.Now().Unix(),
	}, logger)
}

// writeLoop owns every write to conn.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *stream.Subscription, replies <-chan map[string]any, hello map[string]any, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.write(conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			h.close(conn, websocket.CloseNormalClosure, "")
			return

		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					logger.Warn("Subscriber detached", zap.Error(err))
					_ = h.write(conn, errorFrame(err.Error()))
					h.close(conn, websocket.CloseTryAgainLater, "slow consumer")
					return
				}
				h.close(conn, websocket.CloseGoingAway, "session closed")
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
			h.metrics.RecordWSMessage("out", string(ev.Kind))

		case msg := <-replies:
			if err := h.write(conn, msg); err != nil {
				return
			}
			if t, ok := msg["type"].(string); ok {
				h.metrics.RecordWSMessage("out", t)
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sid id.SessionID, replies chan<- map[string]any, logger *zap.Logger) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		var reply map[string]any
		if err := sonic.Unmarshal(data, &msg); err != nil {
			reply = errorFrame("invalid message")
		} else {
			h.metrics.RecordWSMessage("in", msg.Type)
			reply = h.dispatch(ctx, sid, msg)
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sid id.SessionID, msg ClientMessage) map[string]any {
	switch msg.Type {
	case "run":
		if err := utils.ValidateCommand(msg.Command); err != nil {
			return errorFrame(err.Error())
		}
		eid, err := h.store.Run(ctx, sid, msg.Command)
		if err != nil {
			return errorFrame(err.Error())
		}
		mode, _ := h.store.InputMode(sid)
		return accepted(eid, mode == privilege.ModeAwaitingSecret)

	case "cancel":
		if err := utils.ValidateID(msg.ExecutionID, "execution_id", true); err != nil {
			return errorFrame(err.Error())
		}
		if err := h.store.Cancel(sid, id.ExecutionID(msg.ExecutionID)); err != nil {
			return errorFrame(err.Error())
		}
		return map[string]any{
			"type":         "cancel_requested",
			"execution_id": msg.ExecutionID,
			"timestamp":    time.Now().Unix(),
		}

	case "secret_key":
		if utf8.RuneCountInString(msg.Key) != 1 {
			return errorFrame("key must be exactly one character")
		}
		r, _ := utf8.DecodeRuneInString(msg.Key)
		mask, err := h.store.SecretKey(sid, r)
		if err != nil {
			return errorFrame(err.Error())
		}
		return maskFrame(mask)

	case "secret_backspace":
		mask, err := h.store.SecretBackspace(sid)
		if err != nil {
			return errorFrame(err.Error())
		}
		return maskFrame(mask)

	case "secret_submit":
		eid, err := h.store.SubmitSecret(ctx, sid)
		if err != nil {
			return errorFrame(err.Error())
		}
		return accepted(eid, false)

	case "secret_cancel":
		if err := h.store.CancelSecret(sid); err != nil {
			return errorFrame(err.Error())
		}
		return map[string]any{"type": "secret_cancelled", "timestamp": time.Now().Unix()}

	case "ping":
		return map[string]any{"type": "pong", "timestamp": time.Now().Unix()}

	default:
		return errorFrame("unknown message type")
	}
}

func (h *Handler) write(conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.Error(err))
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.logger.Debug("Failed to send close frame", zap.Error(err))
	}
}

func accepted(eid id.ExecutionID, awaitingSecret bool) map[string]any {
	return map[string]any{
		"type":            "accepted",
		"execution_id":    eid,
		"awaiting_secret": awaitingSecret,
		"timestamp":       time.Now().Unix(),
	}
}

func maskFrame(mask string) map[string]any {
	return map[string]any{
		"type":      "secret_mask",
		"mask":      mask,
		"timestamp": time.Now().Unix(),
	}
}

func errorFrame(msg string) map[string]any {
	return map[string]any{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	}
}
