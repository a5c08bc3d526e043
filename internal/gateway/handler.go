package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// sessionConn is one attached agent connection. Writes are serialized: the
// read loop (pong, frame acks) and the dev inject endpoints both push events.
type sessionConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *sessionConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return sc.conn.WriteJSON(v)
}

// Handler is the development proctoring-gateway simulator. It stands in for
// the production gateway: accepts session connections, answers heartbeats,
// acks frames with stub detection results, and lets developers inject
// detection events over HTTP.
type Handler struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*sessionConn
}

// NewHandler creates a gateway Handler.
func NewHandler(log zerolog.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		log:      log.With().Str("component", "gateway").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
		sessions: make(map[string]*sessionConn),
	}
}

// Stream godoc
// WS /api/ws/proctoring/:session_id
// Upgrades to WebSocket and services one proctoring session.
func (h *Handler) Stream(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sc := &sessionConn{conn: conn}
	h.attach(sessionID, sc)
	defer h.detach(sessionID, sc)

	wsLog := h.log.With().Str("session_id", sessionID).Logger()
	wsLog.Info().Msg("Session attached")

	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Session detached")
			}
			return
		}
		h.handleMessage(wsLog, sc, data)
	}
}

func (h *Handler) handleMessage(wsLog zerolog.Logger, sc *sessionConn, data []byte) {
	var peek struct {
		Type proctor.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		wsLog.Warn().Err(err).Msg("Malformed message, ignored")
		return
	}

	switch peek.Type {
	case proctor.MessagePing:
		if err := sc.writeJSON(proctor.Envelope{Type: proctor.MessagePong}); err != nil {
			wsLog.Warn().Err(err).Msg("Pong write failed")
		}
	case proctor.MessageFrame:
		var msg proctor.FrameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsLog.Warn().Err(err).Msg("Malformed frame, ignored")
			return
		}
		wsLog.Debug().Int("student_id", msg.StudentID).Int("frame_bytes", len(msg.Frame)).Msg("Frame received")
		// Stub analysis: one face, no violations. Real detection lives in
		// the production gateway.
		h.pushEvent(wsLog, sc, proctor.MessageDetectionResult, proctor.DetectionResult{
			Violations: []proctor.WireViolation{},
			FaceCount:  1,
		})
	case proctor.MessageAudio:
		var msg proctor.AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsLog.Warn().Err(err).Msg("Malformed audio message, ignored")
			return
		}
		wsLog.Debug().Float64("level", msg.AudioLevel).Msg("Audio level received")
	case proctor.MessageBrowserActivity:
		var msg proctor.BrowserActivityMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			wsLog.Warn().Err(err).Msg("Malformed browser activity, ignored")
			return
		}
		wsLog.Info().
			Str("violation_type", msg.ViolationType).
			Str("message", msg.Message).
			Msg("Browser activity reported")
	default:
		wsLog.Warn().Str("type", string(peek.Type)).Msg("Unknown message type")
	}
}

// ─── Dev injection endpoints ────────────────────────────────────────

// InjectViolationRequest is the dev endpoint payload for a standalone
// violation event.
type InjectViolationRequest struct {
	Type           string   `json:"type" binding:"required"`
	Severity       string   `json:"severity" binding:"required,oneof=high medium low"`
	Message        string   `json:"message" binding:"required"`
	Confidence     *float64 `json:"confidence" binding:"omitempty,min=0,max=1"`
	SnapshotBase64 string   `json:"snapshot_base64"`
}

// InjectViolation godoc
// POST /api/dev/sessions/:session_id/violations
// Pushes a violation event to the attached session.
func (h *Handler) InjectViolation(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req InjectViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sc := h.session(sessionID)
	if sc == nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotAttached)
		return
	}

	wsLog := h.log.With().Str("session_id", sessionID).Logger()
	if !h.pushEvent(wsLog, sc, proctor.MessageViolation, map[string]interface{}{
		"type":            req.Type,
		"severity":        req.Severity,
		"message":         req.Message,
		"confidence":      req.Confidence,
		"snapshot_base64": req.SnapshotBase64,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}) {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "delivered"})
}

// InjectDetection godoc
// POST /api/dev/sessions/:session_id/detections
// Pushes a full detection result to the attached session.
func (h *Handler) InjectDetection(c *gin.Context) {
	sessionID := c.Param("session_id")
	if _, err := uuid.Parse(sessionID); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var result proctor.DetectionResult
	if fields := validator.Bind(c, &result); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	sc := h.session(sessionID)
	if sc == nil {
		response.Fail(c, http.StatusNotFound, response.ErrSessionNotAttached)
		return
	}

	wsLog := h.log.With().Str("session_id", sessionID).Logger()
	if !h.pushEvent(wsLog, sc, proctor.MessageDetectionResult, result) {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"status": "delivered"})
}

// pushEvent wraps payload in the wire envelope and writes it to the session.
func (h *Handler) pushEvent(wsLog zerolog.Logger, sc *sessionConn, t proctor.MessageType, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		wsLog.Error().Err(err).Msg("Marshal event failed")
		return false
	}
	if err := sc.writeJSON(proctor.Envelope{Type: t, Data: data}); err != nil {
		wsLog.Warn().Err(err).Str("type", string(t)).Msg("Event write failed")
		return false
	}
	return true
}

// ─── Session registry ───────────────────────────────────────────────

func (h *Handler) attach(id string, sc *sessionConn) {
	h.mu.Lock()
	prev := h.sessions[id]
	h.sessions[id] = sc
	h.mu.Unlock()

	// One transport per session: a reconnect replaces the old attachment.
	if prev != nil {
		prev.conn.Close()
	}
}

func (h *Handler) detach(id string, sc *sessionConn) {
	h.mu.Lock()
	if h.sessions[id] == sc {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}

func (h *Handler) session(id string) *sessionConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}
