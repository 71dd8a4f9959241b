package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/auth"
	"github.com/MarcoPoloResearchLab/annohub/internal/hub"
	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"github.com/MarcoPoloResearchLab/annohub/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMessageRate       = 50
	defaultMessageBurst      = 100
	defaultMaxMessageBytes   = 64 * 1024
	closeGracePeriod         = time.Second
)

// Query parameters accepted on the upgrade request.
const (
	queryDocumentID  = "documentId"
	queryUserID      = "userId"
	queryDisplayName = "displayName"
	queryAvatarRef   = "avatarRef"
)

// newUpgrader accepts requests without an Origin header (non-browser
// clients), same-origin requests, and requests from allowedOrigins.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowed[strings.ToLower(origin)]; ok {
				return true
			}
			parsed, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(parsed.Host, r.Host)
		},
	}
}

func (l ConnectionLimits) withDefaults() ConnectionLimits {
	if l.HeartbeatInterval <= 0 {
		l.HeartbeatInterval = defaultHeartbeatInterval
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = defaultWriteTimeout
	}
	if l.MessageRate <= 0 {
		l.MessageRate = defaultMessageRate
	}
	if l.MessageBurst <= 0 {
		l.MessageBurst = defaultMessageBurst
	}
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = defaultMaxMessageBytes
	}
	return l
}

// admissionError carries the close code a rejected upgrade is closed with.
type admissionError struct {
	code   int
	reason string
}

func (e *admissionError) Error() string {
	return fmt.Sprintf("admission rejected (%d): %s", e.code, e.reason)
}

func rejectWith(code int, reason string) error {
	return &admissionError{code: code, reason: reason}
}

// handleWebsocket upgrades the request, admits the caller into the hub and
// pumps frames until either side goes away. Admission failures are reported
// with an application close code after the upgrade so browsers can read them.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}

	conn, documentID, err := h.admit(c.Request)
	if err != nil {
		h.reject(ws, err)
		return
	}
	if err := h.hub.Join(conn.ID(), documentID); err != nil {
		h.hub.Evict(conn.ID(), hub.ReasonTransportClosed)
		h.reject(ws, admissionFailure(err))
		return
	}

	session := &websocketSession{
		ws:      ws,
		conn:    conn,
		hub:     h.hub,
		logger:  h.logger.With(zap.String("connection_id", conn.ID()), zap.String("user_id", conn.UserID())),
		limits:  h.limits,
		limiter: rate.NewLimiter(rate.Limit(h.limits.MessageRate), h.limits.MessageBurst),
	}
	go session.writeLoop()
	session.readLoop()
}

// admit resolves the caller's identity and registers the connection.
func (h *httpHandler) admit(r *http.Request) (*hub.Connection, string, error) {
	query := r.URL.Query()
	documentID := strings.TrimSpace(query.Get(queryDocumentID))
	identity := hub.Identity{
		UserID:      strings.TrimSpace(query.Get(queryUserID)),
		DisplayName: strings.TrimSpace(query.Get(queryDisplayName)),
		AvatarRef:   strings.TrimSpace(query.Get(queryAvatarRef)),
	}

	if h.sessions != nil {
		claims, err := h.sessions.ValidateRequest(r)
		switch {
		case err == nil:
			if identity.UserID != "" && identity.UserID != claims.UserID {
				return nil, "", rejectWith(protocol.CloseUnauthorized, "userId does not match session")
			}
			identity.UserID = claims.UserID
			if identity.DisplayName == "" {
				identity.DisplayName = claims.UserDisplayName
			}
			if identity.AvatarRef == "" {
				identity.AvatarRef = claims.UserAvatarRef
			}
		case errors.Is(err, auth.ErrMissingSessionToken) && !h.authRequired:
		default:
			h.logSessionFailure(err)
			return nil, "", rejectWith(protocol.CloseUnauthorized, "invalid session")
		}
	}

	if documentID == "" || identity.UserID == "" {
		return nil, "", rejectWith(protocol.CloseMissingParameters, "documentId and userId are required")
	}

	if h.directory != nil {
		profile, err := h.directory.Resolve(r.Context(), users.Profile{
			UserID:      identity.UserID,
			DisplayName: identity.DisplayName,
			AvatarRef:   identity.AvatarRef,
		})
		if err != nil {
			h.logger.Warn("identity directory unavailable", zap.String("user_id", identity.UserID), zap.Error(err))
		} else {
			identity.DisplayName = profile.DisplayName
			identity.AvatarRef = profile.AvatarRef
		}
	}

	conn, err := h.hub.Register(identity)
	if err != nil {
		return nil, "", admissionFailure(err)
	}
	return conn, documentID, nil
}

func (h *httpHandler) logSessionFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) {
		h.logger.Info("session validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("session validation failed", zap.Error(err))
}

func admissionFailure(err error) error {
	switch {
	case errors.Is(err, hub.ErrCapacityExceeded):
		return rejectWith(protocol.CloseCapacityExceeded, "capacity exceeded")
	case errors.Is(err, hub.ErrInvalidIdentity), errors.Is(err, protocol.ErrInvalidPayload):
		return rejectWith(protocol.CloseMissingParameters, err.Error())
	default:
		return rejectWith(websocket.CloseInternalServerErr, "admission failed")
	}
}

func (h *httpHandler) reject(ws *websocket.Conn, err error) {
	var admission *admissionError
	if !errors.As(err, &admission) {
		admission = &admissionError{code: websocket.CloseInternalServerErr, reason: "admission failed"}
	}
	h.logger.Info("connection rejected", zap.Int("close_code", admission.code), zap.String("reason", admission.reason))
	deadline := time.Now().Add(h.limits.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(admission.code, admission.reason), deadline)
	_ = ws.Close()
}

type websocketSession struct {
	ws      *websocket.Conn
	conn    *hub.Connection
	hub     *hub.Hub
	logger  *zap.Logger
	limits  ConnectionLimits
	limiter *rate.Limiter
}

// readLoop feeds inbound frames to the hub. Oversized frames up to twice the
// limit are answered with an error; anything larger breaks the transport.
func (s *websocketSession) readLoop() {
	defer s.hub.Evict(s.conn.ID(), hub.ReasonTransportClosed)

	s.ws.SetReadLimit(s.limits.MaxMessageBytes * 2)
	s.ws.SetPongHandler(func(string) error {
		s.hub.Touch(s.conn.ID())
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		s.hub.Touch(s.conn.ID())
		if !s.limiter.Allow() {
			s.hub.ReplyError(s.conn, "", protocol.ErrRateLimited)
			continue
		}
		if int64(len(data)) > s.limits.MaxMessageBytes {
			s.hub.ReplyError(s.conn, "", fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, len(data)))
			continue
		}
		envelope, err := protocol.Decode(data)
		if err != nil {
			s.hub.ReplyError(s.conn, "", err)
			continue
		}
		s.hub.Handle(s.conn, envelope)
	}
}

// writeLoop is the only writer on the socket. It drains the connection's
// outbound queue, pings on the heartbeat interval and closes the socket once
// the hub closes the connection.
func (s *websocketSession) writeLoop() {
	ticker := time.NewTicker(s.limits.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case envelope := <-s.conn.Outbound():
			if err := s.write(envelope); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				s.hub.Evict(s.conn.ID(), hub.ReasonTransportClosed)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.limits.WriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.hub.Evict(s.conn.ID(), hub.ReasonTransportClosed)
				return
			}
		case <-s.conn.Done():
			s.flush()
			deadline := time.Now().Add(closeGracePeriod)
			_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.conn.CloseReason()), deadline)
			return
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (s *websocketSession) flush() {
	for {
		select {
		case envelope := <-s.conn.Outbound():
			if err := s.write(envelope); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *websocketSession) write(envelope protocol.Envelope) error {
	data, err := protocol.Encode(envelope)
	if err != nil {
		s.logger.Warn("dropping unencodable frame", zap.String("type", envelope.Type), zap.Error(err))
		return nil
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.limits.WriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
