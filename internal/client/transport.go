package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

var (
	// ErrHeartbeatTimeout indicates that the server stopped answering pings.
	ErrHeartbeatTimeout = errors.New("client: heartbeat timeout")
	// ErrTransportClosed indicates a send on a transport that already shut down.
	ErrTransportClosed = errors.New("client: transport closed")
)

// TransportHandlers receives inbound traffic from a Transport.
// OnClose is invoked at most once and never from inside Transport.Close.
type TransportHandlers struct {
	OnMessage func(protocol.Envelope)
	OnClose   func(error)
}

// Transport is one live connection to the hub.
type Transport interface {
	Send(protocol.Envelope) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, handlers TransportHandlers) (Transport, error)
}

// RejectionError reports a close frame sent by the server.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("client: connection closed by server (%d %s)", e.Code, e.Reason)
}

// Permanent reports whether reconnecting with the same parameters cannot succeed.
func (e *RejectionError) Permanent() bool {
	return e.Code == protocol.CloseMissingParameters || e.Code == protocol.CloseUnauthorized
}

// WebsocketDialerConfig describes how to reach the hub websocket endpoint.
type WebsocketDialerConfig struct {
	URL               string
	DocumentID        string
	UserID            string
	DisplayName       string
	AvatarRef         string
	AuthToken         string
	Header            http.Header
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	Clock             Clock
	Logger            *zap.Logger
}

// WebsocketDialer dials the hub with gorilla/websocket.
type WebsocketDialer struct {
	endpoint          string
	header            http.Header
	dialer            *websocket.Dialer
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeTimeout      time.Duration
	clock             Clock
	logger            *zap.Logger
}

// NewWebsocketDialer validates cfg and builds the connection URL.
func NewWebsocketDialer(cfg WebsocketDialerConfig) (*WebsocketDialer, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: websocket url is required")
	}
	if cfg.DocumentID == "" || cfg.UserID == "" {
		return nil, errors.New("client: document id and user id are required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("client: parse websocket url: %w", err)
	}
	query := endpoint.Query()
	query.Set("documentId", cfg.DocumentID)
	query.Set("userId", cfg.UserID)
	if cfg.DisplayName != "" {
		query.Set("displayName", cfg.DisplayName)
	}
	if cfg.AvatarRef != "" {
		query.Set("avatarRef", cfg.AvatarRef)
	}
	if cfg.AuthToken != "" {
		query.Set("authToken", cfg.AuthToken)
	}
	endpoint.RawQuery = query.Encode()

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 2 * interval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketDialer{
		endpoint:          endpoint.String(),
		header:            cfg.Header,
		dialer:            websocket.DefaultDialer,
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
		writeTimeout:      writeTimeout,
		clock:             clock,
		logger:            logger,
	}, nil
}

// Endpoint returns the full websocket URL including the connection query.
func (d *WebsocketDialer) Endpoint() string {
	return d.endpoint
}

// Dial opens a websocket and starts its read and heartbeat loops.
func (d *WebsocketDialer) Dial(ctx context.Context, handlers TransportHandlers) (Transport, error) {
	conn, response, err := d.dialer.DialContext(ctx, d.endpoint, d.header)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", d.endpoint, err, response.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", d.endpoint, err)
	}
	transport := &websocketTransport{
		conn:         conn,
		handlers:     handlers,
		clock:        d.clock,
		writeTimeout: d.writeTimeout,
		logger:       d.logger,
		done:         make(chan struct{}),
	}
	transport.lastSeen.Store(d.clock.Now().UnixNano())
	go transport.readLoop()
	go transport.heartbeatLoop(d.heartbeatInterval, d.heartbeatTimeout)
	return transport, nil
}

type websocketTransport struct {
	conn         *websocket.Conn
	handlers     TransportHandlers
	clock        Clock
	writeTimeout time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	lastSeen  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func (t *websocketTransport) Send(envelope protocol.Envelope) error {
	frame, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(t.clock.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *websocketTransport) Close() error {
	t.shutdown(nil, false)
	return nil
}

func (t *websocketTransport) shutdown(cause error, notify bool) {
	t.closeOnce.Do(func() {
		close(t.done)
		deadline := t.clock.Now().Add(t.writeTimeout)
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = t.conn.Close()
		if notify && t.handlers.OnClose != nil {
			go t.handlers.OnClose(cause)
		}
	})
}

func (t *websocketTransport) readLoop() {
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(classifyReadError(err), true)
			return
		}
		t.lastSeen.Store(t.clock.Now().UnixNano())
		envelope, err := protocol.Decode(frame)
		if err != nil {
			t.logger.Debug("discarding malformed frame", zap.Error(err))
			continue
		}
		if envelope.Type == protocol.TypePong {
			continue
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(envelope)
		}
	}
}

func (t *websocketTransport) heartbeatLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			silence := t.clock.Now().Sub(time.Unix(0, t.lastSeen.Load()))
			if silence > timeout {
				t.shutdown(ErrHeartbeatTimeout, true)
				return
			}
			ping := protocol.MustEnvelope(protocol.TypePing, nil, t.clock.Now())
			if err := t.Send(ping); err != nil {
				t.shutdown(fmt.Errorf("client: send ping: %w", err), true)
				return
			}
		}
	}
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code >= 4000 {
		return &RejectionError{Code: closeErr.Code, Reason: closeErr.Text}
	}
	return err
}
