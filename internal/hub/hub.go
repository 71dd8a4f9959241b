package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotJoined indicates the connection is not a member of any room.
	ErrNotJoined = errors.New("hub: connection has not joined a document")
	// ErrNotLockHolder indicates a release by someone other than the lock holder.
	ErrNotLockHolder = errors.New("hub: caller does not hold the lock")
	// ErrCapacityExceeded indicates the hub refused new work to stay within its limits.
	ErrCapacityExceeded = errors.New("hub: capacity exceeded")
	// ErrUnknownConnection indicates the connection is not registered.
	ErrUnknownConnection = errors.New("hub: unknown connection")
	// ErrInvalidIdentity indicates a registration without a usable user id.
	ErrInvalidIdentity   = errors.New("hub: invalid identity")
	errMissingIDProvider = errors.New("hub: id provider is required")
)

// Eviction reasons.
const (
	ReasonTransportClosed = "transport_closed"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonSendFailed      = "send_failed"
	ReasonShutdown        = "shutdown"
)

const (
	defaultIdleTimeout = 45 * time.Second
	defaultLockLease   = 2 * time.Minute
)

// Config describes the dependencies and limits of a Hub.
type Config struct {
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	Metrics        *Metrics
	Publisher      PresencePublisher
	IdleTimeout    time.Duration
	LockLease      time.Duration
	SendQueueSize  int
	MaxConnections int
	MaxRooms       int

	// PresenceQueueSize bounds presence events waiting for the publisher.
	PresenceQueueSize int
}

// Hub is the per-process registry owning every connection and room. The
// registry lock guards the connection table, the user index, the room map and
// the presence queue. It is always taken before a room's own lock, never after.
type Hub struct {
	clock          func() time.Time
	idProvider     IDProvider
	logger         *zap.Logger
	metrics        *Metrics
	publisher      PresencePublisher
	idleTimeout    time.Duration
	lockLease      time.Duration
	sendQueueSize  int
	maxConnections int
	maxRooms       int
	handlers       map[string]handlerFunc

	mu          sync.RWMutex
	connections map[string]*Connection
	byUser      map[string]string
	rooms       map[string]*Room

	presence       chan PresenceEvent
	presenceClosed bool
	publisherDone  chan struct{}
}

// Stats is the operational summary served by the health endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// New constructs a Hub.
func New(cfg Config) (*Hub, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	lockLease := cfg.LockLease
	if lockLease <= 0 {
		lockLease = defaultLockLease
	}
	h := &Hub{
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		metrics:        cfg.Metrics,
		publisher:      cfg.Publisher,
		idleTimeout:    idleTimeout,
		lockLease:      lockLease,
		sendQueueSize:  cfg.SendQueueSize,
		maxConnections: cfg.MaxConnections,
		maxRooms:       cfg.MaxRooms,
		handlers:       newDispatchTable(),
		connections:    make(map[string]*Connection),
		byUser:         make(map[string]string),
		rooms:          make(map[string]*Room),
	}
	h.startPublisher(cfg.PresenceQueueSize)
	return h, nil
}

// Register admits a transport into the connection table. A second connection
// from the same user takes over the user index; the older connection stays open.
func (h *Hub) Register(identity Identity) (*Connection, error) {
	identity.UserID = strings.TrimSpace(identity.UserID)
	if identity.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	identity.DisplayName = strings.TrimSpace(identity.DisplayName)
	identity.AvatarRef = strings.TrimSpace(identity.AvatarRef)

	connectionID, err := h.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("hub: issue connection id: %w", err)
	}
	conn := newConnection(connectionID, identity, h.sendQueueSize, h.clock())

	h.mu.Lock()
	if h.maxConnections > 0 && len(h.connections) >= h.maxConnections {
		h.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	h.connections[connectionID] = conn
	h.byUser[identity.UserID] = connectionID
	count := len(h.connections)
	h.mu.Unlock()

	h.metrics.setConnections(count)
	h.logger.Debug("connection registered",
		zap.String("connection_id", connectionID),
		zap.String("user_id", identity.UserID),
	)
	return conn, nil
}

// Touch records inbound activity on the connection.
func (h *Hub) Touch(connectionID string) {
	if conn, ok := h.Connection(connectionID); ok {
		conn.touch(h.clock())
	}
}

// Evict removes the connection from the registry and its room, releasing its
// user's locks and announcing the departure once. It is idempotent and reports
// whether this call performed the eviction.
func (h *Hub) Evict(connectionID, reason string) bool {
	return h.evict(connectionID, reason, nil)
}

// evictIfIdle evicts the connection only if it is still idle once h.mu is held,
// so activity recorded after a sweep snapshot keeps it alive.
func (h *Hub) evictIfIdle(connectionID string) bool {
	return h.evict(connectionID, ReasonIdleTimeout, func(conn *Connection, now time.Time) bool {
		return now.Sub(conn.LastActivity()) > h.idleTimeout
	})
}

func (h *Hub) evict(connectionID, reason string, eligible func(*Connection, time.Time) bool) bool {
	now := h.clock()

	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	if !ok || (eligible != nil && !eligible(conn, now)) {
		h.mu.Unlock()
		return false
	}
	delete(h.connections, connectionID)
	if h.byUser[conn.UserID()] == connectionID {
		delete(h.byUser, conn.UserID())
	}
	event, failed := h.leaveLocked(conn, now)
	h.queuePresenceLocked(event)
	connections, rooms := len(h.connections), len(h.rooms)
	h.mu.Unlock()

	conn.Close(reason)
	h.metrics.setConnections(connections)
	h.metrics.setRooms(rooms)
	h.metrics.eviction(reason)
	h.logger.Info("connection evicted",
		zap.String("connection_id", connectionID),
		zap.String("user_id", conn.UserID()),
		zap.String("reason", reason),
		zap.Duration("connected_for", now.Sub(conn.ConnectedAt())),
	)
	h.evictFailed(failed)
	return true
}

// Join moves the connection into documentID's room, leaving its previous room
// first. The joiner receives a private snapshot; the others receive user:joined.
func (h *Hub) Join(connectionID, documentID string) error {
	documentID, err := protocol.ValidateIdentifier("documentId", documentID)
	if err != nil {
		return err
	}
	now := h.clock()

	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	room, exists := h.rooms[documentID]
	if exists && conn.DocumentID() == documentID {
		failed := room.join(conn, now)
		h.mu.Unlock()
		h.evictFailed(failed)
		return nil
	}
	if !exists && h.maxRooms > 0 && len(h.rooms) >= h.maxRooms {
		h.mu.Unlock()
		return ErrCapacityExceeded
	}
	leftEvent, failed := h.leaveLocked(conn, now)
	if !exists {
		room = newRoom(documentID, h.lockLease, h.metrics)
		h.rooms[documentID] = room
	}
	conn.setDocumentID(documentID)
	failed = append(failed, room.join(conn, now)...)
	h.queuePresenceLocked(leftEvent)
	h.queuePresenceLocked(&PresenceEvent{
		Type:         PresenceJoined,
		DocumentID:   documentID,
		UserID:       conn.UserID(),
		ConnectionID: connectionID,
		Timestamp:    now.UnixMilli(),
	})
	rooms := len(h.rooms)
	h.mu.Unlock()

	h.metrics.setRooms(rooms)
	h.logger.Debug("connection joined document",
		zap.String("connection_id", connectionID),
		zap.String("user_id", conn.UserID()),
		zap.String("document_id", documentID),
	)
	h.evictFailed(failed)
	return nil
}

// Leave removes the connection from its room while keeping it registered.
func (h *Hub) Leave(connectionID string) error {
	now := h.clock()
	h.mu.Lock()
	conn, ok := h.connections[connectionID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	event, failed := h.leaveLocked(conn, now)
	h.queuePresenceLocked(event)
	rooms := len(h.rooms)
	h.mu.Unlock()

	if event == nil {
		return ErrNotJoined
	}
	h.metrics.setRooms(rooms)
	h.evictFailed(failed)
	return nil
}

// leaveLocked must be called with h.mu held. Empty rooms are discarded.
func (h *Hub) leaveLocked(conn *Connection, now time.Time) (*PresenceEvent, []string) {
	documentID := conn.DocumentID()
	if documentID == "" {
		return nil, nil
	}
	conn.setDocumentID("")
	room, ok := h.rooms[documentID]
	if !ok {
		return nil, nil
	}
	remaining, wasMember, failed := room.leave(conn, now)
	if remaining == 0 {
		delete(h.rooms, documentID)
	}
	if !wasMember {
		return nil, failed
	}
	return &PresenceEvent{
		Type:         PresenceLeft,
		DocumentID:   documentID,
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
		Timestamp:    now.UnixMilli(),
	}, failed
}

// Connection looks up a registered connection.
func (h *Hub) Connection(connectionID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connectionID]
	return conn, ok
}

// ConnectionForUser returns the user's most recently registered connection.
func (h *Hub) ConnectionForUser(userID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connectionID, ok := h.byUser[userID]
	if !ok {
		return nil, false
	}
	conn, ok := h.connections[connectionID]
	return conn, ok
}

// Room returns the live room for documentID.
func (h *Hub) Room(documentID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[documentID]
	return room, ok
}

// Broadcast delivers envelope to documentID's room, skipping excludeConnectionID.
func (h *Hub) Broadcast(documentID string, envelope protocol.Envelope, excludeConnectionID string) {
	room, ok := h.Room(documentID)
	if !ok {
		return
	}
	h.evictFailed(room.Broadcast(envelope, excludeConnectionID))
}

// Stats reports active connection and room counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.connections), Rooms: len(h.rooms)}
}

// Shutdown evicts every connection and flushes pending presence events.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.connections))
	for connectionID := range h.connections {
		ids = append(ids, connectionID)
	}
	h.mu.RUnlock()
	for _, connectionID := range ids {
		h.Evict(connectionID, ReasonShutdown)
	}
	h.stopPublisher()
}

func (h *Hub) roomOf(conn *Connection) (*Room, error) {
	documentID := conn.DocumentID()
	if documentID == "" {
		return nil, ErrNotJoined
	}
	room, ok := h.Room(documentID)
	if !ok {
		return nil, ErrNotJoined
	}
	return room, nil
}

// evictFailed tears down members whose send queue overflowed. Eviction takes the
// registry lock, so it runs outside the caller's critical section.
func (h *Hub) evictFailed(connectionIDs []string) {
	if len(connectionIDs) == 0 {
		return
	}
	h.metrics.sendFailures(len(connectionIDs))
	for _, connectionID := range connectionIDs {
		h.logger.Warn("send to connection failed", zap.String("connection_id", connectionID))
		go h.Evict(connectionID, ReasonSendFailed)
	}
}
