package hub

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"github.com/google/uuid"
)

const defaultSendQueueSize = 64

// IDProvider issues process-unique connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Identity is the caller-supplied identity a connection is admitted with.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarRef   string
}

// Connection is the hub's view of one transport. Outbound frames are queued on a
// bounded channel drained by the transport's writer; Deliver never blocks.
type Connection struct {
	id          string
	userID      string
	connectedAt time.Time

	mu           sync.Mutex
	identity     Identity
	documentID   string
	lastActivity time.Time

	outbound    chan protocol.Envelope
	done        chan struct{}
	closeOnce   sync.Once
	closeReason string
}

func newConnection(id string, identity Identity, queueSize int, now time.Time) *Connection {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Connection{
		id:           id,
		userID:       identity.UserID,
		identity:     identity,
		connectedAt:  now,
		lastActivity: now,
		outbound:     make(chan protocol.Envelope, queueSize),
		done:         make(chan struct{}),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

// ConnectedAt returns when the transport was admitted.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// fillProfile sets display metadata the connection was admitted without.
func (c *Connection) fillProfile(displayName, avatarRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity.DisplayName == "" {
		c.identity.DisplayName = displayName
	}
	if c.identity.AvatarRef == "" {
		c.identity.AvatarRef = avatarRef
	}
}

// DocumentID returns the joined document, or "" before join.
func (c *Connection) DocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.documentID
}

func (c *Connection) setDocumentID(documentID string) {
	c.mu.Lock()
	c.documentID = documentID
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan protocol.Envelope {
	return c.outbound
}

// Done is closed once the hub stops trusting the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason reports why the connection was closed, or "" while open.
func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Close marks the connection closed. Outbound is never closed so concurrent
// Deliver calls stay safe.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Deliver enqueues envelope without blocking. It returns false when the
// connection is closed or its queue is full, in which case the connection is
// closed so the transport tears down.
func (c *Connection) Deliver(envelope protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- envelope:
		return true
	default:
		c.Close(ReasonSendFailed)
		return false
	}
}

func (c *Connection) member(joinedAt time.Time) protocol.Member {
	identity := c.Identity()
	return protocol.Member{
		UserID:       c.userID,
		ConnectionID: c.id,
		DisplayName:  identity.DisplayName,
		AvatarRef:    identity.AvatarRef,
		JoinedAt:     joinedAt.UnixMilli(),
	}
}
