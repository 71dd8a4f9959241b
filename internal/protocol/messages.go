package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client-originated message types.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeAnnotationCreate = "annotation:create"
	TypeAnnotationUpdate = "annotation:update"
	TypeAnnotationDelete = "annotation:delete"
	TypeCursorMove       = "cursor:move"
	TypeLockAcquire      = "lock:acquire"
	TypeLockRelease      = "lock:release"
	TypePing             = "ping"
)

// Server-originated message types.
const (
	TypePong              = "pong"
	TypeUserJoined        = "user:joined"
	TypeUserLeft          = "user:left"
	TypeRoomSnapshot      = "room:snapshot"
	TypeAnnotationCreated = "annotation:created"
	TypeAnnotationUpdated = "annotation:updated"
	TypeAnnotationDeleted = "annotation:deleted"
	TypeCursorMoved       = "cursor:moved"
	TypeLockAcquired      = "lock:acquired"
	TypeLockReleased      = "lock:released"
	TypeLockDenied        = "lock:denied"
	TypeConflict          = "conflict"
	TypeAck               = "ack"
	TypeError             = "error"
)

// Error codes carried by error envelopes.
const (
	CodeInvalidEnvelope  = "invalid_envelope"
	CodeInvalidPayload   = "invalid_payload"
	CodeNotJoined        = "not_joined"
	CodeRateLimited      = "rate_limited"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeNotLockHolder    = "not_lock_holder"
	CodeMessageTooLarge  = "message_too_large"
)

// Application close codes used when a connection is rejected.
const (
	CloseMissingParameters = 4400
	CloseUnauthorized      = 4401
	CloseCapacityExceeded  = 4429
)

// Lock release reasons.
const (
	ReleaseExplicit   = "released"
	ReleaseDisconnect = "disconnect"
	ReleaseExpired    = "expired"
	ReleaseDeleted    = "deleted"
)

// DefaultLockType is applied when an acquire request omits lockType.
const DefaultLockType = "edit"

const maxIdentifierLength = 190

var clientTypes = map[string]struct{}{
	TypeJoin:             {},
	TypeLeave:            {},
	TypeAnnotationCreate: {},
	TypeAnnotationUpdate: {},
	TypeAnnotationDelete: {},
	TypeCursorMove:       {},
	TypeLockAcquire:      {},
	TypeLockRelease:      {},
	TypePing:             {},
}

// IsClientType reports whether messageType is one the hub accepts from clients.
func IsClientType(messageType string) bool {
	_, ok := clientTypes[messageType]
	return ok
}

// Annotation is the relayed annotation body. Content is opaque to the hub.
type Annotation struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"documentId,omitempty"`
	Type       string          `json:"type,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Version    int64           `json:"version,omitempty"`
	AuthorID   string          `json:"authorId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

// Member is one roster entry in a room.
type Member struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName,omitempty"`
	AvatarRef    string `json:"avatarRef,omitempty"`
	JoinedAt     int64  `json:"joinedAt"`
}

// LockInfo describes an active advisory lock.
type LockInfo struct {
	AnnotationID string `json:"annotationId"`
	HolderUserID string `json:"holderUserId"`
	LockType     string `json:"lockType"`
	AcquiredAt   int64  `json:"acquiredAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type JoinPayload struct {
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type AnnotationCreatePayload struct {
	Annotation Annotation `json:"annotation"`
}

type AnnotationUpdatePayload struct {
	Annotation      Annotation `json:"annotation"`
	ExpectedVersion int64      `json:"expectedVersion"`
}

type AnnotationDeletePayload struct {
	AnnotationID    string `json:"annotationId"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type CursorMovePayload struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Page         int     `json:"page,omitempty"`
	AnnotationID string  `json:"annotationId,omitempty"`
}

type LockAcquirePayload struct {
	AnnotationID string `json:"annotationId"`
	LockType     string `json:"lockType,omitempty"`
}

type LockReleasePayload struct {
	AnnotationID string `json:"annotationId"`
}

type RoomSnapshotPayload struct {
	DocumentID string           `json:"documentId"`
	Self       Member           `json:"self"`
	Members    []Member         `json:"members"`
	Locks      []LockInfo       `json:"locks"`
	Versions   map[string]int64 `json:"versions"`
}

type UserJoinedPayload struct {
	Member Member `json:"member"`
}

type UserLeftPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type AnnotationRelayPayload struct {
	Annotation Annotation `json:"annotation"`
	UserID     string     `json:"userId"`
	Version    int64      `json:"version"`
}

type AnnotationDeletedPayload struct {
	AnnotationID string `json:"annotationId"`
	UserID       string `json:"userId"`
	Version      int64  `json:"version"`
}

type CursorMovedPayload struct {
	UserID       string  `json:"userId"`
	ConnectionID string  `json:"connectionId"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Page         int     `json:"page,omitempty"`
	AnnotationID string  `json:"annotationId,omitempty"`
}

type LockAcquiredPayload struct {
	Lock LockInfo `json:"lock"`
}

type LockReleasedPayload struct {
	AnnotationID string `json:"annotationId"`
	UserID       string `json:"userId"`
	Reason       string `json:"reason"`
}

type LockDeniedPayload struct {
	AnnotationID string   `json:"annotationId"`
	Holder       LockInfo `json:"holder"`
}

type ConflictPayload struct {
	AnnotationID    string `json:"annotationId"`
	RequestType     string `json:"requestType"`
	ExpectedVersion int64  `json:"expectedVersion"`
	CurrentVersion  int64  `json:"currentVersion"`
}

type AckPayload struct {
	RequestType  string `json:"requestType"`
	AnnotationID string `json:"annotationId,omitempty"`
	Version      int64  `json:"version,omitempty"`
	Granted      bool   `json:"granted,omitempty"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}

// ValidateIdentifier trims and bounds an identifier supplied by a client.
func ValidateIdentifier(field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: %s required", ErrInvalidPayload, field)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidPayload, field, maxIdentifierLength)
	}
	return trimmed, nil
}

// NewError builds an error envelope payload.
func NewError(code, message, requestType string) ErrorPayload {
	return ErrorPayload{Code: code, Message: message, RequestType: requestType}
}
