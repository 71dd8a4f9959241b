package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
	"go.uber.org/zap"
)

type handlerFunc func(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error

func newDispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		protocol.TypeJoin:             handleJoin,
		protocol.TypeLeave:            handleLeave,
		protocol.TypeAnnotationCreate: handleAnnotationCreate,
		protocol.TypeAnnotationUpdate: handleAnnotationUpdate,
		protocol.TypeAnnotationDelete: handleAnnotationDelete,
		protocol.TypeCursorMove:       handleCursorMove,
		protocol.TypeLockAcquire:      handleLockAcquire,
		protocol.TypeLockRelease:      handleLockRelease,
		protocol.TypePing:             handlePing,
	}
}

// Handle processes one inbound envelope. Every message counts as activity.
// Unknown types are logged and ignored; handler failures are reported to the
// sender only and never close the connection.
func (h *Hub) Handle(conn *Connection, envelope protocol.Envelope) {
	now := h.clock()
	conn.touch(now)

	handler, ok := h.handlers[envelope.Type]
	if !ok {
		h.metrics.message("unknown")
		h.logger.Debug("ignoring unknown message type",
			zap.String("connection_id", conn.ID()),
			zap.String("type", envelope.Type),
		)
		return
	}
	h.metrics.message(envelope.Type)
	if err := handler(h, conn, envelope, now); err != nil {
		h.ReplyError(conn, envelope.Type, err)
	}
}

// ReplyError sends an error envelope describing err to conn alone.
func (h *Hub) ReplyError(conn *Connection, requestType string, err error) {
	code := errorCode(err)
	h.logger.Warn("rejected client message",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
		zap.String("document_id", conn.DocumentID()),
		zap.String("type", requestType),
		zap.String("code", code),
		zap.Error(err),
	)
	reply := protocol.MustEnvelope(protocol.TypeError, protocol.NewError(code, err.Error(), requestType), h.clock())
	if !conn.Deliver(reply) {
		h.evictFailed([]string{conn.ID()})
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidEnvelope):
		return protocol.CodeInvalidEnvelope
	case errors.Is(err, protocol.ErrInvalidPayload):
		return protocol.CodeInvalidPayload
	case errors.Is(err, protocol.ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, protocol.ErrMessageTooLarge):
		return protocol.CodeMessageTooLarge
	case errors.Is(err, ErrNotJoined), errors.Is(err, ErrUnknownConnection):
		return protocol.CodeNotJoined
	case errors.Is(err, ErrCapacityExceeded):
		return protocol.CodeCapacityExceeded
	case errors.Is(err, ErrNotLockHolder):
		return protocol.CodeNotLockHolder
	default:
		return protocol.CodeInvalidPayload
	}
}

func handleJoin(h *Hub, conn *Connection, envelope protocol.Envelope, _ time.Time) error {
	payload, err := protocol.DecodePayload[protocol.JoinPayload](envelope)
	if err != nil {
		return err
	}
	conn.fillProfile(payload.DisplayName, payload.AvatarRef)
	return h.Join(conn.ID(), payload.DocumentID)
}

func handleLeave(h *Hub, conn *Connection, _ protocol.Envelope, _ time.Time) error {
	return h.Leave(conn.ID())
}

func handlePing(h *Hub, conn *Connection, _ protocol.Envelope, now time.Time) error {
	if !conn.Deliver(protocol.MustEnvelope(protocol.TypePong, nil, now)) {
		h.evictFailed([]string{conn.ID()})
	}
	return nil
}

func handleAnnotationCreate(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.AnnotationCreatePayload](envelope)
	if err != nil {
		return err
	}
	if payload.Annotation.ID, err = protocol.ValidateIdentifier("annotation.id", payload.Annotation.ID); err != nil {
		return err
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.createAnnotation(conn, payload.Annotation, now)
	})
}

func handleAnnotationUpdate(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.AnnotationUpdatePayload](envelope)
	if err != nil {
		return err
	}
	if payload.Annotation.ID, err = protocol.ValidateIdentifier("annotation.id", payload.Annotation.ID); err != nil {
		return err
	}
	if payload.ExpectedVersion < 0 {
		return fmt.Errorf("%w: expectedVersion must not be negative", protocol.ErrInvalidPayload)
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.updateAnnotation(conn, payload, now)
	})
}

func handleAnnotationDelete(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.AnnotationDeletePayload](envelope)
	if err != nil {
		return err
	}
	if payload.AnnotationID, err = protocol.ValidateIdentifier("annotationId", payload.AnnotationID); err != nil {
		return err
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.deleteAnnotation(conn, payload, now)
	})
}

func handleCursorMove(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.CursorMovePayload](envelope)
	if err != nil {
		return err
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.moveCursor(conn, payload, now)
	})
}

func handleLockAcquire(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.LockAcquirePayload](envelope)
	if err != nil {
		return err
	}
	if payload.AnnotationID, err = protocol.ValidateIdentifier("annotationId", payload.AnnotationID); err != nil {
		return err
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.acquireLock(conn, payload, now)
	})
}

func handleLockRelease(h *Hub, conn *Connection, envelope protocol.Envelope, now time.Time) error {
	payload, err := protocol.DecodePayload[protocol.LockReleasePayload](envelope)
	if err != nil {
		return err
	}
	if payload.AnnotationID, err = protocol.ValidateIdentifier("annotationId", payload.AnnotationID); err != nil {
		return err
	}
	return h.inRoom(conn, func(room *Room) ([]string, error) {
		return room.releaseLock(conn, payload, now)
	})
}

func (h *Hub) inRoom(conn *Connection, operation func(room *Room) ([]string, error)) error {
	room, err := h.roomOf(conn)
	if err != nil {
		return err
	}
	failed, err := operation(room)
	h.evictFailed(failed)
	return err
}
