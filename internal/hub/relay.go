package hub

import (
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
)

func (r *Room) createAnnotation(conn *Connection, annotation protocol.Annotation, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	version := annotation.Version
	if version < 1 {
		version = 1
	}
	if current := r.versions[annotation.ID]; current > version {
		version = current
	}
	r.versions[annotation.ID] = version

	annotation.DocumentID = r.documentID
	annotation.AuthorID = conn.UserID()
	annotation.Version = version
	if annotation.Timestamp == 0 {
		annotation.Timestamp = now.UnixMilli()
	}
	relayed := protocol.MustEnvelope(protocol.TypeAnnotationCreated, protocol.AnnotationRelayPayload{
		Annotation: annotation,
		UserID:     conn.UserID(),
		Version:    version,
	}, now)
	failed := r.broadcastLocked(relayed, conn.ID())
	return r.sendLocked(conn, ackEnvelope(protocol.TypeAnnotationCreate, annotation.ID, version, now), failed), nil
}

// updateAnnotation forwards the update unless the room has already seen a newer
// version than the sender expected, in which case only the sender hears back.
func (r *Room) updateAnnotation(conn *Connection, payload protocol.AnnotationUpdatePayload, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	annotation := payload.Annotation
	current := r.versions[annotation.ID]
	if current > payload.ExpectedVersion {
		r.metrics.conflict(protocol.TypeAnnotationUpdate)
		return r.sendLocked(conn, conflictEnvelope(protocol.TypeAnnotationUpdate, annotation.ID, payload.ExpectedVersion, current, now), nil), nil
	}
	version := payload.ExpectedVersion + 1
	r.versions[annotation.ID] = version

	annotation.DocumentID = r.documentID
	annotation.AuthorID = conn.UserID()
	annotation.Version = version
	if annotation.Timestamp == 0 {
		annotation.Timestamp = now.UnixMilli()
	}
	relayed := protocol.MustEnvelope(protocol.TypeAnnotationUpdated, protocol.AnnotationRelayPayload{
		Annotation: annotation,
		UserID:     conn.UserID(),
		Version:    version,
	}, now)
	failed := r.broadcastLocked(relayed, conn.ID())
	return r.sendLocked(conn, ackEnvelope(protocol.TypeAnnotationUpdate, annotation.ID, version, now), failed), nil
}

// deleteAnnotation applies the update conflict rule only when the sender states
// an expected version. A delete bumps the last-seen version so later stale
// updates conflict, and drops any lock on the annotation.
func (r *Room) deleteAnnotation(conn *Connection, payload protocol.AnnotationDeletePayload, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	current := r.versions[payload.AnnotationID]
	base := current
	if payload.ExpectedVersion != nil {
		expected := *payload.ExpectedVersion
		if current > expected {
			r.metrics.conflict(protocol.TypeAnnotationDelete)
			return r.sendLocked(conn, conflictEnvelope(protocol.TypeAnnotationDelete, payload.AnnotationID, expected, current, now), nil), nil
		}
		base = expected
	}
	version := base + 1
	r.versions[payload.AnnotationID] = version

	relayed := protocol.MustEnvelope(protocol.TypeAnnotationDeleted, protocol.AnnotationDeletedPayload{
		AnnotationID: payload.AnnotationID,
		UserID:       conn.UserID(),
		Version:      version,
	}, now)
	failed := r.broadcastLocked(relayed, conn.ID())
	if dropped, ok := r.locks.drop(payload.AnnotationID); ok {
		failed = append(failed, r.broadcastLocked(releasedEnvelope(dropped, protocol.ReleaseDeleted, now), "")...)
	}
	return r.sendLocked(conn, ackEnvelope(protocol.TypeAnnotationDelete, payload.AnnotationID, version, now), failed), nil
}

func (r *Room) moveCursor(conn *Connection, payload protocol.CursorMovePayload, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	moved := protocol.MustEnvelope(protocol.TypeCursorMoved, protocol.CursorMovedPayload{
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
		X:            payload.X,
		Y:            payload.Y,
		Page:         payload.Page,
		AnnotationID: payload.AnnotationID,
	}, now)
	return r.broadcastLocked(moved, conn.ID()), nil
}

// acquireLock grants first come first served. A grant is announced to the
// other members; a denial is answered to the requester only.
func (r *Room) acquireLock(conn *Connection, payload protocol.LockAcquirePayload, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	current, outcome, lapsed := r.locks.acquire(payload.AnnotationID, conn.UserID(), conn.ID(), payload.LockType, now)
	var failed []string
	if lapsed != nil {
		failed = r.broadcastLocked(releasedEnvelope(*lapsed, protocol.ReleaseExpired, now), "")
	}
	switch outcome {
	case acquireDenied:
		r.metrics.lockDecision("denied")
		denied := protocol.MustEnvelope(protocol.TypeLockDenied, protocol.LockDeniedPayload{
			AnnotationID: payload.AnnotationID,
			Holder:       current.info(),
		}, now)
		return r.sendLocked(conn, denied, failed), nil
	case acquireGranted:
		r.metrics.lockDecision("granted")
		acquired := protocol.MustEnvelope(protocol.TypeLockAcquired, protocol.LockAcquiredPayload{Lock: current.info()}, now)
		failed = append(failed, r.broadcastLocked(acquired, conn.ID())...)
	default:
		r.metrics.lockDecision("renewed")
	}
	ack := protocol.MustEnvelope(protocol.TypeAck, protocol.AckPayload{
		RequestType:  protocol.TypeLockAcquire,
		AnnotationID: payload.AnnotationID,
		Granted:      true,
	}, now)
	return r.sendLocked(conn, ack, failed), nil
}

func (r *Room) releaseLock(conn *Connection, payload protocol.LockReleasePayload, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isMemberLocked(conn) {
		return nil, ErrNotJoined
	}
	released, err := r.locks.release(payload.AnnotationID, conn.UserID())
	if err != nil {
		return nil, err
	}
	failed := r.broadcastLocked(releasedEnvelope(released, protocol.ReleaseExplicit, now), conn.ID())
	ack := protocol.MustEnvelope(protocol.TypeAck, protocol.AckPayload{
		RequestType:  protocol.TypeLockRelease,
		AnnotationID: payload.AnnotationID,
	}, now)
	return r.sendLocked(conn, ack, failed), nil
}

// expireLocks releases lapsed leases and announces them to every member.
func (r *Room) expireLocks(now time.Time) (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := r.locks.expire(now)
	var failed []string
	for _, lapsed := range expired {
		failed = append(failed, r.broadcastLocked(releasedEnvelope(lapsed, protocol.ReleaseExpired, now), "")...)
	}
	return len(expired), failed
}

func ackEnvelope(requestType, annotationID string, version int64, now time.Time) protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeAck, protocol.AckPayload{
		RequestType:  requestType,
		AnnotationID: annotationID,
		Version:      version,
	}, now)
}

func conflictEnvelope(requestType, annotationID string, expected, current int64, now time.Time) protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeConflict, protocol.ConflictPayload{
		AnnotationID:    annotationID,
		RequestType:     requestType,
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}, now)
}
