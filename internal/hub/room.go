package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
)

type roomMember struct {
	conn     *Connection
	joinedAt time.Time
}

// Room is the set of connections viewing one document. Membership, the lock
// table and the last-seen version map are mutated only under mu, and every
// outbound frame for the room is enqueued while mu is held so members observe
// operations in processing order.
type Room struct {
	documentID string
	metrics    *Metrics

	mu       sync.Mutex
	members  map[string]*roomMember
	locks    *lockTable
	versions map[string]int64
	closed   bool
}

func newRoom(documentID string, lockLease time.Duration, metrics *Metrics) *Room {
	return &Room{
		documentID: documentID,
		metrics:    metrics,
		members:    make(map[string]*roomMember),
		locks:      newLockTable(lockLease),
		versions:   make(map[string]int64),
	}
}

// DocumentID returns the document this room is keyed by.
func (r *Room) DocumentID() string {
	return r.documentID
}

// MemberCount returns the number of joined connections.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// LastSeenVersion returns the room's last-seen version for annotationID.
func (r *Room) LastSeenVersion(annotationID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versions[annotationID]
}

// Locks returns the active lock table.
func (r *Room) Locks(now time.Time) []protocol.LockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks.snapshot(now)
}

// Broadcast delivers envelope to every member except excludeConnectionID and
// returns the connections whose delivery failed.
func (r *Room) Broadcast(envelope protocol.Envelope, excludeConnectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(envelope, excludeConnectionID)
}

func (r *Room) join(conn *Connection, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.members[conn.ID()]; ok {
		return r.sendLocked(existing.conn, r.snapshotLocked(existing, now), nil)
	}
	joined := &roomMember{conn: conn, joinedAt: now}
	r.members[conn.ID()] = joined

	failed := r.sendLocked(conn, r.snapshotLocked(joined, now), nil)
	joinedEvent := protocol.MustEnvelope(protocol.TypeUserJoined, protocol.UserJoinedPayload{Member: conn.member(now)}, now)
	return append(failed, r.broadcastLocked(joinedEvent, conn.ID())...)
}

// leave removes conn, releases every lock its user holds and announces both to
// the remaining members. The boolean reports whether conn was a member.
func (r *Room) leave(conn *Connection, now time.Time) (int, bool, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn.ID()]; !ok {
		return len(r.members), false, nil
	}
	delete(r.members, conn.ID())

	leftEvent := protocol.MustEnvelope(protocol.TypeUserLeft, protocol.UserLeftPayload{
		UserID:       conn.UserID(),
		ConnectionID: conn.ID(),
	}, now)
	failed := r.broadcastLocked(leftEvent, "")
	for _, released := range r.locks.releaseUser(conn.UserID()) {
		failed = append(failed, r.broadcastLocked(releasedEnvelope(released, protocol.ReleaseDisconnect, now), "")...)
	}
	if len(r.members) == 0 {
		r.closed = true
	}
	return len(r.members), true, failed
}

func (r *Room) snapshotLocked(self *roomMember, now time.Time) protocol.Envelope {
	versions := make(map[string]int64, len(r.versions))
	for annotationID, version := range r.versions {
		versions[annotationID] = version
	}
	return protocol.MustEnvelope(protocol.TypeRoomSnapshot, protocol.RoomSnapshotPayload{
		DocumentID: r.documentID,
		Self:       self.conn.member(self.joinedAt),
		Members:    r.rosterLocked(),
		Locks:      r.locks.snapshot(now),
		Versions:   versions,
	}, now)
}

func (r *Room) rosterLocked() []protocol.Member {
	members := make([]*roomMember, 0, len(r.members))
	for _, existing := range r.members {
		members = append(members, existing)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].joinedAt.Equal(members[j].joinedAt) {
			return members[i].conn.ID() < members[j].conn.ID()
		}
		return members[i].joinedAt.Before(members[j].joinedAt)
	})
	roster := make([]protocol.Member, 0, len(members))
	for _, existing := range members {
		roster = append(roster, existing.conn.member(existing.joinedAt))
	}
	return roster
}

func (r *Room) isMemberLocked(conn *Connection) bool {
	existing, ok := r.members[conn.ID()]
	return ok && existing.conn == conn && !r.closed
}

func (r *Room) broadcastLocked(envelope protocol.Envelope, excludeConnectionID string) []string {
	var failed []string
	for connectionID, existing := range r.members {
		if connectionID == excludeConnectionID {
			continue
		}
		if !existing.conn.Deliver(envelope) {
			failed = append(failed, connectionID)
		}
	}
	return failed
}

func (r *Room) sendLocked(conn *Connection, envelope protocol.Envelope, failed []string) []string {
	if !conn.Deliver(envelope) {
		return append(failed, conn.ID())
	}
	return failed
}

func releasedEnvelope(released Lock, reason string, now time.Time) protocol.Envelope {
	return protocol.MustEnvelope(protocol.TypeLockReleased, protocol.LockReleasedPayload{
		AnnotationID: released.AnnotationID,
		UserID:       released.HolderUserID,
		Reason:       reason,
	}, now)
}
