package hub

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/annohub/internal/protocol"
)

// Lock is an advisory edit lock on one annotation within a room.
type Lock struct {
	AnnotationID       string
	HolderUserID       string
	HolderConnectionID string
	LockType           string
	AcquiredAt         time.Time
	ExpiresAt          time.Time
}

func (l Lock) info() protocol.LockInfo {
	return protocol.LockInfo{
		AnnotationID: l.AnnotationID,
		HolderUserID: l.HolderUserID,
		LockType:     l.LockType,
		AcquiredAt:   l.AcquiredAt.UnixMilli(),
		ExpiresAt:    l.ExpiresAt.UnixMilli(),
	}
}

func (l Lock) expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

type acquireOutcome int

const (
	acquireGranted acquireOutcome = iota
	acquireRenewed
	acquireDenied
)

// lockTable holds at most one lock per annotation. It is not synchronized; the
// owning Room serializes access.
type lockTable struct {
	lease time.Duration
	locks map[string]Lock
}

func newLockTable(lease time.Duration) *lockTable {
	return &lockTable{lease: lease, locks: make(map[string]Lock)}
}

// acquire grants when the annotation is free or its lease lapsed. A holder
// re-acquiring renews the lease. The returned lock is the current holder.
func (t *lockTable) acquire(annotationID, userID, connectionID, lockType string, now time.Time) (Lock, acquireOutcome, *Lock) {
	var lapsed *Lock
	if existing, ok := t.locks[annotationID]; ok {
		switch {
		case existing.expired(now):
			previous := existing
			lapsed = &previous
		case existing.HolderUserID == userID:
			existing.ExpiresAt = t.expiry(now)
			existing.HolderConnectionID = connectionID
			if lockType != "" {
				existing.LockType = lockType
			}
			t.locks[annotationID] = existing
			return existing, acquireRenewed, nil
		default:
			return existing, acquireDenied, nil
		}
	}
	if lockType == "" {
		lockType = protocol.DefaultLockType
	}
	granted := Lock{
		AnnotationID:       annotationID,
		HolderUserID:       userID,
		HolderConnectionID: connectionID,
		LockType:           lockType,
		AcquiredAt:         now,
		ExpiresAt:          t.expiry(now),
	}
	t.locks[annotationID] = granted
	return granted, acquireGranted, lapsed
}

func (t *lockTable) expiry(now time.Time) time.Time {
	if t.lease <= 0 {
		return time.Time{}
	}
	return now.Add(t.lease)
}

// release removes the lock when userID holds it.
func (t *lockTable) release(annotationID, userID string) (Lock, error) {
	existing, ok := t.locks[annotationID]
	if !ok || existing.HolderUserID != userID {
		return Lock{}, ErrNotLockHolder
	}
	delete(t.locks, annotationID)
	return existing, nil
}

// drop removes the lock on annotationID regardless of holder.
func (t *lockTable) drop(annotationID string) (Lock, bool) {
	existing, ok := t.locks[annotationID]
	if ok {
		delete(t.locks, annotationID)
	}
	return existing, ok
}

// releaseUser removes every lock held by userID.
func (t *lockTable) releaseUser(userID string) []Lock {
	var released []Lock
	for annotationID, existing := range t.locks {
		if existing.HolderUserID == userID {
			released = append(released, existing)
			delete(t.locks, annotationID)
		}
	}
	sortLocks(released)
	return released
}

// expire removes every lock whose lease has lapsed at now.
func (t *lockTable) expire(now time.Time) []Lock {
	var expired []Lock
	for annotationID, existing := range t.locks {
		if existing.expired(now) {
			expired = append(expired, existing)
			delete(t.locks, annotationID)
		}
	}
	sortLocks(expired)
	return expired
}

func (t *lockTable) snapshot(now time.Time) []protocol.LockInfo {
	active := make([]Lock, 0, len(t.locks))
	for _, existing := range t.locks {
		if existing.expired(now) {
			continue
		}
		active = append(active, existing)
	}
	sortLocks(active)
	infos := make([]protocol.LockInfo, 0, len(active))
	for _, existing := range active {
		infos = append(infos, existing.info())
	}
	return infos
}

func (t *lockTable) holder(annotationID string) (Lock, bool) {
	existing, ok := t.locks[annotationID]
	return existing, ok
}

func sortLocks(locks []Lock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].AnnotationID < locks[j].AnnotationID
	})
}
