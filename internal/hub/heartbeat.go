package hub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepResult summarizes one liveness pass.
type SweepResult struct {
	Evicted      int
	ExpiredLocks int
}

// Sweep evicts connections silent for longer than the idle timeout and releases
// lapsed lock leases in every room. Idleness is checked again at eviction time.
func (h *Hub) Sweep() SweepResult {
	now := h.clock()

	h.mu.RLock()
	var stale []string
	for connectionID, conn := range h.connections {
		if now.Sub(conn.LastActivity()) > h.idleTimeout {
			stale = append(stale, connectionID)
		}
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	var result SweepResult
	for _, connectionID := range stale {
		if h.evictIfIdle(connectionID) {
			result.Evicted++
		}
	}
	for _, room := range rooms {
		expired, failed := room.expireLocks(now)
		result.ExpiredLocks += expired
		h.evictFailed(failed)
	}
	return result
}

// Run sweeps on every interval tick until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = h.idleTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := h.Sweep()
			if result.Evicted > 0 || result.ExpiredLocks > 0 {
				h.logger.Info("liveness sweep",
					zap.Int("evicted", result.Evicted),
					zap.Int("expired_locks", result.ExpiredLocks),
				)
			}
		}
	}
}
