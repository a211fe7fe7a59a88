package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"watchparty/internal/room"
)

// Default lifecycle timings.
const (
	DefaultDrainAfter = 5 * time.Minute  // deferred deletion delay for an emptied room
	DefaultSweepEvery = 10 * time.Minute // periodic sweep interval
	DefaultIdleAfter  = 30 * time.Minute // staleness threshold for the sweep
)

// Lifecycle deletes abandoned rooms. Two mechanisms run independently: a
// per-room timer armed when the last participant leaves, and a periodic
// sweep that catches rooms the timer path missed. Both delete through
// guarded, idempotent store operations, so they need no coordination.
type Lifecycle struct {
	store *room.Store

	drainAfter time.Duration
	sweepEvery time.Duration
	idleAfter  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewLifecycle builds a lifecycle manager. Non-positive durations fall back
// to the defaults.
func NewLifecycle(store *room.Store, drainAfter, sweepEvery, idleAfter time.Duration) *Lifecycle {
	if drainAfter <= 0 {
		drainAfter = DefaultDrainAfter
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepEvery
	}
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	return &Lifecycle{
		store:      store,
		drainAfter: drainAfter,
		sweepEvery: sweepEvery,
		idleAfter:  idleAfter,
		timers:     make(map[string]*time.Timer),
	}
}

// RoomEmptied arms (or re-arms) the deferred deletion timer for a room whose
// participant count just reached zero. The timer does not need cancelling
// when someone joins before it fires: DeleteIfEmpty rechecks the count.
func (l *Lifecycle) RoomEmptied(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[id]; ok {
		t.Stop()
	}
	l.timers[id] = time.AfterFunc(l.drainAfter, func() { l.expire(id) })
	slog.Debug("room drain timer armed", "room_id", id, "fires_in", l.drainAfter)
}

func (l *Lifecycle) expire(id string) {
	l.mu.Lock()
	delete(l.timers, id)
	l.mu.Unlock()

	if l.store.DeleteIfEmpty(id) {
		slog.Info("drained room deleted", "room_id", id)
	}
}

// Run executes the periodic sweep until ctx is cancelled. The sweep is a
// fallback for rooms that reached zero without the last-leaver path (process
// restart) and for rooms lingering behind staggered drain timers.
func (l *Lifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stopTimers()
			return
		case <-ticker.C:
			l.store.SweepAbandoned(l.idleAfter)
		}
	}
}

func (l *Lifecycle) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}
