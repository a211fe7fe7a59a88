package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"watchparty/internal/room"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDrainTimerDeletesEmptyRoom(t *testing.T) {
	store := room.NewStore()
	sum, err := store.Create("movie night", false, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	l := NewLifecycle(store, 10*time.Millisecond, time.Hour, time.Hour)
	l.RoomEmptied(sum.ID)

	waitFor(t, func() bool {
		_, err := store.Get(sum.ID)
		return errors.Is(err, room.ErrNotFound)
	})
}

func TestJoinBeforeTimerFiresKeepsRoom(t *testing.T) {
	store := room.NewStore()
	sum, err := store.Create("movie night", false, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	l := NewLifecycle(store, 30*time.Millisecond, time.Hour, time.Hour)
	l.RoomEmptied(sum.ID)
	if _, err := store.Join(sum.ID, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := store.Get(sum.ID); err != nil {
		t.Fatalf("occupied room was deleted: %v", err)
	}
}

func TestRoomEmptiedRearmsTimer(t *testing.T) {
	store := room.NewStore()
	sum, err := store.Create("movie night", false, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	l := NewLifecycle(store, 20*time.Millisecond, time.Hour, time.Hour)
	l.RoomEmptied(sum.ID)
	l.RoomEmptied(sum.ID)

	waitFor(t, func() bool {
		_, err := store.Get(sum.ID)
		return errors.Is(err, room.ErrNotFound)
	})
}

func TestPeriodicSweepDeletesIdleRooms(t *testing.T) {
	store := room.NewStore()
	sum, err := store.Create("movie night", false, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	l := NewLifecycle(store, time.Hour, 10*time.Millisecond, time.Nanosecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	waitFor(t, func() bool {
		_, err := store.Get(sum.ID)
		return errors.Is(err, room.ErrNotFound)
	})
}

func TestDefaultsApplied(t *testing.T) {
	l := NewLifecycle(room.NewStore(), 0, 0, 0)
	if l.drainAfter != DefaultDrainAfter || l.sweepEvery != DefaultSweepEvery || l.idleAfter != DefaultIdleAfter {
		t.Fatalf("defaults not applied: %v %v %v", l.drainAfter, l.sweepEvery, l.idleAfter)
	}
}
