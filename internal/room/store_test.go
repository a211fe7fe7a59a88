package room

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"watchparty/internal/protocol"
)

// newTestStore returns a store with a deterministic clock and id sequence.
// Each call to now advances the clock by one second.
func newTestStore() (*Store, *time.Time) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	s := NewStore()
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("room-%d", n)
	}
	return s, &clock
}

func mustCreate(t *testing.T, s *Store, name string, private bool, capacity int) string {
	t.Helper()
	sum, err := s.Create(name, private, capacity)
	if err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return sum.ID
}

func TestCreateSanitizesNameAndClampsCapacity(t *testing.T) {
	s, _ := newTestStore()

	sum, err := s.Create("  <b>Movie 'Night'</b>  ", false, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sum.Name != "bMovie Night/b" {
		t.Fatalf("unexpected sanitized name: %q", sum.Name)
	}
	if sum.MaxParticipants != 10 {
		t.Fatalf("expected default capacity 10, got %d", sum.MaxParticipants)
	}

	if _, err := s.Create("x", false, 0); err == nil {
		t.Fatal("expected error for too-short name")
	}
	if _, err := s.Create("<>", false, 0); err == nil {
		t.Fatal("expected error for name that sanitizes to empty")
	}

	low, _ := s.Create("tiny", false, 1)
	if low.MaxParticipants != 2 {
		t.Fatalf("expected capacity clamped up to 2, got %d", low.MaxParticipants)
	}
	high, _ := s.Create("huge", false, 500)
	if high.MaxParticipants != 50 {
		t.Fatalf("expected capacity clamped down to 50, got %d", high.MaxParticipants)
	}
}

func TestCreateTruncatesMultibyteNameCleanly(t *testing.T) {
	s, _ := newTestStore()

	sum, err := s.Create(strings.Repeat("ß", 40), false, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(sum.Name) > protocol.MaxNameLength {
		t.Fatalf("name is %d bytes", len(sum.Name))
	}
	if !utf8.ValidString(sum.Name) {
		t.Fatalf("truncated name is not valid UTF-8: %q", sum.Name)
	}
}

func TestJoinLeaveParticipantCount(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 5)

	n, err := s.Join(id, "alice")
	if err != nil || n != 1 {
		t.Fatalf("join alice: n=%d err=%v", n, err)
	}
	n, err = s.Join(id, "bob")
	if err != nil || n != 2 {
		t.Fatalf("join bob: n=%d err=%v", n, err)
	}

	// Re-joining must not double count.
	n, err = s.Join(id, "alice")
	if err != nil || n != 2 {
		t.Fatalf("rejoin alice: n=%d err=%v", n, err)
	}

	n, _, err = s.Leave(id, "alice")
	if err != nil || n != 1 {
		t.Fatalf("leave alice: n=%d err=%v", n, err)
	}
	// Leaving twice is a no-op.
	n, _, err = s.Leave(id, "alice")
	if err != nil || n != 1 {
		t.Fatalf("second leave alice: n=%d err=%v", n, err)
	}
	n, _, err = s.Leave(id, "bob")
	if err != nil || n != 0 {
		t.Fatalf("leave bob: n=%d err=%v", n, err)
	}

	if _, err := s.Join("missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinFullRoomRejected(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 2)

	if _, err := s.Join(id, "alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := s.Join(id, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	if _, err := s.Join(id, "charlie"); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull for charlie, got %v", err)
	}
	// A member of a full room can still re-join.
	if _, err := s.Join(id, "alice"); err != nil {
		t.Fatalf("rejoin alice in full room: %v", err)
	}
	n, err := s.Participants(id)
	if err != nil || n != 2 {
		t.Fatalf("participants: n=%d err=%v", n, err)
	}
}

func TestChatLogEvictsOldestPastCap(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 5)

	for i := 0; i < MaxChatLog+7; i++ {
		err := s.AppendChat(id, protocol.ChatMessage{
			ID:      fmt.Sprintf("msg-%d", i),
			Content: fmt.Sprintf("hello %d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	snap, err := s.Snapshot(id, 0)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.ChatMessages) != MaxChatLog {
		t.Fatalf("expected %d retained messages, got %d", MaxChatLog, len(snap.ChatMessages))
	}
	if snap.ChatMessages[0].ID != "msg-7" {
		t.Fatalf("expected oldest retained msg-7, got %s", snap.ChatMessages[0].ID)
	}
	if last := snap.ChatMessages[len(snap.ChatMessages)-1]; last.ID != fmt.Sprintf("msg-%d", MaxChatLog+6) {
		t.Fatalf("unexpected newest message %s", last.ID)
	}

	limited, err := s.Snapshot(id, 20)
	if err != nil {
		t.Fatalf("limited snapshot: %v", err)
	}
	if len(limited.ChatMessages) != 20 {
		t.Fatalf("expected 20 messages in limited snapshot, got %d", len(limited.ChatMessages))
	}
	if limited.ChatMessages[0].ID != fmt.Sprintf("msg-%d", MaxChatLog+7-20) {
		t.Fatalf("limited snapshot starts at %s", limited.ChatMessages[0].ID)
	}
}

func TestApplyVideoSyncMergesPartialUpdates(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 5)

	// Load a video without a title.
	ev, err := s.ApplyVideoSync(id, protocol.VideoSyncRequest{
		VideoURL: protocol.NullableString{Set: true, Value: "https://example.com/movie.mp4"},
	}, "alice")
	if err != nil {
		t.Fatalf("sync url: %v", err)
	}
	if ev.CurrentVideo == nil || ev.CurrentVideo.Title != "Unknown Video" {
		t.Fatalf("expected default title, got %#v", ev.CurrentVideo)
	}
	if ev.UpdatedBy != "alice" {
		t.Fatalf("updatedBy = %q", ev.UpdatedBy)
	}

	// A pure playback update leaves the loaded video alone.
	tm := 42.5
	playing := true
	ev, err = s.ApplyVideoSync(id, protocol.VideoSyncRequest{
		CurrentTime: &tm,
		IsPlaying:   &playing,
	}, "bob")
	if err != nil {
		t.Fatalf("sync playback: %v", err)
	}
	if ev.CurrentVideo == nil || ev.CurrentVideo.URL != "https://example.com/movie.mp4" {
		t.Fatalf("video lost on playback update: %#v", ev.CurrentVideo)
	}
	if !ev.VideoState.IsPlaying || ev.VideoState.CurrentTime != 42.5 {
		t.Fatalf("unexpected playback state: %#v", ev.VideoState)
	}

	// Pausing only flips the flag; the position is untouched.
	paused := false
	ev, err = s.ApplyVideoSync(id, protocol.VideoSyncRequest{IsPlaying: &paused}, "bob")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if ev.VideoState.IsPlaying || ev.VideoState.CurrentTime != 42.5 {
		t.Fatalf("pause clobbered state: %#v", ev.VideoState)
	}

	// An explicit null clears the video.
	ev, err = s.ApplyVideoSync(id, protocol.VideoSyncRequest{
		VideoURL: protocol.NullableString{Set: true, Value: ""},
	}, "alice")
	if err != nil {
		t.Fatalf("clear video: %v", err)
	}
	if ev.CurrentVideo != nil {
		t.Fatalf("expected video cleared, got %#v", ev.CurrentVideo)
	}
}

func TestListPublicSortsByActivityAndPaginates(t *testing.T) {
	s, _ := newTestStore()

	a := mustCreate(t, s, "room a", false, 5)
	b := mustCreate(t, s, "room b", false, 5)
	mustCreate(t, s, "secret", true, 5)

	// Touch room a so it becomes the most recently active.
	if _, err := s.Join(a, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	rooms := s.ListPublic(1, 20)
	if len(rooms) != 2 {
		t.Fatalf("expected 2 public rooms, got %d", len(rooms))
	}
	if rooms[0].ID != a || rooms[1].ID != b {
		t.Fatalf("unexpected order: %s, %s", rooms[0].ID, rooms[1].ID)
	}
	if rooms[0].Participants != 1 {
		t.Fatalf("room a participants = %d", rooms[0].Participants)
	}

	page2 := s.ListPublic(2, 1)
	if len(page2) != 1 || page2[0].ID != b {
		t.Fatalf("unexpected page 2: %#v", page2)
	}
	if got := s.ListPublic(5, 20); len(got) != 0 {
		t.Fatalf("expected empty page past the end, got %d rooms", len(got))
	}
}

func TestDeleteIfEmptyRechecksCount(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 5)

	if _, err := s.Join(id, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if s.DeleteIfEmpty(id) {
		t.Fatal("DeleteIfEmpty removed an occupied room")
	}
	if _, _, err := s.Leave(id, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !s.DeleteIfEmpty(id) {
		t.Fatal("DeleteIfEmpty kept an empty room")
	}
	// Idempotent on both paths.
	if s.DeleteIfEmpty(id) || s.Delete(id) {
		t.Fatal("second delete should be a no-op")
	}
}

func TestSweepAbandonedRemovesIdleEmptyRooms(t *testing.T) {
	s, clock := newTestStore()

	idle := mustCreate(t, s, "idle room", false, 5)
	occupied := mustCreate(t, s, "occupied room", false, 5)
	if _, err := s.Join(occupied, "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	*clock = clock.Add(time.Hour)
	fresh := mustCreate(t, s, "fresh room", false, 5)

	removed := s.SweepAbandoned(30 * time.Minute)
	if len(removed) != 1 || removed[0] != idle {
		t.Fatalf("unexpected sweep result: %#v", removed)
	}
	if _, err := s.Get(occupied); err != nil {
		t.Fatalf("occupied room swept: %v", err)
	}
	if _, err := s.Get(fresh); err != nil {
		t.Fatalf("fresh room swept: %v", err)
	}
	if _, err := s.Get(idle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("idle room still present: %v", err)
	}
}

func TestUpsertVoiceReturnsSortedTable(t *testing.T) {
	s, _ := newTestStore()
	id := mustCreate(t, s, "movie night", false, 5)

	if _, err := s.UpsertVoice(id, protocol.VoiceStatus{UserID: "u2", Username: "bob", IsConnected: true}); err != nil {
		t.Fatalf("upsert bob: %v", err)
	}
	voice, err := s.UpsertVoice(id, protocol.VoiceStatus{UserID: "u1", Username: "alice", IsConnected: true, IsMuted: true})
	if err != nil {
		t.Fatalf("upsert alice: %v", err)
	}
	if len(voice) != 2 || voice[0].UserID != "u1" || voice[1].UserID != "u2" {
		t.Fatalf("unexpected voice table: %#v", voice)
	}

	// Leave drops the voice entry with the participant.
	if _, err := s.Join(id, "u1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, voice, err = s.Leave(id, "u1")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(voice) != 1 || voice[0].UserID != "u2" {
		t.Fatalf("voice entry survived leave: %#v", voice)
	}
}
