// Package room holds the authoritative in-memory state for every live room:
// participants, playback position, bounded chat history, and the voice
// status table. All state is volatile and reset on process restart.
package room

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchparty/internal/protocol"
)

var (
	// ErrNotFound is returned when a room id does not resolve.
	ErrNotFound = errors.New("room not found")
	// ErrFull is returned by Join when a room is at capacity.
	ErrFull = errors.New("room is full")
)

// Limits for room fields. Name length shares the wire limit in protocol.
const (
	MinNameLength = 2   // min characters for a room name
	MaxChatLog    = 100 // chat entries retained per room; oldest evicted

	minCapacity     = 2
	maxCapacity     = 50
	defaultCapacity = 10
)

type state struct {
	id              string
	name            string
	isPrivate       bool
	maxParticipants int
	createdAt       time.Time
	lastActivity    time.Time
	participants    map[string]struct{}
	currentVideo    *protocol.VideoInfo
	videoState      protocol.PlaybackState
	chat            []protocol.ChatMessage
	voice           map[string]protocol.VoiceStatus
}

// Store is the room registry. Every mutator stamps the room's last-activity
// timestamp, which feeds the lifecycle sweep.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*state

	now   func() time.Time
	newID func() string
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*state),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// sanitizeName trims whitespace, strips characters that have no business in
// a display name, and bounds the length.
func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '\'', '"':
			return -1
		}
		return r
	}, s)
	return protocol.TruncateName(s)
}

// Create registers a new room and returns its summary. The participant
// bound is clamped to [2, 50]; zero selects the default of 10.
func (s *Store) Create(name string, isPrivate bool, maxParticipants int) (protocol.RoomSummary, error) {
	name = sanitizeName(name)
	if len(name) < MinNameLength {
		return protocol.RoomSummary{}, fmt.Errorf("room name must be at least %d characters", MinNameLength)
	}

	if maxParticipants == 0 {
		maxParticipants = defaultCapacity
	}
	if maxParticipants < minCapacity {
		maxParticipants = minCapacity
	}
	if maxParticipants > maxCapacity {
		maxParticipants = maxCapacity
	}

	now := s.now()
	r := &state{
		id:              s.newID(),
		name:            name,
		isPrivate:       isPrivate,
		maxParticipants: maxParticipants,
		createdAt:       now,
		lastActivity:    now,
		participants:    make(map[string]struct{}),
		videoState:      protocol.PlaybackState{LastUpdate: now},
		voice:           make(map[string]protocol.VoiceStatus),
	}

	s.mu.Lock()
	s.rooms[r.id] = r
	total := len(s.rooms)
	s.mu.Unlock()

	slog.Info("room created", "room_id", r.id, "name", name, "private", isPrivate, "max_participants", maxParticipants, "total_rooms", total)
	return summaryOf(r), nil
}

// Get returns a room summary by id.
func (s *Store) Get(id string) (protocol.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return protocol.RoomSummary{}, ErrNotFound
	}
	return summaryOf(r), nil
}

// Snapshot returns the full room state sent to a joiner, with at most
// chatLimit trailing chat messages.
func (s *Store) Snapshot(id string, chatLimit int) (protocol.RoomState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return protocol.RoomState{}, ErrNotFound
	}

	chat := r.chat
	if chatLimit > 0 && len(chat) > chatLimit {
		chat = chat[len(chat)-chatLimit:]
	}
	out := make([]protocol.ChatMessage, len(chat))
	copy(out, chat)

	return protocol.RoomState{
		RoomID:       r.id,
		CurrentVideo: copyVideo(r.currentVideo),
		VideoState:   r.videoState,
		Participants: len(r.participants),
		ChatMessages: out,
	}, nil
}

// ListPublic returns a page of non-private rooms sorted by last activity,
// newest first. Page numbering starts at 1; limit is clamped to [1, 50].
func (s *Store) ListPublic(page, limit int) []protocol.RoomSummary {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > maxCapacity {
		limit = maxCapacity
	}

	s.mu.RLock()
	all := make([]protocol.RoomSummary, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.isPrivate {
			continue
		}
		all = append(all, summaryOf(r))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].LastActivity.Equal(all[j].LastActivity) {
			return all[i].LastActivity.After(all[j].LastActivity)
		}
		return all[i].ID < all[j].ID
	})

	start := (page - 1) * limit
	if start >= len(all) {
		return []protocol.RoomSummary{}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// Join adds userID to the room's participant set and returns the updated
// count. The capacity check and the add happen under one lock acquisition,
// so two concurrent joins can never both observe a free slot in a full room.
// Joining a room the user is already in is a no-op count-wise.
func (s *Store) Join(id, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return 0, ErrNotFound
	}
	if _, already := r.participants[userID]; !already && len(r.participants) >= r.maxParticipants {
		return len(r.participants), ErrFull
	}
	r.participants[userID] = struct{}{}
	r.lastActivity = s.now()
	return len(r.participants), nil
}

// Leave removes userID from the participant set and its voice entry, and
// returns the remaining count plus the updated voice participant list.
func (s *Store) Leave(id, userID string) (int, []protocol.VoiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	delete(r.participants, userID)
	delete(r.voice, userID)
	r.lastActivity = s.now()
	return len(r.participants), voiceListOf(r), nil
}

// Participants returns the current participant count.
func (s *Store) Participants(id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return 0, ErrNotFound
	}
	return len(r.participants), nil
}

// AppendChat appends one message to the room's chat log, evicting the oldest
// entry past the cap.
func (s *Store) AppendChat(id string, msg protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return ErrNotFound
	}
	r.chat = append(r.chat, msg)
	if len(r.chat) > MaxChatLog {
		r.chat = r.chat[len(r.chat)-MaxChatLog:]
	}
	r.lastActivity = s.now()
	return nil
}

// ApplyVideoSync merges a partial update into the room's video state. Fields
// absent from the request are left unchanged; an explicit null or empty
// videoUrl clears the current video.
func (s *Store) ApplyVideoSync(id string, req protocol.VideoSyncRequest, updatedBy string) (protocol.VideoSyncEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return protocol.VideoSyncEvent{}, ErrNotFound
	}

	now := s.now()
	if req.VideoURL.Set {
		if req.VideoURL.Value == "" {
			r.currentVideo = nil
		} else {
			title := req.VideoTitle
			if title == "" {
				title = "Unknown Video"
			}
			r.currentVideo = &protocol.VideoInfo{
				URL:     req.VideoURL.Value,
				Title:   title,
				AddedAt: now,
				AddedBy: updatedBy,
			}
		}
	}
	if req.CurrentTime != nil || req.IsPlaying != nil {
		if req.CurrentTime != nil {
			r.videoState.CurrentTime = *req.CurrentTime
		}
		if req.IsPlaying != nil {
			r.videoState.IsPlaying = *req.IsPlaying
		}
		r.videoState.LastUpdate = now
	}
	r.lastActivity = now

	return protocol.VideoSyncEvent{
		CurrentVideo: copyVideo(r.currentVideo),
		VideoState:   r.videoState,
		UpdatedBy:    updatedBy,
	}, nil
}

// UpsertVoice stores the voice status for one user and returns the updated
// voice participant list.
func (s *Store) UpsertVoice(id string, st protocol.VoiceStatus) ([]protocol.VoiceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	st.LastActivity = s.now()
	r.voice[st.UserID] = st
	r.lastActivity = st.LastActivity
	return voiceListOf(r), nil
}

// Delete removes a room. Deleting an absent room is a no-op, so the deferred
// deletion timer and the periodic sweep can race freely.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return false
	}
	delete(s.rooms, id)
	slog.Info("room deleted", "room_id", id, "remaining_rooms", len(s.rooms))
	return true
}

// DeleteIfEmpty removes a room only when its participant count is still
// zero. This is the recheck guard for the deferred deletion timer: a join
// that raced the timer keeps the room alive.
func (s *Store) DeleteIfEmpty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok || len(r.participants) > 0 {
		return false
	}
	delete(s.rooms, id)
	slog.Info("empty room deleted", "room_id", id, "remaining_rooms", len(s.rooms))
	return true
}

// SweepAbandoned deletes every room that is empty and has seen no activity
// for at least idleFor, returning the ids removed.
func (s *Store) SweepAbandoned(idleFor time.Duration) []string {
	cutoff := s.now().Add(-idleFor)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, r := range s.rooms {
		if len(r.participants) == 0 && r.lastActivity.Before(cutoff) {
			delete(s.rooms, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		slog.Info("abandoned rooms swept", "count", len(removed), "remaining_rooms", len(s.rooms))
	}
	return removed
}

// Count returns the number of live rooms.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func summaryOf(r *state) protocol.RoomSummary {
	return protocol.RoomSummary{
		ID:              r.id,
		Name:            r.name,
		Participants:    len(r.participants),
		MaxParticipants: r.maxParticipants,
		HasVideo:        r.currentVideo != nil,
		CreatedAt:       r.createdAt,
		LastActivity:    r.lastActivity,
	}
}

func voiceListOf(r *state) []protocol.VoiceStatus {
	out := make([]protocol.VoiceStatus, 0, len(r.voice))
	for _, v := range r.voice {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func copyVideo(v *protocol.VideoInfo) *protocol.VideoInfo {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
