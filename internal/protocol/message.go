package protocol

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Event names exchanged over the websocket.
const (
	// client → server
	EventUserJoin    = "user-join"
	EventUserLeave   = "user-leave"
	EventChatMessage = "chat-message" // also server → room
	EventVideoSync   = "video-sync"   // also server → room
	EventVoiceSignal = "voice-signal" // also server → target
	EventVoiceStatus = "voice-status" // also server → room
	EventGetRooms    = "get-rooms"

	// server → client
	EventRoomState  = "room-state"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventRoomsList  = "rooms-list"
	EventError      = "error"
)

// Wire-protocol limits.
const (
	MaxNameLength = 50  // max UTF-8 bytes for room names and usernames
	MaxChatLength = 500 // max bytes for a single chat message body
)

// Error codes carried in ErrorEvent.
const (
	CodeRoomNotFound       = "room_not_found"
	CodeRoomFull           = "room_full"
	CodeBadPayload         = "bad_payload"
	CodeTooManyConnections = "too_many_connections"
	CodeSessionReplaced    = "session_replaced"
)

// TruncateName bounds a display name to MaxNameLength bytes without
// splitting a multi-byte rune, so truncated names stay valid UTF-8.
func TruncateName(s string) string {
	if len(s) <= MaxNameLength {
		return s
	}
	cut := MaxNameLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Envelope is the JSON frame exchanged in both directions. The event payload
// lives under "data" so payloads may carry their own "type" field (chat
// messages do) without colliding with the event name.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the user-join payload.
type JoinRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

// VideoInfo describes the video currently loaded in a room.
type VideoInfo struct {
	URL     string    `json:"url"`
	Title   string    `json:"title"`
	AddedAt time.Time `json:"addedAt"`
	AddedBy string    `json:"addedBy,omitempty"`
}

// PlaybackState is the shared playback position of a room.
type PlaybackState struct {
	IsPlaying   bool      `json:"isPlaying"`
	CurrentTime float64   `json:"currentTime"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// ChatMessage is one chat entry. System messages (join/leave notices) carry
// no author and have System set.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	System    bool      `json:"system,omitempty"`
}

// ChatSend is the client chat-message payload.
type ChatSend struct {
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// RoomState is the full snapshot sent to a joiner.
type RoomState struct {
	RoomID       string        `json:"roomId"`
	CurrentVideo *VideoInfo    `json:"currentVideo"`
	VideoState   PlaybackState `json:"videoState"`
	Participants int           `json:"participants"`
	ChatMessages []ChatMessage `json:"chatMessages"`
}

// UserJoined announces a new participant to the rest of the room.
type UserJoined struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Participants int    `json:"participants"`
}

// UserLeft announces a departed participant.
type UserLeft struct {
	UserID            string        `json:"userId"`
	Username          string        `json:"username"`
	Participants      int           `json:"participants"`
	VoiceParticipants []VoiceStatus `json:"voiceParticipants"`
}

// NullableString records whether a JSON field was present at all, so an
// absent field ("leave unchanged") can be told apart from an explicit null
// or empty string ("clear").
type NullableString struct {
	Set   bool
	Value string
}

func (s *NullableString) UnmarshalJSON(b []byte) error {
	s.Set = true
	if string(b) == "null" {
		s.Value = ""
		return nil
	}
	return json.Unmarshal(b, &s.Value)
}

func (s NullableString) MarshalJSON() ([]byte, error) {
	if s.Value == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

// VideoSyncRequest is the client video-sync payload. Absent fields leave the
// room state unchanged; a null or empty videoUrl clears the current video.
type VideoSyncRequest struct {
	VideoURL    NullableString `json:"videoUrl"`
	VideoTitle  string         `json:"videoTitle,omitempty"`
	CurrentTime *float64       `json:"currentTime,omitempty"`
	IsPlaying   *bool          `json:"isPlaying,omitempty"`
}

// VideoSyncEvent is the broadcast after a video-sync mutation.
type VideoSyncEvent struct {
	CurrentVideo *VideoInfo    `json:"currentVideo"`
	VideoState   PlaybackState `json:"videoState"`
	UpdatedBy    string        `json:"updatedBy"`
}

// VoiceSignal is relayed verbatim to the target user; SDP and ICE payloads
// stay opaque to the server.
type VoiceSignal struct {
	Type         string          `json:"type"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	FromUsername string          `json:"fromUsername,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// VoiceStatusUpdate is the client voice-status payload.
type VoiceStatusUpdate struct {
	IsConnected bool `json:"isConnected"`
	IsMuted     bool `json:"isMuted"`
	IsSpeaking  bool `json:"isSpeaking"`
}

// VoiceStatus is one entry in a room's voice participant table.
type VoiceStatus struct {
	UserID       string    `json:"userId"`
	Username     string    `json:"username"`
	IsConnected  bool      `json:"isConnected"`
	IsMuted      bool      `json:"isMuted"`
	IsSpeaking   bool      `json:"isSpeaking"`
	LastActivity time.Time `json:"lastActivity"`
}

// VoiceStatusEvent is the broadcast after a voice-status upsert.
type VoiceStatusEvent struct {
	UserID            string        `json:"userId"`
	Username          string        `json:"username"`
	IsConnected       bool          `json:"isConnected"`
	IsMuted           bool          `json:"isMuted"`
	IsSpeaking        bool          `json:"isSpeaking"`
	VoiceParticipants []VoiceStatus `json:"voiceParticipants"`
}

// RoomSummary is one entry in a rooms-list or REST listing.
type RoomSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Participants    int       `json:"participants"`
	MaxParticipants int       `json:"maxParticipants"`
	HasVideo        bool      `json:"hasVideo"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

// RoomsList is the get-rooms reply.
type RoomsList struct {
	Rooms []RoomSummary `json:"rooms"`
}

// ErrorEvent is a typed failure delivered over the socket instead of a
// stack trace.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ICEServerInfo describes a STUN or TURN server for WebRTC peer connections.
type ICEServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Encode wraps an event payload in an Envelope. Payloads are fixed structs,
// so marshal errors indicate a programming bug; they surface as an empty
// data field rather than a dropped frame.
func Encode(event string, data any) Envelope {
	if data == nil {
		return Envelope{Type: event}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{Type: event}
	}
	return Envelope{Type: event, Data: raw}
}
