// Package client is the signaling session used by a viewer application: it
// owns one websocket connection, exposes idempotent connect/join, an event
// subscription registry, and fire-and-forget senders for chat, video sync
// and voice signaling.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"watchparty/internal/protocol"
)

var (
	// ErrConnectTimeout is returned when the transport does not come up
	// within the session timeout.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrJoinTimeout is returned when the server's room-state reply does not
	// arrive within the session timeout.
	ErrJoinTimeout = errors.New("join room timeout")
	// ErrNotConnected is returned by JoinRoom before Connect, or when the
	// connection drops mid-join.
	ErrNotConnected = errors.New("not connected")
)

// DefaultTimeout bounds Connect and JoinRoom.
const DefaultTimeout = 10 * time.Second

// Local pseudo-events delivered to subscribers alongside server events.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
	stateJoined
)

// Handler receives the raw data payload of one event.
type Handler func(data json.RawMessage)

type subscription struct {
	id int
	fn Handler
}

type joinOutcome struct {
	snap *protocol.RoomState
	err  error
}

type pendingJoin struct {
	roomID string
	ch     chan joinOutcome
}

// Session is a reconnection-safe signaling session. All methods are safe for
// concurrent use.
type Session struct {
	url     string
	timeout time.Duration

	mu       sync.Mutex
	state    sessionState
	conn     *websocket.Conn
	userID   string
	roomID   string // room currently joined, empty otherwise
	waiters  []chan error
	pending  *pendingJoin
	handlers map[string][]subscription
	nextSub  int

	writeMu sync.Mutex
}

// NewSession creates a session for the given websocket URL
// (e.g. "ws://localhost:8080/ws"). No connection is opened yet.
func NewSession(url string) *Session {
	return &Session{
		url:      url,
		timeout:  DefaultTimeout,
		handlers: make(map[string][]subscription),
	}
}

// Connect opens the transport. It is idempotent: when already connected it
// returns immediately, and when a connection attempt is in flight it awaits
// that attempt, bounded by the session timeout.
func (s *Session) Connect(userID string) error {
	s.mu.Lock()
	switch s.state {
	case stateConnected, stateJoined:
		s.mu.Unlock()
		return nil
	case stateConnecting:
		ch := make(chan error, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-time.After(s.timeout):
			return ErrConnectTimeout
		}
	}
	s.state = stateConnecting
	s.userID = userID
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.timeout}
	conn, _, err := dialer.Dial(s.url, nil)

	s.mu.Lock()
	if err != nil {
		s.state = stateDisconnected
		s.notifyWaitersLocked(err)
		s.mu.Unlock()
		return fmt.Errorf("dial signaling server: %w", err)
	}
	s.conn = conn
	s.state = stateConnected
	s.notifyWaitersLocked(nil)
	s.mu.Unlock()

	go s.readLoop(conn)

	s.emit(EventConnected, nil)
	slog.Debug("signaling connected", "url", s.url, "user_id", userID)
	return nil
}

// caller holds s.mu.
func (s *Session) notifyWaitersLocked(err error) {
	for _, ch := range s.waiters {
		ch <- err
	}
	s.waiters = nil
}

// JoinRoom joins a room and blocks until the server's room-state snapshot
// arrives. It is idempotent per room: joining the room already joined is a
// no-op returning a nil snapshot. Joining a different room performs an
// implicit leave of the current one first.
func (s *Session) JoinRoom(roomID, username string) (*protocol.RoomState, error) {
	s.mu.Lock()
	if s.state == stateDisconnected || s.state == stateConnecting {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if s.state == stateJoined && s.roomID == roomID {
		s.mu.Unlock()
		slog.Debug("already in room", "room_id", roomID)
		return nil, nil
	}
	// Switching rooms needs no explicit user-leave: the server detaches
	// this connection from its old room when the new join arrives, and
	// sending one here could be reordered after the join frame.
	if s.state == stateJoined {
		s.state = stateConnected
		s.roomID = ""
	}
	userID := s.userID
	pending := &pendingJoin{roomID: roomID, ch: make(chan joinOutcome, 1)}
	s.pending = pending
	s.mu.Unlock()

	if err := s.send(protocol.EventUserJoin, protocol.JoinRequest{
		UserID:   userID,
		Username: username,
		RoomID:   roomID,
	}); err != nil {
		s.clearPending(pending)
		return nil, err
	}

	select {
	case out, ok := <-pending.ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if out.err != nil {
			return nil, out.err
		}
		s.mu.Lock()
		s.state = stateJoined
		s.roomID = roomID
		s.mu.Unlock()
		return out.snap, nil
	case <-time.After(s.timeout):
		s.clearPending(pending)
		return nil, ErrJoinTimeout
	}
}

func (s *Session) clearPending(p *pendingJoin) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// LeaveRoom leaves the current room; the connection stays open. Calling it
// while not joined is a no-op.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	if s.state != stateJoined {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.state = stateConnected
	s.roomID = ""
	s.mu.Unlock()

	if conn != nil {
		_ = s.write(conn, protocol.Encode(protocol.EventUserLeave, nil))
	}
}

// CurrentRoom returns the id of the joined room, or "" when not joined.
func (s *Session) CurrentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Connected reports whether the transport is up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected || s.state == stateJoined
}

// Close tears down the connection; the server treats the disconnect as a
// leave.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = stateDisconnected
	s.roomID = ""
	if p := s.pending; p != nil {
		s.pending = nil
		close(p.ch)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		s.emit(EventDisconnected, nil)
	}
}

// --- Event subscription registry ---

// On registers a handler for an event name and returns a token for Off.
// Multiple handlers per event are supported.
func (s *Session) On(event string, fn Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	s.handlers[event] = append(s.handlers[event], subscription{id: s.nextSub, fn: fn})
	return s.nextSub
}

// Off removes one handler registered with On.
func (s *Session) Off(event string, token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.handlers[event]
	for i, sub := range subs {
		if sub.id == token {
			s.handlers[event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.handlers[event]) == 0 {
		delete(s.handlers, event)
	}
}

// RemoveAllListeners drops every handler for an event name, or every handler
// of the session when event is empty. Used when re-entering a room so
// handlers do not accumulate across the component lifecycle.
func (s *Session) RemoveAllListeners(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event == "" {
		s.handlers = make(map[string][]subscription)
		return
	}
	delete(s.handlers, event)
}

func (s *Session) emit(event string, data json.RawMessage) {
	s.mu.Lock()
	subs := make([]subscription, len(s.handlers[event]))
	copy(subs, s.handlers[event])
	s.mu.Unlock()

	for _, sub := range subs {
		callHandler(event, sub.fn, data)
	}
}

// callHandler isolates a panicking subscriber from the read loop.
func callHandler(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event handler panic", "event", event, "panic", rec)
		}
	}()
	fn(data)
}

// --- Fire-and-forget senders ---

// VideoSync is a partial playback update. Nil fields are omitted and leave
// server state unchanged; a VideoURL pointing at an empty string clears the
// current video.
type VideoSync struct {
	VideoURL    *string
	VideoTitle  string
	CurrentTime *float64
	IsPlaying   *bool
}

// SendChatMessage sends a chat message to the joined room.
func (s *Session) SendChatMessage(content string) {
	if !s.requireJoined("chat-message") {
		return
	}
	_ = s.send(protocol.EventChatMessage, protocol.ChatSend{Content: content, Type: "text"})
}

// SendVideoSync publishes a playback state change to the joined room.
func (s *Session) SendVideoSync(sync VideoSync) {
	if !s.requireJoined("video-sync") {
		return
	}
	payload := map[string]any{}
	if sync.VideoURL != nil {
		if *sync.VideoURL == "" {
			payload["videoUrl"] = nil
		} else {
			payload["videoUrl"] = *sync.VideoURL
		}
	}
	if sync.VideoTitle != "" {
		payload["videoTitle"] = sync.VideoTitle
	}
	if sync.CurrentTime != nil {
		payload["currentTime"] = *sync.CurrentTime
	}
	if sync.IsPlaying != nil {
		payload["isPlaying"] = *sync.IsPlaying
	}
	_ = s.send(protocol.EventVideoSync, payload)
}

// SendSignal relays WebRTC signaling data to one peer in the room.
func (s *Session) SendSignal(targetUserID string, signal protocol.VoiceSignal) {
	if !s.requireJoined("voice-signal") {
		return
	}
	signal.TargetUserID = targetUserID
	_ = s.send(protocol.EventVoiceSignal, signal)
}

// UpdateVoiceStatus publishes this user's voice state to the room.
func (s *Session) UpdateVoiceStatus(status protocol.VoiceStatusUpdate) {
	if !s.requireJoined("voice-status") {
		return
	}
	_ = s.send(protocol.EventVoiceStatus, status)
}

// RequestRooms asks for the public rooms list; the reply arrives on the
// rooms-list event.
func (s *Session) RequestRooms() {
	s.mu.Lock()
	connected := s.state == stateConnected || s.state == stateJoined
	s.mu.Unlock()
	if !connected {
		slog.Warn("cannot send get-rooms: not connected")
		return
	}
	_ = s.send(protocol.EventGetRooms, nil)
}

// requireJoined logs and reports false when the session is not in a room.
// Senders are no-ops in that case: no queuing, no retry.
func (s *Session) requireJoined(event string) bool {
	s.mu.Lock()
	joined := s.state == stateJoined
	s.mu.Unlock()
	if !joined {
		slog.Warn("cannot send: not in a room", "event", event)
	}
	return joined
}

func (s *Session) send(event string, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(conn, protocol.Encode(event, data))
}

func (s *Session) write(conn *websocket.Conn, env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// --- Inbound ---

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventRoomState:
		var snap protocol.RoomState
		if err := json.Unmarshal(env.Data, &snap); err == nil {
			s.mu.Lock()
			if p := s.pending; p != nil && p.roomID == snap.RoomID {
				s.pending = nil
				p.ch <- joinOutcome{snap: &snap}
			}
			s.mu.Unlock()
		}
	case protocol.EventError:
		// A join-rejecting error fails the pending join; unrelated errors
		// (e.g. session_replaced aimed at this connection) only reach
		// subscribers.
		var ev protocol.ErrorEvent
		if err := json.Unmarshal(env.Data, &ev); err == nil && isJoinError(ev.Code) {
			s.mu.Lock()
			if p := s.pending; p != nil {
				s.pending = nil
				p.ch <- joinOutcome{err: fmt.Errorf("join %s: %s (%s)", p.roomID, ev.Message, ev.Code)}
			}
			s.mu.Unlock()
		}
	}
	s.emit(env.Type, env.Data)
}

// isJoinError reports whether an error code is one the server sends in
// reply to a rejected user-join.
func isJoinError(code string) bool {
	switch code {
	case protocol.CodeRoomNotFound, protocol.CodeRoomFull, protocol.CodeBadPayload:
		return true
	}
	return false
}

func (s *Session) handleDisconnect(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer connection replaced this one; nothing to clean up.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = stateDisconnected
	s.roomID = ""
	if p := s.pending; p != nil {
		s.pending = nil
		close(p.ch)
	}
	s.mu.Unlock()

	_ = conn.Close()
	slog.Debug("signaling disconnected", "err", err)
	s.emit(EventDisconnected, nil)
}
