// Package hub routes inbound client events: it validates payloads, mutates
// the room store, and computes the fan-out set for each event. Delivery is a
// separate concern handled by the transport, so the whole protocol is
// testable without a network.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"watchparty/internal/protocol"
	"watchparty/internal/registry"
	"watchparty/internal/room"
)

// snapshotChatLimit is how many trailing chat messages a joiner receives in
// the room-state snapshot.
const snapshotChatLimit = 20

// roomsListLimit bounds the get-rooms reply.
const roomsListLimit = 20

// Delivery is one outbound frame: send Data as an Event to the connection To.
type Delivery struct {
	To    registry.ConnID
	Event string
	Data  any
}

// Result is everything the transport must do after one inbound event.
type Result struct {
	Deliveries []Delivery
	// Close lists connections the transport should close after delivering
	// (a session replaced by a newer tab of the same user).
	Close []registry.ConnID
	// Emptied lists rooms whose participant count reached zero, for the
	// lifecycle manager to schedule deferred deletion.
	Emptied []string
}

func (res *Result) unicast(to registry.ConnID, event string, data any) {
	res.Deliveries = append(res.Deliveries, Delivery{To: to, Event: event, Data: data})
}

func (res *Result) fail(to registry.ConnID, code, msg string) {
	res.unicast(to, protocol.EventError, protocol.ErrorEvent{Code: code, Message: msg})
}

// Router owns the event handlers. All handlers are deterministic functions
// of (store state, registry state, payload); the store and registry locks
// make each mutation step atomic.
type Router struct {
	store *room.Store
	reg   *registry.Registry

	now      func() time.Time
	newMsgID func() string
}

// NewRouter wires a router over the given store and registry.
func NewRouter(store *room.Store, reg *registry.Registry) *Router {
	return &Router{
		store:    store,
		reg:      reg,
		now:      time.Now,
		newMsgID: func() string { return ulid.Make().String() },
	}
}

// Dispatch routes one inbound envelope. Unknown event types are logged and
// dropped; a handler panic is contained to this one event so a malformed
// message can never take down the hub.
func (r *Router) Dispatch(conn registry.ConnID, env protocol.Envelope) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event handler panic", "event", env.Type, "conn", string(conn), "panic", rec)
			res = Result{}
		}
	}()

	switch env.Type {
	case protocol.EventUserJoin:
		return r.handleJoin(conn, env.Data)
	case protocol.EventUserLeave:
		return r.HandleLeave(conn)
	case protocol.EventChatMessage:
		return r.handleChat(conn, env.Data)
	case protocol.EventVideoSync:
		return r.handleVideoSync(conn, env.Data)
	case protocol.EventVoiceSignal:
		return r.handleVoiceSignal(conn, env.Data)
	case protocol.EventVoiceStatus:
		return r.handleVoiceStatus(conn, env.Data)
	case protocol.EventGetRooms:
		return r.HandleGetRooms(conn)
	default:
		slog.Warn("unknown event dropped", "event", env.Type, "conn", string(conn))
		return Result{}
	}
}

func (r *Router) handleJoin(conn registry.ConnID, data json.RawMessage) Result {
	var res Result

	var p protocol.JoinRequest
	if err := json.Unmarshal(data, &p); err != nil {
		res.fail(conn, protocol.CodeBadPayload, "malformed user-join payload")
		return res
	}
	if p.UserID == "" || p.Username == "" || p.RoomID == "" {
		res.fail(conn, protocol.CodeBadPayload, "userId, username and roomId are required")
		return res
	}
	p.Username = protocol.TruncateName(p.Username)

	// The join is validated before anything is torn down: a rejected join
	// must leave the user's existing session and room membership untouched.
	_, err := r.store.Join(p.RoomID, p.UserID)
	switch {
	case errors.Is(err, room.ErrNotFound):
		res.fail(conn, protocol.CodeRoomNotFound, "room does not exist")
		return res
	case errors.Is(err, room.ErrFull):
		res.fail(conn, protocol.CodeRoomFull, "room is at capacity")
		return res
	case err != nil:
		res.fail(conn, protocol.CodeBadPayload, err.Error())
		return res
	}

	// Switching rooms on the same socket is an implicit leave.
	if prev, ok := r.reg.Resolve(conn); ok && (prev.RoomID != p.RoomID || prev.UserID != p.UserID) {
		r.detach(conn, &res)
	}

	// A user id holds one connection at a time: a join from a second tab
	// evicts the first (last registration wins). When the old tab sat in a
	// different room its departure is a real leave; when it sat in this very
	// room the user stays a participant and only the binding is dropped.
	if old, ok := r.reg.ConnectionForUser(p.UserID); ok && old != conn {
		if oldB, ok := r.reg.Resolve(old); ok && oldB.RoomID != p.RoomID {
			r.detach(old, &res)
		} else {
			r.reg.Remove(old)
		}
		res.fail(old, protocol.CodeSessionReplaced, "session taken over by a newer connection")
		res.Close = append(res.Close, old)
	}

	r.reg.Register(conn, p.UserID, p.Username, p.RoomID)

	// The join notice lands in history before the snapshot is taken, so the
	// joiner sees their own arrival and late joiners see earlier ones.
	r.appendSystemChat(p.RoomID, fmt.Sprintf("%s joined the room", p.Username))

	snap, err := r.store.Snapshot(p.RoomID, snapshotChatLimit)
	if err != nil {
		// Room vanished between join and snapshot; treat as not found.
		r.reg.Remove(conn)
		res.fail(conn, protocol.CodeRoomNotFound, "room does not exist")
		return res
	}
	res.unicast(conn, protocol.EventRoomState, snap)

	joined := protocol.UserJoined{UserID: p.UserID, Username: p.Username, Participants: snap.Participants}
	for _, peer := range r.reg.ConnectionsInRoom(p.RoomID) {
		if peer != conn {
			res.unicast(peer, protocol.EventUserJoined, joined)
		}
	}

	slog.Info("user joined", "user_id", p.UserID, "username", p.Username, "room_id", p.RoomID, "participants", snap.Participants)
	return res
}

func (r *Router) handleChat(conn registry.ConnID, data json.RawMessage) Result {
	var res Result

	b, ok := r.reg.Resolve(conn)
	if !ok {
		return res
	}
	var p protocol.ChatSend
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("malformed chat-message dropped", "conn", string(conn), "err", err)
		return res
	}
	if p.Content == "" || len(p.Content) > protocol.MaxChatLength {
		slog.Warn("chat-message rejected", "conn", string(conn), "bytes", len(p.Content))
		return res
	}
	if p.Type == "" {
		p.Type = "text"
	}

	msg := protocol.ChatMessage{
		ID:        r.newMsgID(),
		UserID:    b.UserID,
		Username:  b.Username,
		Content:   p.Content,
		Timestamp: r.now(),
		Type:      p.Type,
	}
	if err := r.store.AppendChat(b.RoomID, msg); err != nil {
		return res
	}

	for _, peer := range r.reg.ConnectionsInRoom(b.RoomID) {
		res.unicast(peer, protocol.EventChatMessage, msg)
	}
	return res
}

func (r *Router) handleVideoSync(conn registry.ConnID, data json.RawMessage) Result {
	var res Result

	b, ok := r.reg.Resolve(conn)
	if !ok {
		return res
	}
	var p protocol.VideoSyncRequest
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("malformed video-sync dropped", "conn", string(conn), "err", err)
		return res
	}

	ev, err := r.store.ApplyVideoSync(b.RoomID, p, b.Username)
	if err != nil {
		return res
	}

	for _, peer := range r.reg.ConnectionsInRoom(b.RoomID) {
		if peer != conn {
			res.unicast(peer, protocol.EventVideoSync, ev)
		}
	}
	return res
}

func (r *Router) handleVoiceSignal(conn registry.ConnID, data json.RawMessage) Result {
	var res Result

	b, ok := r.reg.Resolve(conn)
	if !ok {
		return res
	}
	var p protocol.VoiceSignal
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("malformed voice-signal dropped", "conn", string(conn), "err", err)
		return res
	}

	// Best-effort relay: an offline target is silently dropped, retries are
	// the sender's concern.
	target, ok := r.reg.ConnectionForUser(p.TargetUserID)
	if !ok {
		slog.Debug("voice-signal target offline", "from", b.UserID, "target", p.TargetUserID)
		return res
	}

	p.FromUserID = b.UserID
	p.FromUsername = b.Username
	res.unicast(target, protocol.EventVoiceSignal, p)
	return res
}

func (r *Router) handleVoiceStatus(conn registry.ConnID, data json.RawMessage) Result {
	var res Result

	b, ok := r.reg.Resolve(conn)
	if !ok {
		return res
	}
	var p protocol.VoiceStatusUpdate
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Warn("malformed voice-status dropped", "conn", string(conn), "err", err)
		return res
	}

	voice, err := r.store.UpsertVoice(b.RoomID, protocol.VoiceStatus{
		UserID:      b.UserID,
		Username:    b.Username,
		IsConnected: p.IsConnected,
		IsMuted:     p.IsMuted,
		IsSpeaking:  p.IsSpeaking,
	})
	if err != nil {
		return res
	}

	ev := protocol.VoiceStatusEvent{
		UserID:            b.UserID,
		Username:          b.Username,
		IsConnected:       p.IsConnected,
		IsMuted:           p.IsMuted,
		IsSpeaking:        p.IsSpeaking,
		VoiceParticipants: voice,
	}
	for _, peer := range r.reg.ConnectionsInRoom(b.RoomID) {
		if peer != conn {
			res.unicast(peer, protocol.EventVoiceStatus, ev)
		}
	}
	return res
}

// HandleGetRooms replies with a snapshot of the most recently active public
// rooms.
func (r *Router) HandleGetRooms(conn registry.ConnID) Result {
	var res Result
	res.unicast(conn, protocol.EventRoomsList, protocol.RoomsList{
		Rooms: r.store.ListPublic(1, roomsListLimit),
	})
	return res
}

// HandleLeave processes an explicit user-leave; the connection stays open so
// the client can join another room on the same socket.
func (r *Router) HandleLeave(conn registry.ConnID) Result {
	var res Result
	r.detach(conn, &res)
	return res
}

// HandleDisconnect cleans up after a transport-level disconnect.
func (r *Router) HandleDisconnect(conn registry.ConnID) Result {
	var res Result
	r.detach(conn, &res)
	return res
}

// detach removes a connection's room membership: registry entry, participant
// set, voice table. The rest of the room gets a user-left event; if the room
// is now empty it is reported for deferred deletion. Safe to call for
// connections that were never registered.
func (r *Router) detach(conn registry.ConnID, res *Result) {
	b, ok := r.reg.Remove(conn)
	if !ok {
		return
	}

	count, voice, err := r.store.Leave(b.RoomID, b.UserID)
	if err != nil {
		return
	}

	r.appendSystemChat(b.RoomID, fmt.Sprintf("%s left the room", b.Username))

	left := protocol.UserLeft{
		UserID:            b.UserID,
		Username:          b.Username,
		Participants:      count,
		VoiceParticipants: voice,
	}
	for _, peer := range r.reg.ConnectionsInRoom(b.RoomID) {
		res.unicast(peer, protocol.EventUserLeft, left)
	}

	if count == 0 {
		res.Emptied = append(res.Emptied, b.RoomID)
	}
	slog.Info("user left", "user_id", b.UserID, "room_id", b.RoomID, "participants", count)
}

// appendSystemChat records an authorless notice in the room history. These
// are not broadcast live; presence events already cover that.
func (r *Router) appendSystemChat(roomID, content string) {
	_ = r.store.AppendChat(roomID, protocol.ChatMessage{
		ID:        r.newMsgID(),
		Content:   content,
		Timestamp: r.now(),
		Type:      "system",
		System:    true,
	})
}
