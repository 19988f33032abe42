/*
Package conference: this file defines the Session, the server-side protocol
engine owning one websocket connection.

It manages the connection lifecycle (read/write pumps, heartbeats), the
authentication state machine, room membership, and the translation of wire
envelopes into coordinator and room operations. Every inbound envelope is
handled under a tracing span extracted from its trace token; every outbound
envelope carries a token freshly injected from the handling span.
*/
package conference

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"

	"muconf/internal/pkg/logx"
	"muconf/internal/pkg/tracex"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 8192

	// capacity of the per-session outbound queue.
	sendQueueSize = 256
)

// Session represents one connected client. The alias is empty until
// authentication succeeds; the room is nil until the start room is assigned.
type Session struct {
	id          string
	conn        *websocket.Conn
	coordinator *Coordinator
	graph       *RoomGraph
	table       *DispatchTable
	tracer      opentracing.Tracer

	// send is the session's outbound queue. Room subscription registers
	// this session handle; all deliveries funnel through the queue and
	// the single writer goroutine.
	send chan []byte

	// mu guards closed, alias, room and pendingDisconnect.
	mu                sync.Mutex
	closed            bool
	alias             string
	room              *Room
	pendingDisconnect *DisconnectReason

	logger zerolog.Logger
}

// NewSession wraps an accepted websocket connection. handshakeCtx is the
// trace context extracted from the connection handshake, or nil. The hello
// greeting is queued immediately; the caller starts the pumps.
func NewSession(conn *websocket.Conn, coordinator *Coordinator, graph *RoomGraph, table *DispatchTable, tracer opentracing.Tracer, handshakeCtx opentracing.SpanContext) *Session {
	id := uuid.NewString()
	sessionLogger := logx.Logger().With().
		Str("session_id", id).
		Logger()

	s := &Session{
		id:          id,
		conn:        conn,
		coordinator: coordinator,
		graph:       graph,
		table:       table,
		tracer:      tracer,
		send:        make(chan []byte, sendQueueSize),
		logger:      sessionLogger,
	}

	span := tracex.StartChild(tracer, "muc.server.ws.hello", handshakeCtx)
	s.sendEnvelope(NewHello(), span)
	span.Finish()

	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Alias returns the authenticated alias, or "" while anonymous.
func (s *Session) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.alias
}

// CurrentRoom returns the room the session currently occupies, or nil.
func (s *Session) CurrentRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.room
}

// ReadPump reads frames off the connection until it closes, handling
// heartbeats and performing cleanup on exit.
func (s *Session) ReadPump() {
	defer s.cleanupOnDisconnect()

	s.conn.SetReadLimit(maxMessageSize)

	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info().Err(err).Msg("Error reading frame (client close/going away)")
			}
			break
		}

		s.handleFrame(frame)
	}
}

// cleanupOnDisconnect runs when the ReadPump terminates: the session leaves
// its room, releases its registry binding if it still holds it, and closes
// the transport.
func (s *Session) cleanupOnDisconnect() {
	s.mu.Lock()
	room := s.room
	alias := s.alias
	s.room = nil
	s.mu.Unlock()

	if room != nil {
		room.Unsubscribe(s)
	}
	if alias != "" {
		// Compare-and-clear: a pre-empted session must not clear the
		// binding of the session that superseded it.
		s.coordinator.ClearActive(alias, s)
	}

	s.closeSend()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Session connection close error")
	}

	s.logger.Info().Str("alias", alias).Msg("Session cleaned up.")
}

// WritePump drains the outbound queue onto the connection and keeps the
// heartbeat alive. When the queue closes it writes a close frame and exits.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := s.conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Session connection close error in WritePump")
		}
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Error().Err(err).Msg("Failed to set write deadline")
				return
			}

			if !ok {
				if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					s.logger.Debug().Err(err).Msg("Error writing close message")
				}
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn().Err(err).Msg("Error writing frame")
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
				return
			}

			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame processes one raw inbound frame. Failures are tagged on the
// handling span, logged, and swallowed; a bad message never terminates the
// connection.
func (s *Session) handleFrame(frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.logger.Warn().Err(err).Msg("Client sent invalid JSON")
		return
	}

	parent := tracex.Extract(s.tracer, env.Trace)
	span := tracex.StartChild(s.tracer, "muc.server.ws:"+env.Action, parent)
	defer span.Finish()

	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic handling %s: %v", env.Action, rec)
			tracex.MarkError(span, err)
			s.logger.Error().Err(err).Msg("Recovered from panic during dispatch")
		}

		s.flushPendingDisconnect(span)
	}()

	if err := s.dispatchEnvelope(&env, span); err != nil {
		tracex.MarkError(span, err)
		s.logger.Error().Err(err).Str("action", env.Action).Msg("Failed to process message")
	}
}

// dispatchEnvelope routes the envelope: built-in actions through the static
// switch, everything else through the open dispatch table.
func (s *Session) dispatchEnvelope(env *Envelope, span opentracing.Span) error {
	switch env.Action {
	case ActionUserRegister:
		return s.handleAuth(env, span, true)
	case ActionUserLogin:
		return s.handleAuth(env, span, false)
	case ActionRoomsDescribe:
		return s.handleDescribe(env, span)
	case ActionRoomSay:
		return s.handleSay(env, span)
	case ActionRoomsExit:
		return s.handleExit(env, span)
	case ActionChatWhisper:
		return s.handleWhisper(env, span)
	default:
		s.table.Dispatch(env, s.handlerContext(span))
		return nil
	}
}

// handlerContext binds a dispatch-table context to the current span.
func (s *Session) handlerContext(span opentracing.Span) *HandlerContext {
	return &HandlerContext{
		Alias:       s.Alias(),
		Coordinator: s.coordinator,
		Send: func(reply *Envelope) {
			s.sendEnvelope(reply, span)
		},
		ForceDisconnect: s.queueDisconnect,
	}
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrAliasTaken):
		return "already taken"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid credentials"
	case errors.Is(err, ErrCredentialTooShort):
		return "bad format"
	default:
		return err.Error()
	}
}

// handleAuth covers user.register and user.login. Success binds the alias
// and moves the session into the start room before the log.in reply.
func (s *Session) handleAuth(env *Envelope, span opentracing.Span, register bool) error {
	if env.SharedSecret == nil || env.SharedSecret.Alias == "" || env.SharedSecret.Secret == "" {
		s.sendEnvelope(NewLoginResult(false, 0, "bad format"), span)
		return nil
	}

	alias := strings.TrimSpace(env.SharedSecret.Alias)
	secret := env.SharedSecret.Secret

	var err error
	if register {
		err = s.coordinator.Register(alias, secret, s)
	} else {
		err = s.coordinator.Login(alias, secret, s, span)
	}
	if err != nil {
		span.LogKV("event", "auth rejected", "alias", alias)
		s.sendEnvelope(NewLoginResult(false, 0, authFailureReason(err)), span)
		return nil
	}

	s.bindAlias(alias)

	start := s.graph.StartRoom()
	s.enterRoom(start, span)
	s.sendEnvelope(NewLoginResult(true, start.ID, ""), span)
	return nil
}

// bindAlias records the authenticated identity, releasing any previous one.
func (s *Session) bindAlias(alias string) {
	s.mu.Lock()
	previous := s.alias
	s.alias = alias
	s.mu.Unlock()

	if previous != "" && previous != alias {
		s.coordinator.ClearActive(previous, s)
	}
}

// enterRoom performs the room transition procedure: leave the old room,
// join the destination, and push the unsolicited room.current notice.
func (s *Session) enterRoom(dest *Room, span opentracing.Span) {
	s.mu.Lock()
	old := s.room
	s.room = dest
	s.mu.Unlock()

	if old != nil {
		old.Unsubscribe(s)
	}
	dest.Subscribe(s)

	notice := &Envelope{Action: ActionRoomCurrent}
	notice.SetRoomView(dest.View())
	s.sendEnvelope(notice, span)
}

func (s *Session) handleDescribe(env *Envelope, span opentracing.Span) error {
	span.LogKV("event", "describe")

	id, err := env.RoomID()
	if err != nil {
		s.sendEnvelope(&Envelope{Action: ActionRoomDetails, Success: boolPtr(false), Reason: "bad room id"}, span)
		return nil
	}

	room, err := s.graph.Load(id, span)
	if err != nil {
		s.sendEnvelope(&Envelope{Action: ActionRoomDetails, Success: boolPtr(false), Reason: err.Error()}, span)
		return nil
	}

	reply := &Envelope{Action: ActionRoomDetails, Success: boolPtr(true)}
	reply.SetRoomView(room.View())
	s.sendEnvelope(reply, span)
	return nil
}

func (s *Session) handleSay(env *Envelope, span opentracing.Span) error {
	room := s.CurrentRoom()
	if room == nil {
		s.sendEnvelope(&Envelope{Action: ActionClientError, Error: "not in a room", AttemptedAction: ActionRoomSay}, span)
		return nil
	}

	return room.BroadcastChat(s, env.What, span)
}

func (s *Session) handleExit(env *Envelope, span opentracing.Span) error {
	span.LogKV("event", "rooms.exit", "direction", env.Direction)

	current := s.CurrentRoom()
	if current == nil {
		s.sendEnvelope(&Envelope{Action: ActionRoomExit, Success: boolPtr(false), Reason: "not in a room"}, span)
		return nil
	}

	destination, ok := current.Exits[env.Direction]
	if !ok {
		span.LogKV("event", "failed", "from", current.ID, "direction", env.Direction)
		s.sendEnvelope(&Envelope{Action: ActionRoomExit, Success: boolPtr(false), Reason: "no such exit: " + env.Direction}, span)
		return nil
	}

	dest, err := s.graph.Load(destination, span)
	if err != nil {
		// Exits are validated at graph construction; this is internal.
		return err
	}

	span.LogKV("event", "rooms.moved", "from", current.ID, "to", dest.ID)
	s.enterRoom(dest, span)

	reply := &Envelope{Action: ActionRoomExit, Success: boolPtr(true)}
	reply.SetRoomView(dest.View())
	s.sendEnvelope(reply, span)
	return nil
}

func (s *Session) handleWhisper(env *Envelope, span opentracing.Span) error {
	alias := s.Alias()
	if alias == "" {
		// Privileged action from an anonymous session: protocol
		// violation, escalate to a forced disconnect.
		s.queueDisconnect(ReasonNotAuthenticated)
		return nil
	}

	target := s.coordinator.FindActive(env.To)
	if target == nil {
		s.sendEnvelope(&Envelope{Action: ActionWhisperSent, Success: boolPtr(false), Reason: "user not online"}, span)
		return nil
	}

	target.DeliverWhisper(alias, env.Message, span)
	s.sendEnvelope(&Envelope{Action: ActionWhisperSent, Success: boolPtr(true), ID: uuid.NewString()}, span)
	return nil
}

// DeliverBroadcast implements Occupant. The room id re-check discards
// deliveries that raced a room transition.
func (s *Session) DeliverBroadcast(roomID int, from, what string, span opentracing.Span) {
	current := s.CurrentRoom()
	if current == nil || current.ID != roomID {
		s.logger.Debug().Int("room_id", roomID).Msg("Dropping broadcast for room no longer occupied")
		return
	}

	s.sendEnvelope(&Envelope{Action: ActionChatBroadcast, From: from, What: what}, span)
}

// DeliverWhisper implements ActiveSession.
func (s *Session) DeliverWhisper(from, message string, span opentracing.Span) {
	s.sendEnvelope(&Envelope{Action: ActionChatWhisper, Message: message, FromUser: from}, span)
}

// queueDisconnect schedules a forced disconnect to run once the current
// handler returns, never re-entrantly inside dispatch.
func (s *Session) queueDisconnect(reason DisconnectReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingDisconnect == nil {
		s.pendingDisconnect = &reason
	}
}

func (s *Session) flushPendingDisconnect(span opentracing.Span) {
	s.mu.Lock()
	pending := s.pendingDisconnect
	s.pendingDisconnect = nil
	s.mu.Unlock()

	if pending != nil {
		s.ForceDisconnect(*pending, span)
	}
}

// ForceDisconnect sends a connection.disconnect notice and terminates the
// transport. It implements ActiveSession and is safe to invoke from another
// session's login flow; the notice is issued before this call returns, so a
// pre-empting login is never acknowledged while the stale session still
// believes it holds the alias.
func (s *Session) ForceDisconnect(reason DisconnectReason, span opentracing.Span) {
	// Serialize first: an unmapped reason must fail loudly, not produce a
	// half-closed session.
	notice := &Envelope{Action: ActionDisconnect, Reason: reason.Label()}
	notice.Trace = tracex.Inject(s.tracer, span)

	payload, err := json.Marshal(notice)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal disconnect notice")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	if payload != nil {
		select {
		case s.send <- payload:
		default:
			s.logger.Warn().Msg("Send queue full, disconnect notice dropped")
		}
	}
	close(s.send)
	s.mu.Unlock()

	s.logger.Warn().Stringer("reason", reason).Msg("Forcing disconnect.")
}

// sendEnvelope injects a fresh trace token derived from span and queues the
// envelope for the writer.
func (s *Session) sendEnvelope(env *Envelope, span opentracing.Span) {
	env.Trace = tracex.Inject(s.tracer, span)

	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error().Err(err).Str("action", env.Action).Msg("Error marshaling envelope")
		return
	}

	s.enqueue(payload)
}

func (s *Session) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.send <- payload:
	default:
		s.logger.Warn().Int("queue_len", len(s.send)).Msg("Session send queue full, dropping envelope")
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
