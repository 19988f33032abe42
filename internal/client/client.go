/*
Package client implements the peer side of the conference protocol: the
connection lifecycle state machine, outstanding-request correlation with
timeouts, and the user-facing operations (register, login, whisper, describe
room, exit room, say).

Every call is a single round-trip: an envelope carrying a trace token
injected from the caller's parent span goes out, and the one corresponding
reply action is awaited with a fixed timeout. Pushes (whispers, room
broadcasts, disconnect notices) surface on buffered channels.
*/
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"

	"muconf/internal/app/conference"
	"muconf/internal/pkg/logx"
	"muconf/internal/pkg/tracex"
)

const (
	// connectTimeout bounds how long we wait to observe the transport open.
	connectTimeout = 1000 * time.Millisecond

	// callTimeout bounds every request/reply round-trip.
	callTimeout = 1000 * time.Millisecond

	// pushBuffer is the capacity of each push channel; overflow is dropped.
	pushBuffer = 16
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrCallTimeout is returned when no correlated reply arrives in time.
	ErrCallTimeout = errors.New("timed out awaiting reply")

	// ErrConnectionClosed is returned when the transport closed while a
	// call was outstanding.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCallPending is returned when a call is issued while another call
	// awaiting the same reply action is still outstanding.
	ErrCallPending = errors.New("call already pending for this action")
)

// RejectedError is a failure reply from the server, carrying the wire reason.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// StateError reports a connection lifecycle transition attempted from the
// wrong state. It indicates caller misuse.
type StateError struct {
	Got, Want State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("wrong connection state: got %s, wanted %s", e.Got, e.Want)
}

// Whisper is a direct message pushed to this client.
type Whisper struct {
	FromUser string
	Message  string
}

// Broadcast is a room chat event pushed to this client.
type Broadcast struct {
	From string
	What string
}

// Disconnect is the server's notice that it is terminating this session.
type Disconnect struct {
	Reason conference.DisconnectReason
}

// Client is a conference client session. It is safe for concurrent use; the
// per-action correlation allows at most one outstanding call per reply
// action.
type Client struct {
	tracer opentracing.Tracer

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	pending     map[string]chan *conference.Envelope
	alias       string
	currentRoom int
	roomView    *conference.RoomView

	// done belongs to the current connection and is closed when that
	// connection dies. Connect allocates a fresh one, so a client survives
	// disconnect/reconnect cycles.
	done chan struct{}

	writeMu sync.Mutex

	whispers    chan Whisper
	broadcasts  chan Broadcast
	disconnects chan Disconnect

	logger zerolog.Logger
}

// New constructs a disconnected client using the given tracer.
func New(tracer opentracing.Tracer) *Client {
	return &Client{
		tracer:      tracer,
		state:       StateDisconnected,
		pending:     make(map[string]chan *conference.Envelope),
		whispers:    make(chan Whisper, pushBuffer),
		broadcasts:  make(chan Broadcast, pushBuffer),
		disconnects: make(chan Disconnect, pushBuffer),
		logger:      logx.Logger().With().Str("component", "muc-client").Logger(),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Alias returns the cached identity, set only after a successful register or
// login.
func (c *Client) Alias() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.alias
}

// CurrentRoom returns the cached current room id.
func (c *Client) CurrentRoom() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.currentRoom
}

// CurrentRoomView returns the last room.current push, or nil before the
// first one.
func (c *Client) CurrentRoomView() *conference.RoomView {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roomView
}

// Whispers streams chat.whisper pushes.
func (c *Client) Whispers() <-chan Whisper { return c.whispers }

// Broadcasts streams room.chat.broadcast pushes.
func (c *Client) Broadcasts() <-chan Broadcast { return c.broadcasts }

// Disconnects streams connection.disconnect notices. A notice may arrive at
// any time, independent of any pending call.
func (c *Client) Disconnects() <-chan Disconnect { return c.disconnects }

// transition performs a compare-and-swap on the connection state.
func (c *Client) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != from {
		return &StateError{Got: c.state, Want: from}
	}
	c.state = to
	return nil
}

// Connect opens the transport and installs the inbound demultiplexer. The
// handshake carries a trace token injected from parentSpan via HTTP headers.
// Failing to observe the transport open within the connect timeout fails the
// call and returns the client to the disconnected state.
func (c *Client) Connect(url string, parentSpan opentracing.Span) error {
	if err := c.transition(StateDisconnected, StateConnecting); err != nil {
		return err
	}

	var parentCtx opentracing.SpanContext
	if parentSpan != nil {
		parentCtx = parentSpan.Context()
	}
	span := tracex.StartChild(c.tracer, "muc.client.ws.connect", parentCtx)
	defer span.Finish()
	span.SetTag("url", url)

	header := http.Header{}
	tracex.InjectHTTP(c.tracer, span, header)

	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
		Subprotocols:     []string{"muc/v1"},
	}

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		tracex.MarkError(span, err)
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.transition(StateConnecting, StateConnected); err != nil {
		conn.Close()
		return err
	}
	span.LogKV("event", "socket open")
	return nil
}

// Close terminates the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.markClosed(conn)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// markClosed tears down the lifecycle state for conn. A read loop whose
// connection has already been replaced must not touch its successor's state.
func (c *Client) markClosed(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn != nil && c.conn != conn {
		return
	}

	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.conn = nil
	c.state = StateDisconnected
}

// readLoop demultiplexes every inbound envelope by action into either a
// one-shot call waiter or a standing push stream.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.markClosed(conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env conference.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Server sent invalid JSON")
			continue
		}

		parent := tracex.Extract(c.tracer, env.Trace)
		span := tracex.StartChild(c.tracer, "muc.client.ws.onMessage", parent)
		span.SetTag("action", env.Action)

		c.routeEnvelope(&env, span)

		span.Finish()
	}
}

func (c *Client) routeEnvelope(env *conference.Envelope, span opentracing.Span) {
	switch env.Action {
	case conference.ActionHello:
		span.LogKV("event", "greeted")

	case conference.ActionDisconnect:
		reason := conference.ParseDisconnectReason(env.Reason)
		select {
		case c.disconnects <- Disconnect{Reason: reason}:
		default:
			c.logger.Warn().Msg("Disconnect channel full, notice dropped")
		}

	case conference.ActionChatWhisper:
		select {
		case c.whispers <- Whisper{FromUser: env.FromUser, Message: env.Message}:
		default:
			c.logger.Warn().Msg("Whisper channel full, message dropped")
		}

	case conference.ActionChatBroadcast:
		select {
		case c.broadcasts <- Broadcast{From: env.From, What: env.What}:
		default:
			c.logger.Warn().Msg("Broadcast channel full, message dropped")
		}

	case conference.ActionRoomCurrent:
		view, err := env.RoomView()
		if err != nil {
			tracex.MarkError(span, err)
			return
		}
		c.mu.Lock()
		c.currentRoom = view.ID
		c.roomView = &view
		c.mu.Unlock()

	default:
		c.mu.Lock()
		waiter, ok := c.pending[env.Action]
		if ok {
			delete(c.pending, env.Action)
		}
		c.mu.Unlock()

		if !ok {
			err := fmt.Errorf("no handler for message action %q", env.Action)
			tracex.MarkError(span, err)
			c.logger.Warn().Str("action", env.Action).Msg("Unmatched envelope dropped")
			return
		}
		waiter <- env
	}
}

// call sends the envelope under a span named op and awaits the single reply
// with the given action.
func (c *Client) call(op string, env *conference.Envelope, replyAction string, parentSpan opentracing.Span) (*conference.Envelope, error) {
	var parentCtx opentracing.SpanContext
	if parentSpan != nil {
		parentCtx = parentSpan.Context()
	}
	span := tracex.StartChild(c.tracer, op, parentCtx)
	defer span.Finish()

	reply, err := c.roundTrip(env, replyAction, span)
	if err != nil {
		tracex.MarkError(span, err)
		return nil, err
	}
	return reply, nil
}

func (c *Client) roundTrip(env *conference.Envelope, replyAction string, span opentracing.Span) (*conference.Envelope, error) {
	waiter := make(chan *conference.Envelope, 1)

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if _, exists := c.pending[replyAction]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallPending, replyAction)
	}
	c.pending[replyAction] = waiter
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if c.pending[replyAction] == waiter {
			delete(c.pending, replyAction)
		}
		c.mu.Unlock()
	}

	if err := c.writeEnvelope(conn, env, span); err != nil {
		cancel()
		return nil, err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("%s: %w", env.Action, ErrCallTimeout)
	case <-done:
		cancel()
		return nil, fmt.Errorf("%s: %w", env.Action, ErrConnectionClosed)
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env *conference.Envelope, span opentracing.Span) error {
	env.Trace = tracex.Inject(c.tracer, span)

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteMessage(websocket.TextMessage, payload)
}

// authenticate covers register and login; identity is cached only on a
// successful reply.
func (c *Client) authenticate(op, action, alias, secret string, parentSpan opentracing.Span) error {
	env := &conference.Envelope{
		Action:       action,
		SharedSecret: &conference.SharedSecret{Alias: alias, Secret: secret},
	}

	reply, err := c.call(op, env, conference.ActionLogIn, parentSpan)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return &RejectedError{Op: action, Reason: reply.Reason}
	}

	roomID, err := reply.RoomID()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.alias = alias
	c.currentRoom = roomID
	c.mu.Unlock()
	return nil
}

// Register creates a new user and authenticates this session as it.
func (c *Client) Register(alias, secret string, parentSpan opentracing.Span) error {
	return c.authenticate("muc.client.ws.register", conference.ActionUserRegister, alias, secret, parentSpan)
}

// Login authenticates this session as an existing user. Any other session
// holding the alias is forcibly disconnected by the server.
func (c *Client) Login(alias, secret string, parentSpan opentracing.Span) error {
	return c.authenticate("muc.client.ws.login", conference.ActionUserLogin, alias, secret, parentSpan)
}

// WhisperTo sends a direct message and returns the server's receipt id.
func (c *Client) WhisperTo(to, message string, parentSpan opentracing.Span) (string, error) {
	env := &conference.Envelope{Action: conference.ActionChatWhisper, To: to, Message: message}

	reply, err := c.call("muc.client.ws.whisper", env, conference.ActionWhisperSent, parentSpan)
	if err != nil {
		return "", err
	}
	if !reply.OK() {
		return "", &RejectedError{Op: conference.ActionChatWhisper, Reason: reply.Reason}
	}
	return reply.ID, nil
}

// LoadRoom fetches the serialized description of a room by id.
func (c *Client) LoadRoom(id int, parentSpan opentracing.Span) (conference.RoomView, error) {
	env := &conference.Envelope{Action: conference.ActionRoomsDescribe}
	env.SetRoomID(id)

	reply, err := c.call("muc.client.ws.loadRoom", env, conference.ActionRoomDetails, parentSpan)
	if err != nil {
		return conference.RoomView{}, err
	}
	if !reply.OK() {
		return conference.RoomView{}, &RejectedError{Op: conference.ActionRoomsDescribe, Reason: reply.Reason}
	}
	return reply.RoomView()
}

// ExitRoom moves through the named exit of the current room and returns the
// destination room.
func (c *Client) ExitRoom(direction string, parentSpan opentracing.Span) (conference.RoomView, error) {
	env := &conference.Envelope{Action: conference.ActionRoomsExit, Direction: direction}

	reply, err := c.call("muc.client.ws.exitRoom", env, conference.ActionRoomExit, parentSpan)
	if err != nil {
		return conference.RoomView{}, err
	}
	if !reply.OK() {
		return conference.RoomView{}, &RejectedError{Op: conference.ActionRoomsExit, Reason: reply.Reason}
	}

	view, err := reply.RoomView()
	if err != nil {
		return conference.RoomView{}, err
	}

	c.mu.Lock()
	c.currentRoom = view.ID
	c.mu.Unlock()
	return view, nil
}

// SayInRoom broadcasts to the current room. There is no reply; delivery is
// observed through the Broadcasts stream.
func (c *Client) SayInRoom(what string, parentSpan opentracing.Span) error {
	var parentCtx opentracing.SpanContext
	if parentSpan != nil {
		parentCtx = parentSpan.Context()
	}
	span := tracex.StartChild(c.tracer, "muc.client.ws.room.say", parentCtx)
	defer span.Finish()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	conn := c.conn
	c.mu.Unlock()

	env := &conference.Envelope{Action: conference.ActionRoomSay, What: what}
	if err := c.writeEnvelope(conn, env, span); err != nil {
		tracex.MarkError(span, err)
		return err
	}
	return nil
}
