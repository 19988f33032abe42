/*
Package conference contains the core logic of the multi-user conference:
the wire envelope codec, the room graph and broadcast sets, the coordinator
enforcing alias uniqueness and single active sessions, and the per-connection
session protocol engine.

This file defines the Envelope, the self-describing message unit exchanged in
both directions, along with the action vocabulary and room serialization.
*/
package conference

import (
	"encoding/json"
	"errors"
	"sort"
)

// ProtocolVersion is announced in the hello envelope sent on accept.
const ProtocolVersion = 0

// Client → server actions.
const (
	ActionUserRegister  = "user.register"
	ActionUserLogin     = "user.login"
	ActionRoomsDescribe = "rooms.describe"
	ActionRoomSay       = "room.say"
	ActionRoomsExit     = "rooms.exit"
	ActionChatWhisper   = "chat.whisper"
)

// Server → client actions.
const (
	ActionHello         = "hello"
	ActionLogIn         = "log.in"
	ActionRoomDetails   = "room.details"
	ActionRoomCurrent   = "room.current"
	ActionRoomExit      = "room.exit"
	ActionChatBroadcast = "room.chat.broadcast"
	ActionWhisperSent   = "chat.whisper.sent"
	ActionDisconnect    = "connection.disconnect"
	ActionClientError   = "client.error"
)

// ErrNoRoomID is returned when an envelope's room field is absent or not an
// integer. An unknown or malformed id is an error, never a default.
var ErrNoRoomID = errors.New("room id absent or not an integer")

// SharedSecret carries the credentials for register and login requests.
type SharedSecret struct {
	Alias  string `json:"alias"`
	Secret string `json:"secret"`
}

// RoomView is the serialized form of a room sent to clients. Exit
// destinations are deliberately absent; only the directions are revealed.
type RoomView struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Exits       []string `json:"exits"`
}

// Envelope is the wire unit exchanged over the websocket in both directions.
// Every frame carries an action and a trace token; the remaining fields are
// action-specific and omitted when unused. Room is polymorphic on the wire
// (an integer id in describe requests and log.in replies, a serialized room
// in room pushes) and is accessed through the typed helpers below.
type Envelope struct {
	Action string            `json:"action"`
	Trace  map[string]string `json:"trace,omitempty"`

	Version      *int            `json:"version,omitempty"`
	SharedSecret *SharedSecret   `json:"sharedSecret,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Room         json.RawMessage `json:"room,omitempty"`

	Direction string `json:"direction,omitempty"`
	What      string `json:"what,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Message   string `json:"message,omitempty"`
	FromUser  string `json:"fromUser,omitempty"`
	ID        string `json:"id,omitempty"`

	Error           string `json:"error,omitempty"`
	AttemptedAction string `json:"attemptedAction,omitempty"`
}

// OK reports whether the envelope carries an explicit success flag set true.
func (e *Envelope) OK() bool {
	return e.Success != nil && *e.Success
}

// RoomID decodes the room field as an integer id.
func (e *Envelope) RoomID() (int, error) {
	if len(e.Room) == 0 {
		return 0, ErrNoRoomID
	}
	var id int
	if err := json.Unmarshal(e.Room, &id); err != nil {
		return 0, ErrNoRoomID
	}
	return id, nil
}

// RoomView decodes the room field as a serialized room.
func (e *Envelope) RoomView() (RoomView, error) {
	var view RoomView
	if len(e.Room) == 0 {
		return view, errors.New("envelope carries no room")
	}
	if err := json.Unmarshal(e.Room, &view); err != nil {
		return view, err
	}
	return view, nil
}

// SetRoomID encodes an integer room id into the room field.
func (e *Envelope) SetRoomID(id int) {
	e.Room, _ = json.Marshal(id)
}

// SetRoomView encodes a serialized room into the room field.
func (e *Envelope) SetRoomView(view RoomView) {
	e.Room, _ = json.Marshal(view)
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

// NewHello builds the greeting pushed when a connection is accepted.
func NewHello() *Envelope {
	return &Envelope{Action: ActionHello, Version: intPtr(ProtocolVersion)}
}

// NewLoginResult builds the log.in reply for both register and login.
// On success the start room id is attached, on failure the reason.
func NewLoginResult(success bool, roomID int, reason string) *Envelope {
	env := &Envelope{Action: ActionLogIn, Success: boolPtr(success)}
	if success {
		env.SetRoomID(roomID)
	} else {
		env.Reason = reason
	}
	return env
}

// NewClientError builds the reply for an action nothing knows how to handle.
func NewClientError(attemptedAction string) *Envelope {
	return &Envelope{
		Action:          ActionClientError,
		Error:           "requested action does not exist",
		AttemptedAction: attemptedAction,
	}
}

// View serializes the room for the wire with exits in a stable order.
func (r *Room) View() RoomView {
	exits := make([]string, 0, len(r.Exits))
	for direction := range r.Exits {
		exits = append(exits, direction)
	}
	sort.Strings(exits)

	return RoomView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Exits:       exits,
	}
}
