/*
Package conference: this file defines the Room and the RoomGraph.

The room graph is a fixed directed graph built at startup; topology never
changes afterwards. Each room owns a broadcast subscriber set that mutates as
sessions enter and leave.
*/
package conference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"

	"muconf/internal/pkg/tracex"
)

var (
	// ErrNoSuchRoom is returned when a room id does not resolve.
	ErrNoSuchRoom = errors.New("no such room")

	// ErrNotAuthenticated is returned when an anonymous session attempts
	// a broadcast.
	ErrNotAuthenticated = errors.New("client has not authenticated")
)

// Occupant is a room's view of a subscribed session: an identity plus a
// delivery endpoint. Subscribing registers the handle; the room never holds
// callbacks into session internals.
type Occupant interface {
	// Alias returns the occupant's alias, or "" while anonymous.
	Alias() string

	// DeliverBroadcast hands a room chat event to the occupant. The
	// occupant compares roomID against its own current room and discards
	// mismatches, covering the window where it moved rooms after the
	// subscriber snapshot was taken.
	DeliverBroadcast(roomID int, from, what string, span opentracing.Span)
}

// Room is a single node of the conference space.
type Room struct {
	ID          int
	Name        string
	Description string

	// Exits maps a direction name to the destination room id.
	Exits map[string]int

	// mu guards the subscriber set.
	mu          sync.RWMutex
	subscribers map[Occupant]struct{}
}

// NewRoom constructs a room with the given topology.
func NewRoom(id int, name, description string, exits map[string]int) *Room {
	if exits == nil {
		exits = map[string]int{}
	}
	return &Room{
		ID:          id,
		Name:        name,
		Description: description,
		Exits:       exits,
		subscribers: make(map[Occupant]struct{}),
	}
}

// Subscribe adds the occupant to the broadcast set. Idempotent.
func (r *Room) Subscribe(o Occupant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers[o] = struct{}{}
}

// Unsubscribe removes the occupant from the broadcast set. Idempotent.
func (r *Room) Unsubscribe(o Occupant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subscribers, o)
}

// SubscriberCount reports the current broadcast set size.
func (r *Room) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subscribers)
}

// BroadcastChat delivers a chat event from an authenticated occupant to every
// current subscriber of the room. Delivery is inclusive: the sender receives
// its own broadcast if still subscribed. Receivers filter on room id.
func (r *Room) BroadcastChat(from Occupant, what string, span opentracing.Span) error {
	alias := from.Alias()
	if alias == "" {
		return ErrNotAuthenticated
	}

	r.mu.RLock()
	targets := make([]Occupant, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		targets = append(targets, subscriber)
	}
	r.mu.RUnlock()

	for _, target := range targets {
		target.DeliverBroadcast(r.ID, alias, what, span)
	}
	return nil
}

// RoomGraph is the indexed set of rooms forming the navigable space.
type RoomGraph struct {
	tracer opentracing.Tracer
	rooms  []*Room
	start  int
}

// DefaultRooms returns the built-in two-room conference space.
func DefaultRooms() []*Room {
	return []*Room{
		NewRoom(0, "Foyer", "You are at the entrance of the conference complex", map[string]int{"in": 1}),
		NewRoom(1, "Lobby", "It's a lobby.  Peeps milling about", map[string]int{"out": 0}),
	}
}

// NewRoomGraph builds a graph over the given rooms with the given start room.
// Room ids must densely index the table and every exit must resolve to an
// existing room.
func NewRoomGraph(tracer opentracing.Tracer, rooms []*Room, start int) (*RoomGraph, error) {
	if len(rooms) == 0 {
		return nil, errors.New("room graph requires at least one room")
	}
	if start < 0 || start >= len(rooms) {
		return nil, fmt.Errorf("start room %d outside room table", start)
	}

	for index, room := range rooms {
		if room.ID != index {
			return nil, fmt.Errorf("room %q has id %d at index %d", room.Name, room.ID, index)
		}
		for direction, destination := range room.Exits {
			if destination < 0 || destination >= len(rooms) {
				return nil, fmt.Errorf("room %d exit %q points at missing room %d", room.ID, direction, destination)
			}
		}
	}

	return &RoomGraph{tracer: tracer, rooms: rooms, start: start}, nil
}

// StartRoom returns the room assigned on successful authentication.
func (g *RoomGraph) StartRoom() *Room {
	return g.rooms[g.start]
}

// Load resolves a room id, tracing the lookup as a child of parent.
func (g *RoomGraph) Load(id int, parent opentracing.Span) (*Room, error) {
	var parentCtx opentracing.SpanContext
	if parent != nil {
		parentCtx = parent.Context()
	}
	span := tracex.StartChild(g.tracer, "muc.service.rooms.load", parentCtx)
	defer span.Finish()
	span.SetTag("roomID", id)

	if id < 0 || id >= len(g.rooms) {
		err := fmt.Errorf("%w %d", ErrNoSuchRoom, id)
		tracex.MarkError(span, err)
		return nil, err
	}
	return g.rooms[id], nil
}
