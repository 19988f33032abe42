/*
Package conference: this file defines the DispatchTable, the open registry
for protocol actions outside the built-in vocabulary.

Well-known actions are dispatched by a static switch in the session engine;
the table exists for genuinely pluggable or experimental actions, with a
default handler answering anything unknown.
*/
package conference

import "sync"

// HandlerContext is what a table handler gets to work with. Send is bound to
// the span handling the current message; ForceDisconnect does not run
// re-entrantly inside dispatch but is queued until the handler returns, to
// avoid transport writes racing the handler's own replies.
type HandlerContext struct {
	// Alias of the session, "" while anonymous.
	Alias string

	// Coordinator gives handlers access to the registry.
	Coordinator *Coordinator

	// Send emits a reply envelope carrying a fresh trace token.
	Send func(*Envelope)

	// ForceDisconnect queues a forced disconnect to run after the handler
	// returns.
	ForceDisconnect func(DisconnectReason)
}

// HandlerFunc processes one inbound envelope.
type HandlerFunc func(env *Envelope, ctx *HandlerContext)

// DispatchTable maps action names to handlers.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

// NewDispatchTable builds an empty table whose fallback replies a client
// error naming the unknown action.
func NewDispatchTable() *DispatchTable {
	return &DispatchTable{
		handlers: make(map[string]HandlerFunc),
		fallback: func(env *Envelope, ctx *HandlerContext) {
			ctx.Send(NewClientError(env.Action))
		},
	}
}

// Register binds a handler to an action name, replacing any previous one.
func (t *DispatchTable) Register(action string, handler HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[action] = handler
}

// Dispatch routes the envelope to its handler, or the fallback when no
// handler is registered.
func (t *DispatchTable) Dispatch(env *Envelope, ctx *HandlerContext) {
	t.mu.RLock()
	handler, ok := t.handlers[env.Action]
	t.mu.RUnlock()

	if !ok {
		handler = t.fallback
	}
	handler(env, ctx)
}
