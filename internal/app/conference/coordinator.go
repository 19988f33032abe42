/*
Package conference: this file defines the Coordinator, the global registry
enforcing alias uniqueness and the single-active-session-per-alias invariant.

The registry is sharded by alias so the check-then-set sequences of register
and login stay atomic per alias without a global lock, keeping login latency
independent of registry size.
*/
package conference

import (
	"errors"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"

	"muconf/internal/pkg/logx"
)

const (
	registryShardCount = 16

	// minCredentialLength applies to both the trimmed alias and the secret.
	minCredentialLength = 3
)

var (
	// ErrAliasTaken is returned when registering an alias already present.
	ErrAliasTaken = errors.New("alias already taken")

	// ErrInvalidCredentials is returned on login when the alias is absent
	// or the secret does not match. The two cases are deliberately
	// indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCredentialTooShort is returned when the alias or secret fails the
	// minimum length constraint.
	ErrCredentialTooShort = errors.New("alias and secret must be at least 3 characters")
)

// ActiveSession is the coordinator's handle on a live connection: enough to
// pre-empt it and to deliver whispers to it.
type ActiveSession interface {
	// ForceDisconnect sends a disconnect notice and terminates the
	// transport. Must be safe to invoke from another session's goroutine.
	ForceDisconnect(reason DisconnectReason, span opentracing.Span)

	// DeliverWhisper hands a direct message to the session.
	DeliverWhisper(from, message string, span opentracing.Span)
}

// User is a registry record. Records are never deleted within the process
// lifetime; only the active session binding changes.
type User struct {
	Alias  string
	secret string
	active ActiveSession
}

type registryShard struct {
	mu    sync.Mutex
	users map[string]*User
}

// Coordinator is the global alias registry.
type Coordinator struct {
	shards [registryShardCount]*registryShard
	logger zerolog.Logger
}

// NewCoordinator constructs an empty registry.
func NewCoordinator() *Coordinator {
	c := &Coordinator{
		logger: logx.Logger().With().Str("component", "Coordinator").Logger(),
	}
	for i := range c.shards {
		c.shards[i] = &registryShard{users: make(map[string]*User)}
	}
	return c
}

func (c *Coordinator) shardFor(alias string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(alias))
	return c.shards[h.Sum32()%registryShardCount]
}

func validateCredentials(alias, secret string) error {
	if len(alias) < minCredentialLength || len(secret) < minCredentialLength {
		return ErrCredentialTooShort
	}
	return nil
}

// Register creates a user record for the alias and binds session as its
// active session, all under the alias's shard lock. Concurrent registrations
// of the same alias yield exactly one success.
func (c *Coordinator) Register(alias, secret string, session ActiveSession) error {
	alias = strings.TrimSpace(alias)
	if err := validateCredentials(alias, secret); err != nil {
		return err
	}

	shard := c.shardFor(alias)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.users[alias]; exists {
		return ErrAliasTaken
	}
	shard.users[alias] = &User{Alias: alias, secret: secret, active: session}

	c.logger.Info().Str("alias", alias).Msg("User registered.")
	return nil
}

// Login authenticates the alias and binds session as the new active session.
// If a different session currently holds the alias it is pre-empted: the old
// session is directed to force-disconnect before the new binding completes,
// so there is no window where two sessions believe they hold the alias.
func (c *Coordinator) Login(alias, secret string, session ActiveSession, span opentracing.Span) error {
	alias = strings.TrimSpace(alias)
	if err := validateCredentials(alias, secret); err != nil {
		return err
	}

	shard := c.shardFor(alias)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, exists := shard.users[alias]
	if !exists || user.secret != secret {
		return ErrInvalidCredentials
	}

	if user.active != nil && user.active != session {
		c.logger.Warn().Str("alias", alias).Msg("Pre-empting stale session for new login.")
		user.active.ForceDisconnect(ReasonSuperseded, span)
	}
	user.active = session

	c.logger.Info().Str("alias", alias).Msg("User logged in.")
	return nil
}

// FindActive returns the alias's active session, or nil when the alias is
// unregistered or offline.
func (c *Coordinator) FindActive(alias string) ActiveSession {
	shard := c.shardFor(alias)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, exists := shard.users[alias]
	if !exists {
		return nil
	}
	return user.active
}

// ClearActive unbinds session from the alias, but only if it is still the
// current holder. A pre-empted stale session calling this during cleanup
// must not clear its successor's binding.
func (c *Coordinator) ClearActive(alias string, session ActiveSession) {
	shard := c.shardFor(alias)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	user, exists := shard.users[alias]
	if exists && user.active == session {
		user.active = nil
	}
}
