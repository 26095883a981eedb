// Package pubsub is the channel/pattern subscription index and delivery
// fabric. Subscriptions may be bound to a connection handle (delivery runs
// under that connection's task lock) or process-level. Publishing fans out
// to local subscribers synchronously under a read lock and hands each
// delivery to the deferred-task engine, so `OnMessage` sees the same
// exclusion guarantees as `OnData`.
//
// Filters partition the fabric: filter zero is user traffic and the only
// namespace patterns apply to; non-zero filters match exactly and carry
// system/RPC traffic without colliding with user channels.
package pubsub

import (
	"errors"

	"github.com/google/uuid"
)

// Message is one published payload. The bytes are copied once at publish
// time and shared read-only by every local subscriber.
type Message struct {
	Filter  int32
	Channel string
	Data    []byte
}

// OnMessage receives a delivered message plus the subscription's udata.
type OnMessage func(m *Message, udata any)

// SubscribeOptions names every recognized field of a subscription.
type SubscribeOptions struct {
	// UUID binds delivery to a connection's task lock; zero means a
	// process-level subscription.
	UUID      uint64
	Filter    int32
	Channel   string
	IsPattern bool
	OnMessage OnMessage
	UData     any
	// Dealloc runs exactly once when the subscription is released.
	Dealloc func(udata any)
}

// PublishOptions names every recognized field of a publish call.
type PublishOptions struct {
	// Engine overrides the default delivery path; nil publishes locally
	// and, when ToCluster is set, across the worker bus.
	Engine    Engine
	Filter    int32
	Channel   string
	Data      []byte
	ToCluster bool
}

// Subscription is a live handle returned by Subscribe. The tuple
// (UUID, Filter, Channel, IsPattern) is unique per connection; a duplicate
// Subscribe returns the same handle with an incremented refcount.
type Subscription struct {
	id   uuid.UUID
	opts SubscribeOptions
	refs int32
	dead bool
}

// ID is the subscription's process-unique identity.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Channel reports the subscribed channel or pattern.
func (s *Subscription) Channel() string { return s.opts.Channel }

var (
	// ErrNoSubscription reports an unknown or already-released handle.
	ErrNoSubscription = errors.New("pubsub: unknown subscription")
	// ErrMissingHandler rejects a subscription without an OnMessage.
	ErrMissingHandler = errors.New("pubsub: subscription requires OnMessage")
)

// Gate serializes uuid-bound deliveries with the connection's other
// callbacks. Implemented by the runtime; reports false when the handle is
// closed so the message is dropped and nothing dangles.
type Gate interface {
	RunLocked(u uint64, fn func()) bool
}

// Deferrer posts a task to the deferred-task engine.
type Deferrer func(fn func(a1, a2 any), a1, a2 any) error
