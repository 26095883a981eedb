package pubsub

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/faciet/faciet/internal/glob"
)

// shardCount spreads the exact index across independent read-write locks.
// Pattern subscriptions live in one index because every publish scans them
// all anyway.
const shardCount = 16

// matchCacheSize bounds the (pattern, channel) verdict memo on the publish
// path.
const matchCacheSize = 1024

type chKey struct {
	filter int32
	name   string
}

type channel struct {
	key  chKey
	subs map[*Subscription]struct{}
}

type shard struct {
	mu    sync.RWMutex
	exact map[chKey]*channel
}

// Broker owns the subscription indexes, the attached engines and the
// delivery fan-out.
type Broker struct {
	shards [shardCount]shard

	pmu      sync.RWMutex
	patterns map[chKey]*channel

	smu    sync.Mutex // subscribe/unsubscribe structural changes
	byUUID map[uint64]map[*Subscription]struct{}

	emu     sync.RWMutex
	engines map[Engine]struct{}

	// forward carries default-engine publishes to the cluster bus; nil in
	// single-process mode.
	forward func(m *Message)

	deferTask Deferrer
	gate      Gate
	logger    *slog.Logger
	match     *lru.Cache[uint64, bool]
}

// BrokerOptions wires the broker to its process runtime.
type BrokerOptions struct {
	Defer  Deferrer
	Gate   Gate
	Logger *slog.Logger
}

// NewBroker creates an empty index set.
func NewBroker(opts BrokerOptions) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Defer == nil {
		// Degenerate but useful in tests: run deliveries inline.
		opts.Defer = func(fn func(a1, a2 any), a1, a2 any) error {
			fn(a1, a2)
			return nil
		}
	}
	cache, _ := lru.New[uint64, bool](matchCacheSize)
	b := &Broker{
		patterns:  make(map[chKey]*channel),
		byUUID:    make(map[uint64]map[*Subscription]struct{}),
		engines:   make(map[Engine]struct{}),
		deferTask: opts.Defer,
		gate:      opts.Gate,
		logger:    opts.Logger,
		match:     cache,
	}
	for i := range b.shards {
		b.shards[i].exact = make(map[chKey]*channel)
	}
	return b
}

// SetForward installs the cluster-bus hop for default-engine publishes.
func (b *Broker) SetForward(fn func(m *Message)) { b.forward = fn }

func (b *Broker) shardFor(name string) *shard {
	return &b.shards[xxhash.Sum64String(name)%shardCount]
}

// Subscribe registers interest in a channel or pattern. Patterns are only
// meaningful under filter zero; a filtered pattern subscription is indexed
// as an exact channel, matching the filter-namespace contract.
func (b *Broker) Subscribe(opts SubscribeOptions) (*Subscription, error) {
	if opts.OnMessage == nil {
		return nil, ErrMissingHandler
	}
	isPattern := opts.IsPattern && opts.Filter == 0
	opts.IsPattern = isPattern
	key := chKey{filter: opts.Filter, name: opts.Channel}

	b.smu.Lock()
	defer b.smu.Unlock()

	// Duplicate subscription bumps the refcount on the existing handle.
	if opts.UUID != 0 {
		for s := range b.byUUID[opts.UUID] {
			if s.opts.Filter == opts.Filter && s.opts.Channel == opts.Channel &&
				s.opts.IsPattern == isPattern {
				s.refs++
				return s, nil
			}
		}
	}

	sub := &Subscription{id: uuid.New(), opts: opts, refs: 1}

	first := false
	if isPattern {
		b.pmu.Lock()
		ch := b.patterns[key]
		if ch == nil {
			ch = &channel{key: key, subs: make(map[*Subscription]struct{})}
			b.patterns[key] = ch
			first = true
		}
		ch.subs[sub] = struct{}{}
		b.pmu.Unlock()
	} else {
		sh := b.shardFor(opts.Channel)
		sh.mu.Lock()
		ch := sh.exact[key]
		if ch == nil {
			ch = &channel{key: key, subs: make(map[*Subscription]struct{})}
			sh.exact[key] = ch
			first = true
		}
		ch.subs[sub] = struct{}{}
		sh.mu.Unlock()
	}

	if opts.UUID != 0 {
		set := b.byUUID[opts.UUID]
		if set == nil {
			set = make(map[*Subscription]struct{})
			b.byUUID[opts.UUID] = set
		}
		set[sub] = struct{}{}
	}

	if first && opts.Filter == 0 {
		b.eachEngine(func(e Engine) {
			if err := e.SubscribeChannel(opts.Channel, isPattern); err != nil {
				b.logger.Warn("engine subscribe failed",
					"channel", opts.Channel, "err", err)
			}
		})
	}
	return sub, nil
}

// Unsubscribe drops one reference; the last reference removes the
// subscription and runs its dealloc exactly once.
func (b *Broker) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrNoSubscription
	}
	b.smu.Lock()
	if sub.dead {
		b.smu.Unlock()
		return ErrNoSubscription
	}
	sub.refs--
	if sub.refs > 0 {
		b.smu.Unlock()
		return nil
	}
	fin := b.release(sub)
	b.smu.Unlock()
	fin()
	return nil
}

// release detaches sub from every index and returns its pending dealloc,
// which the caller runs after dropping smu (a dealloc may re-enter the
// broker). Caller holds smu.
func (b *Broker) release(sub *Subscription) func() {
	sub.dead = true
	key := chKey{filter: sub.opts.Filter, name: sub.opts.Channel}

	last := false
	if sub.opts.IsPattern {
		b.pmu.Lock()
		if ch := b.patterns[key]; ch != nil {
			delete(ch.subs, sub)
			if len(ch.subs) == 0 {
				delete(b.patterns, key)
				last = true
			}
		}
		b.pmu.Unlock()
	} else {
		sh := b.shardFor(sub.opts.Channel)
		sh.mu.Lock()
		if ch := sh.exact[key]; ch != nil {
			delete(ch.subs, sub)
			if len(ch.subs) == 0 {
				delete(sh.exact, key)
				last = true
			}
		}
		sh.mu.Unlock()
	}

	if sub.opts.UUID != 0 {
		if set := b.byUUID[sub.opts.UUID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byUUID, sub.opts.UUID)
			}
		}
	}

	if last && sub.opts.Filter == 0 {
		b.eachEngine(func(e Engine) {
			if err := e.UnsubscribeChannel(sub.opts.Channel, sub.opts.IsPattern); err != nil {
				b.logger.Warn("engine unsubscribe failed",
					"channel", sub.opts.Channel, "err", err)
			}
		})
	}

	if sub.opts.Dealloc != nil {
		return func() { sub.opts.Dealloc(sub.opts.UData) }
	}
	return func() {}
}

// DropUUID releases every subscription owned by a closing connection,
// running each dealloc before the connection record is recycled.
func (b *Broker) DropUUID(u uint64) {
	if u == 0 {
		return
	}
	b.smu.Lock()
	fins := make([]func(), 0, len(b.byUUID[u]))
	for s := range b.byUUID[u] {
		fins = append(fins, b.release(s))
	}
	b.smu.Unlock()
	for _, fin := range fins {
		fin()
	}
}

// Publish distributes a message. With an explicit engine the call is handed
// off wholesale; otherwise delivery is local plus, when requested, the
// cluster bus.
func (b *Broker) Publish(opts PublishOptions) error {
	if opts.Engine != nil {
		return opts.Engine.Publish(opts.Filter, opts.Channel, opts.Data)
	}
	m := &Message{
		Filter:  opts.Filter,
		Channel: opts.Channel,
		Data:    append([]byte(nil), opts.Data...),
	}
	b.Dispatch(m)
	if opts.ToCluster && b.forward != nil {
		b.forward(m)
	}
	return nil
}

// Dispatch fans m out to every local subscriber: exact matches under the
// channel's shard lock, then — for user traffic only — the pattern scan.
// Each hit is deferred through the trampoline; publishes from one task to
// one channel therefore arrive at each subscriber in issue order.
func (b *Broker) Dispatch(m *Message) {
	key := chKey{filter: m.Filter, name: m.Channel}

	sh := b.shardFor(m.Channel)
	sh.mu.RLock()
	if ch := sh.exact[key]; ch != nil {
		for s := range ch.subs {
			b.deliver(s, m)
		}
	}
	sh.mu.RUnlock()

	if m.Filter != 0 {
		return
	}
	b.pmu.RLock()
	for _, ch := range b.patterns {
		if !b.matches(ch.key.name, m.Channel) {
			continue
		}
		for s := range ch.subs {
			b.deliver(s, m)
		}
	}
	b.pmu.RUnlock()
}

func (b *Broker) matches(pattern, name string) bool {
	h := xxhash.New()
	_, _ = h.WriteString(pattern)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(name)
	k := h.Sum64()
	if v, ok := b.match.Get(k); ok {
		return v
	}
	v := glob.MatchString(pattern, name)
	b.match.Add(k, v)
	return v
}

// deliver posts the trampoline task for one subscription.
func (b *Broker) deliver(s *Subscription, m *Message) {
	_ = b.deferTask(b.trampoline, s, m)
}

// trampoline runs on the task engine: it re-checks liveness (a subscriber
// unsubscribed before fan-out completes is invoked zero times, never twice)
// and, for uuid-bound subscriptions, runs under the connection's task lock.
func (b *Broker) trampoline(a1, a2 any) {
	s := a1.(*Subscription)
	m := a2.(*Message)

	run := func() {
		b.smu.Lock()
		dead := s.dead
		b.smu.Unlock()
		if dead {
			return
		}
		s.opts.OnMessage(m, s.opts.UData)
	}

	if s.opts.UUID != 0 && b.gate != nil {
		if !b.gate.RunLocked(s.opts.UUID, run) {
			// Connection already closed: drop the message.
			return
		}
		return
	}
	run()
}

// Channels snapshots the active exact channels under a filter. Diagnostic
// and engine-replay use.
func (b *Broker) Channels(filter int32) []string {
	var out []string
	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.RLock()
		for k := range sh.exact {
			if k.filter == filter {
				out = append(out, k.name)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Patterns snapshots the active pattern subscriptions (filter zero only).
func (b *Broker) Patterns() []string {
	b.pmu.RLock()
	defer b.pmu.RUnlock()
	out := make([]string, 0, len(b.patterns))
	for k := range b.patterns {
		out = append(out, k.name)
	}
	return out
}
