package pubsub

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBroker delivers inline (nil Deferrer), so assertions run without
// synchronization gymnastics.
func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	return NewBroker(BrokerOptions{})
}

type sink struct {
	mu   sync.Mutex
	msgs []*Message
}

func (s *sink) on(m *Message, _ any) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestExactDelivery(t *testing.T) {
	b := newTestBroker(t)
	var got sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "news", OnMessage: got.on})
	require.NoError(t, err)

	require.NoError(t, b.Publish(PublishOptions{Channel: "news", Data: []byte("x")}))
	require.NoError(t, b.Publish(PublishOptions{Channel: "other", Data: []byte("y")}))

	require.Equal(t, 1, got.count())
	assert.Equal(t, "news", got.msgs[0].Channel)
	assert.Equal(t, []byte("x"), got.msgs[0].Data)
}

func TestGlobRouting(t *testing.T) {
	b := newTestBroker(t)
	var a, bb, c sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "news.*", IsPattern: true, OnMessage: a.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Channel: "news.sports", OnMessage: bb.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Channel: "news.tech", OnMessage: c.on})
	require.NoError(t, err)

	require.NoError(t, b.Publish(PublishOptions{Channel: "news.sports", Data: []byte("hi")}))

	assert.Equal(t, 1, a.count(), "pattern subscriber receives")
	assert.Equal(t, 1, bb.count(), "exact subscriber receives")
	assert.Zero(t, c.count(), "unrelated channel stays quiet")
}

func TestFilterNamespaces(t *testing.T) {
	b := newTestBroker(t)
	var user, rpc, pat sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "ch", OnMessage: user.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Filter: 7, Channel: "ch", OnMessage: rpc.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Channel: "*", IsPattern: true, OnMessage: pat.on})
	require.NoError(t, err)

	require.NoError(t, b.Publish(PublishOptions{Filter: 7, Channel: "ch", Data: []byte("rpc")}))
	assert.Zero(t, user.count(), "filtered publish skips filter-0 subscribers")
	assert.Equal(t, 1, rpc.count())
	assert.Zero(t, pat.count(), "patterns never apply to filtered traffic")

	require.NoError(t, b.Publish(PublishOptions{Channel: "ch", Data: []byte("user")}))
	assert.Equal(t, 1, user.count())
	assert.Equal(t, 1, rpc.count(), "unfiltered publish skips filtered subscribers")
	assert.Equal(t, 1, pat.count())
}

func TestDuplicateSubscribeRefcounts(t *testing.T) {
	b := newTestBroker(t)
	var got sink
	deallocs := 0

	opts := SubscribeOptions{
		UUID: 42, Channel: "dup", OnMessage: got.on,
		Dealloc: func(_ any) { deallocs++ },
	}
	s1, err := b.Subscribe(opts)
	require.NoError(t, err)
	s2, err := b.Subscribe(opts)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "same tuple returns the same handle")

	require.NoError(t, b.Publish(PublishOptions{Channel: "dup", Data: []byte("m")}))
	assert.Equal(t, 1, got.count(), "refcount does not duplicate delivery")

	require.NoError(t, b.Unsubscribe(s1))
	assert.Zero(t, deallocs, "one reference still holds")
	require.NoError(t, b.Unsubscribe(s1))
	assert.Equal(t, 1, deallocs, "dealloc runs exactly once")
	assert.ErrorIs(t, b.Unsubscribe(s1), ErrNoSubscription)

	require.NoError(t, b.Publish(PublishOptions{Channel: "dup", Data: []byte("m")}))
	assert.Equal(t, 1, got.count(), "released subscription receives nothing")
}

func TestUnsubscribeBeforeDeferredFanout(t *testing.T) {
	// A hand-rolled deferrer queues deliveries so the subscription can be
	// released between fan-out and trampoline execution.
	var pending []func()
	b := NewBroker(BrokerOptions{
		Defer: func(fn func(a1, a2 any), a1, a2 any) error {
			pending = append(pending, func() { fn(a1, a2) })
			return nil
		},
	})
	var got sink
	s, err := b.Subscribe(SubscribeOptions{Channel: "late", OnMessage: got.on})
	require.NoError(t, err)

	require.NoError(t, b.Publish(PublishOptions{Channel: "late", Data: []byte("m")}))
	require.Len(t, pending, 1)

	require.NoError(t, b.Unsubscribe(s))
	for _, fn := range pending {
		fn()
	}
	assert.Zero(t, got.count(), "a subscriber released before fan-out completes is invoked zero times")
}

func TestDropUUID(t *testing.T) {
	b := newTestBroker(t)
	var got sink
	deallocs := 0
	_, err := b.Subscribe(SubscribeOptions{
		UUID: 9, Channel: "a", OnMessage: got.on,
		Dealloc: func(_ any) { deallocs++ },
	})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{
		UUID: 9, Channel: "b.*", IsPattern: true, OnMessage: got.on,
		Dealloc: func(_ any) { deallocs++ },
	})
	require.NoError(t, err)

	b.DropUUID(9)
	assert.Equal(t, 2, deallocs)

	require.NoError(t, b.Publish(PublishOptions{Channel: "a", Data: []byte("m")}))
	require.NoError(t, b.Publish(PublishOptions{Channel: "b.c", Data: []byte("m")}))
	assert.Zero(t, got.count())
	assert.Empty(t, b.Channels(0))
	assert.Empty(t, b.Patterns())
}

// recordingEngine captures engine callbacks for attach/replay assertions.
type recordingEngine struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
	pubs   []string
	err    error
}

func (e *recordingEngine) SubscribeChannel(ch string, isPattern bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, ch)
	return e.err
}

func (e *recordingEngine) UnsubscribeChannel(ch string, isPattern bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, ch)
	return e.err
}

func (e *recordingEngine) Publish(filter int32, ch string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pubs = append(e.pubs, ch)
	return e.err
}

func TestEngineLifecycleNotifications(t *testing.T) {
	b := newTestBroker(t)
	eng := &recordingEngine{}
	b.AttachEngine(eng)

	var got sink
	s1, err := b.Subscribe(SubscribeOptions{Channel: "ch", OnMessage: got.on})
	require.NoError(t, err)
	s2, err := b.Subscribe(SubscribeOptions{UUID: 1, Channel: "ch", OnMessage: got.on})
	require.NoError(t, err)
	assert.Equal(t, []string{"ch"}, eng.subs, "only the first subscription notifies")

	require.NoError(t, b.Unsubscribe(s2))
	assert.Empty(t, eng.unsubs)
	require.NoError(t, b.Unsubscribe(s1))
	assert.Equal(t, []string{"ch"}, eng.unsubs, "only the last unsubscribe notifies")

	// Filtered channels stay local: engines never hear about them.
	sf, err := b.Subscribe(SubscribeOptions{Filter: 3, Channel: "sys", OnMessage: got.on})
	require.NoError(t, err)
	require.NoError(t, b.Unsubscribe(sf))
	assert.Equal(t, []string{"ch"}, eng.subs)
}

func TestAttachEngineReplaysChannels(t *testing.T) {
	b := newTestBroker(t)
	var got sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "pre.exact", OnMessage: got.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Channel: "pre.*", IsPattern: true, OnMessage: got.on})
	require.NoError(t, err)

	eng := &recordingEngine{}
	b.AttachEngine(eng)
	assert.ElementsMatch(t, []string{"pre.exact", "pre.*"}, eng.subs)

	b.DetachEngine(eng)
	_, err = b.Subscribe(SubscribeOptions{Channel: "post", OnMessage: got.on})
	require.NoError(t, err)
	assert.Len(t, eng.subs, 2, "a detached engine hears nothing")
}

func TestPublishThroughEngine(t *testing.T) {
	b := newTestBroker(t)
	eng := &recordingEngine{}
	var got sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "ch", OnMessage: got.on})
	require.NoError(t, err)

	require.NoError(t, b.Publish(PublishOptions{Engine: eng, Channel: "ch", Data: []byte("m")}))
	assert.Equal(t, []string{"ch"}, eng.pubs)
	assert.Zero(t, got.count(), "engine publishes route through the backend, not locally")

	eng.err = errors.New("backend down")
	assert.Error(t, b.Publish(PublishOptions{Engine: eng, Channel: "ch", Data: nil}))
}

func TestForwardReceivesClusterPublishes(t *testing.T) {
	b := newTestBroker(t)
	var forwarded []*Message
	b.SetForward(func(m *Message) { forwarded = append(forwarded, m) })

	require.NoError(t, b.Publish(PublishOptions{Channel: "c", Data: []byte("m"), ToCluster: true}))
	require.NoError(t, b.Publish(PublishOptions{Channel: "c", Data: []byte("m")}))
	assert.Len(t, forwarded, 1, "only ToCluster publishes cross the bus")
}

func TestPublishCopiesPayloadOnce(t *testing.T) {
	b := newTestBroker(t)
	var got sink
	_, err := b.Subscribe(SubscribeOptions{Channel: "c", OnMessage: got.on})
	require.NoError(t, err)
	_, err = b.Subscribe(SubscribeOptions{Channel: "c", UUID: 5, OnMessage: got.on})
	require.NoError(t, err)

	payload := []byte("mutable")
	require.NoError(t, b.Publish(PublishOptions{Channel: "c", Data: payload}))
	payload[0] = 'X'

	require.Equal(t, 2, got.count())
	assert.Equal(t, []byte("mutable"), got.msgs[0].Data, "published bytes are copied at publish time")
	assert.Same(t, got.msgs[0], got.msgs[1], "one shared message object per publish")
}
