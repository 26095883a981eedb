package pubsub

// Engine is a pluggable pub/sub backend. The broker invokes
// SubscribeChannel when the first subscription to a channel appears and
// UnsubscribeChannel when the last one leaves, so an external broker only
// carries channels somebody is listening to. Publish hands a message to the
// backend; delivery back into the process goes through Broker.Dispatch.
type Engine interface {
	SubscribeChannel(channel string, isPattern bool) error
	UnsubscribeChannel(channel string, isPattern bool) error
	Publish(filter int32, channel string, data []byte) error
}

// AttachEngine registers an external engine and replays every active
// user-traffic channel to it, so a late-attached backend catches up on the
// current subscription set.
func (b *Broker) AttachEngine(e Engine) {
	b.emu.Lock()
	b.engines[e] = struct{}{}
	b.emu.Unlock()

	for _, ch := range b.Channels(0) {
		if err := e.SubscribeChannel(ch, false); err != nil {
			b.logger.Warn("engine resubscribe failed", "channel", ch, "err", err)
		}
	}
	for _, p := range b.Patterns() {
		if err := e.SubscribeChannel(p, true); err != nil {
			b.logger.Warn("engine resubscribe failed", "pattern", p, "err", err)
		}
	}
}

// DetachEngine removes a previously attached engine.
func (b *Broker) DetachEngine(e Engine) {
	b.emu.Lock()
	delete(b.engines, e)
	b.emu.Unlock()
}

func (b *Broker) eachEngine(fn func(e Engine)) {
	b.emu.RLock()
	defer b.emu.RUnlock()
	for e := range b.engines {
		fn(e)
	}
}
