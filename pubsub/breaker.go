package pubsub

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerEngine decorates an external engine with a circuit breaker on the
// publish path. Subscription control is never short-circuited: losing a
// SubscribeChannel would silently detach listeners, while a failed publish
// is lossy by contract.
type BreakerEngine struct {
	inner Engine
	cb    *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerEngine wraps inner. The breaker opens after five consecutive
// failures and probes again after ten seconds.
func NewBreakerEngine(name string, inner Engine, logger *slog.Logger) *BreakerEngine {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    name,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("engine breaker state change",
				"engine", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerEngine{inner: inner, cb: cb}
}

// SubscribeChannel passes through to the wrapped engine.
func (e *BreakerEngine) SubscribeChannel(channel string, isPattern bool) error {
	return e.inner.SubscribeChannel(channel, isPattern)
}

// UnsubscribeChannel passes through to the wrapped engine.
func (e *BreakerEngine) UnsubscribeChannel(channel string, isPattern bool) error {
	return e.inner.UnsubscribeChannel(channel, isPattern)
}

// Publish runs through the breaker; while open, publishes fail fast with
// gobreaker.ErrOpenState.
func (e *BreakerEngine) Publish(filter int32, channel string, data []byte) error {
	_, err := e.cb.Execute(func() (struct{}, error) {
		return struct{}{}, e.inner.Publish(filter, channel, data)
	})
	return err
}
