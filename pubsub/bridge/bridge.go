// Package bridge adapts a watermill Publisher/Subscriber pair into a pubsub
// Engine, letting an external broker (AMQP, Kafka, or the in-process
// gochannel implementation) carry channels beyond the local cluster.
//
// Pattern subscriptions are forwarded as literal topics: brokers that lack
// server-side glob matching simply never deliver on them, and local pattern
// matching still applies to everything the bridge dispatches back in.
package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/faciet/faciet/pubsub"
)

const filterMetaKey = "faciet-filter"

// Adapter implements pubsub.Engine over watermill transports.
type Adapter struct {
	broker *pubsub.Broker
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	routes map[string]context.CancelFunc
}

// New wires the adapter. The caller attaches it with broker.AttachEngine.
func New(broker *pubsub.Broker, pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		broker: broker,
		pub:    pub,
		sub:    sub,
		logger: watermill.NewSlogLogger(logger),
		ctx:    ctx,
		cancel: cancel,
		routes: make(map[string]context.CancelFunc),
	}
}

// SubscribeChannel starts consuming the topic and dispatching its messages
// to local subscribers.
func (a *Adapter) SubscribeChannel(channelName string, isPattern bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.routes[channelName]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(a.ctx)
	msgs, err := a.sub.Subscribe(ctx, channelName)
	if err != nil {
		cancel()
		return err
	}
	a.routes[channelName] = cancel
	go a.consume(channelName, msgs)
	return nil
}

func (a *Adapter) consume(channelName string, msgs <-chan *message.Message) {
	for msg := range msgs {
		filter := int64(0)
		if v := msg.Metadata.Get(filterMetaKey); v != "" {
			filter, _ = strconv.ParseInt(v, 10, 32)
		}
		a.broker.Dispatch(&pubsub.Message{
			Filter:  int32(filter),
			Channel: channelName,
			Data:    msg.Payload,
		})
		msg.Ack()
	}
	a.logger.Debug("bridge consumer drained", watermill.LogFields{"channel": channelName})
}

// UnsubscribeChannel stops the topic's consumer.
func (a *Adapter) UnsubscribeChannel(channelName string, isPattern bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.routes[channelName]; ok {
		cancel()
		delete(a.routes, channelName)
	}
	return nil
}

// Publish hands the payload to the watermill publisher.
func (a *Adapter) Publish(filter int32, channelName string, data []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), data)
	if filter != 0 {
		msg.Metadata.Set(filterMetaKey, strconv.FormatInt(int64(filter), 10))
	}
	return a.pub.Publish(channelName, msg)
}

// Close cancels every consumer and the adapter's root context.
func (a *Adapter) Close() error {
	a.cancel()
	a.mu.Lock()
	a.routes = make(map[string]context.CancelFunc)
	a.mu.Unlock()
	return nil
}
