package cluster

import (
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Hub is the master-side bus: one endpoint per live worker. Every envelope
// received from a worker is rebroadcast to every other worker and handed to
// the local delivery callback, making the master the authoritative relay.
type Hub struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]*Endpoint

	onEnvelope func(Envelope)
	onPeerGone func(peer uuid.UUID, err error)
	logger     *slog.Logger
}

// HubOptions configures the master relay. OnEnvelope delivers to the
// master's own subscribers; OnPeerGone lets the supervisor respawn.
type HubOptions struct {
	OnEnvelope func(Envelope)
	OnPeerGone func(peer uuid.UUID, err error)
	Logger     *slog.Logger
}

// NewHub creates an empty relay.
func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		peers:      make(map[uuid.UUID]*Endpoint),
		onEnvelope: opts.OnEnvelope,
		onPeerGone: opts.OnPeerGone,
		logger:     opts.Logger,
	}
}

// Adopt installs the parent end of a worker's socket pair. Returns the peer
// id assigned to the worker.
func (h *Hub) Adopt(parent io.ReadWriteCloser) uuid.UUID {
	peer := uuid.New()
	ep := NewEndpoint(parent, Options{
		Peer: peer,
		OnEnvelope: func(e Envelope) {
			h.Broadcast(peer, e)
			if h.onEnvelope != nil {
				h.onEnvelope(e)
			}
		},
		OnClose: func(err error) {
			h.drop(peer, err)
		},
		Logger: h.logger,
	})
	h.mu.Lock()
	h.peers[peer] = ep
	h.mu.Unlock()
	return peer
}

func (h *Hub) drop(peer uuid.UUID, err error) {
	h.mu.Lock()
	_, ok := h.peers[peer]
	delete(h.peers, peer)
	h.mu.Unlock()
	if ok && h.onPeerGone != nil {
		h.onPeerGone(peer, err)
	}
}

// Broadcast forwards e to every worker except from. The master's own
// publishes pass uuid.Nil to reach everyone.
func (h *Hub) Broadcast(from uuid.UUID, e Envelope) {
	h.mu.RLock()
	for peer, ep := range h.peers {
		if peer == from {
			continue
		}
		ep.Send(e)
	}
	h.mu.RUnlock()
}

// Peers reports live worker endpoints. Diagnostic only.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close tears down every endpoint.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*Endpoint, 0, len(h.peers))
	for _, ep := range h.peers {
		peers = append(peers, ep)
	}
	h.peers = make(map[uuid.UUID]*Endpoint)
	h.mu.Unlock()
	for _, ep := range peers {
		ep.Close()
	}
}
