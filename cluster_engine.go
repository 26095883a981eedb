package faciet

import (
	"os"

	"github.com/google/uuid"

	"github.com/faciet/faciet/internal/cluster"
	"github.com/faciet/faciet/pubsub"
)

// The default pub/sub engine is the cluster: a publish with ToCluster set
// reaches local subscribers synchronously and every sibling worker through
// the master relay. This file wires the broker to the bus for each role.

func envelopeOf(m *pubsub.Message) cluster.Envelope {
	return cluster.Envelope{Filter: m.Filter, Channel: m.Channel, Data: m.Data}
}

func messageOf(e cluster.Envelope) *pubsub.Message {
	return &pubsub.Message{Filter: e.Filter, Channel: e.Channel, Data: e.Data}
}

// initClusterMaster installs the relay hub and routes master-side publishes
// to every worker.
func (rt *Runtime) initClusterMaster() {
	rt.hub = cluster.NewHub(cluster.HubOptions{
		// A worker envelope reaches master-side subscribers too; the hub
		// already rebroadcast it to the other workers.
		OnEnvelope: func(e cluster.Envelope) {
			rt.ps.Dispatch(messageOf(e))
		},
		OnPeerGone: func(peer uuid.UUID, err error) {
			if err != nil {
				rt.logger.Warn("cluster peer lost", "peer", peer, "err", err)
			}
		},
		Logger: rt.logger,
	})
	rt.ps.SetForward(func(m *pubsub.Message) {
		rt.hub.Broadcast(uuid.Nil, envelopeOf(m))
	})
}

// newWorkerPair creates the socket pair for one worker launch.
func (rt *Runtime) newWorkerPair() (parent, child *os.File, err error) {
	return cluster.Pair()
}

// adoptWorkerPair installs the parent end into the relay.
func (rt *Runtime) adoptWorkerPair(parent *os.File) {
	rt.hub.Adopt(parent)
}

// initClusterWorker connects this worker to the master bus over the
// inherited descriptor that follows the listener block.
func (rt *Runtime) initClusterWorker(listeners int) error {
	f := os.NewFile(uintptr(firstInheritedFD+listeners), "cluster-bus")
	rt.bus = cluster.NewEndpoint(f, cluster.Options{
		OnEnvelope: func(e cluster.Envelope) {
			rt.ps.Dispatch(messageOf(e))
		},
		OnClose: func(err error) {
			// A worker that cannot reach its master is an orphan: stop
			// serving and let the exit path run.
			if !rt.stopping.Load() {
				rt.logger.Error("cluster bus lost, terminating worker", "err", err)
				rt.Stop()
			}
		},
		Fatal: func(err error) {
			// Filtered traffic must never be shed; losing it poisons the
			// subscription state, so this worker retires and respawns.
			rt.logger.Error("cluster bus overflow on filtered traffic", "err", err)
			rt.Stop()
		},
		Logger: rt.logger,
	})
	rt.ps.SetForward(func(m *pubsub.Message) {
		rt.bus.Send(envelopeOf(m))
	})
	return nil
}
