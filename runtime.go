package faciet

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/faciet/faciet/internal/cluster"
	"github.com/faciet/faciet/internal/conntab"
	"github.com/faciet/faciet/internal/poller"
	"github.com/faciet/faciet/internal/sched"
	"github.com/faciet/faciet/internal/timers"
	"github.com/faciet/faciet/pubsub"
)

// Phase identifies a process lifecycle moment for OnPhase hooks.
type Phase int

const (
	// PhaseBeforeSpawn runs in the master once, before the initial worker
	// launches; respawning a crashed worker does not run it.
	PhaseBeforeSpawn Phase = iota
	// PhaseAfterSpawn runs in the master once workers are launched, and in
	// each worker at boot.
	PhaseAfterSpawn
	// PhaseInWorker runs in each worker process only, after AfterSpawn.
	PhaseInWorker
	// PhaseStart runs in every process right before the reactor loop.
	PhaseStart
	// PhaseIdle runs on reactor ticks that collected no events.
	PhaseIdle
	// PhaseShutdown runs when draining begins.
	PhaseShutdown
	// PhaseFinish runs after the reactor loop exits and workers joined.
	PhaseFinish
)

// Options configures a Runtime. The zero value is usable: one task thread,
// no workers, default logger.
type Options struct {
	// Threads sizes the deferred-task worker pool per process.
	Threads int
	// Workers is the number of worker processes; 0 serves in-process, a
	// negative value means a fraction of the CPU count (-2 = half).
	Workers int
	// DrainWindow bounds graceful shutdown; connections still open when it
	// lapses are force-closed. Default 8s.
	DrainWindow time.Duration
	// Capacity overrides the connection-table size; default derives from
	// RLIMIT_NOFILE.
	Capacity int
	Logger   *slog.Logger
	// OnSIGUSR1 is invoked on SIGUSR1 (reserved for log rotation).
	OnSIGUSR1 func()
}

// Runtime is the per-process reactor context: poller, connection table,
// deferred-task engine, timer wheel, pub/sub broker and — when workers are
// configured — the cluster bus.
type Runtime struct {
	opts   Options
	logger *slog.Logger

	poll  *poller.Poller
	table *conntab.Table[conn]
	queue *sched.Queue
	wheel *timers.Wheel
	ps    *pubsub.Broker

	mu     sync.Mutex
	specs  []*ListenOptions
	lfiles []*os.File

	phases map[Phase][]func(rt *Runtime)

	running  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	isWorker bool
	hub      *cluster.Hub
	bus      *cluster.Endpoint
	workers  *workerSet
}

// New builds a runtime. It allocates the poller lazily in Start so a
// constructed-but-never-started runtime holds no descriptors.
func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = 8 * time.Second
	}
	rt := &Runtime{
		opts:     opts,
		logger:   opts.Logger,
		wheel:    timers.New(nil),
		phases:   make(map[Phase][]func(rt *Runtime)),
		stopCh:   make(chan struct{}),
		isWorker: os.Getenv(workerEnv) != "",
	}
	rt.table = conntab.New[conn](tableCapacity(opts.Capacity))
	rt.queue = sched.New(opts.Threads, rt.logger)
	rt.ps = pubsub.NewBroker(pubsub.BrokerOptions{
		Defer: func(fn func(a1, a2 any), a1, a2 any) error {
			return rt.queue.Defer(fn, a1, a2)
		},
		Gate:   gate{rt},
		Logger: rt.logger,
	})
	return rt
}

func tableCapacity(override int) int {
	if override > 0 {
		return override
	}
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && lim.Cur > 0 {
		n := int(lim.Cur)
		if n > 1<<20 {
			n = 1 << 20
		}
		return n
	}
	return 1 << 16
}

// OnPhase registers a lifecycle hook. Hooks run in registration order on
// the goroutine driving the phase.
func (rt *Runtime) OnPhase(p Phase, fn func(rt *Runtime)) {
	rt.mu.Lock()
	rt.phases[p] = append(rt.phases[p], fn)
	rt.mu.Unlock()
}

func (rt *Runtime) runPhase(p Phase) {
	rt.mu.Lock()
	hooks := make([]func(rt *Runtime), len(rt.phases[p]))
	copy(hooks, rt.phases[p])
	rt.mu.Unlock()
	for _, fn := range hooks {
		fn(rt)
	}
}

// IsRunning reports whether the reactor loop is live and not stopping.
func (rt *Runtime) IsRunning() bool { return rt.running.Load() && !rt.stopping.Load() }

// IsWorker reports whether this process is a spawned worker.
func (rt *Runtime) IsWorker() bool { return rt.isWorker }

// IsMaster reports whether this process is the master (or the only
// process).
func (rt *Runtime) IsMaster() bool { return !rt.isWorker }

// Capacity reports the connection-table size.
func (rt *Runtime) Capacity() int { return rt.table.Capacity() }

// PubSub exposes the process broker for engine attachment.
func (rt *Runtime) PubSub() *pubsub.Broker { return rt.ps }

func (rt *Runtime) lookup(u UUID) (*conn, error) {
	c, err := rt.table.Get(uint64(u))
	if err != nil {
		return nil, ErrClosedConnection
	}
	return c, nil
}

// Peer reports the connection's remote address.
func (rt *Runtime) Peer(u UUID) (string, error) {
	c, err := rt.lookup(u)
	if err != nil {
		return "", err
	}
	return c.peer, nil
}

// Touch refreshes the connection's idle deadline.
func (rt *Runtime) Touch(u UUID) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	c.touch()
	return nil
}

// SetTimeout adjusts the connection's idle timeout; zero disables it.
func (rt *Runtime) SetTimeout(u UUID, d time.Duration) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	c.setTimeout(d)
	return nil
}

// SetUData attaches arbitrary user data to a connection.
func (rt *Runtime) SetUData(u UUID, v any) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	c.umu.Lock()
	c.udata = v
	c.umu.Unlock()
	return nil
}

// UData retrieves the user data attached to a connection.
func (rt *Runtime) UData(u UUID) (any, error) {
	c, err := rt.lookup(u)
	if err != nil {
		return nil, err
	}
	c.umu.Lock()
	v := c.udata
	c.umu.Unlock()
	return v, nil
}

// Attach atomically replaces the connection's protocol. The previous
// protocol's OnClose is scheduled, serialized with other callbacks.
func (rt *Runtime) Attach(u UUID, p Protocol) error {
	if p == nil {
		return ErrClosedConnection
	}
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	old := c.proto.Swap(&protoBox{p: p})
	if old != nil && old.p != nil {
		if ch, ok := old.p.(CloseHandler); ok {
			rt.runUnderTask(c, func() { ch.OnClose(rt, u) })
		}
	}
	return nil
}

// Read drains available bytes into buf without blocking. A zero count with
// a nil error means no data is pending; ErrClosedConnection reports EOF or
// a dead handle.
func (rt *Runtime) Read(u UUID, buf []byte) (int, error) {
	c, err := rt.lookup(u)
	if err != nil {
		return 0, err
	}
	if c.state.Load() != stateOpen {
		return 0, ErrClosedConnection
	}
	for {
		n, rerr := c.readRaw(buf)
		switch {
		case rerr == nil && n > 0:
			c.touch()
			return n, nil
		case rerr == nil && n == 0:
			// EOF: the peer is gone.
			c.state.CompareAndSwap(stateOpen, stateDraining)
			rt.scheduleTeardown(c)
			return 0, ErrClosedConnection
		case rerr == unix.EINTR:
			continue
		case isTransient(rerr):
			return 0, nil
		default:
			c.state.CompareAndSwap(stateOpen, stateDraining)
			rt.scheduleTeardown(c)
			return 0, ErrClosedConnection
		}
	}
}

// Defer posts fn to the deferred-task engine.
func (rt *Runtime) Defer(fn func()) error {
	if fn == nil {
		return nil
	}
	return rt.queue.Defer(func(a1, a2 any) { fn() }, nil, nil)
}

// RunAfter schedules fn once after d on the process timer wheel.
func (rt *Runtime) RunAfter(d time.Duration, fn func()) timers.Handle {
	h := rt.wheel.RunAfter(d, fn)
	rt.wakeReactor()
	return h
}

// RunEvery schedules fn every interval for reps repetitions
// (timers.Forever for unbounded).
func (rt *Runtime) RunEvery(interval time.Duration, reps int64, fn func(), onFinish func()) timers.Handle {
	h := rt.wheel.RunEvery(interval, reps, fn, onFinish)
	rt.wakeReactor()
	return h
}

func (rt *Runtime) wakeReactor() {
	if rt.poll != nil {
		_ = rt.poll.Wake()
	}
}

// Subscribe registers a pub/sub subscription. A UUID-bound subscription is
// torn down automatically (dealloc included) when its connection closes.
func (rt *Runtime) Subscribe(opts pubsub.SubscribeOptions) (*pubsub.Subscription, error) {
	if opts.UUID != 0 {
		if _, err := rt.lookup(UUID(opts.UUID)); err != nil {
			return nil, err
		}
	}
	return rt.ps.Subscribe(opts)
}

// Unsubscribe drops one subscription reference.
func (rt *Runtime) Unsubscribe(s *pubsub.Subscription) error {
	return rt.ps.Unsubscribe(s)
}

// Publish distributes a message locally and, when requested, across the
// worker cluster.
func (rt *Runtime) Publish(opts pubsub.PublishOptions) error {
	return rt.ps.Publish(opts)
}

// Each schedules fn under the task lock of every connection whose protocol
// reports the given service tag; an empty service matches every attached
// protocol. Listener slots are skipped.
func (rt *Runtime) Each(service string, fn func(rt *Runtime, u UUID, p Protocol)) {
	rt.table.ForEach(func(uu uint64, c *conn) bool {
		if c.acceptor != nil {
			return true
		}
		p := c.protocol()
		if p == nil {
			return true
		}
		if service != "" && serviceOf(p) != service {
			return true
		}
		u := UUID(uu)
		rt.runUnderTask(c, func() {
			if cur := c.protocol(); cur != nil {
				fn(rt, u, cur)
			}
		})
		return true
	})
}

// gate adapts the runtime's task-lock discipline to the pub/sub broker.
type gate struct{ rt *Runtime }

// RunLocked executes fn under u's task lock, rescheduling on contention.
// Reports false when the handle is closed so the caller drops the message.
func (g gate) RunLocked(u uint64, fn func()) bool {
	c, err := g.rt.lookup(UUID(u))
	if err != nil {
		return false
	}
	if c.tryTask() {
		defer c.unlockTask()
		if c.state.Load() == stateClosed {
			return false
		}
		fn()
		return true
	}
	// Contended: hand the whole attempt back to the queue. Progress is
	// guaranteed because the lock holder always releases on the task
	// engine.
	_ = g.rt.queue.Defer(func(a1, a2 any) {
		runtime.Gosched()
		g.RunLocked(u, fn)
	}, nil, nil)
	return true
}

// runUnderTask schedules fn under c's task lock with requeue-on-contention.
func (rt *Runtime) runUnderTask(c *conn, fn func()) {
	u := c.uuid
	var task func(a1, a2 any)
	task = func(a1, a2 any) {
		cc, err := rt.lookup(u)
		if err != nil || cc != c {
			return
		}
		if !c.tryTask() {
			runtime.Gosched()
			_ = rt.queue.Defer(task, nil, nil)
			return
		}
		defer c.unlockTask()
		fn()
	}
	_ = rt.queue.Defer(task, nil, nil)
}
