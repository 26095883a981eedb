package faciet

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/faciet/faciet/internal/poller"
)

// tickCeiling bounds one reactor tick even with an empty timer wheel, so
// timeout scans and stop checks stay responsive.
const tickCeiling = time.Second

// reactorLoop is the event pump: wait on the poller, dispatch readiness to
// the task engine, fire timers, scan idle timeouts, drain deferred work.
func (rt *Runtime) reactorLoop() {
	evs := make([]poller.Event, poller.DefaultBatch)
	lastScan := time.Now()
	var drainDeadline time.Time

	for {
		timeout := rt.wheel.NextTimeout(tickCeiling)
		if timeout > tickCeiling {
			timeout = tickCeiling
		}
		n, err := rt.poll.Wait(int(timeout/time.Millisecond), evs)
		if err != nil {
			if err != poller.ErrClosed {
				rt.logger.Error("poller wait failed", "err", err)
			}
			return
		}

		for i := 0; i < n; i++ {
			rt.dispatch(&evs[i])
		}

		rt.wheel.Collect(func(fn func()) {
			_ = rt.queue.Defer(func(a1, a2 any) { fn() }, nil, nil)
		})

		now := time.Now()
		if now.Sub(lastScan) >= time.Second {
			lastScan = now
			rt.scanTimeouts(now)
		}

		// The reactor thread helps drain so a saturated pool never stalls
		// I/O dispatch ordering guarantees.
		rt.queue.Perform()

		if rt.stopping.Load() {
			if drainDeadline.IsZero() {
				drainDeadline = now.Add(rt.opts.DrainWindow)
				rt.beginDrain()
			}
			if rt.liveConns() == 0 || now.After(drainDeadline) {
				rt.forceCloseAll()
				rt.queue.Perform()
				return
			}
		} else if n == 0 {
			rt.runPhase(PhaseIdle)
		}
	}
}

// dispatch routes one poller event. Invalid handles are stale events for a
// recycled slot and are ignored.
func (rt *Runtime) dispatch(ev *poller.Event) {
	c, err := rt.lookup(UUID(ev.UData))
	if err != nil {
		return
	}
	if c.acceptor != nil {
		if ev.Readable {
			rt.acceptPending(c)
		}
		return
	}
	if ev.Writable {
		rt.scheduleFlush(c)
	}
	if ev.Readable {
		rt.scheduleData(c)
		return
	}
	if ev.Hangup {
		// Hangup without pending data: tear down directly.
		c.state.CompareAndSwap(stateOpen, stateDraining)
		rt.scheduleTeardown(c)
	}
}

// scheduleData coalesces read events into one pending OnData task and
// guarantees at-most-one concurrent OnData per connection: contended tasks
// requeue rather than drop.
func (rt *Runtime) scheduleData(c *conn) {
	if c.dataPending.Swap(true) {
		return
	}
	u := c.uuid
	var task func(a1, a2 any)
	task = func(a1, a2 any) {
		cc, err := rt.lookup(u)
		if err != nil || cc != c {
			c.dataPending.Store(false)
			return
		}
		if !c.tryTask() {
			runtime.Gosched()
			_ = rt.queue.DeferUrgent(task, nil, nil)
			return
		}
		defer c.unlockTask()
		// Clear before running: data arriving during OnData schedules a
		// fresh pass instead of being lost.
		c.dataPending.Store(false)
		if c.state.Load() != stateOpen {
			return
		}
		if p := c.protocol(); p != nil {
			p.OnData(rt, u)
		}
	}
	_ = rt.queue.DeferUrgent(task, nil, nil)
}

// scheduleReady fires the protocol's OnReady under the task lock.
func (rt *Runtime) scheduleReady(c *conn) {
	p := c.protocol()
	rh, ok := p.(ReadyHandler)
	if !ok {
		return
	}
	u := c.uuid
	rt.runUnderTask(c, func() {
		if c.state.Load() == stateOpen {
			rh.OnReady(rt, u)
		}
	})
}

// scanTimeouts walks the table once per second firing pings and closing
// connections whose protocol cannot answer them.
func (rt *Runtime) scanTimeouts(now time.Time) {
	nowSec := now.Unix()
	rt.table.ForEach(func(uu uint64, c *conn) bool {
		if c.acceptor != nil || c.state.Load() != stateOpen {
			return true
		}
		dl := c.deadline.Load()
		if dl == 0 || nowSec < dl {
			return true
		}
		u := UUID(uu)
		if pinger, ok := c.protocol().(Pinger); ok {
			// Push the deadline so the ping does not re-fire every scan;
			// a protocol that stays silent is pinged again next period.
			c.touch()
			rt.runUnderTask(c, func() {
				if c.state.Load() == stateOpen {
					pinger.Ping(rt, u)
				}
			})
			return true
		}
		rt.logger.Debug("connection timed out", "uuid", uu, "peer", c.peer)
		_ = rt.Close(u)
		return true
	})
}

// scheduleTeardown posts the close sequence for c. It runs under the task
// lock, so it never overlaps OnData, and the close lock makes it
// at-most-once.
func (rt *Runtime) scheduleTeardown(c *conn) {
	u := c.uuid
	var task func(a1, a2 any)
	task = func(a1, a2 any) {
		if !c.tryTask() {
			runtime.Gosched()
			_ = rt.queue.DeferUrgent(task, nil, nil)
			return
		}
		defer c.unlockTask()
		rt.teardown(c, u)
	}
	_ = rt.queue.DeferUrgent(task, nil, nil)
}

// teardown finalizes one connection: slot release, packet deallocs,
// descriptor close, subscription cleanup, OnClose. Caller holds the task
// lock.
func (rt *Runtime) teardown(c *conn, u UUID) {
	if !c.tryClose() {
		return
	}
	c.state.Store(stateClosed)

	_ = rt.poll.Remove(c.fd)
	_, _ = rt.table.Release(uint64(u))

	c.wmu.Lock()
	dropped := c.q.drop()
	c.wmu.Unlock()
	if dropped > 0 {
		rt.logger.Debug("dropped pending packets on close", "uuid", uint64(u), "count", dropped)
	}

	if c.file != nil {
		_ = c.file.Close()
	} else {
		_ = unix.Close(c.fd)
	}
	c.cleanupHook()

	rt.ps.DropUUID(uint64(u))

	if ch, ok := c.protocol().(CloseHandler); ok {
		ch.OnClose(rt, u)
	}
	rt.logger.Debug("connection closed", "uuid", uint64(u), "peer", c.peer)
}

// liveConns counts non-listener slots still in the table.
func (rt *Runtime) liveConns() int {
	n := 0
	rt.table.ForEach(func(_ uint64, c *conn) bool {
		if c.acceptor == nil {
			n++
		}
		return true
	})
	return n
}

// beginDrain starts graceful shutdown: run the shutdown hooks, unarm
// listeners, notify protocols, then flush-close every connection.
func (rt *Runtime) beginDrain() {
	rt.logger.Info("shutting down", "drain_window", rt.opts.DrainWindow.String())
	rt.runPhase(PhaseShutdown)

	// Stop accepting first.
	rt.table.ForEach(func(uu uint64, c *conn) bool {
		if c.acceptor == nil {
			return true
		}
		_ = rt.poll.Remove(c.fd)
		if _, err := rt.table.Release(uu); err == nil {
			if c.acceptor.spec.OnFinish != nil {
				c.acceptor.spec.OnFinish(rt)
			}
		}
		return true
	})

	rt.table.ForEach(func(uu uint64, c *conn) bool {
		u := UUID(uu)
		if sh, ok := c.protocol().(ShutdownHandler); ok {
			// Close from the same task so it cannot overtake OnShutdown.
			rt.runUnderTask(c, func() {
				if c.state.Load() == stateOpen {
					sh.OnShutdown(rt, u)
				}
				_ = rt.Close(u)
			})
			return true
		}
		_ = rt.queue.Defer(func(a1, a2 any) { _ = rt.Close(u) }, nil, nil)
		return true
	})
}

// forceCloseAll ends the drain window.
func (rt *Runtime) forceCloseAll() {
	rt.table.ForEach(func(uu uint64, c *conn) bool {
		c.state.CompareAndSwap(stateOpen, stateDraining)
		rt.scheduleTeardown(c)
		return true
	})
	rt.queue.Perform()
}
