package faciet

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Write queues buf for transmission, taking ownership of the slice. dealloc
// (optional) runs exactly once when the packet is released — after the last
// byte is sent or when the connection tears down with the packet pending.
func (rt *Runtime) Write(u UUID, buf []byte, dealloc func()) error {
	return rt.enqueue(u, &packet{buf: buf, n: int64(len(buf)), free: dealloc}, false)
}

// WriteCopy queues a private copy of buf; the caller keeps ownership.
func (rt *Runtime) WriteCopy(u UUID, buf []byte) error {
	own := append([]byte(nil), buf...)
	return rt.enqueue(u, &packet{buf: own, n: int64(len(own))}, false)
}

// WriteUrgent queues buf ahead of every packet that has not started
// transmitting. A partially sent packet is never split.
func (rt *Runtime) WriteUrgent(u UUID, buf []byte, dealloc func()) error {
	return rt.enqueue(u, &packet{buf: buf, n: int64(len(buf)), free: dealloc}, true)
}

// SendFile queues count bytes of f starting at offset for zero-copy
// transmission. The file is closed when the packet is released.
func (rt *Runtime) SendFile(u UUID, f *os.File, offset, count int64) error {
	p := &packet{file: f, off: offset, n: count}
	p.free = func() { _ = f.Close() }
	return rt.enqueue(u, p, false)
}

// Pending reports bytes queued but not yet handed to the kernel —
// the back-pressure signal protocols consult before producing more.
func (rt *Runtime) Pending(u UUID) (int64, error) {
	c, err := rt.lookup(u)
	if err != nil {
		return 0, err
	}
	c.wmu.Lock()
	n := c.q.pending
	c.wmu.Unlock()
	return n, nil
}

func (rt *Runtime) enqueue(u UUID, p *packet, urgent bool) error {
	c, err := rt.lookup(u)
	if err != nil || c.state.Load() != stateOpen {
		p.release()
		if err == nil {
			err = ErrClosedConnection
		}
		return err
	}
	if p.n <= 0 {
		p.release()
		return nil
	}
	c.wmu.Lock()
	if urgent {
		c.q.pushUrgent(p)
	} else {
		c.q.push(p)
	}
	c.pressured = true
	c.wmu.Unlock()
	rt.scheduleFlush(c)
	return nil
}

// Close flushes the queue, then closes: writes issued before the call are
// sent first, new writes are refused.
func (rt *Runtime) Close(u UUID) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	if !c.state.CompareAndSwap(stateOpen, stateDraining) {
		return nil
	}
	c.wmu.Lock()
	c.closeAfterFlush = true
	empty := c.q.head == nil
	c.wmu.Unlock()
	if empty {
		rt.scheduleTeardown(c)
	} else {
		rt.scheduleFlush(c)
	}
	return nil
}

// CloseNow closes immediately, dropping queued packets after running each
// packet's dealloc exactly once.
func (rt *Runtime) CloseNow(u UUID) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	c.state.Store(stateDraining)
	rt.scheduleTeardown(c)
	return nil
}

// scheduleFlush posts the flush task; I/O readiness uses the urgent lane so
// drains preempt queued user work.
func (rt *Runtime) scheduleFlush(c *conn) {
	u := c.uuid
	_ = rt.queue.DeferUrgent(func(a1, a2 any) { rt.flush(u) }, nil, nil)
}

// flush is the write-scheduler loop for one connection.
func (rt *Runtime) flush(u UUID) {
	c, err := rt.lookup(u)
	if err != nil {
		return
	}
	c.wmu.Lock()

	fatal := false
	blocked := false
	for c.q.head != nil {
		p := c.q.head
		var n int
		var werr error
		if p.isFile() {
			n, werr = sendfileChunk(c.fd, p)
		} else {
			n, werr = c.writeRaw(p.buf[p.off : p.off+p.n])
		}
		if n > 0 {
			p.off += int64(n)
			p.n -= int64(n)
			c.q.pending -= int64(n)
			c.q.headStarted = p.n > 0
			c.touch()
		}
		if werr != nil {
			if isTransient(werr) {
				blocked = true
			} else {
				fatal = true
			}
			break
		}
		if p.n == 0 {
			c.q.pop()
			p.release()
			continue
		}
		// Partial write without error: kernel buffer is full enough;
		// treat as blocked and wait for writability.
		blocked = true
		break
	}

	drained := c.q.head == nil
	closing := drained && c.closeAfterFlush
	notify := drained && c.pressured && !closing
	if drained {
		c.pressured = false
	}
	c.wmu.Unlock()

	switch {
	case fatal:
		c.state.CompareAndSwap(stateOpen, stateDraining)
		rt.scheduleTeardown(c)
	case blocked:
		if err := rt.poll.AddWrite(c.fd, uint64(c.uuid)); err != nil {
			rt.scheduleTeardown(c)
		}
	case closing:
		if err := c.flushHook(); err != nil {
			rt.logger.Debug("hook flush failed", "uuid", uint64(u), "err", err)
		}
		rt.scheduleTeardown(c)
	default:
		if drained {
			if err := c.flushHook(); err != nil {
				c.state.CompareAndSwap(stateOpen, stateDraining)
				rt.scheduleTeardown(c)
				return
			}
			_ = rt.poll.DelWrite(c.fd)
			if notify {
				rt.scheduleReady(c)
			}
		}
	}
}

// sendfileChunk pushes up to one chunk of a file packet to the socket.
func sendfileChunk(dst int, p *packet) (int, error) {
	return rawSendfile(dst, p)
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR)
}
