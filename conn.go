package faciet

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Connection states. A draining connection accepts no new reads or writes;
// closed is terminal.
const (
	stateOpen int32 = iota
	stateDraining
	stateClosed
)

// conn is one connection record (one table slot tenant).
type conn struct {
	uuid UUID
	fd   int
	peer string

	// file pins a dup'd descriptor (outbound dials) so the runtime owns
	// the close; accepted descriptors are closed raw.
	file *os.File

	// protocol attachment; swapped atomically by Attach.
	proto atomic.Pointer[protoBox]

	// Three non-reentrant locks. The task lock serializes protocol
	// callbacks; the write lock guards the packet queue (sockets are
	// non-blocking, so it is never held across a blocking syscall); the
	// close lock makes OnClose at-most-once.
	taskLock  atomic.Bool
	closeLock atomic.Bool
	wmu       sync.Mutex

	q               packetQueue
	closeAfterFlush bool
	pressured       bool // queue went non-empty; next drain fires OnReady

	state atomic.Int32

	// timeout handling: seconds granularity, refreshed by Touch and by
	// successful reads/writes.
	timeoutSec atomic.Int32
	deadline   atomic.Int64 // unix seconds; 0 = no timeout

	// coalesces read events into one pending OnData task
	dataPending atomic.Bool

	hook atomic.Pointer[RWHook]

	umu   sync.Mutex
	udata any

	// listener connections accept instead of reading
	acceptor *acceptor
}

// protoBox wraps the interface so an atomic pointer can swap it.
type protoBox struct{ p Protocol }

func (c *conn) protocol() Protocol {
	if b := c.proto.Load(); b != nil {
		return b.p
	}
	return nil
}

func (c *conn) tryTask() bool  { return c.taskLock.CompareAndSwap(false, true) }
func (c *conn) unlockTask()    { c.taskLock.Store(false) }
func (c *conn) tryClose() bool { return c.closeLock.CompareAndSwap(false, true) }

// touch pushes the idle deadline forward.
func (c *conn) touch() {
	if t := c.timeoutSec.Load(); t > 0 {
		c.deadline.Store(time.Now().Unix() + int64(t))
	}
}

func (c *conn) setTimeout(d time.Duration) {
	sec := int32(d / time.Second)
	if d > 0 && sec < 1 {
		sec = 1
	}
	c.timeoutSec.Store(sec)
	if sec > 0 {
		c.touch()
	} else {
		c.deadline.Store(0)
	}
}
