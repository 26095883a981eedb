package faciet

import "golang.org/x/sys/unix"

// RWHook intercepts a connection's raw reads and writes, the seam where TLS
// or transforms plug in without touching the write scheduler. Any nil
// function falls back to the raw syscall. Hook functions run on reactor and
// worker goroutines and must not block.
type RWHook struct {
	// Read fills buf from the descriptor; (0, nil) means no data yet.
	Read func(fd int, buf []byte) (int, error)
	// Write sends buf; short writes are expected and resumed later.
	Write func(fd int, buf []byte) (int, error)
	// Flush pushes any hook-internal buffer; called when the packet queue
	// drains. A non-nil error is connection-fatal.
	Flush func(fd int) error
	// Cleanup runs once when the connection leaves the table.
	Cleanup func()
}

// SetRWHook installs (or, with nil, removes) the connection's hook pair.
func (rt *Runtime) SetRWHook(u UUID, h *RWHook) error {
	c, err := rt.lookup(u)
	if err != nil {
		return err
	}
	c.hook.Store(h)
	return nil
}

func (c *conn) readRaw(buf []byte) (int, error) {
	if h := c.hook.Load(); h != nil && h.Read != nil {
		return h.Read(c.fd, buf)
	}
	n, err := unix.Read(c.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *conn) writeRaw(buf []byte) (int, error) {
	if h := c.hook.Load(); h != nil && h.Write != nil {
		return h.Write(c.fd, buf)
	}
	n, err := unix.Write(c.fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *conn) flushHook() error {
	if h := c.hook.Load(); h != nil && h.Flush != nil {
		return h.Flush(c.fd)
	}
	return nil
}

func (c *conn) cleanupHook() {
	if h := c.hook.Load(); h != nil && h.Cleanup != nil {
		h.Cleanup()
	}
}
