package faciet

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ListenOptions names every recognized field of a listener registration.
type ListenOptions struct {
	// URL accepts tcp://host:port, unix:///path, a bare path, host:port or
	// a bare port. An empty or 0.0.0.0 host binds all interfaces; IPv6
	// hosts use brackets.
	URL string
	// Timeout is the idle timeout applied to accepted connections.
	Timeout time.Duration
	// OnOpen builds the protocol for each accepted connection. Required.
	OnOpen func(rt *Runtime, u UUID) Protocol
	// OnStart fires once the listener is armed in this process.
	OnStart func(rt *Runtime)
	// OnFinish fires when the listener shuts down.
	OnFinish func(rt *Runtime)
}

// ConnectOptions names every recognized field of an outbound connection.
type ConnectOptions struct {
	URL     string
	Timeout time.Duration
	// OnOpen builds the protocol once the connection is established.
	OnOpen func(rt *Runtime, u UUID) Protocol
}

// parseURL resolves the accepted URL forms to a (network, address) pair.
func parseURL(raw string) (network, address string, err error) {
	switch {
	case raw == "":
		return "", "", fmt.Errorf("%w: empty", ErrBadURL)
	case strings.HasPrefix(raw, "unix://"):
		return "unix", raw[len("unix://"):], nil
	case strings.HasPrefix(raw, "tcp://"):
		raw = raw[len("tcp://"):]
	case strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./"):
		return "unix", raw, nil
	}
	if _, err := strconv.Atoi(raw); err == nil {
		// bare port
		return "tcp", ":" + raw, nil
	}
	host, port, splitErr := net.SplitHostPort(raw)
	if splitErr != nil {
		return "", "", fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	if host == "0.0.0.0" {
		host = ""
	}
	return "tcp", net.JoinHostPort(host, port), nil
}

// Listen registers a listener. Sockets are bound by Start — in the master
// before workers spawn, so every worker accepts on the same descriptors.
func (rt *Runtime) Listen(opts ListenOptions) error {
	if opts.OnOpen == nil {
		return fmt.Errorf("%w: OnOpen is required", ErrListen)
	}
	if _, _, err := parseURL(opts.URL); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.running.Load() {
		return fmt.Errorf("%w: listeners must be registered before Start", ErrListen)
	}
	o := opts
	rt.specs = append(rt.specs, &o)
	return nil
}

// bindListeners opens one socket per registered spec.
func (rt *Runtime) bindListeners() error {
	for _, spec := range rt.specs {
		network, address, err := parseURL(spec.URL)
		if err != nil {
			return err
		}
		if network == "unix" {
			// A stale socket file from a previous run blocks bind.
			_ = os.Remove(address)
		}
		ln, err := net.Listen(network, address)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrListen, spec.URL, err)
		}
		f, err := rawFile(ln)
		_ = ln.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrListen, spec.URL, err)
		}
		rt.lfiles = append(rt.lfiles, f)
	}
	return nil
}

func rawFile(ln net.Listener) (*os.File, error) {
	switch l := ln.(type) {
	case *net.TCPListener:
		return l.File()
	case *net.UnixListener:
		// Keep the socket file on disk: the dup'd descriptor outlives the
		// listener object.
		l.SetUnlinkOnClose(false)
		return l.File()
	}
	return nil, fmt.Errorf("unsupported listener %T", ln)
}

// attachListeners registers every bound (or inherited) listener descriptor
// with the reactor. Worker and single-process mode only; a master with
// workers never accepts.
func (rt *Runtime) attachListeners() error {
	for i, f := range rt.lfiles {
		fd := int(f.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			return err
		}
		spec := rt.specs[i]
		c := &conn{fd: fd, peer: spec.URL, acceptor: &acceptor{spec: spec}}
		u, err := rt.table.Acquire(fd, c)
		if err != nil {
			return err
		}
		c.uuid = UUID(u)
		if err := rt.poll.AddRead(fd, u); err != nil {
			return err
		}
		if spec.OnStart != nil {
			spec.OnStart(rt)
		}
		rt.logger.Info("listening", "url", spec.URL, "service", "listener")
	}
	return nil
}

// acceptor is the internal protocol attached to listener slots.
type acceptor struct {
	spec *ListenOptions
}

// acceptPending drains the accept queue, edge-triggered style.
func (rt *Runtime) acceptPending(lc *conn) {
	for {
		nfd, sa, err := sysAccept(lc.fd)
		if err != nil {
			if isTransient(err) {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				// Descriptor pressure: log and retry on the next wake
				// instead of spinning.
				rt.logger.Error("accept refused, descriptor limit", "err", err)
				return
			}
			rt.logger.Warn("accept failed", "url", lc.acceptor.spec.URL, "err", err)
			return
		}
		rt.adoptConn(nfd, peerString(sa), lc.acceptor.spec)
	}
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	}
	return ""
}

// adoptConn installs an accepted descriptor as a live connection.
func (rt *Runtime) adoptConn(fd int, peer string, spec *ListenOptions) {
	c := &conn{fd: fd, peer: peer}
	u, err := rt.table.Acquire(fd, c)
	if err != nil {
		_ = unix.Close(fd)
		return
	}
	c.uuid = UUID(u)
	c.setTimeout(spec.Timeout)

	p := spec.OnOpen(rt, c.uuid)
	if p == nil {
		_, _ = rt.table.Release(u)
		_ = unix.Close(fd)
		return
	}
	c.proto.Store(&protoBox{p: p})

	if err := rt.poll.AddRead(fd, u); err != nil {
		rt.logger.Warn("poller add failed", "uuid", u, "err", err)
		rt.scheduleTeardown(c)
		return
	}
	rt.logger.Debug("connection open", "uuid", u, "peer", peer, "service", serviceOf(p))
}

// Connect opens an outbound connection and binds its protocol. The dial
// itself is synchronous; I/O after it is evented like any accepted
// connection.
func (rt *Runtime) Connect(opts ConnectOptions) (UUID, error) {
	if opts.OnOpen == nil {
		return 0, fmt.Errorf("%w: OnOpen is required", ErrBadURL)
	}
	network, address, err := parseURL(opts.URL)
	if err != nil {
		return 0, err
	}
	nc, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return 0, err
	}
	var f *os.File
	switch cc := nc.(type) {
	case *net.TCPConn:
		f, err = cc.File()
	case *net.UnixConn:
		f, err = cc.File()
	default:
		err = fmt.Errorf("unsupported conn %T", nc)
	}
	_ = nc.Close()
	if err != nil {
		return 0, err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = f.Close()
		return 0, err
	}

	c := &conn{fd: fd, peer: address, file: f}
	u, aerr := rt.table.Acquire(fd, c)
	if aerr != nil {
		_ = f.Close()
		return 0, aerr
	}
	c.uuid = UUID(u)
	c.setTimeout(opts.Timeout)
	p := opts.OnOpen(rt, c.uuid)
	if p == nil {
		_, _ = rt.table.Release(u)
		_ = f.Close()
		return 0, ErrClosedConnection
	}
	c.proto.Store(&protoBox{p: p})
	if err := rt.poll.AddRead(fd, u); err != nil {
		_, _ = rt.table.Release(u)
		_ = f.Close()
		return 0, err
	}
	return c.uuid, nil
}
