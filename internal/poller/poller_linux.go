//go:build linux

package poller

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	readEvents      = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP | unix.EPOLLET
	readWriteEvents = readEvents | unix.EPOLLOUT
	hangupEvents    = unix.EPOLLHUP | unix.EPOLLERR | unix.EPOLLRDHUP
)

// Poller wraps an epoll descriptor plus an eventfd used to interrupt Wait
// from other threads.
type Poller struct {
	fd  int
	wfd int

	mu    sync.RWMutex
	udata map[int]uint64

	wakeBuf []byte
}

// Open creates the epoll instance and its wake eventfd.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &Poller{
		fd:      epfd,
		wfd:     wfd,
		udata:   make(map[int]uint64),
		wakeBuf: make([]byte, 8),
	}
	if err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, p.wfd,
		&unix.EpollEvent{Fd: int32(p.wfd), Events: unix.EPOLLIN}); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close releases both descriptors. A concurrent Wait returns ErrClosed.
func (p *Poller) Close() error {
	if err := unix.Close(p.wfd); err != nil {
		return err
	}
	return unix.Close(p.fd)
}

var (
	wakeVal uint64 = 1
	wakeMsg        = (*(*[8]byte)(unsafe.Pointer(&wakeVal)))[:]
)

// Wake interrupts a blocking Wait. Safe from any thread and from signal
// handling goroutines.
func (p *Poller) Wake() error {
	_, err := unix.Write(p.wfd, wakeMsg)
	if err == unix.EAGAIN {
		// Counter saturated: a wake is already pending.
		err = nil
	}
	return err
}

// AddRead registers fd for edge-triggered read readiness.
func (p *Poller) AddRead(fd int, udata uint64) error {
	p.setUData(fd, udata)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: uint32(readEvents)})
	if err == unix.EEXIST {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: uint32(readEvents)})
	}
	return err
}

// AddWrite widens the registration of fd to read+write readiness.
func (p *Poller) AddWrite(fd int, udata uint64) error {
	p.setUData(fd, udata)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: uint32(readWriteEvents)})
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd,
			&unix.EpollEvent{Fd: int32(fd), Events: uint32(readWriteEvents)})
	}
	return err
}

// DelWrite narrows fd back to read-only interest once the out queue drained.
func (p *Poller) DelWrite(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd,
		&unix.EpollEvent{Fd: int32(fd), Events: uint32(readEvents)})
}

// Remove deletes fd from the poller entirely.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	delete(p.udata, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait fills evs with ready events and returns the count. timeoutMS < 0
// blocks indefinitely; 0 polls. EINTR is swallowed and reported as an empty
// batch so the reactor can re-check timers.
func (p *Poller) Wait(timeoutMS int, evs []Event) (int, error) {
	raw := make([]unix.EpollEvent, len(evs))
	n, err := unix.EpollWait(p.fd, raw, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		if err == unix.EBADF {
			return 0, ErrClosed
		}
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == p.wfd {
			_, _ = unix.Read(p.wfd, p.wakeBuf)
			continue
		}
		flags := raw[i].Events
		evs[out] = Event{
			FD:       fd,
			UData:    p.getUData(fd),
			Readable: flags&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: flags&unix.EPOLLOUT != 0,
			Hangup:   flags&uint32(hangupEvents) != 0,
		}
		out++
	}
	return out, nil
}

func (p *Poller) setUData(fd int, udata uint64) {
	p.mu.Lock()
	p.udata[fd] = udata
	p.mu.Unlock()
}

func (p *Poller) getUData(fd int) uint64 {
	p.mu.RLock()
	u := p.udata[fd]
	p.mu.RUnlock()
	return u
}
