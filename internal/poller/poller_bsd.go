//go:build darwin || netbsd || freebsd || openbsd || dragonfly

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Poller wraps a kqueue descriptor. Wakeups use an EVFILT_USER event with
// ident 0, so descriptor 0 must never be registered (it never is: stdin is
// not a socket the reactor owns).
type Poller struct {
	fd int

	mu    sync.RWMutex
	udata map[int]uint64
}

// Open creates the kqueue instance and arms the user wake event.
func Open() (*Poller, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	_, err = unix.Kevent(kfd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kfd)
		return nil, err
	}
	return &Poller{fd: kfd, udata: make(map[int]uint64)}, nil
}

// Close releases the kqueue descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

var wakeChanges = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Wake interrupts a blocking Wait.
func (p *Poller) Wake() error {
	_, err := unix.Kevent(p.fd, wakeChanges, nil, nil)
	return err
}

// AddRead registers fd for edge-triggered (EV_CLEAR) read readiness.
func (p *Poller) AddRead(fd int, udata uint64) error {
	p.setUData(fd, udata)
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_ADD | unix.EV_CLEAR, Filter: unix.EVFILT_READ},
	}, nil, nil)
	return err
}

// AddWrite adds write-readiness interest alongside the read filter.
func (p *Poller) AddWrite(fd int, udata uint64) error {
	p.setUData(fd, udata)
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_ADD | unix.EV_CLEAR, Filter: unix.EVFILT_WRITE},
	}, nil, nil)
	return err
}

// DelWrite drops the write filter once the out queue drained.
func (p *Poller) DelWrite(fd int) error {
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE},
	}, nil, nil)
	if err == unix.ENOENT {
		err = nil
	}
	return err
}

// Remove deletes both filters for fd. Closing the descriptor would drop them
// anyway; this keeps the table exact for descriptors that outlive the reactor.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	delete(p.udata, fd)
	p.mu.Unlock()
	_, _ = unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ},
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE},
	}, nil, nil)
	return nil
}

// Wait fills evs with ready events and returns the count. EV_EOF and
// EV_ERROR are folded into the Hangup bit, matching the epoll build.
func (p *Poller) Wait(timeoutMS int, evs []Event) (int, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMS) * 1e6)
		ts = &t
	}
	raw := make([]unix.Kevent_t, len(evs))
	n, err := unix.Kevent(p.fd, nil, raw, ts)
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
		fd := int(raw[i].Ident)
		if fd == 0 && raw[i].Filter == unix.EVFILT_USER {
			continue
		}
		ev := Event{
			FD:       fd,
			UData:    p.getUData(fd),
			Readable: raw[i].Filter == unix.EVFILT_READ,
			Writable: raw[i].Filter == unix.EVFILT_WRITE,
			Hangup:   raw[i].Flags&(unix.EV_EOF|unix.EV_ERROR) != 0,
		}
		evs[out] = ev
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
