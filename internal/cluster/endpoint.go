package cluster

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// maxBuffered bounds the per-endpoint outgoing buffer. When exceeded, the
// oldest unfiltered envelopes are shed first; filtered envelopes are
// load-bearing (subscription control) and shedding them is a fatal condition
// for the endpoint instead.
const maxBuffered = 4 << 20

// ErrOverflow reports that an endpoint had to give up on filtered traffic.
var ErrOverflow = errors.New("cluster: filtered envelope overflow")

type outFrame struct {
	data     []byte
	filtered bool
}

// Endpoint is one end of a master<->worker socket pair. Reads and writes run
// on their own goroutines; Send never blocks the caller.
type Endpoint struct {
	// Peer identifies the remote process on the master side.
	Peer uuid.UUID

	conn io.ReadWriteCloser

	mu      sync.Mutex
	out     []outFrame
	pending int
	kick    chan struct{}
	done    chan struct{}
	closed  bool

	onEnvelope func(Envelope)
	onClose    func(err error)
	fatal      func(err error)
	logger     *slog.Logger

	wg sync.WaitGroup
}

// Options configures an endpoint. OnEnvelope runs on the read goroutine;
// OnClose fires once when either direction fails or Close is called. Fatal
// fires when filtered traffic cannot be buffered.
type Options struct {
	Peer       uuid.UUID
	OnEnvelope func(Envelope)
	OnClose    func(err error)
	Fatal      func(err error)
	Logger     *slog.Logger
}

// NewEndpoint wraps an already-connected stream.
func NewEndpoint(conn io.ReadWriteCloser, opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ep := &Endpoint{
		Peer:       opts.Peer,
		conn:       conn,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		onEnvelope: opts.OnEnvelope,
		onClose:    opts.OnClose,
		fatal:      opts.Fatal,
		logger:     opts.Logger,
	}
	ep.wg.Add(2)
	go ep.readLoop()
	go ep.writeLoop()
	return ep
}

// Pair creates a connected socket pair; the second file is destined for a
// worker's ExtraFiles before spawn.
func Pair() (parent *os.File, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "cluster-parent"),
		os.NewFile(uintptr(fds[1]), "cluster-child"), nil
}

// Send queues an envelope for transmission. Unfiltered envelopes may be shed
// under pressure, oldest first; filtered ones trip the fatal handler instead.
func (ep *Endpoint) Send(e Envelope) {
	frame := outFrame{data: appendEnvelope(nil, e), filtered: e.Filter != 0}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return
	}
	ep.out = append(ep.out, frame)
	ep.pending += len(frame.data)
	var dropped int
	for ep.pending > maxBuffered {
		idx := -1
		for i, f := range ep.out {
			if !f.filtered {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Nothing sheddable left: the bound is blown by filtered
			// traffic, which must not be lost.
			ep.mu.Unlock()
			if ep.fatal != nil {
				ep.fatal(ErrOverflow)
			}
			return
		}
		ep.pending -= len(ep.out[idx].data)
		ep.out = append(ep.out[:idx], ep.out[idx+1:]...)
		dropped++
	}
	ep.mu.Unlock()

	if dropped > 0 {
		ep.logger.Warn("cluster buffer overflow, shed oldest messages",
			"dropped", dropped, "peer", ep.Peer)
	}
	select {
	case ep.kick <- struct{}{}:
	default:
	}
}

func (ep *Endpoint) readLoop() {
	defer ep.wg.Done()
	br := bufio.NewReaderSize(ep.conn, 64<<10)
	for {
		e, err := readEnvelope(br)
		if err != nil {
			ep.shutdown(err)
			return
		}
		if ep.onEnvelope != nil {
			ep.onEnvelope(e)
		}
	}
}

func (ep *Endpoint) writeLoop() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.done:
			// Best-effort flush of whatever was queued before teardown.
			ep.drain()
			return
		case <-ep.kick:
			if err := ep.drain(); err != nil {
				ep.shutdown(err)
				return
			}
		}
	}
}

func (ep *Endpoint) drain() error {
	for {
		ep.mu.Lock()
		if len(ep.out) == 0 {
			ep.mu.Unlock()
			return nil
		}
		frame := ep.out[0]
		ep.out = ep.out[1:]
		ep.pending -= len(frame.data)
		ep.mu.Unlock()

		if _, err := ep.conn.Write(frame.data); err != nil {
			return err
		}
	}
}

func (ep *Endpoint) shutdown(err error) {
	ep.mu.Lock()
	was := ep.closed
	ep.closed = true
	ep.mu.Unlock()
	if was {
		return
	}
	close(ep.done)
	_ = ep.conn.Close()
	if ep.onClose != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			err = nil
		}
		ep.onClose(err)
	}
}

// Close tears the endpoint down and waits for both loops.
func (ep *Endpoint) Close() {
	ep.shutdown(nil)
	ep.wg.Wait()
}
