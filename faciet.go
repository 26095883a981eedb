// Package faciet is an evented socket framework: a single-process or
// multi-worker reactor multiplexing TCP and Unix sockets over non-blocking
// I/O, with pluggable byte-stream protocols per connection, user-space write
// buffering with back-pressure, and a pub/sub fabric that fans published
// messages out across worker processes through a local cluster bus.
//
// A process builds one Runtime, registers listeners and lifecycle hooks,
// and calls Start, which blocks until shutdown:
//
//	rt := faciet.New(faciet.Options{Threads: 4, Workers: 2})
//	rt.Listen(faciet.ListenOptions{
//		URL:    "tcp://0.0.0.0:3000",
//		OnOpen: func(rt *faciet.Runtime, u faciet.UUID) faciet.Protocol { return &echo{} },
//	})
//	rt.Start()
//
// Protocol callbacks are serialized per connection: an author writes as if
// single-threaded even though callbacks run on a pool of worker goroutines.
package faciet

import "errors"

// UUID is an opaque connection handle. It encodes the descriptor and a
// generation counter, so a handle held across a close can never touch the
// descriptor's next tenant. The zero UUID is never valid.
type UUID uint64

var (
	// ErrClosedConnection is returned by every operation on an invalid or
	// closed handle.
	ErrClosedConnection = errors.New("faciet: closed connection")
	// ErrNotRunning is returned when an operation needs a started runtime.
	ErrNotRunning = errors.New("faciet: runtime is not running")
	// ErrAlreadyStarted is returned by a second Start on one runtime.
	ErrAlreadyStarted = errors.New("faciet: runtime already started")
	// ErrBadURL is returned for a listen/connect URL that fails to parse.
	ErrBadURL = errors.New("faciet: malformed URL")
	// ErrListen is wrapped around bind/listen failures.
	ErrListen = errors.New("faciet: listen failed")
)
