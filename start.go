package faciet

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/faciet/faciet/internal/poller"
)

// Start binds listeners, spawns workers when configured, and runs the
// reactor loop until shutdown. It blocks; callers wanting asynchrony wrap
// it in a goroutine. The error reports bind/spawn failures only — a clean
// shutdown returns nil.
func (rt *Runtime) Start() error {
	if rt.running.Swap(true) {
		return ErrAlreadyStarted
	}

	p, err := poller.Open()
	if err != nil {
		rt.running.Store(false)
		return err
	}
	rt.poll = p
	defer func() {
		_ = rt.poll.Close()
	}()

	workers := rt.resolveWorkers()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)
	defer signal.Stop(sigCh)
	go rt.signalLoop(sigCh)

	switch {
	case rt.isWorker:
		err = rt.startWorker()
	case workers > 0:
		err = rt.startMaster(workers)
	default:
		err = rt.startSingle()
	}
	if err != nil {
		rt.running.Store(false)
		return err
	}

	rt.runPhase(PhaseStart)
	rt.logger.Info("reactor running",
		"threads", rt.opts.Threads,
		"workers", workers,
		"worker", rt.isWorker,
		"capacity", rt.table.Capacity())

	rt.reactorLoop()

	// Reactor exited: finish the process teardown.
	if rt.workers != nil {
		rt.workers.stopAll()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	rt.wheel.Reset()
	rt.queue.Stop()
	for _, f := range rt.lfiles {
		_ = f.Close()
	}
	rt.runPhase(PhaseFinish)
	rt.running.Store(false)
	rt.logger.Info("reactor stopped")
	return nil
}

// Stop begins a graceful shutdown: listeners unarm, every connection gets
// one OnShutdown, then a bounded drain window before force close.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() {
		rt.stopping.Store(true)
		close(rt.stopCh)
		if rt.workers != nil {
			rt.workers.signalAll(syscall.SIGTERM)
		}
		rt.wakeReactor()
	})
}

func (rt *Runtime) signalLoop(sigCh <-chan os.Signal) {
	for {
		select {
		case <-rt.stopCh:
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if rt.opts.OnSIGUSR1 != nil {
					rt.opts.OnSIGUSR1()
				}
			default:
				rt.logger.Info("signal received", "signal", sig.String())
				rt.Stop()
				return
			}
		}
	}
}

// startSingle serves everything in this one process.
func (rt *Runtime) startSingle() error {
	if err := rt.bindListeners(); err != nil {
		return err
	}
	return rt.attachListeners()
}

// startMaster binds the shared sockets, spawns the worker set and keeps the
// master reactor for cluster relaying only — workers own the accepting.
func (rt *Runtime) startMaster(workers int) error {
	if err := rt.bindListeners(); err != nil {
		return err
	}
	rt.initClusterMaster()
	rt.runPhase(PhaseBeforeSpawn)
	ws, err := rt.spawnWorkers(workers)
	if err != nil {
		return err
	}
	rt.workers = ws
	rt.runPhase(PhaseAfterSpawn)
	return nil
}

// startWorker adopts inherited listener descriptors and dials into the
// master's bus endpoint.
func (rt *Runtime) startWorker() error {
	count, err := inheritedListenerCount()
	if err != nil {
		return err
	}
	if count != len(rt.specs) {
		return fmt.Errorf("%w: inherited %d listeners, registered %d",
			ErrListen, count, len(rt.specs))
	}
	for i := 0; i < count; i++ {
		rt.lfiles = append(rt.lfiles, os.NewFile(uintptr(firstInheritedFD+i), "listener"))
	}
	rt.runPhase(PhaseAfterSpawn)
	rt.runPhase(PhaseInWorker)

	// Fresh engines for a fresh process.
	rt.queue.ForkReset()
	rt.wheel.Reset()

	if err := rt.initClusterWorker(count); err != nil {
		return err
	}
	return rt.attachListeners()
}
