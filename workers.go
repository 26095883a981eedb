package faciet

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	workerEnv    = "FACIET_WORKER"
	listenersEnv = "FACIET_LISTENERS"

	// ExtraFiles land after stdio: listeners first, then the cluster pair.
	firstInheritedFD = 3
)

// resolveWorkers maps the configured worker count to a concrete number:
// negative values request a fraction of the CPU count (-2 = half).
func (rt *Runtime) resolveWorkers() int {
	w := rt.opts.Workers
	if rt.isWorker {
		return 0
	}
	if w < 0 {
		w = runtime.NumCPU() / -w
		if w < 1 {
			w = 1
		}
	}
	return w
}

func inheritedListenerCount() (int, error) {
	raw := os.Getenv(listenersEnv)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// workerSet supervises the spawned worker processes: respawn on crash with
// exponential backoff, signal propagation, join on stop.
type workerSet struct {
	rt *Runtime

	mu    sync.Mutex
	procs map[int]*exec.Cmd // worker index -> live process

	wg sync.WaitGroup
}

// spawnWorkers launches the initial worker set.
func (rt *Runtime) spawnWorkers(n int) (*workerSet, error) {
	ws := &workerSet{rt: rt, procs: make(map[int]*exec.Cmd)}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		g.Go(func() error { return ws.launch(self, i) })
	}
	if err := g.Wait(); err != nil {
		ws.stopAll()
		return nil, err
	}
	return ws, nil
}

func (ws *workerSet) launch(self string, idx int) error {
	rt := ws.rt

	parent, child, err := rt.newWorkerPair()
	if err != nil {
		return err
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		workerEnv+"="+strconv.Itoa(idx+1),
		listenersEnv+"="+strconv.Itoa(len(rt.lfiles)),
	)
	cmd.ExtraFiles = append(append([]*os.File(nil), rt.lfiles...), child)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = parent.Close()
		_ = child.Close()
		return fmt.Errorf("spawn worker %d: %w", idx, err)
	}
	_ = child.Close()
	rt.adoptWorkerPair(parent)

	ws.mu.Lock()
	ws.procs[idx] = cmd
	ws.mu.Unlock()
	rt.logger.Info("worker spawned", "index", idx, "pid", cmd.Process.Pid)

	ws.wg.Add(1)
	go ws.watch(self, idx, cmd)
	return nil
}

// watch joins one worker and respawns it unless the process is stopping.
func (ws *workerSet) watch(self string, idx int, cmd *exec.Cmd) {
	defer ws.wg.Done()
	err := cmd.Wait()

	ws.mu.Lock()
	if ws.procs[idx] == cmd {
		delete(ws.procs, idx)
	}
	ws.mu.Unlock()

	if ws.rt.stopping.Load() {
		return
	}
	ws.rt.logger.Warn("worker exited, respawning", "index", idx, "err", err)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0
	respawn := func() error {
		if ws.rt.stopping.Load() {
			return backoff.Permanent(ErrNotRunning)
		}
		return ws.launch(self, idx)
	}
	if rerr := backoff.Retry(respawn, policy); rerr != nil && !ws.rt.stopping.Load() {
		ws.rt.logger.Error("worker respawn abandoned", "index", idx, "err", rerr)
	}
}

// signalAll forwards sig to every live worker.
func (ws *workerSet) signalAll(sig syscall.Signal) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for idx, cmd := range ws.procs {
		if cmd.Process != nil {
			if err := cmd.Process.Signal(sig); err != nil {
				ws.rt.logger.Warn("worker signal failed", "index", idx, "err", err)
			}
		}
	}
}

// stopAll signals and joins every worker.
func (ws *workerSet) stopAll() {
	ws.signalAll(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ws.rt.opts.DrainWindow + 2*time.Second):
		ws.rt.logger.Warn("workers did not exit in time, killing")
		ws.signalAll(syscall.SIGKILL)
		ws.wg.Wait()
	}
}
