// Package supervisor implements the master process: it prepares the coordination store,
// spawns the worker pool and keeps it running until a termination signal.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/worker"
)

// ErrWorkerBootFailure is returned by Run when a worker exits because it could not
// reach the coordination store.
var ErrWorkerBootFailure = errors.New("worker failed to boot")

// Master supervises the worker processes of one generation.
type Master struct {
	cfg        *config.Config
	log        *logger.Logger
	spawner    Spawner
	generation string

	mu       sync.Mutex
	procs    map[int]Process
	stopping bool

	fatalOnce sync.Once
	fatal     error
}

func NewMaster(cfg *config.Config, log *logger.Logger, spawner Spawner, generation string) *Master {
	return &Master{
		cfg:        cfg,
		log:        log,
		spawner:    spawner,
		generation: generation,
		procs:      make(map[int]Process),
	}
}

// Cleanup deletes every machine account binding left by a previous generation, whether or
// not its lease is still valid. Workers of the new generation then claim from an empty pool.
func Cleanup(ctx context.Context, store interfaces.LockStore, log *logger.Logger) (int64, error) {
	n, err := store.DeletePrefix(ctx, models.BindingKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up bindings: %w", err)
	}
	log.WithComponent("master").Info("Cleaned up bindings of the previous generation", "count", n)
	return n, nil
}

// Run spawns one worker per slot and respawns workers that exit, until ctx is cancelled or
// a worker reports a boot failure. It then terminates the pool, killing workers still
// running after the graceful timeout.
func (m *Master) Run(ctx context.Context) error {
	log := m.log.WithComponent("master")
	count := m.cfg.WorkerCount()
	log.Info("Starting worker pool", "workers", count, "generation", m.generation)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		slot := Slot{Index: i, Generation: m.generation}
		wg.Go(func() {
			if err := m.supervise(runCtx, slot); err != nil {
				m.fail(err)
				cancel()
			}
		})
	}

	<-runCtx.Done()
	m.terminate(&wg)

	if m.fatal != nil {
		log.Error("Worker pool stopped after a fatal error", "error", m.fatal.Error())
		return m.fatal
	}
	log.Info("Worker pool stopped")
	return nil
}

// Pids returns the pids of the running workers by slot index.
func (m *Master) Pids() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make(map[int]int, len(m.procs))
	for index, p := range m.procs {
		pids[index] = p.Pid()
	}
	return pids
}

func (m *Master) supervise(ctx context.Context, slot Slot) error {
	log := m.log.WithComponent("master").With("slot", slot.Index)

	for {
		proc, err := m.spawner.Spawn(ctx, slot)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !m.track(slot.Index, proc) {
			// spawned while the pool was being terminated
			_ = proc.Kill()
			_, _ = proc.Wait()
			return nil
		}
		log.Info("Worker started", "pid", proc.Pid())

		code, err := proc.Wait()
		m.untrack(slot.Index)

		if ctx.Err() != nil {
			log.Info("Worker exited", "pid", proc.Pid(), "code", code)
			return nil
		}
		if code == worker.ExitBootFailure {
			return fmt.Errorf("%w: slot %d, pid %d", ErrWorkerBootFailure, slot.Index, proc.Pid())
		}
		if err != nil {
			log.Error("Failed waiting for worker", "pid", proc.Pid(), "error", err.Error())
		}
		log.Warn("Worker exited unexpectedly, respawning", "pid", proc.Pid(), "code", code,
			"delay", m.cfg.Supervisor.RespawnDelay.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.cfg.Supervisor.RespawnDelay):
		}
	}
}

// terminate asks every worker to stop and kills those still running after the graceful timeout.
func (m *Master) terminate(wg *sync.WaitGroup) {
	log := m.log.WithComponent("master")

	m.mu.Lock()
	m.stopping = true
	for index, p := range m.procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			log.Warn("Failed to signal worker", "slot", index, "pid", p.Pid(), "error", err.Error())
		}
	}
	m.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return
	case <-time.After(m.cfg.Supervisor.GracefulTimeout):
	}

	m.mu.Lock()
	for index, p := range m.procs {
		log.Warn("Worker did not stop within the graceful timeout, killing it", "slot", index, "pid", p.Pid())
		if err := p.Kill(); err != nil {
			log.Error("Failed to kill worker", "slot", index, "pid", p.Pid(), "error", err.Error())
		}
	}
	m.mu.Unlock()
	<-exited
}

func (m *Master) track(index int, p Process) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return false
	}
	m.procs[index] = p
	return true
}

func (m *Master) untrack(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, index)
}

func (m *Master) fail(err error) {
	m.fatalOnce.Do(func() {
		m.fatal = err
	})
}
