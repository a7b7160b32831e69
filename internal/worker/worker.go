// Package worker runs one worker process of the gateway pool: it connects to the
// coordination store, binds a machine account, takes part in the primary election
// and serves the HTTP API on the listener inherited from the master.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/events"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/gateway"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/ha"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/ha/state"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/notify"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// ExitBootFailure is the exit status of a worker that could not reach the coordination
// store at startup. The master treats it as fatal for the whole pool.
const ExitBootFailure = 3

// BootError is returned by Run when the worker cannot start.
type BootError struct {
	Err error
}

func (e *BootError) Error() string { return "worker boot failed: " + e.Err.Error() }

func (e *BootError) Unwrap() error { return e.Err }

// Options configures a worker process
type Options struct {
	Index      int
	Generation string
	OwnerID    string
	Listener   net.Listener
	// Store overrides the backend selected by the configuration
	Store         interfaces.CoordinationStore
	Notifier      notify.Notifier
	Authenticator gateway.Authenticator
}

// Worker is one process of the pool
type Worker struct {
	cfg  *config.Config
	opts Options
	log  *logger.Logger

	tracker *state.Tracker
	metrics *metrics.Metrics
	bus     *events.Bus

	mu       sync.RWMutex
	registry *ha.BindingRegistry
	reporter *notify.Reporter
}

func New(cfg *config.Config, log *logger.Logger, opts Options) *Worker {
	if opts.OwnerID == "" {
		opts.OwnerID = DefaultOwnerID()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NopNotifier{}
		if cfg.Notify.Enabled {
			opts.Notifier = notify.SystemdNotifier{}
		}
	}

	log = log.With("worker", opts.Index, "ownerID", opts.OwnerID)
	return &Worker{
		cfg:  cfg,
		opts: opts,
		log:  log,
		tracker: state.NewTracker(models.WorkerIdentity{
			PID:        os.Getpid(),
			Index:      opts.Index,
			OwnerID:    opts.OwnerID,
			Generation: opts.Generation,
		}),
		metrics: metrics.New(),
		bus:     events.NewBus(log),
	}
}

// DefaultOwnerID identifies the process in the coordination store: <hostname>-<pid>
func DefaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Snapshot returns the current identity of the worker.
func (w *Worker) Snapshot() models.WorkerIdentity {
	return w.tracker.Snapshot()
}

// Binding returns the held machine account binding, nil when unbound.
func (w *Worker) Binding() *models.MachineAccountBinding {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.registry == nil {
		return nil
	}
	return w.registry.Binding()
}

// LastHeartbeat returns the last liveness record, nil before the first one.
func (w *Worker) LastHeartbeat() *models.HeartbeatRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.reporter == nil {
		return nil
	}
	return w.reporter.Last()
}

// Metrics returns the collectors of the worker.
func (w *Worker) Metrics() *metrics.Metrics {
	return w.metrics
}

// Run starts the worker and blocks until ctx is cancelled or the HTTP server fails,
// then shuts every activity down within the graceful timeout.
// A failure to reach the coordination store is returned as *BootError.
func (w *Worker) Run(ctx context.Context) error {
	ctx = context.WithValue(ctx, logger.WorkerIDKey, w.opts.OwnerID)
	log := w.log.WithComponent("worker")
	log.Info("Starting worker", "generation", w.opts.Generation, "pid", os.Getpid())

	store, err := w.connect(ctx)
	if err != nil {
		log.Error("Failed to connect to coordination store", "error", err.Error())
		return &BootError{Err: err}
	}

	// attached before the first claim and election so no transition goes unlogged
	roles := w.bus.Subscribe(events.TopicRoleChanged)
	bindings := w.bus.Subscribe(events.TopicBindingChanged)
	defer w.bus.Unsubscribe(roles)
	defer w.bus.Unsubscribe(bindings)

	registry := ha.NewBindingRegistry(w.log, w.cfg, w.opts.OwnerID, store, w.bus, w.tracker, w.metrics)
	binding, err := registry.Claim(ctx)
	if err != nil {
		_ = store.Close(context.Background())
		log.Error("Failed to claim a machine account", "error", err.Error())
		return &BootError{Err: err}
	}
	if binding == nil {
		log.Warn("No free machine account, running unbound")
	}

	election := ha.NewLeaderElection(w.log, w.cfg.Coordination, w.opts.OwnerID, store, w.bus, w.tracker, w.metrics)
	gc := ha.NewLockGC(w.log, store, w.metrics, w.cfg.Coordination.LockGCInterval)
	duties := ha.NewDutyRunner(w.log, election, w.cfg.Coordination.PrimaryDutyInterval,
		ha.NewPoolReport(w.log, store, w.metrics, w.cfg.Accounts.MachineAccounts))
	reporter := notify.NewReporter(w.log, w.opts.Notifier, w.metrics, w.opts.OwnerID, w.cfg.Notify.HeartbeatInterval)

	w.mu.Lock()
	w.registry = registry
	w.reporter = reporter
	w.mu.Unlock()

	runCtx, fail := context.WithCancelCause(ctx)
	defer fail(nil)

	coordinator := NewCoordinator(runCtx, w.log, w.cfg.Supervisor.GracefulTimeout)
	coordinator.Go("binding-registry", func(ctx context.Context) {
		registry.Start(ctx)
		<-ctx.Done()
		registry.Stop(coordinator.StopContext())
	})
	coordinator.Go("leader-election", func(ctx context.Context) {
		election.Start(ctx)
		<-ctx.Done()
		election.Stop(coordinator.StopContext())
	})
	coordinator.Go("lock-gc", func(ctx context.Context) {
		gc.Start(ctx)
		<-ctx.Done()
		gc.Stop()
	})
	coordinator.Go("primary-duties", func(ctx context.Context) {
		duties.Start(ctx)
		<-ctx.Done()
		duties.Stop()
	})
	coordinator.Go("events", func(ctx context.Context) {
		w.logTransitions(ctx, roles, bindings)
	})

	if w.opts.Listener != nil {
		server := gateway.NewServer(w.cfg, w.log, w, w.opts.Authenticator, w.metrics.Handler())
		coordinator.Go("gateway", func(ctx context.Context) {
			serveErr := make(chan error, 1)
			go func() { serveErr <- server.Serve(w.opts.Listener) }()

			select {
			case err := <-serveErr:
				if err != nil {
					fail(fmt.Errorf("http server failed: %w", err))
				}
				return
			case <-ctx.Done():
			}
			if err := server.Stop(coordinator.StopContext()); err != nil {
				log.Warn("Failed to stop HTTP server gracefully", "error", err.Error())
			}
		})
	}

	w.tracker.SetState(models.WorkerReady)
	reporter.Ready()
	coordinator.Go("heartbeat", func(ctx context.Context) {
		reporter.Start(ctx)
		<-ctx.Done()
		reporter.Stop()
	})
	log.Info("Worker started", "account", w.tracker.Snapshot().AssignedAccount)

	<-runCtx.Done()

	log.Info("Shutting down gracefully...")
	w.tracker.SetState(models.WorkerDraining)
	reporter.Stopping()

	abandoned := coordinator.Shutdown()
	if len(abandoned) > 0 {
		log.Warn("Activities abandoned, their leases will expire", "activities", abandoned)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Store.ConnectTimeout)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		log.Warn("Failed to close coordination store", "error", err.Error())
	}

	w.tracker.SetState(models.WorkerStopped)
	log.Info("Worker stopped")

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func (w *Worker) connect(ctx context.Context) (interfaces.CoordinationStore, error) {
	if w.opts.Store == nil {
		return storage.NewCoordinationStore(ctx, w.cfg, w.log)
	}
	client := storage.NewClient(w.opts.Store, storage.NewRetryPolicy(w.cfg.Store), w.log)
	connectCtx, cancel := context.WithTimeout(ctx, w.cfg.Store.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// logTransitions logs role and binding changes published by the background activities.
func (w *Worker) logTransitions(ctx context.Context, roles, bindings *events.Subscription) {
	log := w.log.WithComponent("worker")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-roles.Events():
			if !ok {
				return
			}
			if evt, ok := e.(*events.RoleChangedEvent); ok {
				log.Info("Role changed", "role", evt.Role, "fencingToken", evt.FencingToken)
			}
		case e, ok := <-bindings.Events():
			if !ok {
				return
			}
			if evt, ok := e.(*events.BindingChangedEvent); ok {
				if evt.Binding == nil {
					log.Warn("Machine account binding lost")
				} else {
					log.Info("Machine account bound", "account", evt.Binding.AccountID,
						"fencingToken", evt.Binding.FencingToken)
				}
			}
		}
	}
}
