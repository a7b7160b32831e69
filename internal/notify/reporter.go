package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
)

// Reporter emits the one-time readiness signal and the periodic liveness signal of a worker.
// Delivery failures are logged and never stop the worker.
type Reporter struct {
	log      *logger.Logger
	notifier Notifier
	metrics  *metrics.Metrics
	clock    clock.Clock
	workerID string
	interval time.Duration

	readyOnce sync.Once
	seq       atomic.Uint64
	last      atomic.Pointer[models.HeartbeatRecord]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewReporter(log *logger.Logger, notifier Notifier, m *metrics.Metrics, workerID string, interval time.Duration) *Reporter {
	return &Reporter{
		log:      log,
		notifier: notifier,
		metrics:  m,
		clock:    clock.New(),
		workerID: workerID,
		interval: interval,
	}
}

// Ready emits the readiness signal, only the first call has an effect.
func (r *Reporter) Ready() {
	r.readyOnce.Do(func() {
		r.send(daemon.SdNotifyReady)
		r.log.WithComponent("notify").Info("Worker ready", "workerID", r.workerID)
	})
}

// Stopping tells the supervisor the worker has begun its shutdown.
func (r *Reporter) Stopping() {
	r.send(daemon.SdNotifyStopping)
}

// Last returns the most recent liveness record, nil before the first one.
func (r *Reporter) Last() *models.HeartbeatRecord {
	return r.last.Load()
}

// Start starts the liveness loop: one signal right away, then one per interval until stopped.
func (r *Reporter) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Go(func() {
		ticker := r.clock.Ticker(r.interval)
		defer ticker.Stop()

		r.Beat()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Beat()
			}
		}
	})
}

func (r *Reporter) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
}

// Beat emits one liveness signal carrying the next counter value.
func (r *Reporter) Beat() *models.HeartbeatRecord {
	record := &models.HeartbeatRecord{
		WorkerID:       r.workerID,
		SequenceNumber: r.seq.Add(1),
		EmittedAt:      r.clock.Now(),
	}
	r.last.Store(record)
	if r.metrics != nil {
		r.metrics.Heartbeats.Inc()
	}

	r.send(fmt.Sprintf("STATUS=Count is %d\n%s", record.SequenceNumber, daemon.SdNotifyWatchdog))
	r.log.WithComponent("notify").Debug("Heartbeat", "seq", record.SequenceNumber)
	return record
}

func (r *Reporter) send(state string) {
	sent, err := r.notifier.Notify(state)
	if err != nil {
		r.log.WithComponent("notify").Warn("Failed to notify supervisor", "state", state, "error", err.Error())
		return
	}
	if !sent {
		r.log.WithComponent("notify").Debug("No supervisor listening", "state", state)
	}
}
