package ha

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
)

// PoolReport is a primary duty that reports the binding state of the whole account pool.
type PoolReport struct {
	log      *logger.Logger
	store    interfaces.LockStore
	metrics  *metrics.Metrics
	clock    clock.Clock
	accounts []string
}

// PoolSummary is the result of one pool report run.
type PoolSummary struct {
	Bound   map[string]string // account id -> worker id
	Unbound []string
}

func NewPoolReport(log *logger.Logger, store interfaces.LockStore, m *metrics.Metrics, accounts []string) *PoolReport {
	return &PoolReport{
		log:      log,
		store:    store,
		metrics:  m,
		clock:    clock.New(),
		accounts: accounts,
	}
}

func (p *PoolReport) Name() string { return "pool-report" }

func (p *PoolReport) Run(ctx context.Context) error {
	summary, err := p.Summarize(ctx)
	if err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.PoolBoundAccounts.Set(float64(len(summary.Bound)))
		p.metrics.PoolUnboundAccounts.Set(float64(len(summary.Unbound)))
	}

	log := p.log.WithComponent("pool-report")
	if len(summary.Unbound) > 0 {
		log.Warn("Machine accounts without an active binding",
			"unbound", summary.Unbound,
			"bound", len(summary.Bound),
			"total", len(p.accounts))
	} else {
		log.Debug("All machine accounts bound", "total", len(p.accounts))
	}
	return nil
}

// Summarize lists the active bindings and the configured accounts lacking one.
func (p *PoolReport) Summarize(ctx context.Context) (*PoolSummary, error) {
	locks, err := p.store.ScanLocks(ctx, models.BindingKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}

	now := p.clock.Now()
	summary := &PoolSummary{Bound: make(map[string]string, len(locks))}
	for _, lock := range locks {
		binding := models.NewMachineAccountBinding(lock)
		if binding == nil || !binding.IsActive(now) {
			continue
		}
		summary.Bound[binding.AccountID] = binding.WorkerID
	}
	for _, account := range p.accounts {
		if _, ok := summary.Bound[account]; !ok {
			summary.Unbound = append(summary.Unbound, account)
		}
	}
	return summary, nil
}
