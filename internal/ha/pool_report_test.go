package ha

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/metrics"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
)

func TestPoolReport_Summarize(t *testing.T) {
	ctx := t.Context()
	clk := newMockClock()
	store := newTestStore(t, clk)
	m := metrics.New()

	report := NewPoolReport(newTestLogger(t), store, m, []string{"acct-1", "acct-2", "acct-3"})
	report.clock = clk

	_, err := store.AcquireLock(ctx, models.BindingKey("acct-1"), "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = store.AcquireLock(ctx, models.BindingKey("acct-2"), "worker-2", time.Second)
	require.NoError(t, err)
	// a binding of an account removed from the configuration is ignored in the unbound list
	_, err = store.AcquireLock(ctx, models.BindingKey("retired"), "worker-3", time.Minute)
	require.NoError(t, err)

	clk.Add(2 * time.Second)

	summary, err := report.Summarize(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"acct-1": "worker-1", "retired": "worker-3"}, summary.Bound)
	require.Equal(t, []string{"acct-2", "acct-3"}, summary.Unbound, "expired bindings count as unbound")

	require.NoError(t, report.Run(ctx))
	require.Equal(t, float64(2), testutil.ToFloat64(m.PoolBoundAccounts))
	require.Equal(t, float64(2), testutil.ToFloat64(m.PoolUnboundAccounts))
	require.Equal(t, "pool-report", report.Name())
}
