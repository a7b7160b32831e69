package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/config"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/interfaces"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/storage/redis"
)

const testNamespace = "ntlm-auth:worker-test:"

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) Notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *recordingNotifier) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func (n *recordingNotifier) count(state string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.states {
		if s == state {
			c++
		}
	}
	return c
}

func testConfig(t *testing.T, server *miniredis.Miniredis, accounts ...string) *config.Config {
	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			IdleTimeout:  time.Second,
		},
		Store: config.StoreConfig{
			Backend:          config.BackendRedis,
			Namespace:        testNamespace,
			RetryMaxAttempts: 3,
			RetryInitial:     5 * time.Millisecond,
			RetryMaxInterval: 20 * time.Millisecond,
			ConnectTimeout:   2 * time.Second,
		},
		Redis: config.RedisConfig{
			Host:        server.Host(),
			Port:        port,
			DialTimeout: time.Second,
			ReadTimeout: time.Second,
			PoolSize:    4,
		},
		Accounts: config.AccountsConfig{MachineAccounts: accounts},
		Coordination: config.CoordinationConfig{
			BindingLeaseTTL:         600 * time.Millisecond,
			BindingRenewInterval:    200 * time.Millisecond,
			ElectionLockTTL:         600 * time.Millisecond,
			ElectionPollingInterval: 100 * time.Millisecond,
			ElectionRenewInterval:   200 * time.Millisecond,
			LockGCInterval:          200 * time.Millisecond,
			PrimaryDutyInterval:     100 * time.Millisecond,
		},
		Notify:     config.NotifyConfig{HeartbeatInterval: 100 * time.Millisecond},
		Supervisor: config.SupervisorConfig{GracefulTimeout: 2 * time.Second},
		Logging:    config.LoggingConfig{Level: "info"},
	}
}

// inspector reads the coordination keyspace the workers share.
func inspector(t *testing.T, server *miniredis.Miniredis) *redis.LockStore {
	store := redis.NewLockStore(goredis.NewClient(&goredis.Options{Addr: server.Addr()}), testNamespace)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func activeLocks(t *testing.T, store *redis.LockStore, prefix string) []*models.CoordinationLock {
	locks, err := store.ScanLocks(context.Background(), prefix)
	require.NoError(t, err)
	var active []*models.CoordinationLock
	for _, l := range locks {
		if !l.IsExpired(time.Now()) {
			active = append(active, l)
		}
	}
	return active
}

func TestWorkerPool_Scenario(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig(t, server, "acct-1", "acct-2", "acct-3")
	store := inspector(t, server)
	log := logger.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := cfg.WorkerCount()
	require.Equal(t, 4, n)

	workers := make([]*Worker, n)
	notifiers := make([]*recordingNotifier, n)
	results := make(chan error, n)
	for i := range workers {
		notifiers[i] = &recordingNotifier{}
		workers[i] = New(cfg, log, Options{
			Index:      i,
			Generation: "gen-1",
			OwnerID:    fmt.Sprintf("host-%d", 1000+i),
			Notifier:   notifiers[i],
		})
		w := workers[i]
		go func() { results <- w.Run(ctx) }()
	}

	require.Eventually(t, func() bool {
		for _, w := range workers {
			if w.Snapshot().State != models.WorkerReady {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "workers did not become ready")

	// settle: every account bound once, exactly one primary
	require.Eventually(t, func() bool {
		return len(activeLocks(t, store, models.BindingKeyPrefix)) == 3 && countPrimaries(workers) == 1
	}, 3*time.Second, 20*time.Millisecond)

	bindings := activeLocks(t, store, models.BindingKeyPrefix)
	owners := map[string]string{}
	for _, l := range bindings {
		account, _ := models.AccountFromBindingKey(l.Key)
		prev, dup := owners[l.OwnerID]
		require.False(t, dup, "worker %s holds %s and %s", l.OwnerID, prev, account)
		owners[l.OwnerID] = account
	}

	unbound := 0
	for _, w := range workers {
		account := w.Snapshot().AssignedAccount
		if account == "" {
			unbound++
			require.Nil(t, w.Binding())
			continue
		}
		require.Equal(t, owners[w.Snapshot().OwnerID], account)
	}
	require.Equal(t, 1, unbound, "pool size + 1 workers leave one standby")

	election := activeLocks(t, store, models.LockKey(models.PrimaryElectionResource))
	require.Len(t, election, 1)

	// liveness counters increase monotonically per worker
	first := make([]uint64, n)
	require.Eventually(t, func() bool {
		for i, w := range workers {
			hb := w.LastHeartbeat()
			if hb == nil {
				return false
			}
			first[i] = hb.SequenceNumber
		}
		return true
	}, time.Second, 10*time.Millisecond)
	time.Sleep(350 * time.Millisecond)
	for i, w := range workers {
		hb := w.LastHeartbeat()
		require.Greater(t, hb.SequenceNumber, first[i], "worker %d heartbeat did not advance", i)
		require.Equal(t, w.Snapshot().OwnerID, hb.WorkerID)
	}

	// shutdown within the graceful timeout, releasing everything
	start := time.Now()
	cancel()
	for range workers {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(cfg.Supervisor.GracefulTimeout + time.Second):
			require.Fail(t, "worker did not stop within the graceful timeout")
		}
	}
	require.Less(t, time.Since(start), cfg.Supervisor.GracefulTimeout)

	for i, w := range workers {
		require.Equal(t, models.WorkerStopped, w.Snapshot().State)
		require.Equal(t, 1, notifiers[i].count("READY=1"))
		require.Equal(t, 1, notifiers[i].count("STOPPING=1"))
	}
	require.Empty(t, activeLocks(t, store, models.BindingKeyPrefix), "bindings are released on shutdown")
	require.Empty(t, activeLocks(t, store, models.LockKeyPrefix), "election lock is released on shutdown")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// hasLogLine reports whether a single line of text output contains every fragment.
func hasLogLine(logs string, fragments ...string) bool {
	for _, line := range strings.Split(logs, "\n") {
		found := true
		for _, f := range fragments {
			if !strings.Contains(line, f) {
				found = false
				break
			}
		}
		if found {
			return true
		}
	}
	return false
}

func TestWorker_LogsStartupTransitions(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig(t, server, "acct-1")
	out := &syncBuffer{}

	notifier := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	w := New(cfg, logger.NewWithWriter(out, "info", "text", false), Options{
		OwnerID:  "host-1",
		Notifier: notifier,
	})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the first binding is claimed before any background activity runs
	require.Eventually(t, func() bool {
		return hasLogLine(out.String(), `msg="Machine account bound"`, "account=acct-1") &&
			hasLogLine(out.String(), `msg="Role changed"`, "role=primary")
	}, 2*time.Second, 10*time.Millisecond, "startup transitions were not logged:\n%s", out)

	// readiness comes first, the first liveness signal right after it
	require.Eventually(t, func() bool { return len(notifier.recorded()) >= 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"READY=1", "STATUS=Count is 1\nWATCHDOG=1"}, notifier.recorded()[:2])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(cfg.Supervisor.GracefulTimeout + time.Second):
		require.Fail(t, "worker did not stop")
	}
}

func TestWorker_StoreUnreachableIsBootFailure(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig(t, server, "acct-1")
	server.Close()

	w := New(cfg, logger.Discard(), Options{Index: 0, Notifier: &recordingNotifier{}})
	err := w.Run(context.Background())

	var bootErr *BootError
	require.ErrorAs(t, err, &bootErr)
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	require.Equal(t, models.WorkerStarting, w.Snapshot().State, "a worker without a store never becomes ready")
}

func TestWorker_ServesInheritedListener(t *testing.T) {
	server := miniredis.RunT(t)
	cfg := testConfig(t, server, "acct-1")

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w := New(cfg, logger.Discard(), Options{Index: 1, OwnerID: "host-1", Listener: listener, Notifier: &recordingNotifier{}})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	base := "http://" + listener.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	var status models.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	_ = resp.Body.Close()
	assert.Equal(t, "acct-1", status.Worker.AssignedAccount)
	assert.Equal(t, "host-1", status.Worker.OwnerID)

	// no authenticator wired
	resp, err = http.Post(base+"/ntlm/auth", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		require.Fail(t, "worker did not stop")
	}

	_, err = http.Get(base + "/ping")
	require.Error(t, err, "listener is closed after shutdown")
}

func TestBootError(t *testing.T) {
	err := &BootError{Err: fmt.Errorf("%w: connection refused", interfaces.ErrStoreUnavailable)}
	require.True(t, errors.Is(err, interfaces.ErrStoreUnavailable))
	require.Contains(t, err.Error(), "worker boot failed")
}

func countPrimaries(workers []*Worker) int {
	n := 0
	for _, w := range workers {
		if w.Snapshot().IsPrimary() {
			n++
		}
	}
	return n
}
