package state

import (
	"sync"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
)

// Tracker is a thread safe holder of the worker identity,
// written by the background activities and read by the HTTP handlers.
type Tracker struct {
	mu       sync.RWMutex
	identity models.WorkerIdentity
}

func NewTracker(identity models.WorkerIdentity) *Tracker {
	if identity.State == "" {
		identity.State = models.WorkerStarting
	}
	if identity.Role == "" {
		identity.Role = models.RoleSecondary
	}
	return &Tracker{identity: identity}
}

// Snapshot returns a copy of the current identity.
func (t *Tracker) Snapshot() models.WorkerIdentity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.identity
}

func (t *Tracker) SetRole(role models.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity.Role = role
}

// SetAccount records the bound machine account, empty when unbound.
func (t *Tracker) SetAccount(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.identity.AssignedAccount = accountID
}

// SetState moves the worker to the given lifecycle state. States only move forward,
// returns false if the transition was ignored.
func (t *Tracker) SetState(s models.WorkerState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stateOrder(s) <= stateOrder(t.identity.State) {
		return false
	}
	t.identity.State = s
	return true
}

func stateOrder(s models.WorkerState) int {
	switch s {
	case models.WorkerStarting:
		return 0
	case models.WorkerReady:
		return 1
	case models.WorkerDraining:
		return 2
	case models.WorkerStopped:
		return 3
	default:
		return -1
	}
}
