package models

import "time"

// Role of a worker in the pool.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerDraining WorkerState = "draining"
	WorkerStopped  WorkerState = "stopped"
)

// WorkerIdentity is a point in time snapshot of a worker process.
type WorkerIdentity struct {
	PID             int         `json:"pid"`
	Index           int         `json:"index"`
	OwnerID         string      `json:"ownerId"`
	Generation      string      `json:"generation"`
	AssignedAccount string      `json:"assignedAccount,omitempty"`
	Role            Role        `json:"role"`
	State           WorkerState `json:"state"`
}

// IsPrimary reports whether the worker holds the primary role.
func (w WorkerIdentity) IsPrimary() bool {
	return w.Role == RolePrimary
}

// HeartbeatRecord is the last liveness signal emitted by a worker.
type HeartbeatRecord struct {
	WorkerID       string    `json:"workerId"`
	SequenceNumber uint64    `json:"sequenceNumber"`
	EmittedAt      time.Time `json:"emittedAt"`
}
