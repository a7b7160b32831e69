package models

// HealthStatus represents the status of a single worker process
type HealthStatus struct {
	Status    string            `json:"status"`
	Worker    WorkerIdentity    `json:"worker"`
	Heartbeat *HeartbeatRecord  `json:"heartbeat,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewHealthStatus creates a new health status
func NewHealthStatus(identity WorkerIdentity) *HealthStatus {
	status := "ok"
	if identity.State != WorkerReady {
		status = string(identity.State)
	}
	return &HealthStatus{
		Status:  status,
		Worker:  identity,
		Details: make(map[string]string),
	}
}

// AddDetail adds a detail to the health status
func (h *HealthStatus) AddDetail(key, value string) {
	if h.Details == nil {
		h.Details = make(map[string]string)
	}
	h.Details[key] = value
}
