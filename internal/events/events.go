package events

import "github.com/unicitynetwork/ntlm-auth-gateway/internal/models"

type Topic string

const (
	TopicRoleChanged    Topic = "roleChanged"
	TopicBindingChanged Topic = "bindingChanged"
)

// Event is a state transition of the worker, published on its own topic.
type Event interface {
	Topic() Topic
}

// RoleChangedEvent is published when the worker wins the primary election
// or when it loses the primary role and becomes a secondary.
type RoleChangedEvent struct {
	Role         models.Role
	FencingToken int64
}

func (*RoleChangedEvent) Topic() Topic { return TopicRoleChanged }

// BindingChangedEvent is published when the worker claims a machine account
// or loses its binding. Binding is nil when the worker is unbound.
type BindingChangedEvent struct {
	Binding *models.MachineAccountBinding
}

func (*BindingChangedEvent) Topic() Topic { return TopicBindingChanged }
