// Package notify reports worker readiness and liveness to the process supervisor
// using the systemd notification protocol.
package notify

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier delivers a notification state string to the supervisor.
// sent is false when no supervisor is listening.
type Notifier interface {
	Notify(state string) (sent bool, err error)
}

// SystemdNotifier sends notifications to the socket named by NOTIFY_SOCKET.
type SystemdNotifier struct{}

func (SystemdNotifier) Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(string) (bool, error) { return false, nil }
