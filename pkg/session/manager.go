// Package session ties the auth controller to the realtime supervisor.
//
// The supervisor never polls: the manager subscribes to user-presence
// changes and drives the connection lifecycle from them. Login or a valid
// startup credential brings the connection up; logout tears it down.
package session

import (
	"log/slog"

	"github.com/NicolasHaas/gotrade/pkg/auth"
	"github.com/NicolasHaas/gotrade/pkg/model"
)

// Authenticator is the slice of the auth controller the manager needs.
type Authenticator interface {
	OnUserChange(fn auth.UserObserver) func()
	Token() (string, bool)
}

// Connector is the slice of the realtime supervisor the manager needs.
type Connector interface {
	EnsureConnected(token string)
	Teardown()
}

// Manager observes the authenticated-user value and keeps the realtime
// connection consistent with it.
type Manager struct {
	conn  Connector
	unsub func()
}

// NewManager wires ctrl to conn and starts observing immediately.
func NewManager(ctrl Authenticator, conn Connector) *Manager {
	m := &Manager{conn: conn}
	m.unsub = ctrl.OnUserChange(func(user *model.User) {
		if user == nil {
			conn.Teardown()
			return
		}
		token, ok := ctrl.Token()
		if !ok {
			// User present without a credential should not happen; the
			// controller stores the token before announcing the user.
			slog.Warn("user present without stored credential, not connecting")
			return
		}
		conn.EnsureConnected(token)
	})
	return m
}

// Close stops observing and tears the connection down.
func (m *Manager) Close() {
	m.unsub()
	m.conn.Teardown()
}
