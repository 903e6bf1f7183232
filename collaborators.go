package horde

import (
	"context"
	"time"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/routes"
	"github.com/tedsuo/horde/supervisor"
)

type ProcessSupervisor interface {
	Spawn(ctx context.Context, spec supervisor.Spec) (supervisor.Handle, error)
	Terminate(handle supervisor.Handle, force bool) error
}

// SettingsLookup must fail, not block, when the settings are not there yet;
// retrying is the caller's business.
type SettingsLookup interface {
	Load(kind, identity string) (bus.Params, error)
}

// EventSink is the local process-wide event channel.
type EventSink interface {
	Send(topic string, msg *bus.Message) error
}

type RouteResolver interface {
	Route(orcName, transport string) (routes.Route, bool)
}

type LineResolver interface {
	LineTokens(topic string) ([]string, bool)
}

// PerfStatus is one health sample of an attached slave.
type PerfStatus struct {
	Horde    string        `json:"horde"`
	SlaveID  string        `json:"slaveId"`
	Delta    time.Duration `json:"delta"`
	Lag      bool          `json:"lag"`
	Overlay  bool          `json:"overlay"`
	NoSocket bool          `json:"noSocket"`
}

// Listener receives the notifications the horde raises for its host.
type Listener interface {
	CommandsRegistryChanged(slaveID string)
	TokenChanged(slaveID, token string)
	OrcNameChanged(slaveID, oldName, newName string)
	ReconnectAttempt(slaveID string)
	Reconnected(slaveID string)
	Perf(status PerfStatus)
}

type nopListener struct{}

func (nopListener) CommandsRegistryChanged(string)        {}
func (nopListener) TokenChanged(string, string)           {}
func (nopListener) OrcNameChanged(string, string, string) {}
func (nopListener) ReconnectAttempt(string)               {}
func (nopListener) Reconnected(string)                    {}
func (nopListener) Perf(PerfStatus)                       {}

type Collaborators struct {
	Dialer     bus.Dialer
	Supervisor ProcessSupervisor
	Settings   SettingsLookup
	Events     EventSink
	Routes     RouteResolver
	Lines      LineResolver
	Listener   Listener
}
