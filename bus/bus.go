/*
Package bus holds the contracts the horde needs from a message bus.

A Connection is a session with one running bus. It is created by a Dialer,
reports lifecycle notifications to an Observer, and hands every inbound event
to a single catch-all Handler. The horde never looks beneath these interfaces;
see the bus_grpc package for the concrete transport.
*/
package bus

import (
	"context"
	"time"
)

// ControlPrefix marks control-plane topics. Events on these topics are
// never relayed between hordes.
const ControlPrefix = "bus::"

// BroadcastCommand is the command a peer receives when an event is relayed
// to it.
const BroadcastCommand = "broadcast"

// ShutdownCommand asks a peer to terminate itself.
const ShutdownCommand = "shutdown"

type Handler func(Event)

type Observer interface {
	CommandsRegistry(registry Registry, token string, registryTime string)
	TokenChanged(token string)
	OrcNameChanged(oldName, newName string)
	ReconnectAttempt()
	Reconnected()
}

type Connection interface {
	// Connect blocks until the handshake with the bus completes or fails.
	Connect(ctx context.Context, transport string, authToken string) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, command string, payload interface{}) error
	CatchAll(handler Handler)

	Registry() Registry
	RegistryTime() string
	Token() string
	OrcName() string
	IsConnected() bool

	// LastActivity reports when the bus was last heard from. The bool is
	// false when no socket is available to sample.
	LastActivity() (time.Time, bool)

	// DestroyPushSocket tears down the outbound channel; the connection
	// reconnects on its own.
	DestroyPushSocket()
	RemoveAllListeners()
}

type Dialer interface {
	NewConnection(params Params, observer Observer) Connection
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) CommandsRegistry(Registry, string, string) {}
func (NopObserver) TokenChanged(string)                       {}
func (NopObserver) OrcNameChanged(string, string)             {}
func (NopObserver) ReconnectAttempt()                         {}
func (NopObserver) Reconnected()                              {}
