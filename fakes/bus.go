// Package fakes holds in-memory collaborators for testing a horde.
package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tedsuo/horde/bus"
)

type SentCommand struct {
	Command string
	Payload interface{}
}

/*
FakeConnection completes its handshake immediately, emitting Registry as the
first commands registry, unless HoldConnect or ConnectErr say otherwise.
*/
type FakeConnection struct {
	Params bus.Params

	mu           sync.Mutex
	observer     bus.Observer
	handlers     []bus.Handler
	registry     bus.Registry
	registryTime string
	token        string
	orcName      string
	connectErr   error
	sendErr      error
	holdConnect  chan struct{}
	skipRegistry bool
	connected    bool
	lastActivity time.Time
	hasSocket    bool
	sent         []SentCommand
	connects     int
	returned     int
	stops        int
	destroys     int
}

func NewFakeConnection(params bus.Params, observer bus.Observer) *FakeConnection {
	if observer == nil {
		observer = bus.NopObserver{}
	}
	return &FakeConnection{
		Params:       params,
		observer:     observer,
		registry:     bus.Registry{},
		registryTime: "1",
		token:        fmt.Sprintf("token-%s", params.Address()),
		orcName:      "orc",
		lastActivity: time.Now(),
		hasSocket:    true,
	}
}

func (c *FakeConnection) SetRegistry(registry bus.Registry, registryTime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = registry.Clone()
	c.registryTime = registryTime
}

func (c *FakeConnection) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *FakeConnection) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *FakeConnection) FailSend(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// HoldConnect makes Connect block until the returned channel is closed.
func (c *FakeConnection) HoldConnect() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdConnect = make(chan struct{})
	return c.holdConnect
}

// Release unblocks a held Connect.
func (c *FakeConnection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdConnect != nil {
		close(c.holdConnect)
		c.holdConnect = nil
	}
}

// SkipRegistry makes Connect return without emitting a registry.
func (c *FakeConnection) SkipRegistry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipRegistry = true
}

func (c *FakeConnection) SetLastActivity(t time.Time, hasSocket bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = t
	c.hasSocket = hasSocket
}

func (c *FakeConnection) Connect(ctx context.Context, transport string, authToken string) error {
	c.mu.Lock()
	c.connects++
	hold := c.holdConnect
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.returned++
		c.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return err
	}
	c.connected = true
	skip := c.skipRegistry
	registry, token, registryTime := c.registry.Clone(), c.token, c.registryTime
	observer := c.observer
	c.mu.Unlock()

	if !skip {
		observer.CommandsRegistry(registry, token, registryTime)
	}
	return nil
}

func (c *FakeConnection) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.connected = false
	return nil
}

func (c *FakeConnection) Send(ctx context.Context, command string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, SentCommand{Command: command, Payload: payload})
	return nil
}

func (c *FakeConnection) CatchAll(handler bus.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *FakeConnection) Registry() bus.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Clone()
}

func (c *FakeConnection) RegistryTime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registryTime
}

func (c *FakeConnection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *FakeConnection) OrcName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orcName
}

func (c *FakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *FakeConnection) LastActivity() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.hasSocket
}

func (c *FakeConnection) DestroyPushSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
}

func (c *FakeConnection) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = nil
	c.observer = bus.NopObserver{}
}

// Deliver hands ev to the catch-all handlers, as if it arrived on the bus.
func (c *FakeConnection) Deliver(ev bus.Event) {
	c.mu.Lock()
	handlers := append([]bus.Handler(nil), c.handlers...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

// EmitRegistry replaces the registry and notifies the observer.
func (c *FakeConnection) EmitRegistry(registry bus.Registry, token, registryTime string) {
	c.mu.Lock()
	c.registry = registry.Clone()
	c.token = token
	c.registryTime = registryTime
	observer := c.observer
	c.mu.Unlock()

	observer.CommandsRegistry(registry, token, registryTime)
}

func (c *FakeConnection) EmitTokenChanged(token string) {
	c.mu.Lock()
	c.token = token
	observer := c.observer
	c.mu.Unlock()

	observer.TokenChanged(token)
}

func (c *FakeConnection) EmitReconnect() {
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()

	observer.ReconnectAttempt()
	observer.Reconnected()
}

func (c *FakeConnection) Sent() []SentCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentCommand(nil), c.sent...)
}

// SentTopics lists the topics of every broadcast command sent so far.
func (c *FakeConnection) SentTopics() []string {
	var topics []string
	for _, cmd := range c.Sent() {
		if payload, ok := cmd.Payload.(bus.BroadcastPayload); ok && cmd.Command == bus.BroadcastCommand {
			topics = append(topics, payload.Topic)
		}
	}
	return topics
}

func (c *FakeConnection) HasHandlers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers) > 0
}

func (c *FakeConnection) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// ConnectsReturned counts the Connect calls that are no longer blocked.
func (c *FakeConnection) ConnectsReturned() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returned
}

func (c *FakeConnection) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *FakeConnection) Destroys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

/*
FakeDialer hands out FakeConnections. Prepare, when set, runs on every new
connection before it is returned, which is where tests script handshakes.
*/
type FakeDialer struct {
	Prepare func(*FakeConnection)

	mu          sync.Mutex
	connections []*FakeConnection
}

func (d *FakeDialer) NewConnection(params bus.Params, observer bus.Observer) bus.Connection {
	conn := NewFakeConnection(params, observer)

	d.mu.Lock()
	prepare := d.Prepare
	d.mu.Unlock()

	if prepare != nil {
		prepare(conn)
	}

	d.mu.Lock()
	d.connections = append(d.connections, conn)
	d.mu.Unlock()
	return conn
}

func (d *FakeDialer) Connections() []*FakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConnection(nil), d.connections...)
}

// ConnectionTo returns the latest connection dialed to port.
func (d *FakeDialer) ConnectionTo(port int) *FakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.connections) - 1; i >= 0; i-- {
		if d.connections[i].Params.Port == port {
			return d.connections[i]
		}
	}
	return nil
}
