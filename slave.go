package horde

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/rs/zerolog"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/settings"
	"github.com/tedsuo/horde/supervisor"
)

type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

/*
A MemberSource says where a slave comes from, and is fixed when the slave is
built: Spawned slaves are started and supervised locally, Attached slaves
are already running and only dialed.
*/
type MemberSource interface {
	isMemberSource()
}

type Spawned struct{}

type Attached struct {
	Params bus.Params
}

func (Spawned) isMemberSource()  {}
func (Attached) isMemberSource() {}

type MemberSpec struct {
	Horde       string
	Variant     string
	Tribe       int
	TotalTribes int
	Source      MemberSource
}

// RoutingKey is the logical address of tribe within horde.
func RoutingKey(horde string, tribe int) string {
	if tribe <= 0 {
		return horde
	}
	return horde + "-" + strconv.Itoa(tribe)
}

// slaveEvents is how a slave reports back to its horde. It is dropped when
// the slave is detached.
type slaveEvents interface {
	registryChanged(s *Slave)
	tokenChanged(s *Slave, token string)
	orcNameChanged(s *Slave, oldName, newName string)
	reconnectAttempt(s *Slave)
	reconnected(s *Slave)
	relay(s *Slave, ev bus.Event)
}

type slaveDeps struct {
	dialer        bus.Dialer
	supervisor    ProcessSupervisor
	settings      SettingsLookup
	hostBinary    string
	transport     string
	retryInterval time.Duration
	retries       int
}

type Slave struct {
	spec       MemberSpec
	routingKey string
	identity   string
	logger     zerolog.Logger
	deps       slaveDeps

	firstRegistry     chan struct{}
	firstRegistryOnce sync.Once
	// stopped is closed by stop, releasing any connect still in flight.
	stopped chan struct{}

	mu           sync.Mutex
	id           string
	state        State
	events       slaveEvents
	params       bus.Params
	conn         bus.Connection
	handle       supervisor.Handle
	commands     bus.Registry
	token        string
	registryTok  string
	registryTime string
}

func newSlave(logger zerolog.Logger, spec MemberSpec, deps slaveDeps, events slaveEvents) (*Slave, error) {
	identity, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	if spec.Source == nil {
		spec.Source = Spawned{}
	}

	s := &Slave{
		spec:          spec,
		routingKey:    RoutingKey(spec.Horde, spec.Tribe),
		identity:      identity.String(),
		deps:          deps,
		events:        events,
		firstRegistry: make(chan struct{}),
		stopped:       make(chan struct{}),
		commands:      bus.Registry{},
	}
	if attached, ok := spec.Source.(Attached); ok {
		s.id = s.identity
		s.params = attached.Params
	}
	s.logger = logger.With().Str("slave", s.routingKey).Logger()
	return s, nil
}

func (s *Slave) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Slave) RoutingKey() string { return s.routingKey }
func (s *Slave) Horde() string      { return s.spec.Horde }
func (s *Slave) Variant() string    { return s.spec.Variant }
func (s *Slave) Tribe() int         { return s.spec.Tribe }
func (s *Slave) Identity() string   { return s.identity }

func (s *Slave) TotalTribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec.TotalTribes
}

func (s *Slave) setTotalTribes(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spec.TotalTribes = total
}

func (s *Slave) IsSpawned() bool {
	_, ok := s.spec.Source.(Spawned)
	return ok
}

func (s *Slave) NoForwarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.NoForwarding
}

func (s *Slave) Passive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Passive
}

func (s *Slave) Params() bus.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection is nil until the handshake completed.
func (s *Slave) Connection() bus.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.conn
}

// Commands returns the last registry snapshot received from the slave.
func (s *Slave) Commands() bus.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands.Clone()
}

func (s *Slave) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Slave) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return -1
	}
	return s.handle.PID()
}

func (s *Slave) spawnArgs() []string {
	args := []string{"--app", s.spec.Horde, "--node", s.identity}
	if s.spec.Variant != "" {
		args = append(args, "--app-variant", s.spec.Variant)
	}
	if s.spec.Tribe > 0 {
		args = append(args, "--tribe", strconv.Itoa(s.spec.Tribe))
	}
	if s.spec.TotalTribes > 0 {
		args = append(args, "--total-tribes", strconv.Itoa(s.spec.TotalTribes))
	}
	return args
}

// start spawns the slave, waits for it to publish its bus settings and
// connects to it. A failed connect after the settings showed up is final.
func (s *Slave) start(ctx context.Context) error {
	if s.deps.hostBinary == "" {
		return ErrNoHostBinary
	}

	handle, err := s.deps.supervisor.Spawn(ctx, supervisor.Spec{
		Identity: s.identity,
		Path:     s.deps.hostBinary,
		Args:     s.spawnArgs(),
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.id = strconv.Itoa(handle.PID())
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped {
		if termErr := s.deps.supervisor.Terminate(handle, true); termErr != nil {
			s.logger.Warn().Err(termErr).Int("pid", handle.PID()).Msg("failed to terminate stopped slave")
		}
		return ErrSlaveStopped
	}

	params, err := s.pollSettings(ctx)
	if errors.Is(err, ErrSlaveStopped) {
		return err
	}
	if err != nil {
		if termErr := s.deps.supervisor.Terminate(handle, true); termErr != nil {
			s.logger.Warn().Err(termErr).Int("pid", handle.PID()).Msg("failed to terminate orphaned slave")
		}
		return err
	}

	if err := s.connect(ctx, params); err != nil {
		if errors.Is(err, ErrSlaveStopped) {
			return err
		}
		if termErr := s.deps.supervisor.Terminate(handle, true); termErr != nil {
			s.logger.Warn().Err(termErr).Int("pid", handle.PID()).Msg("failed to terminate unreachable slave")
		}
		return err
	}
	return nil
}

func (s *Slave) pollSettings(ctx context.Context) (bus.Params, error) {
	ticker := time.NewTicker(s.deps.retryInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return bus.Params{}, ctx.Err()
		case <-s.stopped:
			return bus.Params{}, ErrSlaveStopped
		case <-ticker.C:
		}

		params, err := s.deps.settings.Load(settings.KindBus, s.identity)
		if err == nil {
			return params, nil
		}

		retries++
		s.logger.Debug().Err(err).Int("attempt", retries).Msg("settings not available yet")
		if retries >= s.deps.retries {
			return bus.Params{}, fmt.Errorf("%w: %s after %d attempts", ErrSpawnTimeout, s.identity, retries)
		}
	}
}

// connect attaches to the bus described by params. It returns once both the
// handshake completed and the first commands registry arrived, or with
// ErrSlaveStopped as soon as the slave is stopped.
func (s *Slave) connect(ctx context.Context, params bus.Params) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrSlaveStopped
	}
	s.state = StateConnecting
	s.params = params
	conn := s.deps.dialer.NewConnection(params, slaveObserver{s})
	s.conn = conn
	s.mu.Unlock()

	transport := params.Transport
	if transport == "" {
		transport = s.deps.transport
	}

	err := joinFirst(ctx, []task{
		{name: "commands-registry", run: func(ctx context.Context) error {
			select {
			case <-s.firstRegistry:
				return nil
			case <-s.stopped:
				return ErrSlaveStopped
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		{name: "handshake", run: func(ctx context.Context) error {
			return conn.Connect(ctx, transport, "")
		}},
	})
	if err != nil {
		s.mu.Lock()
		s.conn = nil
		stopped := s.state == StateStopped
		if s.state == StateConnecting {
			s.state = StateCreated
		}
		s.mu.Unlock()
		conn.RemoveAllListeners()
		if stopErr := conn.Stop(context.Background()); stopErr != nil {
			s.logger.Debug().Err(stopErr).Msg("stop after failed connect")
		}
		if stopped {
			return ErrSlaveStopped
		}
		return fmt.Errorf("%w: %s at %s: %v", ErrConnect, s.routingKey, params.Address(), err)
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		conn.Stop(context.Background())
		return ErrSlaveStopped
	}
	s.commands = conn.Registry().Clone()
	s.token = conn.Token()
	s.registryTok = s.token
	s.registryTime = conn.RegistryTime()
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info().Str("address", params.Address()).Int("commands", len(s.commands)).Msg("slave connected")

	if params.NoForwarding {
		return nil
	}

	conn.CatchAll(func(ev bus.Event) {
		if events := s.listener(); events != nil {
			events.relay(s, ev)
		}
	})
	return nil
}

func (s *Slave) listener() slaveEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// detach drops every listener so the slave no longer reports to the horde.
func (s *Slave) detach() {
	s.mu.Lock()
	s.events = nil
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.RemoveAllListeners()
	}
}

type stopMode int

const (
	// stopGraceful disconnects and asks spawned processes to exit.
	stopGraceful stopMode = iota
	// stopSpawned kills spawned processes and disconnects attached ones.
	stopSpawned
	// stopAll kills spawned processes and asks attached peers to shut down.
	stopAll
)

func (s *Slave) stop(ctx context.Context, mode stopMode) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.events = nil
	conn, handle := s.conn, s.handle
	s.mu.Unlock()
	close(s.stopped)

	var errs []error
	if conn != nil {
		conn.RemoveAllListeners()
		if mode == stopAll && handle == nil {
			if err := conn.Send(ctx, bus.ShutdownCommand, nil); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.routingKey, err))
			}
		}
		if err := conn.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", s.routingKey, err))
		}
	}
	if handle != nil {
		if err := s.deps.supervisor.Terminate(handle, mode != stopGraceful); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", s.routingKey, err))
		}
	}

	s.logger.Info().Str("mode", mode.String()).Msg("slave stopped")
	return errors.Join(errs...)
}

func (m stopMode) String() string {
	switch m {
	case stopSpawned:
		return "spawned"
	case stopAll:
		return "all"
	}
	return "graceful"
}

type slaveObserver struct {
	slave *Slave
}

func (o slaveObserver) CommandsRegistry(registry bus.Registry, token string, registryTime string) {
	s := o.slave
	s.firstRegistryOnce.Do(func() { close(s.firstRegistry) })

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	if token == s.registryTok && registryTime == s.registryTime {
		s.mu.Unlock()
		return
	}
	s.commands = registry.Clone()
	s.token = token
	s.registryTok = token
	s.registryTime = registryTime
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.registryChanged(s)
	}
}

func (o slaveObserver) TokenChanged(token string) {
	s := o.slave
	s.mu.Lock()
	s.token = token
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.tokenChanged(s, token)
	}
}

func (o slaveObserver) OrcNameChanged(oldName, newName string) {
	if events := o.slave.listener(); events != nil {
		events.orcNameChanged(o.slave, oldName, newName)
	}
}

func (o slaveObserver) ReconnectAttempt() {
	if events := o.slave.listener(); events != nil {
		events.reconnectAttempt(o.slave)
	}
}

func (o slaveObserver) Reconnected() {
	if events := o.slave.listener(); events != nil {
		events.reconnected(o.slave)
	}
}
