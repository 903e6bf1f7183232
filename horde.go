package horde

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/config"
)

/*
A Horde owns the slaves of one node: the table of members, the health
monitors of attached members, and the relay that routes their events.

A Horde is also an ifrit.Runner. Run autoloads the configured hordes, becomes
ready, and stops every slave once signaled.
*/
type Horde struct {
	logger     zerolog.Logger
	cfg        config.Config
	routingKey string
	collab     Collaborators

	mu       sync.Mutex
	slaves   *slaveTable
	monitors map[string]*HealthMonitor
	// pending holds members between Add and their admission to the table.
	// A member that leaves pending before admission was removed or stopped.
	pending map[*Slave]struct{}
}

func New(logger zerolog.Logger, cfg config.Config, collab Collaborators) *Horde {
	if collab.Listener == nil {
		collab.Listener = nopListener{}
	}
	if cfg.Topology == nil {
		cfg.Topology = config.Topology{}
	}
	if cfg.Bus.Transport == "" {
		cfg.Bus.Transport = config.DefaultTransport
	}
	if cfg.SpawnRetries <= 0 {
		cfg.SpawnRetries = config.DefaultSpawnRetries
	}
	if cfg.SpawnRetryInterval <= 0 {
		cfg.SpawnRetryInterval = config.DefaultSpawnRetryInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = config.DefaultHealthInterval
	}

	key := RoutingKey(cfg.App, cfg.Tribe)
	return &Horde{
		logger:     logger.With().Str("component", "horde").Str("self", key).Logger(),
		cfg:        cfg,
		routingKey: key,
		collab:     collab,
		slaves:     newSlaveTable(),
		monitors:   make(map[string]*HealthMonitor),
		pending:    make(map[*Slave]struct{}),
	}
}

// RoutingKey is this node's own address.
func (h *Horde) RoutingKey() string {
	return h.routingKey
}

func (h *Horde) deps() slaveDeps {
	return slaveDeps{
		dialer:        h.collab.Dialer,
		supervisor:    h.collab.Supervisor,
		settings:      h.collab.Settings,
		hostBinary:    h.cfg.HostBinary,
		transport:     h.cfg.Bus.Transport,
		retryInterval: h.cfg.SpawnRetryInterval,
		retries:       h.cfg.SpawnRetries,
	}
}

// Add admits one member. Attached members are dialed and get a health
// monitor; spawned members are started and supervised. Unless the member is
// passive, Add returns once the member is connected and its commands are
// known. The returned id keys the member in the table.
func (h *Horde) Add(ctx context.Context, spec MemberSpec) (string, error) {
	slave, err := newSlave(h.logger, spec, h.deps(), h)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	_, taken := h.slaves.byRoutingKey(slave.RoutingKey())
	if !taken {
		h.pending[slave] = struct{}{}
	}
	h.mu.Unlock()
	if taken {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRoutingKey, slave.RoutingKey())
	}
	defer h.settle(slave)

	if attached, ok := slave.spec.Source.(Attached); ok {
		return h.attach(ctx, slave, attached.Params)
	}

	if err := slave.start(ctx); err != nil {
		if !errors.Is(err, ErrSlaveStopped) {
			h.logger.Error().Err(err).Str("slave", slave.RoutingKey()).Msg("failed to start slave")
		}
		return "", err
	}
	return h.admit(slave)
}

func (h *Horde) attach(ctx context.Context, slave *Slave, params bus.Params) (string, error) {
	id := slave.ID()
	monitor := newHealthMonitor(h.logger, slave, h.cfg.HealthInterval, h.cfg.Connection.UseOverlay, h.cfg.DevelopmentMode, h.perf)

	h.mu.Lock()
	h.monitors[id] = monitor
	h.mu.Unlock()
	monitor.start()

	if !params.Passive {
		if err := slave.connect(ctx, params); err != nil {
			h.dropMonitor(id)
			if errors.Is(err, ErrSlaveStopped) {
				h.logger.Info().Str("slave", slave.RoutingKey()).Msg("attach abandoned")
			} else {
				h.logger.Error().Err(err).Str("slave", slave.RoutingKey()).Msg("failed to attach slave")
			}
			return "", err
		}
		return h.admit(slave)
	}

	h.mu.Lock()
	if _, ok := h.pending[slave]; !ok {
		h.mu.Unlock()
		h.dropMonitor(id)
		slave.stop(context.Background(), stopSpawned)
		return "", fmt.Errorf("%w: %s", ErrSlaveStopped, slave.RoutingKey())
	}
	delete(h.pending, slave)
	if _, taken := h.slaves.byRoutingKey(slave.RoutingKey()); taken {
		h.mu.Unlock()
		h.dropMonitor(id)
		return "", fmt.Errorf("%w: %s", ErrDuplicateRoutingKey, slave.RoutingKey())
	}
	h.slaves.put(slave)
	h.mu.Unlock()

	go func() {
		if err := slave.connect(context.Background(), params); err != nil {
			if !errors.Is(err, ErrSlaveStopped) {
				h.logger.Error().Err(err).Str("slave", slave.RoutingKey()).Msg("passive attach failed")
			}
			h.forget(slave)
			return
		}
		if h.owns(slave) {
			h.registryChanged(slave)
		}
	}()
	return id, nil
}

func (h *Horde) admit(slave *Slave) (string, error) {
	id := slave.ID()

	h.mu.Lock()
	if _, ok := h.pending[slave]; !ok {
		h.mu.Unlock()
		h.dropMonitor(id)
		slave.stop(context.Background(), stopSpawned)
		h.logger.Info().Str("slave", slave.RoutingKey()).Str("id", id).Msg("slave left before admission")
		return "", fmt.Errorf("%w: %s", ErrSlaveStopped, slave.RoutingKey())
	}
	delete(h.pending, slave)
	if other, taken := h.slaves.byRoutingKey(slave.RoutingKey()); taken && other != slave {
		h.mu.Unlock()
		h.dropMonitor(id)
		slave.stop(context.Background(), stopSpawned)
		return "", fmt.Errorf("%w: %s", ErrDuplicateRoutingKey, slave.RoutingKey())
	}
	h.slaves.put(slave)
	h.mu.Unlock()

	h.logger.Info().Str("slave", slave.RoutingKey()).Str("id", id).Bool("spawned", slave.IsSpawned()).Msg("slave added")
	h.registryChanged(slave)
	return id, nil
}

func (h *Horde) owns(slave *Slave) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.slaves.get(slave.ID())
	return ok && current == slave
}

// settle drops slave from pending once Add is done with it.
func (h *Horde) settle(slave *Slave) {
	h.mu.Lock()
	delete(h.pending, slave)
	h.mu.Unlock()
}

// pendingByID finds a member that is still being added. Callers hold h.mu.
func (h *Horde) pendingByID(id string) (*Slave, bool) {
	for slave := range h.pending {
		if slave.ID() == id {
			return slave, true
		}
	}
	return nil, false
}

// forget drops slave from the table if it is still there, then stops it.
func (h *Horde) forget(slave *Slave) {
	id := slave.ID()
	h.mu.Lock()
	if current, ok := h.slaves.get(id); ok && current == slave {
		h.slaves.delete(id)
	}
	h.mu.Unlock()
	h.dropMonitor(id)
	slave.stop(context.Background(), stopSpawned)
}

func (h *Horde) dropMonitor(id string) {
	h.mu.Lock()
	monitor, ok := h.monitors[id]
	delete(h.monitors, id)
	h.mu.Unlock()
	if ok {
		monitor.Stop()
	}
}

// Remove stops one member gracefully and drops it from the table. A member
// that is still connecting is stopped too, and its Add fails with
// ErrSlaveStopped. An unknown id is logged and ignored. Teardown failures are
// returned, but the member is gone from the table either way.
func (h *Horde) Remove(ctx context.Context, id string) error {
	h.mu.Lock()
	slave, ok := h.slaves.delete(id)
	if !ok {
		if slave, ok = h.pendingByID(id); ok {
			delete(h.pending, slave)
		}
	}
	monitor := h.monitors[id]
	delete(h.monitors, id)
	h.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if !ok {
		h.logger.Warn().Str("id", id).Msg("slave is not alive")
		return nil
	}

	slave.detach()
	err := slave.stop(ctx, stopGraceful)
	h.logger.Info().Str("slave", slave.RoutingKey()).Str("id", id).Msg("slave removed")
	return err
}

// Stop stops every member concurrently. Spawned members are always killed;
// attached members are only disconnected unless all is set, in which case
// they are asked to shut down first. Members still being added are dropped
// with the rest.
func (h *Horde) Stop(ctx context.Context, all bool) error {
	h.mu.Lock()
	slaves := h.slaves.clear()
	monitors := h.monitors
	h.monitors = make(map[string]*HealthMonitor)
	pending := make([]*Slave, 0, len(h.pending))
	for slave := range h.pending {
		pending = append(pending, slave)
	}
	h.pending = make(map[*Slave]struct{})
	h.mu.Unlock()

	for _, monitor := range monitors {
		monitor.Stop()
	}

	mode := stopSpawned
	if all {
		mode = stopAll
	}

	tasks := make([]task, 0, len(slaves))
	for _, slave := range slaves {
		slave := slave
		tasks = append(tasks, task{name: slave.ID(), run: func(ctx context.Context) error {
			slave.detach()
			return slave.stop(ctx, mode)
		}})
	}
	for _, slave := range pending {
		slave := slave
		tasks = append(tasks, task{name: "pending", run: func(ctx context.Context) error {
			slave.detach()
			return slave.stop(ctx, stopSpawned)
		}})
	}

	h.logger.Info().Int("slaves", len(slaves)).Int("pending", len(pending)).Bool("all", all).Msg("stopping horde")
	return joinAll(ctx, tasks)
}

// Unload removes every member, one after the other.
func (h *Horde) Unload(ctx context.Context) error {
	var errs []error
	for _, slave := range h.Slaves() {
		if err := h.Remove(ctx, slave.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Horde) Slaves() []*Slave {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slaves.list()
}

func (h *Horde) Get(id string) (*Slave, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slaves.get(id)
}

func (h *Horde) SlaveByRoutingKey(key string) (*Slave, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slaves.byRoutingKey(key)
}

func (h *Horde) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slaves.len()
}

func (h *Horde) Monitor(id string) (*HealthMonitor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	monitor, ok := h.monitors[id]
	return monitor, ok
}

func (h *Horde) MonitorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.monitors)
}

// PerfStatus is the last health sample of an attached slave.
func (h *Horde) PerfStatus(id string) (PerfStatus, bool) {
	monitor, ok := h.Monitor(id)
	if !ok {
		return PerfStatus{}, false
	}
	return monitor.LastStatus(), true
}

// Registry merges the command registries of every member. Each command is
// tagged with the routing key of the member that provides it.
func (h *Horde) Registry() bus.Registry {
	registry := bus.Registry{}
	for _, slave := range h.Slaves() {
		for name, info := range slave.Commands() {
			info.Owner = slave.RoutingKey()
			registry[name] = info
		}
	}
	return registry
}

func (h *Horde) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	if h.cfg.Autoload {
		ctx, cancel := context.WithCancel(context.Background())
		loaded := make(chan error, 1)
		go func() {
			loaded <- h.Autoload(ctx)
		}()

		select {
		case err := <-loaded:
			cancel()
			if err != nil {
				h.logger.Error().Err(err).Msg("autoload failed")
			}
		case sig := <-signals:
			cancel()
			<-loaded
			return h.Stop(context.Background(), sig == os.Kill)
		}
	}

	close(ready)

	sig := <-signals
	h.logger.Info().Str("signal", sig.String()).Msg("horde signaled")
	return h.Stop(context.Background(), sig == os.Kill)
}

func (h *Horde) registryChanged(s *Slave) {
	h.collab.Listener.CommandsRegistryChanged(s.ID())
}

func (h *Horde) tokenChanged(s *Slave, token string) {
	h.collab.Listener.TokenChanged(s.ID(), token)
}

func (h *Horde) orcNameChanged(s *Slave, oldName, newName string) {
	h.collab.Listener.OrcNameChanged(s.ID(), oldName, newName)
}

func (h *Horde) reconnectAttempt(s *Slave) {
	h.logger.Warn().Str("slave", s.RoutingKey()).Msg("reconnecting")
	h.collab.Listener.ReconnectAttempt(s.ID())
}

func (h *Horde) reconnected(s *Slave) {
	h.logger.Info().Str("slave", s.RoutingKey()).Msg("reconnected")
	h.collab.Listener.Reconnected(s.ID())
}

func (h *Horde) perf(status PerfStatus) {
	h.collab.Listener.Perf(status)
}
