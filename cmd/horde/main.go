// Command horde runs one node of a horde: its bus hub, the slaves it
// orchestrates, and an optional status server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/bus_grpc"
	"github.com/tedsuo/horde/commands"
	"github.com/tedsuo/horde/config"
	"github.com/tedsuo/horde/logging"
	"github.com/tedsuo/horde/routes"
	"github.com/tedsuo/horde/settings"
	"github.com/tedsuo/horde/status"
	"github.com/tedsuo/horde/supervisor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath    string
	app           string
	variant       string
	node          string
	tribe         int
	totalTribes   int
	busHost       string
	busPort       int
	statusAddress string
	hostBinary    string
	logLevel      string
	noAutoload    bool
	dev           bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("horde", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the horde config (.yml or .toml)")
	flagSet.StringVar(&opts.app, "app", "", "name of the app this node runs")
	flagSet.StringVar(&opts.variant, "app-variant", "", "variant of the app")
	flagSet.StringVar(&opts.node, "node", "", "identity under which this node publishes its bus settings")
	flagSet.IntVar(&opts.tribe, "tribe", 0, "tribe of this node")
	flagSet.IntVar(&opts.totalTribes, "total-tribes", 0, "number of tribes of this app")
	flagSet.StringVar(&opts.busHost, "bus-host", "", "address the bus listens on")
	flagSet.IntVar(&opts.busPort, "bus-port", -1, "port the bus listens on (0 picks a free one)")
	flagSet.StringVar(&opts.statusAddress, "status-address", "", "serve the status view on this address")
	flagSet.StringVar(&opts.hostBinary, "host-binary", "", "executable spawned for every slave (default: this binary)")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "trace, debug, info, warn, error or disabled")
	flagSet.BoolVar(&opts.noAutoload, "no-autoload", false, "do not load the configured hordes at startup")
	flagSet.BoolVar(&opts.dev, "dev", false, "development mode: lagging peers are never torn down")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	if opts.app != "" {
		cfg.App = opts.app
	}
	if opts.variant != "" {
		cfg.Variant = opts.variant
	}
	if opts.node != "" {
		cfg.Node = opts.node
	}
	if opts.tribe > 0 {
		cfg.Tribe = opts.tribe
	}
	if opts.totalTribes > 0 {
		cfg.TotalTribes = opts.totalTribes
	}
	if opts.busHost != "" {
		cfg.Bus.Host = opts.busHost
	}
	if opts.busPort >= 0 {
		cfg.Bus.Port = opts.busPort
	}
	if opts.statusAddress != "" {
		cfg.StatusAddress = opts.statusAddress
	}
	if opts.noAutoload {
		cfg.Autoload = false
	}
	if opts.dev {
		cfg.DevelopmentMode = true
	}

	cfg.HostBinary = opts.hostBinary
	if cfg.HostBinary == "" {
		self, err := os.Executable()
		if err != nil {
			return config.Config{}, err
		}
		cfg.HostBinary = self
	}

	if cfg.App == "" {
		return config.Config{}, fmt.Errorf("no app name: set --app or app in the config")
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err == pflag.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	if lvl, ok := logging.ParseLevel(opts.logLevel); ok {
		logCfg.Level = lvl
	}
	logger := logging.New(horde.RoutingKey(opts.app, opts.tribe), logCfg)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	table := routes.NewTable()
	hub, err := bus_grpc.NewHub(logger, bus_grpc.HubConfig{
		Address:   cfg.Bus.Address(),
		MaxPeers:  cfg.MaxPeers,
		Heartbeat: cfg.Heartbeat,
	}, table)
	if err != nil {
		return err
	}

	store := settings.NewStore(cfg.SettingsDir)
	listener := &hubListener{logger: logger, hub: hub}

	h := horde.New(logger, cfg, horde.Collaborators{
		Dialer: bus_grpc.NewDialer(logger, bus_grpc.DialerConfig{
			Identity:    horde.RoutingKey(cfg.App, cfg.Tribe),
			Compression: cfg.Compression,
			Backoff:     bus_grpc.DefaultBackoff(),
		}),
		Supervisor: supervisor.New(logger, cfg.InspectPortBase),
		Settings:   store,
		Events:     hub,
		Routes:     table,
		Lines:      table,
		Listener:   listener,
	})
	listener.horde = h

	hub.SetForwarder(forwarder(h))
	commands.New(logger, h, hub).Register(hub)

	members := grouper.Members{
		{Name: "bus", Runner: hub},
		{Name: "announce", Runner: announce(logger, store, cfg, hub)},
		{Name: "horde", Runner: h},
	}
	if cfg.StatusAddress != "" {
		gin.SetMode(gin.ReleaseMode)
		members = append(members, grouper.Member{Name: "status", Runner: status.New(logger, cfg.StatusAddress, h)})
	}

	process := ifrit.Invoke(sigmon.New(grouper.NewOrdered(os.Interrupt, members)))
	hub.OnShutdown(func() {
		logger.Info().Msg("shutdown requested by a peer")
		process.Signal(os.Interrupt)
	})

	logger.Info().Str("routing_key", h.RoutingKey()).Msg("horde node started")
	return <-process.Wait()
}

// forwarder relays a command the hub does not handle to the slave that
// provides it.
func forwarder(h *horde.Horde) bus_grpc.Forwarder {
	return func(ctx context.Context, command string, msg *bus.Message) (bool, error) {
		info, ok := h.Registry()[command]
		if !ok {
			return false, nil
		}
		slave, ok := h.SlaveByRoutingKey(info.Owner)
		if !ok {
			return false, nil
		}
		conn := slave.Connection()
		if conn == nil {
			return false, fmt.Errorf("%w: %s", bus_grpc.ErrNotConnected, info.Owner)
		}
		return true, conn.Send(ctx, command, msg)
	}
}

// announce publishes the bus settings of a spawned node once its hub
// listens, and withdraws them on exit.
func announce(logger zerolog.Logger, store *settings.Store, cfg config.Config, hub *bus_grpc.Hub) ifrit.Runner {
	return ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		if cfg.Node == "" {
			close(ready)
			<-signals
			return nil
		}

		params := hub.Params()
		params.TotalTribes = cfg.TotalTribes
		if err := store.Publish(settings.KindBus, cfg.Node, params); err != nil {
			return err
		}
		logger.Info().Str("node", cfg.Node).Str("address", params.Address()).Msg("bus settings published")
		close(ready)

		<-signals
		return store.Remove(settings.KindBus, cfg.Node)
	})
}

type hubListener struct {
	logger zerolog.Logger
	hub    *bus_grpc.Hub
	horde  *horde.Horde
}

func (l *hubListener) CommandsRegistryChanged(slaveID string) {
	l.hub.Expose(l.horde.Registry())
}

func (l *hubListener) TokenChanged(slaveID, token string) {
	l.logger.Debug().Str("slave", slaveID).Msg("token changed")
}

func (l *hubListener) OrcNameChanged(slaveID, oldName, newName string) {
	l.logger.Debug().Str("slave", slaveID).Str("old", oldName).Str("new", newName).Msg("orc name changed")
}

func (l *hubListener) ReconnectAttempt(slaveID string) {}

func (l *hubListener) Reconnected(slaveID string) {
	l.hub.Expose(l.horde.Registry())
}

func (l *hubListener) Perf(status horde.PerfStatus) {
	if status.Lag {
		l.logger.Debug().Str("horde", status.Horde).Dur("delta", status.Delta).Bool("overlay", status.Overlay).Msg("lag")
	}
}
