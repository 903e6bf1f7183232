package horde_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/config"
	"github.com/tedsuo/horde/fakes"
	"github.com/tedsuo/horde/routes"
	"github.com/tedsuo/horde/settings"
	"github.com/tedsuo/horde/supervisor"
)

type harness struct {
	cfg        config.Config
	dialer     *fakes.FakeDialer
	supervisor *fakes.FakeSupervisor
	settings   *fakes.FakeSettings
	events     *fakes.FakeEventSink
	routes     *routes.Table
	listener   *fakes.FakeListener
}

func newHarness() *harness {
	cfg := config.Default()
	cfg.App = "main"
	cfg.Autoload = false
	cfg.HostBinary = "/usr/local/bin/horde-node"
	cfg.SpawnRetryInterval = 2 * time.Millisecond
	cfg.HealthInterval = time.Hour
	cfg.Bus = bus.Params{Host: "127.0.0.1", Port: 4000, Transport: "grpc"}

	return &harness{
		cfg:        cfg,
		dialer:     &fakes.FakeDialer{},
		supervisor: &fakes.FakeSupervisor{},
		settings:   &fakes.FakeSettings{},
		events:     &fakes.FakeEventSink{},
		routes:     routes.NewTable(),
		listener:   &fakes.FakeListener{},
	}
}

func (h *harness) horde() *horde.Horde {
	logger := zerolog.New(GinkgoWriter)
	return horde.New(logger, h.cfg, horde.Collaborators{
		Dialer:     h.dialer,
		Supervisor: h.supervisor,
		Settings:   h.settings,
		Events:     h.events,
		Routes:     h.routes,
		Lines:      h.routes,
		Listener:   h.listener,
	})
}

// publishOnSpawn makes every spawned child report params as its bus
// settings, with a port of its own.
func (h *harness) publishOnSpawn(params bus.Params) {
	var mu sync.Mutex
	port := params.Port
	h.supervisor.OnSpawn = func(spec supervisor.Spec) {
		mu.Lock()
		p := params
		p.Port = port
		port++
		mu.Unlock()
		h.settings.Publish(settings.KindBus, spec.Identity, p)
	}
}

func withCommands(commands ...string) func(*fakes.FakeConnection) {
	return func(conn *fakes.FakeConnection) {
		registry := bus.Registry{}
		for _, name := range commands {
			registry[name] = bus.CommandInfo{Desc: name}
		}
		conn.SetRegistry(registry, "1")
	}
}

func attached(name string, port int) horde.MemberSpec {
	return horde.MemberSpec{
		Horde:  name,
		Source: horde.Attached{Params: bus.Params{Host: "10.0.0.2", Port: port}},
	}
}

func mustAdd(h *horde.Horde, spec horde.MemberSpec) string {
	id, err := h.Add(context.Background(), spec)
	Expect(err).NotTo(HaveOccurred())
	return id
}
