package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/config"
)

var _ = Describe("Config", func() {
	var dir string

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		Ω(os.WriteFile(path, []byte(content), 0o644)).Should(Succeed())
		return path
	}

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	Describe("Load", func() {
		It("reads YAML over the defaults", func() {
			path := write("horde.yml", `
app: main
tribe: 1
hordes: [chat, "news@beta"]
autoload: false
developmentMode: true
connection:
  useOverlay: false
bus:
  port: 4000
healthInterval: 250ms
topology:
  chat:
    host: 10.0.0.3
    port: 7000
    tribes:
      - port: 7001
`)
			cfg, err := config.Load(path)
			Ω(err).ShouldNot(HaveOccurred())

			Ω(cfg.App).Should(Equal("main"))
			Ω(cfg.Tribe).Should(Equal(1))
			Ω(cfg.Hordes).Should(Equal([]string{"chat", "news@beta"}))
			Ω(cfg.Autoload).Should(BeFalse())
			Ω(cfg.DevelopmentMode).Should(BeTrue())
			Ω(cfg.Connection.UseOverlay).Should(BeFalse())
			Ω(cfg.Bus).Should(Equal(bus.Params{Host: "127.0.0.1", Port: 4000, Transport: config.DefaultTransport}))
			Ω(cfg.HealthInterval).Should(Equal(250 * time.Millisecond))
			Ω(cfg.SpawnRetries).Should(Equal(config.DefaultSpawnRetries))

			entry, ok := cfg.Topology.Lookup("chat", 0)
			Ω(ok).Should(BeTrue())
			Ω(entry.Host).Should(Equal("10.0.0.3"))
			Ω(entry.Tribes).Should(Equal([]bus.Params{{Port: 7001}}))
		})

		It("reads TOML by extension", func() {
			path := write("horde.toml", `
app = "main"
hordes = ["chat"]
spawnRetryInterval = "2s"

[bus]
host = "0.0.0.0"
port = 4100

[topology.chat]
host = "10.0.0.3"
port = 7000
optimistLag = true
`)
			cfg, err := config.Load(path)
			Ω(err).ShouldNot(HaveOccurred())

			Ω(cfg.Autoload).Should(BeTrue())
			Ω(cfg.Connection.UseOverlay).Should(BeTrue())
			Ω(cfg.Bus.Address()).Should(Equal("0.0.0.0:4100"))
			Ω(cfg.SpawnRetryInterval).Should(Equal(2 * time.Second))
			Ω(cfg.Topology["chat"].OptimistLag).Should(BeTrue())
		})

		It("lets a JSON topology override structured entries", func() {
			path := write("horde.yml", `
topology:
  chat: {host: 10.0.0.3, port: 7000}
  news: {host: 10.0.0.4, port: 7100}
topologyJSON: |
  {
    // moved
    "chat": {"host": "10.0.0.9", "port": 7900,},
  }
`)
			cfg, err := config.Load(path)
			Ω(err).ShouldNot(HaveOccurred())
			Ω(cfg.Topology["chat"].Address()).Should(Equal("10.0.0.9:7900"))
			Ω(cfg.Topology["news"].Address()).Should(Equal("10.0.0.4:7100"))
		})

		It("rejects bad durations", func() {
			path := write("horde.yml", "heartbeat: soon\n")
			_, err := config.Load(path)
			Ω(err).Should(MatchError(ContainSubstring("parse heartbeat")))
		})

		It("fails on a missing file", func() {
			_, err := config.Load(filepath.Join(dir, "missing.yml"))
			Ω(err).Should(HaveOccurred())
		})
	})

	Describe("Topology.Lookup", func() {
		topology := config.Topology{
			"chat":   config.Entry{Params: bus.Params{Port: 7000}},
			"chat-2": config.Entry{Params: bus.Params{Port: 7200}},
		}

		It("prefers the tribe-qualified entry", func() {
			entry, ok := topology.Lookup("chat", 2)
			Ω(ok).Should(BeTrue())
			Ω(entry.Port).Should(Equal(7200))
		})

		It("falls back to the horde entry", func() {
			entry, ok := topology.Lookup("chat", 1)
			Ω(ok).Should(BeTrue())
			Ω(entry.Port).Should(Equal(7000))
		})

		It("misses unknown hordes", func() {
			_, ok := topology.Lookup("news", 0)
			Ω(ok).Should(BeFalse())
		})
	})
})
