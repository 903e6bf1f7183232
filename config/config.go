/*
Package config loads the horde configuration of one node.

The file format follows the extension: ".toml" files are decoded with
BurntSushi/toml, anything else as YAML. A topology may also be given as a
JSON string (comments and trailing commas allowed); its entries replace the
matching entries of the structured topology.
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tedsuo/horde/bus"
)

const (
	DefaultHealthInterval     = time.Second
	DefaultSpawnRetryInterval = time.Second
	DefaultSpawnRetries       = 10
	DefaultHeartbeat          = 500 * time.Millisecond
	DefaultMaxPeers           = 64
	DefaultInspectPortBase    = 9229
	DefaultTransport          = "grpc"
)

// Entry describes how to reach one horde. Its presence in the topology means
// the horde is attached instead of spawned.
type Entry struct {
	bus.Params `yaml:",inline"`

	// Tribes holds one override per extra tribe; Tribes[i] is tribe i+1.
	Tribes []bus.Params `json:"tribes,omitempty" yaml:"tribes,omitempty" toml:"tribes,omitempty"`
}

// Topology maps an entry key, either "name" or "name-<tribe>", to an Entry.
type Topology map[string]Entry

// Lookup prefers the tribe-qualified key over the plain horde name.
func (t Topology) Lookup(horde string, tribe int) (Entry, bool) {
	if tribe > 0 {
		if entry, ok := t[fmt.Sprintf("%s-%d", horde, tribe)]; ok {
			return entry, true
		}
	}
	entry, ok := t[horde]
	return entry, ok
}

type Connection struct {
	UseOverlay bool
}

type Config struct {
	App         string
	Variant     string
	Tribe       int
	TotalTribes int
	Node        string

	Hordes          []string
	Autoload        bool
	Topology        Topology
	Connection      Connection
	DevelopmentMode bool

	Bus         bus.Params
	MaxPeers    int
	Heartbeat   time.Duration
	Compression string

	HostBinary      string
	SettingsDir     string
	InspectPortBase int

	HealthInterval     time.Duration
	SpawnRetryInterval time.Duration
	SpawnRetries       int

	StatusAddress string
}

func Default() Config {
	return Config{
		Autoload:   true,
		Topology:   Topology{},
		Connection: Connection{UseOverlay: true},
		Bus: bus.Params{
			Host:      "127.0.0.1",
			Transport: DefaultTransport,
		},
		MaxPeers:           DefaultMaxPeers,
		Heartbeat:          DefaultHeartbeat,
		SettingsDir:        filepath.Join(os.TempDir(), "horde"),
		InspectPortBase:    DefaultInspectPortBase,
		HealthInterval:     DefaultHealthInterval,
		SpawnRetryInterval: DefaultSpawnRetryInterval,
		SpawnRetries:       DefaultSpawnRetries,
	}
}

type fileConfig struct {
	App         string `yaml:"app" toml:"app"`
	Variant     string `yaml:"variant" toml:"variant"`
	Tribe       int    `yaml:"tribe" toml:"tribe"`
	TotalTribes int    `yaml:"totalTribes" toml:"totalTribes"`
	Node        string `yaml:"node" toml:"node"`

	Hordes       []string `yaml:"hordes" toml:"hordes"`
	Autoload     *bool    `yaml:"autoload" toml:"autoload"`
	Topology     Topology `yaml:"topology" toml:"topology"`
	TopologyJSON string   `yaml:"topologyJSON" toml:"topologyJSON"`
	Connection   struct {
		UseOverlay *bool `yaml:"useOverlay" toml:"useOverlay"`
	} `yaml:"connection" toml:"connection"`
	DevelopmentMode bool `yaml:"developmentMode" toml:"developmentMode"`

	Bus         bus.Params `yaml:"bus" toml:"bus"`
	MaxPeers    int        `yaml:"maxPeers" toml:"maxPeers"`
	Heartbeat   string     `yaml:"heartbeat" toml:"heartbeat"`
	Compression string     `yaml:"compression" toml:"compression"`

	HostBinary      string `yaml:"hostBinary" toml:"hostBinary"`
	SettingsDir     string `yaml:"settingsDir" toml:"settingsDir"`
	InspectPortBase int    `yaml:"inspectPortBase" toml:"inspectPortBase"`

	HealthInterval     string `yaml:"healthInterval" toml:"healthInterval"`
	SpawnRetryInterval string `yaml:"spawnRetryInterval" toml:"spawnRetryInterval"`
	SpawnRetries       int    `yaml:"spawnRetries" toml:"spawnRetries"`

	StatusAddress string `yaml:"statusAddress" toml:"statusAddress"`
}

// Load reads path and applies it over Default.
func Load(path string) (Config, error) {
	var raw fileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return Config{}, fmt.Errorf("load horde config: %w", err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load horde config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("load horde config: %w", err)
		}
	}

	return raw.apply(Default())
}

func (raw fileConfig) apply(cfg Config) (Config, error) {
	cfg.App = strings.TrimSpace(raw.App)
	cfg.Variant = strings.TrimSpace(raw.Variant)
	cfg.Tribe = raw.Tribe
	cfg.TotalTribes = raw.TotalTribes
	cfg.Node = strings.TrimSpace(raw.Node)
	cfg.Hordes = raw.Hordes
	cfg.DevelopmentMode = raw.DevelopmentMode
	cfg.Compression = strings.TrimSpace(raw.Compression)
	cfg.StatusAddress = strings.TrimSpace(raw.StatusAddress)
	cfg.HostBinary = strings.TrimSpace(raw.HostBinary)

	if raw.Autoload != nil {
		cfg.Autoload = *raw.Autoload
	}
	if raw.Connection.UseOverlay != nil {
		cfg.Connection.UseOverlay = *raw.Connection.UseOverlay
	}
	cfg.Bus = cfg.Bus.Merge(raw.Bus)
	if raw.MaxPeers > 0 {
		cfg.MaxPeers = raw.MaxPeers
	}
	if raw.SettingsDir != "" {
		cfg.SettingsDir = raw.SettingsDir
	}
	if raw.InspectPortBase > 0 {
		cfg.InspectPortBase = raw.InspectPortBase
	}
	if raw.SpawnRetries > 0 {
		cfg.SpawnRetries = raw.SpawnRetries
	}

	durations := []struct {
		name  string
		value string
		into  *time.Duration
	}{
		{"heartbeat", raw.Heartbeat, &cfg.Heartbeat},
		{"healthInterval", raw.HealthInterval, &cfg.HealthInterval},
		{"spawnRetryInterval", raw.SpawnRetryInterval, &cfg.SpawnRetryInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.into = parsed
	}

	for key, entry := range raw.Topology {
		cfg.Topology[key] = entry
	}
	if strings.TrimSpace(raw.TopologyJSON) != "" {
		overrides, err := ParseTopology([]byte(raw.TopologyJSON))
		if err != nil {
			return Config{}, err
		}
		for key, entry := range overrides {
			cfg.Topology[key] = entry
		}
	}

	return cfg, nil
}

// ParseTopology decodes a JSONC topology document.
func ParseTopology(data []byte) (Topology, error) {
	topology := Topology{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &topology); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return topology, nil
}
