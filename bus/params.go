package bus

import (
	"net"
	"strconv"
)

// Params are the connection parameters of one running bus.
type Params struct {
	Host      string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port      int    `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" toml:"transport,omitempty"`

	// TotalTribes is the shard-group size a spawned node reports in its own
	// settings. Zero and one both mean "no extra tribes".
	TotalTribes int `json:"totalTribes,omitempty" yaml:"totalTribes,omitempty" toml:"totalTribes,omitempty"`

	NoForwarding bool `json:"noForwarding,omitempty" yaml:"noForwarding,omitempty" toml:"noForwarding,omitempty"`
	Passive      bool `json:"passive,omitempty" yaml:"passive,omitempty" toml:"passive,omitempty"`
	OptimistLag  bool `json:"optimistLag,omitempty" yaml:"optimistLag,omitempty" toml:"optimistLag,omitempty"`
}

func (p Params) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Merge returns p with every non-zero field of override applied on top.
func (p Params) Merge(override Params) Params {
	if override.Host != "" {
		p.Host = override.Host
	}
	if override.Port != 0 {
		p.Port = override.Port
	}
	if override.Transport != "" {
		p.Transport = override.Transport
	}
	if override.TotalTribes != 0 {
		p.TotalTribes = override.TotalTribes
	}
	p.NoForwarding = p.NoForwarding || override.NoForwarding
	p.Passive = p.Passive || override.Passive
	p.OptimistLag = p.OptimistLag || override.OptimistLag
	return p
}
