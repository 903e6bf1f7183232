package bus

import "strings"

type Forwarding struct {
	AppID string   `cbor:"appId,omitempty" json:"appId,omitempty"`
	Route []string `cbor:"route,omitempty" json:"route,omitempty"`
}

type Message struct {
	ID          string      `cbor:"id,omitempty" json:"id,omitempty"`
	Token       string      `cbor:"token,omitempty" json:"token,omitempty"`
	OrcName     string      `cbor:"orcName,omitempty" json:"orcName,omitempty"`
	Data        interface{} `cbor:"data,omitempty" json:"data,omitempty"`
	Forwarding  *Forwarding `cbor:"forwarding,omitempty" json:"forwarding,omitempty"`
	Broadcasted bool        `cbor:"broadcasted,omitempty" json:"broadcasted,omitempty"`
}

// Clone copies the routing metadata; Data is shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return &Message{}
	}
	c := *m
	if m.Forwarding != nil {
		f := *m.Forwarding
		f.Route = append([]string(nil), m.Forwarding.Route...)
		c.Forwarding = &f
	}
	return &c
}

type Event struct {
	Topic   string   `cbor:"topic" json:"topic"`
	Message *Message `cbor:"msg" json:"msg"`
}

// IsControl reports whether the event belongs to the bus control plane.
func (e Event) IsControl() bool {
	return strings.HasPrefix(e.Topic, ControlPrefix)
}

// IsReply reports whether the topic terminates a command.
func (e Event) IsReply() bool {
	return strings.HasSuffix(e.Topic, ".finished") || strings.HasSuffix(e.Topic, ".error")
}

// BroadcastPayload is the body of BroadcastCommand.
type BroadcastPayload struct {
	Topic string   `cbor:"topic" json:"topic"`
	Msg   *Message `cbor:"msg" json:"msg"`
}

type CommandInfo struct {
	Desc     string `cbor:"desc,omitempty" json:"desc,omitempty"`
	Parallel bool   `cbor:"parallel,omitempty" json:"parallel,omitempty"`
	Owner    string `cbor:"owner,omitempty" json:"owner,omitempty"`
}

type Registry map[string]CommandInfo

func (r Registry) Clone() Registry {
	c := make(Registry, len(r))
	for name, info := range r {
		c[name] = info
	}
	return c
}
