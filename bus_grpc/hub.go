/*
Package bus_grpc is the message bus of a horde node, carried over gRPC.

A Hub is the server side: it publishes events to its subscribers, runs the
commands registered on it, and records the unicast routes and lines of the
node. A Client is one session with a remote Hub and implements
bus.Connection.

Messages are encoded with CBOR; see the codec package.
*/
package bus_grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/codec"
	"github.com/tedsuo/horde/routes"
)

// Transport is the transport kind served by this package.
const Transport = "grpc"

const (
	LineJoinCommand  = "line.join"
	LineLeaveCommand = "line.leave"
)

const subscriberBuffer = 256

var (
	ErrNotConnected         = errors.New("bus: not connected")
	ErrUnknownCommand       = errors.New("bus: unknown command")
	ErrUnsupportedTransport = errors.New("bus: unsupported transport")
	ErrSlowSubscriber       = errors.New("bus: subscriber is not keeping up")
)

// CommandFunc runs one command. Results are reported as events.
type CommandFunc func(ctx context.Context, msg *bus.Message)

// Forwarder runs a command the hub does not handle itself. It reports
// whether some peer accepted the command.
type Forwarder func(ctx context.Context, command string, msg *bus.Message) (bool, error)

// LinePayload is the body of the line commands.
type LinePayload struct {
	Line  string `cbor:"line"`
	Token string `cbor:"token"`
}

type HubConfig struct {
	Address   string
	MaxPeers  int
	Heartbeat time.Duration
}

type command struct {
	info bus.CommandInfo
	run  CommandFunc
	lock *sync.Mutex
}

type Hub struct {
	logger zerolog.Logger
	cfg    HubConfig
	routes *routes.Table
	token  string

	mu           sync.Mutex
	commands     map[string]command
	forwarded    bus.Registry
	registryTime string
	subscribers  map[*subscriber]struct{}
	forward      Forwarder
	onShutdown   func()
	addr         net.Addr
	stopping     chan struct{}
}

func NewHub(logger zerolog.Logger, cfg HubConfig, table *routes.Table) (*Hub, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	if table == nil {
		table = routes.NewTable()
	}

	return &Hub{
		logger:       logger.With().Str("component", "bus").Logger(),
		cfg:          cfg,
		routes:       table,
		token:        token.String(),
		commands:     make(map[string]command),
		forwarded:    bus.Registry{},
		registryTime: newRegistryTime(),
		subscribers:  make(map[*subscriber]struct{}),
		stopping:     make(chan struct{}),
	}, nil
}

func (h *Hub) Token() string {
	return h.token
}

func (h *Hub) Routes() *routes.Table {
	return h.routes
}

// Params are the connection parameters of the running hub. The port is
// only known once the hub is ready.
func (h *Hub) Params() bus.Params {
	h.mu.Lock()
	addr := h.addr
	h.mu.Unlock()

	params := bus.Params{Transport: Transport}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		params.Host = tcp.IP.String()
		params.Port = tcp.Port
	}
	return params
}

// Handle registers a local command and announces the new registry.
func (h *Hub) Handle(name string, info bus.CommandInfo, fn CommandFunc) {
	h.mu.Lock()
	cmd := command{info: info, run: fn}
	if !info.Parallel {
		cmd.lock = new(sync.Mutex)
	}
	h.commands[name] = cmd
	h.mu.Unlock()

	h.registryChanged()
}

// Expose replaces the commands the hub forwards to its peers.
func (h *Hub) Expose(registry bus.Registry) {
	h.mu.Lock()
	h.forwarded = registry.Clone()
	h.mu.Unlock()

	h.registryChanged()
}

func (h *Hub) SetForwarder(forward Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forward = forward
}

// OnShutdown is called when a peer sends the shutdown command.
func (h *Hub) OnShutdown(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onShutdown = fn
}

// Registry returns the local commands merged with the forwarded ones, and
// the time the registry last changed.
func (h *Hub) Registry() (bus.Registry, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registryLocked(), h.registryTime
}

func (h *Hub) registryLocked() bus.Registry {
	registry := h.forwarded.Clone()
	for name, cmd := range h.commands {
		registry[name] = cmd.info
	}
	return registry
}

func (h *Hub) registryChanged() {
	h.mu.Lock()
	h.registryTime = newRegistryTime()
	frame := &Frame{Kind: frameRegistry, Registry: h.registryLocked(), RegistryTime: h.registryTime}
	subs := h.subscriberList()
	h.mu.Unlock()

	for _, sub := range subs {
		sub.push(frame)
	}
}

// Send publishes an event to every subscriber.
func (h *Hub) Send(topic string, msg *bus.Message) error {
	frame := &Frame{Kind: frameEvent, Event: &bus.Event{Topic: topic, Message: msg}}

	h.mu.Lock()
	subs := h.subscriberList()
	h.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.push(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	listener, err := net.Listen("tcp", h.cfg.Address)
	if err != nil {
		return err
	}
	if h.cfg.MaxPeers > 0 {
		listener = netutil.LimitListener(listener, h.cfg.MaxPeers)
	}

	h.mu.Lock()
	h.addr = listener.Addr()
	h.mu.Unlock()

	server := grpc.NewServer(grpc.ForceServerCodec(encoding.GetCodec(codec.Name)))
	server.RegisterService(&serviceDesc, h)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.Serve(listener)
	}()

	heartbeatDone := make(chan struct{})
	go h.heartbeat(heartbeatDone)
	defer close(heartbeatDone)

	h.logger.Info().Str("address", listener.Addr().String()).Msg("bus listening")
	close(ready)

	select {
	case err = <-serverErrChan:
		return err

	case sig := <-signals:
		close(h.stopping)
		if sig == os.Kill {
			server.Stop()
		} else {
			server.GracefulStop()
		}
		h.logger.Info().Str("signal", sig.String()).Msg("bus stopped")
		return nil
	}
}

func (h *Hub) heartbeat(done <-chan struct{}) {
	if h.cfg.Heartbeat <= 0 {
		return
	}

	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	frame := &Frame{Kind: frameHeartbeat}
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			subs := h.subscriberList()
			h.mu.Unlock()
			for _, sub := range subs {
				sub.push(frame)
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) Hello(ctx context.Context, req *HelloRequest) (*HelloReply, error) {
	orcName := req.OrcName
	if orcName == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		orcName = "orc-" + id.String()
	}

	registry, registryTime := h.Registry()
	return &HelloReply{
		Token:        h.token,
		OrcName:      orcName,
		Registry:     registry,
		RegistryTime: registryTime,
	}, nil
}

func (h *Hub) Command(ctx context.Context, req *CommandRequest) (*CommandReply, error) {
	msg := &bus.Message{ID: req.ID, Token: req.Token, OrcName: req.OrcName, Data: req.Data}
	logger := h.logger.With().Str("command", req.Name).Str("orcName", req.OrcName).Logger()

	switch req.Name {
	case bus.BroadcastCommand:
		var payload bus.BroadcastPayload
		if err := codec.Convert(req.Data, &payload); err != nil || payload.Topic == "" {
			return nil, status.Error(codes.InvalidArgument, "malformed broadcast")
		}
		if err := h.Send(payload.Topic, payload.Msg); err != nil {
			logger.Warn().Err(err).Str("topic", payload.Topic).Msg("broadcast partially delivered")
		}
		return &CommandReply{Accepted: true}, nil

	case bus.ShutdownCommand:
		h.mu.Lock()
		onShutdown := h.onShutdown
		h.mu.Unlock()
		logger.Info().Msg("shutdown requested")
		if onShutdown != nil {
			go onShutdown()
		}
		return &CommandReply{Accepted: true}, nil

	case LineJoinCommand, LineLeaveCommand:
		var payload LinePayload
		if err := codec.Convert(req.Data, &payload); err != nil || payload.Line == "" {
			return nil, status.Error(codes.InvalidArgument, "malformed line command")
		}
		token := payload.Token
		if token == "" {
			token = req.Token
		}
		if req.Name == LineJoinCommand {
			h.routes.JoinLine(payload.Line, token)
		} else {
			h.routes.LeaveLine(payload.Line, token)
		}
		return &CommandReply{Accepted: true}, nil
	}

	h.mu.Lock()
	cmd, ok := h.commands[req.Name]
	forward := h.forward
	h.mu.Unlock()

	if ok {
		go func() {
			if cmd.lock != nil {
				cmd.lock.Lock()
				defer cmd.lock.Unlock()
			}
			cmd.run(context.Background(), msg)
		}()
		return &CommandReply{Accepted: true}, nil
	}

	if forward != nil {
		accepted, err := forward(ctx, req.Name, msg)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		if accepted {
			return &CommandReply{Accepted: true}, nil
		}
	}

	return nil, status.Error(codes.NotFound, fmt.Sprintf("%s: %s", ErrUnknownCommand, req.Name))
}

func (h *Hub) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	sub := newSubscriber(req.OrcName)
	if req.OrcName != "" {
		h.routes.SetRoute(req.OrcName, Transport, routes.Route{Token: h.token, Channel: sub})
	}

	// the current registry is always the first frame; clients wait for it
	// before they consider the subscription open
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	sub.push(&Frame{Kind: frameRegistry, Registry: h.registryLocked(), RegistryTime: h.registryTime})
	h.mu.Unlock()
	h.logger.Debug().Str("orcName", req.OrcName).Msg("subscribed")

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
		if req.OrcName != "" {
			h.routes.RemoveRoute(req.OrcName, Transport)
		}
		h.logger.Debug().Str("orcName", req.OrcName).Msg("unsubscribed")
	}()

	for {
		select {
		case frame := <-sub.frames:
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-h.stopping:
			return nil
		}
	}
}

// callers hold h.mu
func (h *Hub) subscriberList() []*subscriber {
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

type subscriber struct {
	orcName string
	frames  chan *Frame
}

func newSubscriber(orcName string) *subscriber {
	return &subscriber{orcName: orcName, frames: make(chan *Frame, subscriberBuffer)}
}

// Publish delivers one event to this subscriber only.
func (s *subscriber) Publish(topic string, msg *bus.Message) error {
	return s.push(&Frame{Kind: frameEvent, Event: &bus.Event{Topic: topic, Message: msg}})
}

func (s *subscriber) push(frame *Frame) error {
	select {
	case s.frames <- frame:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSlowSubscriber, s.orcName)
	}
}

func newRegistryTime() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
