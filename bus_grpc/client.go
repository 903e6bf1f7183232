package bus_grpc

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/codec"
)

const DefaultHandshakeTimeout = 5 * time.Second

type DialerConfig struct {
	// Identity prefixes the client names announced to remote hubs.
	Identity         string
	Compression      string
	Backoff          BackoffConfig
	HandshakeTimeout time.Duration
}

type Dialer struct {
	logger zerolog.Logger
	cfg    DialerConfig
}

func NewDialer(logger zerolog.Logger, cfg DialerConfig) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Dialer{logger: logger, cfg: cfg}
}

func (d *Dialer) NewConnection(params bus.Params, observer bus.Observer) bus.Connection {
	return NewClient(d.logger, d.cfg, params, observer)
}

/*
Client is a session with one Hub. Once connected it follows the hub's
Subscribe stream and dispatches every event to its catch-all handlers. When
the stream breaks, the client says hello again with exponential backoff
until it succeeds or is stopped.
*/
type Client struct {
	logger  zerolog.Logger
	cfg     DialerConfig
	params  bus.Params
	wantOrc string
	rng     *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	observer     bus.Observer
	handlers     []bus.Handler
	cc           *grpc.ClientConn
	authToken    string
	connected    bool
	streaming    bool
	stream       grpc.ClientStream
	cancelStream context.CancelFunc
	token        string
	orcName      string
	registry     bus.Registry
	registryTime string
	lastActivity time.Time
	stopped      bool
	done         chan struct{}
}

func NewClient(logger zerolog.Logger, cfg DialerConfig, params bus.Params, observer bus.Observer) *Client {
	if observer == nil {
		observer = bus.NopObserver{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	wantOrc := ""
	if id, err := uuid.NewV4(); err == nil {
		wantOrc = id.String()
		if cfg.Identity != "" {
			wantOrc = cfg.Identity + "-" + wantOrc
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		logger:   logger.With().Str("component", "bus-client").Str("address", params.Address()).Logger(),
		cfg:      cfg,
		params:   params,
		wantOrc:  wantOrc,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:      ctx,
		cancel:   cancel,
		observer: observer,
		registry: bus.Registry{},
	}
}

func (c *Client) callOptions() []grpc.CallOption {
	opts := []grpc.CallOption{grpc.CallContentSubtype(codec.Name)}
	if c.cfg.Compression == codec.CompressorName {
		opts = append(opts, grpc.UseCompressor(codec.CompressorName))
	}
	return opts
}

func (c *Client) Connect(ctx context.Context, transport string, authToken string) error {
	if transport != "" && transport != Transport {
		return fmt.Errorf("%w: %s", ErrUnsupportedTransport, transport)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.ctx, cancel)()

	cc, err := grpc.DialContext(ctx, c.params.Address(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(c.callOptions()...),
		grpc.WithBlock(),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		cc.Close()
		return ErrNotConnected
	}
	c.cc = cc
	c.authToken = authToken
	c.mu.Unlock()

	reply, _, err := c.handshake(ctx)
	if err != nil {
		c.mu.Lock()
		c.cc = nil
		c.mu.Unlock()
		cc.Close()
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	observer := c.observer
	c.mu.Unlock()

	observer.CommandsRegistry(reply.Registry, reply.Token, reply.RegistryTime)
	go c.follow(done)
	return nil
}

type previous struct {
	token   string
	orcName string
}

// handshake says hello and opens a fresh Subscribe stream.
func (c *Client) handshake(ctx context.Context) (*HelloReply, previous, error) {
	c.mu.Lock()
	cc, authToken := c.cc, c.authToken
	c.mu.Unlock()
	if cc == nil {
		return nil, previous{}, ErrNotConnected
	}

	reply := &HelloReply{}
	if err := cc.Invoke(ctx, helloMethod, &HelloRequest{OrcName: c.wantOrc, Token: authToken}, reply); err != nil {
		return nil, previous{}, err
	}

	streamCtx, cancelStream := context.WithCancel(c.ctx)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], subscribeMethod)
	if err == nil {
		err = stream.SendMsg(&SubscribeRequest{OrcName: reply.OrcName})
	}
	if err == nil {
		err = stream.CloseSend()
	}
	var first *Frame
	if err == nil {
		first, err = c.firstFrame(ctx, stream)
	}
	if err != nil {
		cancelStream()
		return nil, previous{}, err
	}
	if first.Kind == frameRegistry {
		reply.Registry = first.Registry
		reply.RegistryTime = first.RegistryTime
	}

	c.mu.Lock()
	prev := previous{token: c.token, orcName: c.orcName}
	c.token = reply.Token
	c.orcName = reply.OrcName
	c.registry = reply.Registry.Clone()
	c.registryTime = reply.RegistryTime
	c.stream = stream
	c.cancelStream = cancelStream
	c.connected = true
	c.streaming = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return reply, prev, nil
}

// firstFrame waits for the frame a hub sends once the subscription is in
// place.
func (c *Client) firstFrame(ctx context.Context, stream grpc.ClientStream) (*Frame, error) {
	frame := new(Frame)
	received := make(chan error, 1)
	go func() {
		received <- stream.RecvMsg(frame)
	}()

	select {
	case err := <-received:
		if err != nil {
			return nil, err
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) follow(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()

		err := c.receive(stream)
		if c.isStopped() {
			return
		}

		c.logger.Warn().Err(err).Msg("bus stream lost")
		c.mu.Lock()
		c.connected = false
		c.streaming = false
		if c.cancelStream != nil {
			c.cancelStream()
		}
		c.mu.Unlock()

		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) receive(stream grpc.ClientStream) error {
	for {
		frame := new(Frame)
		if err := stream.RecvMsg(frame); err != nil {
			return err
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame *Frame) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	switch frame.Kind {
	case frameEvent:
		if frame.Event == nil {
			return
		}
		c.mu.Lock()
		handlers := append([]bus.Handler(nil), c.handlers...)
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(*frame.Event)
		}

	case frameRegistry:
		c.mu.Lock()
		c.registry = frame.Registry.Clone()
		c.registryTime = frame.RegistryTime
		token := c.token
		observer := c.observer
		c.mu.Unlock()
		observer.CommandsRegistry(frame.Registry, token, frame.RegistryTime)
	}
}

func (c *Client) reconnect() bool {
	c.currentObserver().ReconnectAttempt()

	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.cfg.Backoff.NextDelay(attempt, c.rng)):
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		reply, prev, err := c.handshake(ctx)
		cancel()
		if err != nil {
			if c.isStopped() {
				return false
			}
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		c.logger.Info().Int("attempt", attempt).Msg("bus reconnected")
		observer := c.currentObserver()
		observer.Reconnected()
		if prev.token != reply.Token {
			observer.TokenChanged(reply.Token)
		}
		if prev.orcName != reply.OrcName {
			observer.OrcNameChanged(prev.orcName, reply.OrcName)
		}
		observer.CommandsRegistry(reply.Registry, reply.Token, reply.RegistryTime)
		return true
	}
}

func (c *Client) Send(ctx context.Context, command string, payload interface{}) error {
	c.mu.Lock()
	cc, orcName, token := c.cc, c.orcName, c.token
	c.mu.Unlock()
	if cc == nil {
		return ErrNotConnected
	}

	id, err := uuid.NewV4()
	if err != nil {
		return err
	}

	req := &CommandRequest{
		Name:    command,
		ID:      id.String(),
		OrcName: orcName,
		Token:   token,
		Data:    payload,
	}
	// a relayed command keeps the identity of the client that issued it, so
	// that the reply finds its way back
	if msg, ok := payload.(*bus.Message); ok && msg != nil {
		req.Data = msg.Data
		if msg.ID != "" {
			req.ID = msg.ID
		}
		if msg.OrcName != "" {
			req.OrcName = msg.OrcName
		}
	}
	return cc.Invoke(ctx, commandMethod, req, &CommandReply{})
}

func (c *Client) CatchAll(handler bus.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = nil
	c.observer = bus.NopObserver{}
}

func (c *Client) Registry() bus.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Clone()
}

func (c *Client) RegistryTime() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registryTime
}

func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) OrcName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orcName
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) LastActivity() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.streaming
}

func (c *Client) DestroyPushSocket() {
	c.mu.Lock()
	cancelStream := c.cancelStream
	c.streaming = false
	c.mu.Unlock()

	if cancelStream != nil {
		c.logger.Warn().Msg("destroying push socket")
		cancelStream()
	}
}

func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.connected = false
	c.streaming = false
	cc, done := c.cc, c.done
	c.mu.Unlock()

	c.cancel()

	var err error
	if cc != nil {
		err = cc.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) currentObserver() bus.Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}
