/*
Package commands exposes the horde itself on the bus.

Each command runs asynchronously and reports its outcome as an event on the
local event channel: "<command>.<id>.finished" on success, or
"<command>.<id>.error" carrying an ErrorPayload.
*/
package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/bus_grpc"
	"github.com/tedsuo/horde/codec"
)

const (
	Load        = "horde.load"
	Reload      = "horde.reload"
	SlaveAdd    = "horde.slave.add"
	SlaveRemove = "horde.slave.remove"
)

var ErrBadRequest = errors.New("commands: bad request")

// Orchestrator is the part of a Horde the commands drive.
type Orchestrator interface {
	Autoload(ctx context.Context) error
	Unload(ctx context.Context) error
	AddApp(ctx context.Context, appID string) (string, error)
	Remove(ctx context.Context, id string) error
}

type Registrar interface {
	Handle(name string, info bus.CommandInfo, fn bus_grpc.CommandFunc)
}

type SlaveAddRequest struct {
	AppID string `cbor:"appId" json:"appId"`
}

type SlaveAddReply struct {
	SlaveID string `cbor:"slaveId" json:"slaveId"`
}

type SlaveRemoveRequest struct {
	SlaveID string `cbor:"slaveId" json:"slaveId"`
}

type ErrorPayload struct {
	Code    string `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

type Commands struct {
	logger zerolog.Logger
	horde  Orchestrator
	events horde.EventSink
}

func New(logger zerolog.Logger, h Orchestrator, events horde.EventSink) *Commands {
	return &Commands{
		logger: logger.With().Str("component", "commands").Logger(),
		horde:  h,
		events: events,
	}
}

// Register installs every command on r.
func (c *Commands) Register(r Registrar) {
	r.Handle(Load, bus.CommandInfo{Desc: "load the configured hordes", Parallel: true}, c.Load)
	r.Handle(Reload, bus.CommandInfo{Desc: "unload and reload the configured hordes"}, c.Reload)
	r.Handle(SlaveAdd, bus.CommandInfo{Desc: "add a slave for an app id", Parallel: true}, c.SlaveAdd)
	r.Handle(SlaveRemove, bus.CommandInfo{Desc: "remove a slave by id", Parallel: true}, c.SlaveRemove)
}

func (c *Commands) Load(ctx context.Context, msg *bus.Message) {
	if err := c.horde.Autoload(ctx); err != nil {
		c.fail(Load, msg, err)
		return
	}
	c.finish(Load, msg, true)
}

func (c *Commands) Reload(ctx context.Context, msg *bus.Message) {
	if err := c.horde.Unload(ctx); err != nil {
		c.fail(Reload, msg, err)
		return
	}
	if err := c.horde.Autoload(ctx); err != nil {
		c.fail(Reload, msg, err)
		return
	}
	c.finish(Reload, msg, true)
}

func (c *Commands) SlaveAdd(ctx context.Context, msg *bus.Message) {
	var req SlaveAddRequest
	if err := codec.Convert(msg.Data, &req); err != nil || req.AppID == "" {
		c.fail(SlaveAdd, msg, fmt.Errorf("%w: appId is required", ErrBadRequest))
		return
	}

	id, err := c.horde.AddApp(ctx, req.AppID)
	if err != nil {
		c.fail(SlaveAdd, msg, err)
		return
	}
	c.finish(SlaveAdd, msg, SlaveAddReply{SlaveID: id})
}

func (c *Commands) SlaveRemove(ctx context.Context, msg *bus.Message) {
	var req SlaveRemoveRequest
	if err := codec.Convert(msg.Data, &req); err != nil || req.SlaveID == "" {
		c.fail(SlaveRemove, msg, fmt.Errorf("%w: slaveId is required", ErrBadRequest))
		return
	}

	if err := c.horde.Remove(ctx, req.SlaveID); err != nil {
		c.fail(SlaveRemove, msg, err)
		return
	}
	c.finish(SlaveRemove, msg, nil)
}

func (c *Commands) finish(name string, msg *bus.Message, data interface{}) {
	c.reply(fmt.Sprintf("%s.%s.finished", name, msg.ID), msg, data)
}

func (c *Commands) fail(name string, msg *bus.Message, err error) {
	c.logger.Error().Err(err).Str("command", name).Str("id", msg.ID).Msg("command failed")
	c.reply(fmt.Sprintf("%s.%s.error", name, msg.ID), msg, ErrorPayload{Code: Code(err), Message: err.Error()})
}

func (c *Commands) reply(topic string, msg *bus.Message, data interface{}) {
	reply := &bus.Message{ID: msg.ID, Token: msg.Token, OrcName: msg.OrcName, Data: data}
	if err := c.events.Send(topic, reply); err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("reply lost")
	}
}

// Code names the class of err for remote callers.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "EBADREQUEST"
	case errors.Is(err, horde.ErrNotFound):
		return "ENOENT"
	case errors.Is(err, horde.ErrSpawnTimeout):
		return "ETIMEDOUT"
	case errors.Is(err, horde.ErrConnect):
		return "ECONNREFUSED"
	case errors.Is(err, horde.ErrDuplicateRoutingKey):
		return "EEXIST"
	case errors.Is(err, horde.ErrNoHostBinary):
		return "ENOEXEC"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "ECANCELED"
	default:
		return "EHORDE"
	}
}
