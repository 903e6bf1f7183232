package horde

import (
	"context"
	"errors"
	"fmt"

	"github.com/tedsuo/horde/bus"
)

// relay routes one event received from a forwarding slave. Each strategy
// that fails falls through to the next; broadcast is the last resort.
func (h *Horde) relay(from *Slave, ev bus.Event) {
	if ev.IsControl() {
		return
	}
	msg := ev.Message.Clone()
	if msg.Broadcasted {
		return
	}
	ev = bus.Event{Topic: ev.Topic, Message: msg}
	ctx := context.Background()

	logger := h.logger.With().Str("topic", ev.Topic).Str("from", from.RoutingKey()).Logger()

	hop := h.nextHop(msg)
	done := false

	if ev.IsReply() && msg.Forwarding != nil {
		if err := h.ForwardCast(ctx, hop, ev.Topic, msg); err != nil {
			logger.Warn().Err(err).Msg("forward-cast failed, falling back")
		} else {
			done = true
		}
	} else if ev.IsReply() {
		if err := h.Unicast(ctx, ev.Topic, msg); err != nil {
			logger.Warn().Err(err).Msg("unicast failed, falling back")
		} else {
			done = true
		}
	}

	if !done && msg.Forwarding != nil && msg.Forwarding.AppID != "" {
		if err := h.ForwardCast(ctx, msg.Forwarding.AppID, ev.Topic, msg); err != nil {
			logger.Warn().Err(err).Msg("forward-cast to app failed, falling back")
		} else {
			done = true
		}
	}

	if done {
		return
	}
	if err := h.broadcast(ctx, from, ev.Topic, msg); err != nil {
		logger.Error().Err(err).Msg("broadcast failed, message lost")
	}
}

// nextHop consumes the route carried by msg. Hops up to and including this
// node are dropped; the first remaining hop is returned and taken off the
// route. When this node was the last hop the message is local again and
// loses its forwarding metadata. Without a route the forwarding app id is
// the target.
func (h *Horde) nextHop(msg *bus.Message) string {
	fwd := msg.Forwarding
	if fwd == nil {
		return ""
	}

	route := fwd.Route
	for i, key := range route {
		if key == h.routingKey {
			route = route[i+1:]
			if len(route) == 0 {
				msg.Forwarding = nil
				return ""
			}
			break
		}
	}

	if len(route) == 0 {
		return fwd.AppID
	}
	fwd.Route = route[1:]
	return route[0]
}

// ForwardCast sends the event straight to the member whose routing key is
// target.
func (h *Horde) ForwardCast(ctx context.Context, target string, topic string, msg *bus.Message) error {
	if target == "" {
		return fmt.Errorf("%w: forward-cast without target", ErrRouting)
	}

	slave, ok := h.SlaveByRoutingKey(target)
	if !ok {
		return fmt.Errorf("%w: forward-cast to %s: %w", ErrRouting, target, ErrNotFound)
	}
	conn := slave.Connection()
	if conn == nil {
		return fmt.Errorf("%w: forward-cast to %s: not connected", ErrRouting, target)
	}

	return conn.Send(ctx, bus.BroadcastCommand, bus.BroadcastPayload{Topic: topic, Msg: msg})
}

// Unicast publishes the event on the route registered for the client that
// originated it, stamped with that route's token.
func (h *Horde) Unicast(ctx context.Context, topic string, msg *bus.Message) error {
	if msg == nil || msg.OrcName == "" {
		return fmt.Errorf("%w: unicast without origin", ErrRouting)
	}
	if h.collab.Routes == nil {
		return fmt.Errorf("%w: no route table", ErrRouting)
	}

	route, ok := h.collab.Routes.Route(msg.OrcName, h.cfg.Bus.Transport)
	if !ok || route.Channel == nil {
		return fmt.Errorf("%w: no route to %s", ErrRouting, msg.OrcName)
	}

	stamped := msg.Clone()
	stamped.Token = route.Token
	return route.Channel.Publish(topic, stamped)
}

// Broadcast sends the event on the local event channel and to every member
// but the one with id fromID.
func (h *Horde) Broadcast(ctx context.Context, fromID string, topic string, msg *bus.Message) error {
	from, _ := h.Get(fromID)
	return h.broadcast(ctx, from, topic, msg)
}

func (h *Horde) broadcast(ctx context.Context, from *Slave, topic string, msg *bus.Message) error {
	msg = msg.Clone()
	msg.Broadcasted = true

	var errs []error
	if h.collab.Events != nil {
		if err := h.collab.Events.Send(topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("local: %w", err))
		}
	}

	var tokens []string
	narrowed := false
	if h.collab.Lines != nil {
		tokens, narrowed = h.collab.Lines.LineTokens(topic)
	}

	payload := bus.BroadcastPayload{Topic: topic, Msg: msg}
	for _, slave := range h.Slaves() {
		if slave == from {
			continue
		}
		conn := slave.Connection()
		if conn == nil {
			continue
		}
		if narrowed && !contains(tokens, slave.Token()) {
			continue
		}
		if err := conn.Send(ctx, bus.BroadcastCommand, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", slave.RoutingKey(), err))
		}
	}
	return errors.Join(errs...)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
