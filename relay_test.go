package horde_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/fakes"
	"github.com/tedsuo/horde/routes"
)

var _ = Describe("Relay", func() {
	var (
		env    *harness
		h      *horde.Horde
		origin *fakes.FakeConnection
		other  *fakes.FakeConnection
		third  *fakes.FakeConnection
	)

	payloadOf := func(conn *fakes.FakeConnection) bus.BroadcastPayload {
		sent := conn.Sent()
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].Command).To(Equal(bus.BroadcastCommand))
		return sent[0].Payload.(bus.BroadcastPayload)
	}

	BeforeEach(func() {
		env = newHarness()
		h = env.horde()

		mustAdd(h, attached("origin", 5000))
		mustAdd(h, attached("other", 5001))
		mustAdd(h, attached("third", 5002))
		origin = env.dialer.ConnectionTo(5000)
		other = env.dialer.ConnectionTo(5001)
		third = env.dialer.ConnectionTo(5002)
	})

	It("never relays control topics", func() {
		origin.Deliver(bus.Event{Topic: bus.ControlPrefix + "heartbeat", Message: &bus.Message{}})

		Ω(env.events.Events()).Should(BeEmpty())
		Ω(other.Sent()).Should(BeEmpty())
	})

	It("never relays what it already broadcast", func() {
		for _, topic := range []string{"chat.message", "chat.say.1.finished", "chat.say.1.error"} {
			origin.Deliver(bus.Event{Topic: topic, Message: &bus.Message{Broadcasted: true, OrcName: "client"}})
		}

		Ω(env.events.Events()).Should(BeEmpty())
		Ω(other.Sent()).Should(BeEmpty())
		Ω(third.Sent()).Should(BeEmpty())
	})

	Describe("replies with forwarding", func() {
		It("forward-casts to the hop after this node", func() {
			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{
				ID:         "1",
				Forwarding: &bus.Forwarding{AppID: "chat", Route: []string{"main", "other"}},
			}})

			payload := payloadOf(other)
			Ω(payload.Topic).Should(Equal("chat.say.1.finished"))
			Ω(payload.Msg.Forwarding.Route).Should(BeEmpty())
			Ω(payload.Msg.Broadcasted).Should(BeFalse())

			Ω(env.events.Events()).Should(BeEmpty())
			Ω(third.Sent()).Should(BeEmpty())
		})

		It("takes the first hop when this node is not on the route", func() {
			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{
				Forwarding: &bus.Forwarding{Route: []string{"third", "elsewhere"}},
			}})

			payload := payloadOf(third)
			Ω(payload.Msg.Forwarding.Route).Should(Equal([]string{"elsewhere"}))
			Ω(other.Sent()).Should(BeEmpty())
		})

		It("retries with the forwarding app when the hop is unknown", func() {
			origin.Deliver(bus.Event{Topic: "chat.say.1.error", Message: &bus.Message{
				Forwarding: &bus.Forwarding{AppID: "other", Route: []string{"ghost"}},
			}})

			Ω(payloadOf(other).Topic).Should(Equal("chat.say.1.error"))
			Ω(env.events.Events()).Should(BeEmpty())
		})

		It("treats the message as local once this node ends the route", func() {
			channel := &fakes.FakeChannel{}
			env.routes.SetRoute("client", "grpc", routes.Route{Token: "local-token", Channel: channel})

			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{
				OrcName:    "client",
				Forwarding: &bus.Forwarding{AppID: "chat", Route: []string{"other", "main"}},
			}})

			Ω(channel.Topics()).Should(Equal([]string{"chat.say.1.finished"}))
			Ω(other.Sent()).Should(BeEmpty())
		})

		It("falls back to broadcast when nothing resolves", func() {
			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{
				Forwarding: &bus.Forwarding{AppID: "ghost", Route: []string{"nowhere"}},
			}})

			Ω(env.events.Topics()).Should(Equal([]string{"chat.say.1.finished"}))
			Ω(payloadOf(other).Msg.Broadcasted).Should(BeTrue())
			Ω(third.Sent()).Should(HaveLen(1))
		})
	})

	Describe("replies without forwarding", func() {
		It("unicasts on the route of the client that asked", func() {
			channel := &fakes.FakeChannel{}
			env.routes.SetRoute("client", "grpc", routes.Route{Token: "local-token", Channel: channel})

			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{ID: "1", OrcName: "client", Token: "remote-token"}})

			events := channel.Events()
			Ω(events).Should(HaveLen(1))
			Ω(events[0].Message.Token).Should(Equal("local-token"))
			Ω(events[0].Message.ID).Should(Equal("1"))
			Ω(env.events.Events()).Should(BeEmpty())
			Ω(other.Sent()).Should(BeEmpty())
		})

		It("broadcasts when the client has no route", func() {
			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: &bus.Message{OrcName: "gone"}})

			Ω(env.events.Topics()).Should(Equal([]string{"chat.say.1.finished"}))
			Ω(other.SentTopics()).Should(Equal([]string{"chat.say.1.finished"}))
		})
	})

	Describe("other events", func() {
		It("forward-casts to the forwarding app", func() {
			origin.Deliver(bus.Event{Topic: "chat.message", Message: &bus.Message{
				Forwarding: &bus.Forwarding{AppID: "third"},
			}})

			Ω(third.SentTopics()).Should(Equal([]string{"chat.message"}))
			Ω(other.Sent()).Should(BeEmpty())
			Ω(env.events.Events()).Should(BeEmpty())
		})

		It("broadcasts to the local channel and every other member", func() {
			origin.Deliver(bus.Event{Topic: "chat.message", Message: &bus.Message{ID: "9"}})

			events := env.events.Events()
			Ω(events).Should(HaveLen(1))
			Ω(events[0].Message.Broadcasted).Should(BeTrue())

			Ω(other.SentTopics()).Should(Equal([]string{"chat.message"}))
			Ω(third.SentTopics()).Should(Equal([]string{"chat.message"}))
			Ω(origin.Sent()).Should(BeEmpty())
		})

		It("narrows the broadcast to the members sharing the line", func() {
			env.routes.JoinLine("room", other.Token())

			origin.Deliver(bus.Event{Topic: "room.update", Message: &bus.Message{}})

			Ω(other.SentTopics()).Should(Equal([]string{"room.update"}))
			Ω(third.Sent()).Should(BeEmpty())
			Ω(env.events.Topics()).Should(Equal([]string{"room.update"}))
		})

		It("keeps broadcasting past a failing member", func() {
			env.events.Fail(errors.New("closed"))
			other.FailSend(errors.New("broken pipe"))

			origin.Deliver(bus.Event{Topic: "chat.message", Message: &bus.Message{}})
			Ω(third.SentTopics()).Should(Equal([]string{"chat.message"}))
		})

		It("does not mutate the delivered message", func() {
			msg := &bus.Message{Forwarding: &bus.Forwarding{Route: []string{"main", "other"}}}
			origin.Deliver(bus.Event{Topic: "chat.say.1.finished", Message: msg})

			Ω(msg.Forwarding.Route).Should(Equal([]string{"main", "other"}))
			Ω(msg.Broadcasted).Should(BeFalse())
		})
	})

	Describe("the routing primitives", func() {
		ctx := context.Background()

		It("fails to forward-cast to an unknown member", func() {
			err := h.ForwardCast(ctx, "ghost", "x.finished", &bus.Message{})
			Ω(err).Should(MatchError(horde.ErrRouting))
			Ω(err).Should(MatchError(horde.ErrNotFound))
		})

		It("fails to unicast without a route", func() {
			err := h.Unicast(ctx, "x.finished", &bus.Message{OrcName: "nobody"})
			Ω(err).Should(MatchError(horde.ErrRouting))
		})

		It("excludes the sender from a broadcast by id", func() {
			slave, ok := h.SlaveByRoutingKey("other")
			Ω(ok).Should(BeTrue())

			Ω(h.Broadcast(ctx, slave.ID(), "chat.message", &bus.Message{})).Should(Succeed())
			Ω(other.Sent()).Should(BeEmpty())
			Ω(origin.SentTopics()).Should(Equal([]string{"chat.message"}))
			Ω(third.SentTopics()).Should(Equal([]string{"chat.message"}))
		})
	})
})
