package routes_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/routes"
)

type publisher struct {
	topics []string
}

func (p *publisher) Publish(topic string, msg *bus.Message) error {
	p.topics = append(p.topics, topic)
	return nil
}

var _ = Describe("Table", func() {
	var table *routes.Table

	BeforeEach(func() {
		table = routes.NewTable()
	})

	Describe("routes", func() {
		It("keys routes by client and transport", func() {
			channel := &publisher{}
			table.SetRoute("client", "grpc", routes.Route{Token: "t", Channel: channel})

			route, ok := table.Route("client", "grpc")
			Ω(ok).Should(BeTrue())
			Ω(route.Token).Should(Equal("t"))
			Ω(route.Channel.Publish("x", &bus.Message{})).Should(Succeed())
			Ω(channel.topics).Should(Equal([]string{"x"}))

			_, ok = table.Route("client", "ws")
			Ω(ok).Should(BeFalse())
		})

		It("forgets removed routes", func() {
			table.SetRoute("client", "grpc", routes.Route{Token: "t"})
			table.RemoveRoute("client", "grpc")

			_, ok := table.Route("client", "grpc")
			Ω(ok).Should(BeFalse())
		})
	})

	Describe("lines", func() {
		BeforeEach(func() {
			table.JoinLine("room", "b")
			table.JoinLine("room", "a")
			table.JoinLine("room", "a")
		})

		It("resolves a topic by its first segment", func() {
			tokens, ok := table.LineTokens("room.message.sent")
			Ω(ok).Should(BeTrue())
			Ω(tokens).Should(Equal([]string{"a", "b"}))

			tokens, ok = table.LineTokens("room")
			Ω(ok).Should(BeTrue())
			Ω(tokens).Should(HaveLen(2))
		})

		It("ignores topics outside any line", func() {
			_, ok := table.LineTokens("lobby.message")
			Ω(ok).Should(BeFalse())
		})

		It("drops a line once its last member leaves", func() {
			table.LeaveLine("room", "a")
			tokens, _ := table.LineTokens("room.x")
			Ω(tokens).Should(Equal([]string{"b"}))

			table.LeaveLine("room", "b")
			_, ok := table.LineTokens("room.x")
			Ω(ok).Should(BeFalse())

			table.LeaveLine("room", "b")
		})
	})
})
