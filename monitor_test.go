package horde_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/fakes"
)

var _ = Describe("HealthMonitor", func() {
	var (
		env     *harness
		h       *horde.Horde
		conn    *fakes.FakeConnection
		monitor *horde.HealthMonitor
		seen    time.Time
	)

	attach := func(spec horde.MemberSpec) {
		h = env.horde()
		id := mustAdd(h, spec)
		conn = env.dialer.ConnectionTo(spec.Source.(horde.Attached).Params.Port)

		var ok bool
		monitor, ok = h.Monitor(id)
		Ω(ok).Should(BeTrue())

		seen = time.Now()
		conn.SetLastActivity(seen, true)
	}

	after := func(d time.Duration) (horde.PerfStatus, bool) {
		return monitor.Check(seen.Add(d))
	}

	BeforeEach(func() {
		env = newHarness()
	})

	Context("with a regular peer", func() {
		BeforeEach(func() {
			attach(attached("chat", 5000))
		})

		It("reports a healthy link once", func() {
			status, reported := after(500 * time.Millisecond)
			Ω(reported).Should(BeTrue())
			Ω(status.Lag).Should(BeFalse())
			Ω(status.Horde).Should(Equal("chat"))

			_, reported = after(600 * time.Millisecond)
			Ω(reported).Should(BeFalse())
			Ω(env.listener.PerfReports()).Should(HaveLen(1))
		})

		It("reports a lagging link on every tick", func() {
			after(500 * time.Millisecond)

			status, reported := after(1500 * time.Millisecond)
			Ω(reported).Should(BeTrue())
			Ω(status.Lag).Should(BeTrue())
			Ω(status.Overlay).Should(BeFalse())

			_, reported = after(1600 * time.Millisecond)
			Ω(reported).Should(BeTrue())
			Ω(env.listener.PerfReports()).Should(HaveLen(3))
		})

		It("reports healthy again once the lag clears", func() {
			after(1500 * time.Millisecond)

			seen = seen.Add(2 * time.Second)
			conn.SetLastActivity(seen, true)

			status, reported := after(100 * time.Millisecond)
			Ω(reported).Should(BeTrue())
			Ω(status.Lag).Should(BeFalse())
		})

		It("asks for the overlay past ten seconds without tearing down", func() {
			status, _ := after(15 * time.Second)
			Ω(status.Lag).Should(BeTrue())
			Ω(status.Overlay).Should(BeTrue())
			Ω(conn.Destroys()).Should(BeZero())
		})

		It("destroys the push socket past twenty seconds", func() {
			for _, d := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond, 15 * time.Second, 25 * time.Second} {
				after(d)
			}

			Ω(conn.Destroys()).Should(Equal(1))
			Ω(env.listener.PerfReports()).Should(HaveLen(4))
			Ω(monitor.LastStatus().Delta).Should(Equal(25 * time.Second))
		})

		It("keeps the previous sample when no socket can be sampled", func() {
			after(500 * time.Millisecond)
			conn.SetLastActivity(seen.Add(time.Hour), false)

			status, _ := after(1500 * time.Millisecond)
			Ω(status.NoSocket).Should(BeTrue())
			Ω(status.Delta).Should(Equal(1500 * time.Millisecond))
		})

		It("exposes the last sample through the horde", func() {
			after(1500 * time.Millisecond)

			slave, _ := h.SlaveByRoutingKey("chat")
			status, ok := h.PerfStatus(slave.ID())
			Ω(ok).Should(BeTrue())
			Ω(status.Lag).Should(BeTrue())
		})

		It("goes quiet once its slave is removed", func() {
			slave, _ := h.SlaveByRoutingKey("chat")
			Ω(h.Remove(context.Background(), slave.ID())).Should(Succeed())

			Ω(monitor.Stopped()).Should(BeTrue())
			_, reported := after(25 * time.Second)
			Ω(reported).Should(BeFalse())
			Ω(conn.Destroys()).Should(BeZero())
		})
	})

	Context("without the overlay", func() {
		BeforeEach(func() {
			env.cfg.Connection.UseOverlay = false
			attach(attached("chat", 5000))
		})

		It("never asks for it", func() {
			status, _ := after(15 * time.Second)
			Ω(status.Lag).Should(BeTrue())
			Ω(status.Overlay).Should(BeFalse())
		})
	})

	Context("in development mode", func() {
		BeforeEach(func() {
			env.cfg.DevelopmentMode = true
			attach(attached("chat", 5000))
		})

		It("never tears the link down", func() {
			status, reported := after(25 * time.Second)
			Ω(reported).Should(BeTrue())
			Ω(status.Lag).Should(BeTrue())
			Ω(conn.Destroys()).Should(BeZero())
		})
	})

	Context("with an optimistic peer", func() {
		BeforeEach(func() {
			attach(horde.MemberSpec{
				Horde:  "chat",
				Source: horde.Attached{Params: bus.Params{Host: "10.0.0.2", Port: 5000, OptimistLag: true}},
			})
		})

		It("never tears the link down", func() {
			after(25 * time.Second)
			Ω(conn.Destroys()).Should(BeZero())
		})
	})
})
