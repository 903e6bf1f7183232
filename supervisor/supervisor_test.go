package supervisor_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/tedsuo/horde/supervisor"
)

var _ = Describe("Supervisor", func() {
	var (
		s   *supervisor.Supervisor
		ctx context.Context
	)

	sleeper := func(identity string) supervisor.Spec {
		return supervisor.Spec{Identity: identity, Path: "/bin/sh", Args: []string{"-c", "sleep 30"}}
	}

	BeforeEach(func() {
		s = supervisor.New(zerolog.New(GinkgoWriter), 9229)
		ctx = context.Background()
	})

	It("spawns children on increasing inspect ports", func() {
		first, err := s.Spawn(ctx, sleeper("a"))
		Ω(err).ShouldNot(HaveOccurred())
		second, err := s.Spawn(ctx, sleeper("b"))
		Ω(err).ShouldNot(HaveOccurred())

		Ω(first.PID()).Should(BeNumerically(">", 0))
		Ω(first.Identity()).Should(Equal("a"))
		Ω(first.InspectPort()).Should(Equal(9230))
		Ω(second.InspectPort()).Should(Equal(9231))
		Ω(s.Running()).Should(Equal(2))

		Ω(s.Terminate(first, true)).Should(Succeed())
		Ω(s.Terminate(second, true)).Should(Succeed())
	})

	It("terminates gracefully", func() {
		child, err := s.Spawn(ctx, sleeper("a"))
		Ω(err).ShouldNot(HaveOccurred())

		Ω(s.Terminate(child, false)).Should(Succeed())
		Eventually(child.Wait()).Should(Receive(BeNil()))
		Eventually(s.Running).Should(BeZero())
	})

	It("kills when forced", func() {
		child, err := s.Spawn(ctx, supervisor.Spec{
			Identity: "stubborn",
			Path:     "/bin/sh",
			Args:     []string{"-c", "trap '' TERM; sleep 30"},
		})
		Ω(err).ShouldNot(HaveOccurred())

		Ω(s.Terminate(child, true)).Should(Succeed())
		Eventually(child.Wait(), 5*time.Second).Should(Receive())
	})

	It("reports a child that exits on its own", func() {
		child, err := s.Spawn(ctx, supervisor.Spec{Identity: "a", Path: "/bin/sh", Args: []string{"-c", "sleep 0.2; exit 3"}})
		Ω(err).ShouldNot(HaveOccurred())

		var exitErr error
		Eventually(child.Wait()).Should(Receive(&exitErr))
		Ω(exitErr).Should(HaveOccurred())
	})

	It("refuses specs without an executable", func() {
		_, err := s.Spawn(ctx, supervisor.Spec{Identity: "a"})
		Ω(err).Should(HaveOccurred())
	})

	It("fails to spawn what cannot be executed", func() {
		_, err := s.Spawn(ctx, supervisor.Spec{Identity: "a", Path: "/nonexistent/horde-node"})
		Ω(err).Should(HaveOccurred())
	})

	It("rejects unknown handles", func() {
		child, err := s.Spawn(ctx, sleeper("a"))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(s.Terminate(child, true)).Should(Succeed())

		Eventually(s.Running).Should(BeZero())
		Ω(s.Terminate(child, true)).Should(MatchError(supervisor.ErrUnknownHandle))
	})
})
