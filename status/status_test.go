package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/rs/zerolog"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/config"
	"github.com/tedsuo/horde/fakes"
	"github.com/tedsuo/horde/status"
)

var _ = Describe("Status", func() {
	var (
		h       *horde.Horde
		handler http.Handler
		id      string
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		logger := zerolog.New(GinkgoWriter)
		cfg := config.Default()
		cfg.App = "main"
		cfg.HealthInterval = time.Hour

		dialer := &fakes.FakeDialer{Prepare: func(conn *fakes.FakeConnection) {
			conn.SetRegistry(bus.Registry{"chat.say": {Desc: "say"}, "chat.join": {}}, "1")
		}}
		h = horde.New(logger, cfg, horde.Collaborators{
			Dialer:     dialer,
			Supervisor: &fakes.FakeSupervisor{},
			Settings:   &fakes.FakeSettings{},
		})

		var err error
		id, err = h.Add(context.Background(), horde.MemberSpec{
			Horde:   "chat",
			Variant: "beta",
			Source:  horde.Attached{Params: bus.Params{Host: "10.0.0.2", Port: 5000}},
		})
		Ω(err).ShouldNot(HaveOccurred())

		monitor, _ := h.Monitor(id)
		monitor.Check(time.Now().Add(time.Hour))

		handler = status.NewHandler(logger, h)
	})

	It("lists the slaves", func() {
		rec := get("/slaves")
		Ω(rec.Code).Should(Equal(http.StatusOK))
		Ω(rec.Header().Get("Content-Type")).Should(HavePrefix("application/json"))

		var slaves []status.Slave
		Ω(json.Unmarshal(rec.Body.Bytes(), &slaves)).Should(Succeed())
		Ω(slaves).Should(HaveLen(1))

		s := slaves[0]
		Ω(s.ID).Should(Equal(id))
		Ω(s.RoutingKey).Should(Equal("chat"))
		Ω(s.Variant).Should(Equal("beta"))
		Ω(s.State).Should(Equal("connected"))
		Ω(s.Spawned).Should(BeFalse())
		Ω(s.Address).Should(Equal("10.0.0.2:5000"))
		Ω(s.Commands).Should(Equal([]string{"chat.join", "chat.say"}))
		Ω(s.Perf).ShouldNot(BeNil())
		Ω(s.Perf.Lag).Should(BeTrue())
		Ω(s.Perf.Overlay).Should(BeTrue())
	})

	It("shows one slave", func() {
		rec := get("/slaves/" + id)
		Ω(rec.Code).Should(Equal(http.StatusOK))

		var s status.Slave
		Ω(json.Unmarshal(rec.Body.Bytes(), &s)).Should(Succeed())
		Ω(s.Horde).Should(Equal("chat"))
	})

	It("404s on unknown slaves", func() {
		Ω(get("/slaves/nope").Code).Should(Equal(http.StatusNotFound))
	})

	It("shows the aggregated registry with owners", func() {
		rec := get("/registry")
		Ω(rec.Code).Should(Equal(http.StatusOK))

		var registry bus.Registry
		Ω(json.Unmarshal(rec.Body.Bytes(), &registry)).Should(Succeed())
		Ω(registry).Should(HaveKey("chat.say"))
		Ω(registry["chat.say"].Owner).Should(Equal("chat"))
	})

	It("refuses other methods", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/slaves", nil))
		Ω(rec.Code).Should(Equal(http.StatusMethodNotAllowed))
	})

	It("logs every request with its route", func() {
		out := gbytes.NewBuffer()
		handler = status.NewHandler(zerolog.New(out), h)

		get("/slaves/" + id)
		Ω(out).Should(gbytes.Say(`"path":"/slaves/:id"`))

		get("/slaves/nope")
		Ω(out).Should(gbytes.Say(`"level":"warn".*"status":404`))
	})
})
