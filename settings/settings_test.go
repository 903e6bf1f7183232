package settings_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/settings"
)

var _ = Describe("Store", func() {
	var (
		dir   string
		store *settings.Store
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		store = settings.NewStore(dir)
	})

	It("reports missing settings as not found", func() {
		_, err := store.Load(settings.KindBus, "node-1")
		Ω(err).Should(MatchError(settings.ErrNotFound))
	})

	It("loads what was published", func() {
		params := bus.Params{Host: "127.0.0.1", Port: 4100, TotalTribes: 2}
		Ω(store.Publish(settings.KindBus, "node-1", params)).Should(Succeed())

		loaded, err := store.Load(settings.KindBus, "node-1")
		Ω(err).ShouldNot(HaveOccurred())
		Ω(loaded).Should(Equal(params))
	})

	It("accepts hand-written files with comments", func() {
		path := filepath.Join(dir, settings.KindBus, "node-2.json")
		Ω(os.MkdirAll(filepath.Dir(path), 0o755)).Should(Succeed())
		Ω(os.WriteFile(path, []byte(`{
  // written by an operator
  "host": "10.0.0.2",
  "port": 5000,
}`), 0o644)).Should(Succeed())

		loaded, err := store.Load(settings.KindBus, "node-2")
		Ω(err).ShouldNot(HaveOccurred())
		Ω(loaded.Address()).Should(Equal("10.0.0.2:5000"))
	})

	It("fails on garbage", func() {
		path := filepath.Join(dir, settings.KindBus, "node-3.json")
		Ω(os.MkdirAll(filepath.Dir(path), 0o755)).Should(Succeed())
		Ω(os.WriteFile(path, []byte("not json"), 0o644)).Should(Succeed())

		_, err := store.Load(settings.KindBus, "node-3")
		Ω(err).Should(HaveOccurred())
		Ω(err).ShouldNot(MatchError(settings.ErrNotFound))
	})

	It("removes settings, tolerating missing ones", func() {
		Ω(store.Publish(settings.KindBus, "node-1", bus.Params{Port: 1})).Should(Succeed())
		Ω(store.Remove(settings.KindBus, "node-1")).Should(Succeed())
		Ω(store.Remove(settings.KindBus, "node-1")).Should(Succeed())

		_, err := store.Load(settings.KindBus, "node-1")
		Ω(err).Should(MatchError(settings.ErrNotFound))
	})
})
