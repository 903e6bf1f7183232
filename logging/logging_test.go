package logging_test

import (
	"bytes"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"

	"github.com/tedsuo/horde/logging"
)

var _ = Describe("Logging", func() {
	DescribeTable("ParseLevel",
		func(raw string, expected zerolog.Level, ok bool) {
			level, parsed := logging.ParseLevel(raw)
			Ω(parsed).Should(Equal(ok))
			Ω(level).Should(Equal(expected))
		},
		Entry("debug", "debug", zerolog.DebugLevel, true),
		Entry("mixed case warning", " Warning ", zerolog.WarnLevel, true),
		Entry("off", "off", zerolog.Disabled, true),
		Entry("unknown", "loud", zerolog.InfoLevel, false),
		Entry("empty", "", zerolog.InfoLevel, false),
	)

	Describe("New", func() {
		var buf *bytes.Buffer

		BeforeEach(func() {
			buf = &bytes.Buffer{}
			os.Unsetenv(logging.EnvLogLevel)
		})

		AfterEach(func() {
			os.Unsetenv(logging.EnvLogLevel)
		})

		It("tags every line with the app", func() {
			logger := logging.New("chat", logging.Config{Level: zerolog.InfoLevel, Out: buf, NoColor: true})
			logger.Info().Msg("hello")
			Ω(buf.String()).Should(ContainSubstring("app=chat"))
			Ω(buf.String()).Should(ContainSubstring("hello"))
		})

		It("lets the environment raise the level", func() {
			os.Setenv(logging.EnvLogLevel, "error")
			logger := logging.New("chat", logging.Config{Level: zerolog.DebugLevel, Out: buf, NoColor: true})
			logger.Warn().Msg("dropped")
			Ω(buf.Len()).Should(BeZero())
		})
	})
})
