/*
Package status serves a read-only JSON view of a horde over HTTP.

	GET /slaves          every member, in insertion order
	GET /slaves/:id      one member
	GET /registry        the aggregated command registry
*/
package status

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/http_server"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
)

type Source interface {
	Slaves() []*horde.Slave
	Get(id string) (*horde.Slave, bool)
	PerfStatus(id string) (horde.PerfStatus, bool)
	Registry() bus.Registry
}

type Slave struct {
	ID          string            `json:"id"`
	RoutingKey  string            `json:"routingKey"`
	Horde       string            `json:"horde"`
	Variant     string            `json:"variant,omitempty"`
	Tribe       int               `json:"tribe"`
	TotalTribes int               `json:"totalTribes,omitempty"`
	State       string            `json:"state"`
	Spawned     bool              `json:"spawned"`
	PID         int               `json:"pid,omitempty"`
	Address     string            `json:"address,omitempty"`
	Commands    []string          `json:"commands"`
	Perf        *horde.PerfStatus `json:"perf,omitempty"`
}

// New returns a runner serving the view of source on address.
func New(logger zerolog.Logger, address string, source Source) ifrit.Runner {
	return http_server.New(address, NewHandler(logger, source))
}

func NewHandler(logger zerolog.Logger, source Source) http.Handler {
	h := &handler{
		logger: logger.With().Str("component", "status").Logger(),
		source: source,
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(requestLogger(h.logger))

	router.GET("/slaves", h.slaves)
	router.GET("/slaves/:id", h.slave)
	router.GET("/registry", h.registry)
	return router
}

type handler struct {
	logger zerolog.Logger
	source Source
}

func (h *handler) slaves(c *gin.Context) {
	slaves := h.source.Slaves()
	view := make([]Slave, 0, len(slaves))
	for _, s := range slaves {
		view = append(view, h.describe(s))
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) slave(c *gin.Context) {
	s, ok := h.source.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": horde.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, h.describe(s))
}

func (h *handler) registry(c *gin.Context) {
	c.JSON(http.StatusOK, h.source.Registry())
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event := logger.Debug()
		if c.Writer.Status() >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}

func (h *handler) describe(s *horde.Slave) Slave {
	view := Slave{
		ID:          s.ID(),
		RoutingKey:  s.RoutingKey(),
		Horde:       s.Horde(),
		Variant:     s.Variant(),
		Tribe:       s.Tribe(),
		TotalTribes: s.TotalTribes(),
		State:       s.State().String(),
		Spawned:     s.IsSpawned(),
		Commands:    []string{},
	}
	if view.Spawned {
		view.PID = s.PID()
	}
	if params := s.Params(); params.Port != 0 {
		view.Address = params.Address()
	}
	for name := range s.Commands() {
		view.Commands = append(view.Commands, name)
	}
	sort.Strings(view.Commands)

	if perf, ok := h.source.PerfStatus(view.ID); ok {
		view.Perf = &perf
	}
	return view
}
