package horde

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	LagThreshold      = time.Second
	OverlayThreshold  = 10 * time.Second
	TeardownThreshold = 20 * time.Second
)

type healthBand int

const (
	bandUnknown healthBand = iota
	bandHealthy
	bandMinorLag
	bandSevereLag
)

/*
HealthMonitor samples how long ago an attached slave's bus was last heard
from. A healthy link is reported once when it becomes healthy; a lagging
link is reported on every tick. A link silent for TeardownThreshold gets its
outbound channel destroyed so that the connection reconnects, unless the
horde runs in development mode or the topology marks the peer optimistLag.
*/
type HealthMonitor struct {
	slave      *Slave
	logger     zerolog.Logger
	report     func(PerfStatus)
	interval   time.Duration
	useOverlay bool
	devMode    bool

	mu       sync.Mutex
	band     healthBand
	lastSeen time.Time
	last     PerfStatus
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

func newHealthMonitor(logger zerolog.Logger, slave *Slave, interval time.Duration, useOverlay, devMode bool, report func(PerfStatus)) *HealthMonitor {
	return &HealthMonitor{
		slave:      slave,
		logger:     logger.With().Str("component", "health").Str("slave", slave.RoutingKey()).Logger(),
		report:     report,
		interval:   interval,
		useOverlay: useOverlay,
		devMode:    devMode,
		lastSeen:   time.Now(),
		done:       make(chan struct{}),
	}
}

func (m *HealthMonitor) start() {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				m.Check(now)
			case <-m.done:
				return
			}
		}
	}()
}

// Stop cancels the monitor. It is safe to call more than once.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *HealthMonitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *HealthMonitor) LastStatus() PerfStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check takes one sample at now and returns it, along with whether it was
// reported.
func (m *HealthMonitor) Check(now time.Time) (PerfStatus, bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return PerfStatus{}, false
	}

	conn := m.slave.Connection()
	noSocket := true
	if conn != nil {
		if seen, ok := conn.LastActivity(); ok {
			m.lastSeen = seen
			noSocket = false
		}
	}

	delta := now.Sub(m.lastSeen)
	if delta < 0 {
		delta = 0
	}

	status := PerfStatus{
		Horde:    m.slave.RoutingKey(),
		SlaveID:  m.slave.ID(),
		Delta:    delta,
		NoSocket: noSocket,
	}

	notify := true
	teardown := false
	switch {
	case delta < LagThreshold:
		notify = m.band != bandHealthy
		m.band = bandHealthy
	case delta < OverlayThreshold:
		status.Lag = true
		m.band = bandMinorLag
	default:
		status.Lag = true
		status.Overlay = m.useOverlay
		m.band = bandSevereLag
		teardown = delta >= TeardownThreshold && !m.devMode && !m.slave.Params().OptimistLag
	}
	m.last = status
	m.mu.Unlock()

	if teardown && conn != nil {
		m.logger.Warn().Dur("delta", delta).Msg("bus silent, destroying push socket")
		conn.DestroyPushSocket()
	}
	if notify {
		if status.Lag {
			m.logger.Debug().Dur("delta", delta).Bool("overlay", status.Overlay).Msg("lag")
		}
		m.report(status)
	}
	return status, notify
}
