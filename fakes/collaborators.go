package fakes

import (
	"context"
	"fmt"
	"sync"

	"github.com/tedsuo/horde"
	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/routes"
	"github.com/tedsuo/horde/settings"
	"github.com/tedsuo/horde/supervisor"
)

type FakeHandle struct {
	Spec supervisor.Spec
	Pid  int
	done chan error
}

func (h *FakeHandle) PID() int           { return h.Pid }
func (h *FakeHandle) Identity() string   { return h.Spec.Identity }
func (h *FakeHandle) InspectPort() int   { return h.Spec.InspectPort }
func (h *FakeHandle) Wait() <-chan error { return h.done }

type Termination struct {
	Pid   int
	Force bool
}

/*
FakeSupervisor pretends to spawn processes, numbering them from 1000.
OnSpawn runs after every spawn; tests use it to publish the settings of the
new child.
*/
type FakeSupervisor struct {
	OnSpawn func(spec supervisor.Spec)

	mu           sync.Mutex
	nextPid      int
	nextPort     int
	spawnErr     error
	spawned      []supervisor.Spec
	terminations []Termination
}

func (s *FakeSupervisor) FailSpawn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnErr = err
}

func (s *FakeSupervisor) Spawn(ctx context.Context, spec supervisor.Spec) (supervisor.Handle, error) {
	s.mu.Lock()
	if s.spawnErr != nil {
		err := s.spawnErr
		s.mu.Unlock()
		return nil, err
	}
	if s.nextPid == 0 {
		s.nextPid = 1000
		s.nextPort = 9229
	}
	s.nextPid++
	s.nextPort++
	spec.InspectPort = s.nextPort
	handle := &FakeHandle{Spec: spec, Pid: s.nextPid, done: make(chan error, 1)}
	s.spawned = append(s.spawned, spec)
	onSpawn := s.OnSpawn
	s.mu.Unlock()

	if onSpawn != nil {
		onSpawn(spec)
	}
	return handle, nil
}

func (s *FakeSupervisor) Terminate(handle supervisor.Handle, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminations = append(s.terminations, Termination{Pid: handle.PID(), Force: force})
	return nil
}

func (s *FakeSupervisor) Spawned() []supervisor.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]supervisor.Spec(nil), s.spawned...)
}

func (s *FakeSupervisor) Terminations() []Termination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Termination(nil), s.terminations...)
}

// FakeSettings is an in-memory settings store keyed by kind and identity.
type FakeSettings struct {
	mu     sync.Mutex
	params map[string]bus.Params
	loads  int
}

func (s *FakeSettings) Publish(kind, identity string, params bus.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = make(map[string]bus.Params)
	}
	s.params[kind+"/"+identity] = params
}

func (s *FakeSettings) Load(kind, identity string) (bus.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	params, ok := s.params[kind+"/"+identity]
	if !ok {
		return bus.Params{}, fmt.Errorf("%w: %s/%s", settings.ErrNotFound, kind, identity)
	}
	return params, nil
}

func (s *FakeSettings) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

type SentEvent struct {
	Topic   string
	Message *bus.Message
}

// FakeEventSink records what is sent on the local event channel.
type FakeEventSink struct {
	mu     sync.Mutex
	events []SentEvent
	err    error
}

func (s *FakeEventSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *FakeEventSink) Send(topic string, msg *bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, SentEvent{Topic: topic, Message: msg})
	return nil
}

func (s *FakeEventSink) Events() []SentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentEvent(nil), s.events...)
}

func (s *FakeEventSink) Topics() []string {
	var topics []string
	for _, ev := range s.Events() {
		topics = append(topics, ev.Topic)
	}
	return topics
}

// FakeChannel is a unicast route target.
type FakeChannel struct {
	FakeEventSink
}

func (c *FakeChannel) Publish(topic string, msg *bus.Message) error {
	return c.Send(topic, msg)
}

type FakeListener struct {
	mu         sync.Mutex
	registries []string
	tokens     []string
	orcNames   []string
	attempts   []string
	reconnects []string
	perf       []horde.PerfStatus
}

func (l *FakeListener) CommandsRegistryChanged(slaveID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registries = append(l.registries, slaveID)
}

func (l *FakeListener) TokenChanged(slaveID, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = append(l.tokens, token)
}

func (l *FakeListener) OrcNameChanged(slaveID, oldName, newName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orcNames = append(l.orcNames, newName)
}

func (l *FakeListener) ReconnectAttempt(slaveID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, slaveID)
}

func (l *FakeListener) Reconnected(slaveID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects = append(l.reconnects, slaveID)
}

func (l *FakeListener) Perf(status horde.PerfStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perf = append(l.perf, status)
}

func (l *FakeListener) RegistryChanges() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.registries...)
}

func (l *FakeListener) Tokens() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tokens...)
}

func (l *FakeListener) ReconnectAttempts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.attempts...)
}

func (l *FakeListener) Reconnects() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.reconnects...)
}

func (l *FakeListener) PerfReports() []horde.PerfStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]horde.PerfStatus(nil), l.perf...)
}

// NewRoutes returns a route table with the given lines already joined.
func NewRoutes(lines map[string][]string) *routes.Table {
	table := routes.NewTable()
	for line, tokens := range lines {
		for _, token := range tokens {
			table.JoinLine(line, token)
		}
	}
	return table
}
