/*
Package routes keeps the two lookup tables the horde relay consults that are
not part of the slave table itself.

Routes map a client identity and transport to the channel that publishes
directly to that client; they drive unicast. Lines map a line id to the
security tokens of the buses that share it; a topic that names a known line
narrows a broadcast to those buses.
*/
package routes

import (
	"sort"
	"strings"
	"sync"

	"github.com/tedsuo/horde/bus"
)

type Publisher interface {
	Publish(topic string, msg *bus.Message) error
}

type Route struct {
	Token   string
	Channel Publisher
}

type routeKey struct {
	orcName   string
	transport string
}

type Table struct {
	mu     sync.RWMutex
	routes map[routeKey]Route
	lines  map[string]map[string]struct{}
}

func NewTable() *Table {
	return &Table{
		routes: make(map[routeKey]Route),
		lines:  make(map[string]map[string]struct{}),
	}
}

func (t *Table) SetRoute(orcName, transport string, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[routeKey{orcName, transport}] = route
}

func (t *Table) RemoveRoute(orcName, transport string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, routeKey{orcName, transport})
}

func (t *Table) Route(orcName, transport string) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	route, ok := t.routes[routeKey{orcName, transport}]
	return route, ok
}

func (t *Table) JoinLine(line, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tokens, ok := t.lines[line]
	if !ok {
		tokens = make(map[string]struct{})
		t.lines[line] = tokens
	}
	tokens[token] = struct{}{}
}

func (t *Table) LeaveLine(line, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tokens, ok := t.lines[line]
	if !ok {
		return
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(t.lines, line)
	}
}

// LineTokens returns the tokens of the line addressed by topic. A topic
// addresses a line when its first dot-separated segment is a known line id.
func (t *Table) LineTokens(topic string) ([]string, bool) {
	line := topic
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		line = topic[:i]
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.lines[line]
	if !ok {
		return nil, false
	}
	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens, true
}
