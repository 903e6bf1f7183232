package horde

// slaveTable is the membership table: slaves keyed by id, iterated in
// insertion order. Lookups by routing key scan every member, which is fine
// for a horde of a few dozen members. Callers hold Horde.mu.
type slaveTable struct {
	order  []string
	slaves map[string]*Slave
}

func newSlaveTable() *slaveTable {
	return &slaveTable{slaves: make(map[string]*Slave)}
}

func (t *slaveTable) len() int {
	return len(t.order)
}

func (t *slaveTable) get(id string) (*Slave, bool) {
	s, ok := t.slaves[id]
	return s, ok
}

func (t *slaveTable) put(s *Slave) {
	id := s.ID()
	if _, exists := t.slaves[id]; !exists {
		t.order = append(t.order, id)
	}
	t.slaves[id] = s
}

func (t *slaveTable) delete(id string) (*Slave, bool) {
	s, ok := t.slaves[id]
	if !ok {
		return nil, false
	}
	delete(t.slaves, id)
	for i, key := range t.order {
		if key == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return s, true
}

func (t *slaveTable) byRoutingKey(key string) (*Slave, bool) {
	for _, id := range t.order {
		if s := t.slaves[id]; s.RoutingKey() == key {
			return s, true
		}
	}
	return nil, false
}

func (t *slaveTable) list() []*Slave {
	slaves := make([]*Slave, 0, len(t.order))
	for _, id := range t.order {
		slaves = append(slaves, t.slaves[id])
	}
	return slaves
}

func (t *slaveTable) clear() []*Slave {
	slaves := t.list()
	t.order = nil
	t.slaves = make(map[string]*Slave)
	return slaves
}
