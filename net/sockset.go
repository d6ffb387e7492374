package net

// sockSet is a readiness group: a fixed-capacity set of nodes whose sockets
// are polled together.
type sockSet struct {
	name    string
	members []bool
	n       int
	limit   int
}

func newSockSet(name string, capacity int) *sockSet {
	return &sockSet{
		name:    name,
		members: make([]bool, capacity),
		limit:   capacity,
	}
}

func (s *sockSet) has(id NodeID) bool {
	return int(id) < len(s.members) && s.members[id]
}

func (s *sockSet) full() bool {
	return s.n >= s.limit
}

func (s *sockSet) len() int {
	return s.n
}

// add reports false when id is out of range, already a member or the set is
// full.
func (s *sockSet) add(id NodeID) bool {
	if int(id) >= len(s.members) || s.members[id] || s.full() {
		return false
	}
	s.members[id] = true
	s.n++
	return true
}

func (s *sockSet) remove(id NodeID) bool {
	if !s.has(id) {
		return false
	}
	s.members[id] = false
	s.n--
	return true
}

// snapshot returns the members in slot order. The slice stays valid while
// the set changes.
func (s *sockSet) snapshot() []NodeID {
	ids := make([]NodeID, 0, s.n)
	for i, ok := range s.members {
		if ok {
			ids = append(ids, NodeID(i))
		}
	}
	return ids
}

// checkActivity returns the members with a received frame waiting or a
// closed peer. It never blocks.
func (s *sockSet) checkActivity(t *nodeTable) []NodeID {
	var active []NodeID
	for i, ok := range s.members {
		if !ok {
			continue
		}
		n := t.get(NodeID(i))
		if n == nil || n.sock == nil {
			continue
		}
		if n.sock.pending() || n.sock.closed() {
			active = append(active, n.id)
		}
	}
	return active
}

// clear empties the set.
func (s *sockSet) clear() {
	for i := range s.members {
		s.members[i] = false
	}
	s.n = 0
}
