package net

import (
	"time"

	"github.com/lcx/nodenet/log"
)

// NodeID indexes the node slot table.
type NodeID uint32

// ServerNode is the slot a client uses for its server link.
const ServerNode NodeID = 0

// firstPeerNode is the first slot a server hands to peers.
const firstPeerNode NodeID = 1

// NodeState is the lifecycle state of a slot.
type NodeState uint8

const (
	NodeUnused NodeState = iota
	NodeUnjoined
	NodeJoined
)

func (s NodeState) String() string {
	switch s {
	case NodeUnjoined:
		return "unjoined"
	case NodeJoined:
		return "joined"
	default:
		return "unused"
	}
}

// node is one slot. sock is non-nil exactly while the slot is in use.
type node struct {
	id        NodeID
	sock      *sock
	name      string
	host      string
	port      int
	hasJoined bool
	responder responder
	session   string
	since     time.Time
	// pending holds joined payload until the gameplay layer pulls it.
	pending       [][]byte
	allowedToSend bool
	// noResponderLogged limits the "no responder registered" warning to
	// once per session.
	noResponderLogged bool
	log               *log.NodeLogger
}

// NodeInfo is a read-only view of a slot for the gameplay layer.
type NodeInfo struct {
	ID      NodeID
	State   NodeState
	Name    string
	Host    string
	Port    int
	Session string
	Since   time.Time
}

// nodeTable is the fixed-capacity slot registry.
type nodeTable struct {
	nodes []node
}

func newNodeTable(size int) *nodeTable {
	t := &nodeTable{nodes: make([]node, size)}
	for i := range t.nodes {
		t.nodes[i].id = NodeID(i)
	}
	return t
}

func (t *nodeTable) size() int {
	return len(t.nodes)
}

// get returns the slot for id, used or not, or nil when id is out of range.
func (t *nodeTable) get(id NodeID) *node {
	if int(id) >= len(t.nodes) {
		return nil
	}
	return &t.nodes[id]
}

func (t *nodeTable) inUse(id NodeID) bool {
	n := t.get(id)
	return n != nil && n.sock != nil
}

// allocate binds s to the first unused slot at or after first.
func (t *nodeTable) allocate(first NodeID, s *sock) (NodeID, bool) {
	if s == nil {
		return 0, false
	}
	for i := int(first); i < len(t.nodes); i++ {
		n := &t.nodes[i]
		if n.sock != nil {
			continue
		}
		*n = node{
			id:    NodeID(i),
			sock:  s,
			since: time.Now(),
		}
		return n.id, true
	}
	return 0, false
}

// release zeroes the slot. Releasing an unused slot is a no-op.
func (t *nodeTable) release(id NodeID) {
	n := t.get(id)
	if n == nil || n.sock == nil {
		return
	}
	*n = node{id: id}
}

// free reports whether a slot at or after first is unused.
func (t *nodeTable) free(first NodeID) bool {
	for i := int(first); i < len(t.nodes); i++ {
		if t.nodes[i].sock == nil {
			return true
		}
	}
	return false
}

func (t *nodeTable) find(pred func(n *node) bool) (NodeID, bool) {
	for i := range t.nodes {
		if n := &t.nodes[i]; n.sock != nil && pred(n) {
			return n.id, true
		}
	}
	return 0, false
}

func (t *nodeTable) count(pred func(n *node) bool) int {
	c := 0
	for i := range t.nodes {
		if n := &t.nodes[i]; n.sock != nil && pred(n) {
			c++
		}
	}
	return c
}

func (n *node) info(state NodeState) NodeInfo {
	return NodeInfo{
		ID:      n.id,
		State:   state,
		Name:    n.name,
		Host:    n.host,
		Port:    n.port,
		Session: n.session,
		Since:   n.since,
	}
}
