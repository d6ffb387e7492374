// Package net is the node transport of the engine: the client and server
// ends of a TCP link that carries a short text handshake and then opaque
// gameplay payload.
//
// Every peer connection lives in a slot of a fixed-size node table and is
// in exactly one of three states: unused, unjoined (still handshaking) or
// joined. All slot and group changes happen on the caller's goroutine inside
// Listen, Close and the other API calls; helper goroutines only move bytes
// between sockets and channels. Listen is meant to be called once per game
// tick and never blocks.
//
// Pre-join wire format, each message in one length-prefixed frame:
//
//	client: "Info?"            server: "Info\n" + key:value lines, then close
//	client: "Join 0017 name"   server: "Enter" or "Bye"
package net

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lcx/nodenet/log"
	"github.com/lcx/nodenet/metrics"
)

// PayloadReceiver takes joined payload as it arrives instead of queueing it
// for ReceivePending. It is called on the polling goroutine.
type PayloadReceiver interface {
	OnPayload(id NodeID, payload []byte)
}

// PayloadReceiverFunc adapts a function to PayloadReceiver.
type PayloadReceiverFunc func(id NodeID, payload []byte)

func (f PayloadReceiverFunc) OnPayload(id NodeID, payload []byte) {
	f(id, payload)
}

// TickStats counts what one Listen call did.
type TickStats struct {
	Accepted   int
	Rejected   int
	Commands   int
	Joined     int
	Payloads   int
	Dropped    int
	Terminated int
}

// Poll stages in the order Listen runs them.
const (
	stageAccept    = "accept"
	stageHandshake = "handshake"
	stagePayload   = "payload"
	stageSweep     = "sweep"
	stageAnnounce  = "announce"
)

// nodeNet is the state shared by both roles: the slot table, the two
// readiness groups and the event queue.
type nodeNet struct {
	role     string
	cfg      *NodeNetCfg
	table    *nodeTable
	unjoined *sockSet
	joined   *sockSet
	events   EventQueue
	logger   *log.GameLogger
	receiver PayloadReceiver
	stats    TickStats

	// postExit makes terminate emit client-exited for joined nodes.
	postExit bool

	pendingCfg atomic.Pointer[NodeNetCfg]
	onStage    func(stage string)
}

func (n *nodeNet) init(role string, cfg *NodeNetCfg, slots int) {
	n.role = role
	n.cfg = cfg
	n.table = newNodeTable(slots)
	n.unjoined = newSockSet("unjoined", slots)
	n.joined = newSockSet("joined", slots)
}

func (n *nodeNet) baseLogger() *log.GameLogger {
	if n.logger != nil {
		return n.logger
	}
	return log.Default()
}

func (n *nodeNet) stage(name string) {
	if n.onStage != nil {
		n.onStage(name)
	}
}

// register gives s a slot at or after first and puts it in the unjoined
// group. On failure the caller still owns s.
func (n *nodeNet) register(s *sock, first NodeID, resp responder) (NodeID, bool) {
	id, ok := n.table.allocate(first, s)
	if !ok {
		return 0, false
	}
	if !n.unjoined.add(id) {
		n.table.release(id)
		return 0, false
	}

	nd := n.table.get(id)
	nd.responder = resp
	nd.session = uuid.NewString()
	remote := ""
	if addr := s.remoteAddr(); addr != nil {
		remote = addr.String()
		if host, port, err := net.SplitHostPort(remote); err == nil {
			nd.host = host
			nd.port, _ = strconv.Atoi(port)
		}
	}
	nd.log = log.NewNodeLogger(n.baseLogger(), uint32(id), nd.session, remote)
	nd.log.Debug().Str("role", n.role).Msg("node registered")
	return id, true
}

// promote moves an unjoined node to the joined group. Both halves are
// checked before anything changes.
func (n *nodeNet) promote(id NodeID) error {
	nd := n.table.get(id)
	if nd == nil || nd.sock == nil {
		return ErrNodeNotFound
	}
	if !n.unjoined.has(id) || n.joined.has(id) || n.joined.full() {
		return ErrBusy
	}
	n.unjoined.remove(id)
	n.joined.add(id)
	nd.hasJoined = true
	nd.responder = respJoined
	return nil
}

// terminate is the single exit point of a node. Terminating an unused slot
// does nothing.
func (n *nodeNet) terminate(id NodeID, reason string) {
	nd := n.table.get(id)
	if nd == nil || nd.sock == nil {
		return
	}

	if nd.hasJoined {
		if n.postExit {
			n.events.Post(Event{Kind: EventClientExited, Node: id})
		}
		n.joined.remove(id)
	} else {
		n.unjoined.remove(id)
	}

	nd.sock.close()
	nd.log.Info().Str("reason", reason).Bool("joined", nd.hasJoined).Str("name", nd.name).Msg("node terminated")
	n.table.release(id)

	n.events.Post(Event{Kind: EventNodeTerminated, Node: id})
	n.stats.Terminated++
	metrics.IncrCounterWithDimGroup("net", "terminate_total", 1, metrics.Dimension{"role": n.role, "reason": reason})
}

func (n *nodeNet) nodeState(id NodeID) NodeState {
	switch {
	case !n.table.inUse(id):
		return NodeUnused
	case n.joined.has(id):
		return NodeJoined
	default:
		return NodeUnjoined
	}
}

func (n *nodeNet) nodeInfo(id NodeID) (NodeInfo, bool) {
	if !n.table.inUse(id) {
		return NodeInfo{}, false
	}
	return n.table.get(id).info(n.nodeState(id)), true
}

// sendTo queues a copy of payload on a joined node.
func (n *nodeNet) sendTo(id NodeID, payload []byte) error {
	if !n.table.inUse(id) {
		return ErrNodeNotFound
	}
	if !n.joined.has(id) {
		return ErrNotJoined
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return n.table.get(id).sock.send(buf)
}

func (n *nodeNet) receivePending(id NodeID) ([]byte, bool) {
	nd := n.table.get(id)
	if nd == nil || nd.sock == nil || len(nd.pending) == 0 {
		return nil, false
	}
	payload := nd.pending[0]
	nd.pending[0] = nil
	nd.pending = nd.pending[1:]
	return payload, true
}

func (n *nodeNet) deliver(nd *node, payload []byte) {
	n.stats.Payloads++
	if n.receiver != nil {
		n.receiver.OnPayload(nd.id, payload)
		return
	}
	if !n.cfg.PullPayload {
		n.stats.Dropped++
		metrics.IncrCounterWithDimGroup("net", "payload_dropped_total", 1, metrics.Dimension{"role": n.role})
		if !nd.noResponderLogged {
			nd.noResponderLogged = true
			nd.log.Warn().Int("len", len(payload)).Msg("no responder registered")
		}
		return
	}
	limit := max(n.cfg.MaxPendingMessages, 1)
	if len(nd.pending) >= limit {
		nd.pending[0] = nil
		nd.pending = nd.pending[1:]
		n.stats.Dropped++
		metrics.IncrCounterWithDimGroup("net", "payload_dropped_total", 1, metrics.Dimension{"role": n.role})
		nd.log.Warn().Int("limit", limit).Msg("pending payload full, dropped oldest")
	}
	nd.pending = append(nd.pending, payload)
}

// payloadStage hands joined frames to the gameplay layer. Each node gives up
// at most InboxSize frames per tick.
func (n *nodeNet) payloadStage() {
	for _, id := range n.joined.checkActivity(n.table) {
		for i := 0; i < n.cfg.InboxSize; i++ {
			if !n.joined.has(id) {
				break
			}
			nd := n.table.get(id)
			payload, ok := nd.sock.recv()
			if !ok {
				break
			}
			n.deliver(nd, payload)
		}
	}
}

// sweep terminates the members of set whose peer has gone.
func (n *nodeNet) sweep(set *sockSet) {
	for _, id := range set.snapshot() {
		if !set.has(id) {
			continue
		}
		nd := n.table.get(id)
		if nd.sock.closed() {
			if err := nd.sock.err(); err != nil {
				nd.log.Debug().Err(err).Msg("peer gone")
			}
			n.terminate(id, "peer_closed")
		}
	}
}

func (n *nodeNet) updateGauges() {
	metrics.UpdateGaugeWithDimGroup("net", "nodes", metrics.Value(n.unjoined.len()), metrics.Dimension{"role": n.role, "state": "unjoined"})
	metrics.UpdateGaugeWithDimGroup("net", "nodes", metrics.Value(n.joined.len()), metrics.Dimension{"role": n.role, "state": "joined"})
}

// NextEvent pops the oldest lifecycle event.
func (n *nodeNet) NextEvent() (Event, bool) {
	return n.events.Next()
}

// DispatchEvents delivers every queued event to h.
func (n *nodeNet) DispatchEvents(h EventHandler) int {
	return n.events.Dispatch(h)
}

// SetPayloadReceiver switches joined payload from the pending queue to r.
// A nil r switches back.
func (n *nodeNet) SetPayloadReceiver(r PayloadReceiver) {
	n.receiver = r
}
