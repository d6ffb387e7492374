package net

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	_waitFor = 3 * time.Second
	_tick    = 5 * time.Millisecond
)

func testCfg() *NodeNetCfg {
	cfg := DefaultNodeNetCfg()
	cfg.Addr = "127.0.0.1:0"
	cfg.MaxNodes = 5
	cfg.MaxClients = 4
	cfg.ConnectTimeout = time.Second
	cfg.ReplyTimeout = time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func openServer(t *testing.T, cfg *NodeNetCfg, opts ...ServerOption) *Server {
	t.Helper()
	s := NewServer(cfg, opts...)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// pump calls Listen until cond holds.
func pump(t *testing.T, s *Server, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.Listen()
		return cond()
	}, _waitFor, _tick)
}

// checkSlots asserts every slot is exactly one of unused, unjoined, joined.
func checkSlots(t *testing.T, n *nodeNet) {
	t.Helper()
	for i := 0; i < n.table.size(); i++ {
		id := NodeID(i)
		inUse := n.table.inUse(id)
		u, j := n.unjoined.has(id), n.joined.has(id)
		require.False(t, u && j, "node %d in both groups", id)
		require.Equal(t, inUse, u || j, "node %d group membership does not match slot use", id)
		if inUse {
			require.Equal(t, j, n.table.get(id).hasJoined, "node %d hasJoined out of sync", id)
		}
	}
}

// rawPeer speaks the framed wire protocol directly.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, addr net.Addr) *rawPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

func (p *rawPeer) send(msg string) {
	p.t.Helper()
	_, err := p.conn.Write(encodeFrame([]byte(msg)))
	require.NoError(p.t, err)
}

func (p *rawPeer) readFrame() ([]byte, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(_waitFor))
	return readFrame(p.conn, make([]byte, frameHeaderSize), 1<<20)
}

func (p *rawPeer) expect(msg string) {
	p.t.Helper()
	got, err := p.readFrame()
	require.NoError(p.t, err)
	require.Equal(p.t, msg, string(got))
}

// expectClosed asserts the server closed the connection.
func (p *rawPeer) expectClosed() {
	p.t.Helper()
	_, err := p.readFrame()
	require.Error(p.t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(p.t, ne.Timeout(), "connection still open")
	}
}

// recordingHandler collects dispatched events.
type recordingHandler struct {
	entered    []NodeID
	exited     []NodeID
	terminated []NodeID
	ended      int
}

func (h *recordingHandler) OnClientEntered(id NodeID)  { h.entered = append(h.entered, id) }
func (h *recordingHandler) OnClientExited(id NodeID)   { h.exited = append(h.exited, id) }
func (h *recordingHandler) OnNodeTerminated(id NodeID) { h.terminated = append(h.terminated, id) }
func (h *recordingHandler) OnConnectionEnded()         { h.ended++ }

func drainEvents(n *nodeNet) []Event {
	var out []Event
	for {
		e, ok := n.events.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}
