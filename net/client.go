package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/lcx/nodenet/config"
	"github.com/lcx/nodenet/log"
	"github.com/lcx/nodenet/metrics"
)

// ClientState is the state of the client's server link.
type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientQuerying
	ClientAwaitingJoinReply
	ClientJoined
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientQuerying:
		return "querying"
	case ClientAwaitingJoinReply:
		return "awaiting-join-reply"
	case ClientJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// ClientHooks are the gameplay callbacks around the server link. Both are
// optional and run on the polling goroutine.
type ClientHooks struct {
	// OnServerJoined runs once the server has answered Enter.
	OnServerJoined func()
	// OnDisconnect runs twice per Disconnect: with before set while the
	// socket is still open, and again once it is closed.
	OnDisconnect func(before bool)
}

// DiscoveredHost is the result of the latest Lookup.
type DiscoveredHost struct {
	Address string
	Valid   bool
	Info    ServerInfo
	Fields  map[string]string
	At      time.Time
}

const (
	_knownHostTTL     = 5 * time.Minute
	_knownHostCleanup = 10 * time.Minute
)

type dialResult struct {
	conn net.Conn
	err  error
}

// Client is the joining end of the transport. It owns one slot, ServerNode,
// and never dials more than one server at a time. Every method must be
// called from the polling goroutine.
type Client struct {
	nodeNet

	hooks  ClientHooks
	state  ClientState
	intent responder
	target string
	name   string

	dialCh     chan dialResult
	dialCancel context.CancelFunc
	deadline   time.Time

	// leftover keeps payload that arrived before the server went away.
	leftover [][]byte

	lastErr    error
	status     string
	discovered DiscoveredHost
	known      *cache.Cache
}

// NewClient creates a disconnected client. A nil or invalid cfg is replaced
// by DefaultNodeNetCfg; the invalid case is logged.
func NewClient(cfg *NodeNetCfg, hooks ClientHooks) *Client {
	if cfg == nil {
		cfg = DefaultNodeNetCfg()
	} else if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid client configuration, using defaults")
		cfg = DefaultNodeNetCfg()
	}
	c := &Client{
		hooks:  hooks,
		status: "not connected",
		known:  cache.New(_knownHostTTL, _knownHostCleanup),
	}
	c.init("client", cfg, 1)
	return c
}

// OnConfigChanged implements config.ConfigChangeListener. Changes apply at
// the next Listen.
func (c *Client) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != NodeNetCfgName {
		return nil
	}
	newCfg, ok := newConfig.(*NodeNetCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for %s", NodeNetCfgName)
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", NodeNetCfgName, err)
	}
	cp := *newCfg
	c.pendingCfg.Store(&cp)
	return nil
}

func (c *Client) applyPendingConfig() {
	if cfg := c.pendingCfg.Swap(nil); cfg != nil {
		c.cfg = cfg
	}
}

// State is the current step of the server link.
func (c *Client) State() ClientState {
	return c.state
}

// LastError returns why the last lookup or join failed, or nil.
func (c *Client) LastError() error {
	return c.lastErr
}

// Status is a one-line human readable description of the link.
func (c *Client) Status() string {
	return c.status
}

// DiscoveredHost returns the result of the latest lookup.
func (c *Client) DiscoveredHost() DiscoveredHost {
	return c.discovered
}

// KnownHost returns a recent successful lookup of addr.
func (c *Client) KnownHost(addr string) (DiscoveredHost, bool) {
	v, ok := c.known.Get(addr)
	if !ok {
		return DiscoveredHost{}, false
	}
	return v.(DiscoveredHost), true
}

// Lookup queries addr for its server info. The result shows up in
// DiscoveredHost once Listen has seen the reply; there is no retry.
func (c *Client) Lookup(addr string) error {
	if c.state != ClientDisconnected {
		return ErrBusy
	}
	c.discovered = DiscoveredHost{Address: addr}
	c.startDial(addr, respAwaitInfoReply)
	c.status = "looking up " + addr
	return nil
}

// Connect dials addr and asks to join as name.
func (c *Client) Connect(addr, name string) error {
	if c.state != ClientDisconnected {
		return ErrBusy
	}
	c.name = name
	c.leftover = nil
	c.startDial(addr, respAwaitJoinReply)
	c.status = "connecting to " + addr
	return nil
}

// startDial runs the connect on a helper goroutine; Listen polls dialCh.
func (c *Client) startDial(addr string, intent responder) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	ch := make(chan dialResult, 1)
	go func() {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		ch <- dialResult{conn: conn, err: err}
	}()

	c.dialCh = ch
	c.dialCancel = cancel
	c.deadline = time.Now().Add(c.cfg.ConnectTimeout)
	c.target = addr
	c.intent = intent
	c.lastErr = nil
	c.state = ClientConnecting
	metrics.IncrCounterWithDimGroup("net", "dial_total", 1, metrics.Dimension{"intent": intent.String()})
}

// abandonDial drops an unfinished dial and closes its connection if it
// completes anyway.
func (c *Client) abandonDial() {
	if c.dialCh == nil {
		return
	}
	c.dialCancel()
	go func(ch chan dialResult) {
		if res := <-ch; res.conn != nil {
			_ = res.conn.Close()
		}
	}(c.dialCh)
	c.dialCh = nil
	c.dialCancel = nil
}

// Listen advances the link by one poll pass. It never blocks.
func (c *Client) Listen() TickStats {
	c.stats = TickStats{}
	c.applyPendingConfig()

	switch c.state {
	case ClientConnecting:
		c.stage(stageAccept)
		c.pollDial()
	case ClientQuerying, ClientAwaitingJoinReply:
		c.stage(stageHandshake)
		c.pollReply()
	case ClientJoined:
		c.stage(stagePayload)
		c.payloadStage()
		c.stage(stageSweep)
		c.sweepServer()
	}
	c.updateGauges()
	return c.stats
}

func (c *Client) pollDial() {
	var res dialResult
	select {
	case res = <-c.dialCh:
		c.dialCancel()
		c.dialCh = nil
		c.dialCancel = nil
	default:
		if time.Now().After(c.deadline.Add(time.Second)) {
			c.abandonDial()
			c.fail(ErrNoReply, "dial_timeout")
		}
		return
	}

	if res.err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrConnectFailed, res.err), "dial")
		return
	}

	sk := newSock(res.conn, c.cfg)
	if _, ok := c.register(sk, ServerNode, c.intent); !ok {
		sk.close()
		c.fail(ErrConnectFailed, "register")
		return
	}
	c.stats.Accepted++

	msg := []byte(infoQuery)
	c.state = ClientQuerying
	if c.intent == respAwaitJoinReply {
		msg = FormatJoin(c.cfg.ProtocolVersion, c.name)
		c.state = ClientAwaitingJoinReply
	}
	if err := sk.send(msg); err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrConnectFailed, err), "send")
		return
	}
	c.deadline = time.Now().Add(c.cfg.ReplyTimeout)
	log.Debug().Str("addr", c.target).Str("state", c.state.String()).Msg("connected to server")
}

func (c *Client) pollReply() {
	nd := c.table.get(ServerNode)
	msg, ok := nd.sock.recv()
	switch {
	case ok:
		c.stats.Commands++
		c.handleReply(nd, msg)
	case nd.sock.closed():
		if c.state == ClientAwaitingJoinReply {
			c.fail(ErrRefused, "closed")
		} else {
			c.fail(ErrNoReply, "closed")
		}
	case time.Now().After(c.deadline):
		c.fail(ErrNoReply, "timeout")
	}
}

func (c *Client) handleReply(nd *node, msg []byte) {
	switch nd.responder {
	case respAwaitInfoReply:
		info, fields, err := ParseInfoReply(msg)
		if err != nil {
			c.fail(err, "invalid_reply")
			return
		}
		c.discovered = DiscoveredHost{
			Address: c.target,
			Valid:   true,
			Info:    info,
			Fields:  fields,
			At:      time.Now(),
		}
		c.known.Set(c.target, c.discovered, cache.DefaultExpiration)
		nd.log.Info().Str("addr", c.target).Str("server", info.Name).Msg("lookup complete")
		c.terminate(ServerNode, "lookup_done")
		c.state = ClientDisconnected
		c.status = fmt.Sprintf("found %q (%d/%d players)", info.Name, info.NumPlayers, info.MaxPlayers)

	case respAwaitJoinReply:
		if string(msg) != enterReply {
			c.fail(ErrRefused, "refused")
			return
		}
		if err := c.promote(ServerNode); err != nil {
			c.fail(err, "promote")
			return
		}
		nd.allowedToSend = true
		nd.name = c.target
		c.state = ClientJoined
		c.status = "joined " + c.target
		c.stats.Joined++
		metrics.IncrCounterWithDimGroup("net", "join_total", 1, metrics.Dimension{"role": c.role})
		nd.log.Info().Str("addr", c.target).Msg("joined server")
		if c.hooks.OnServerJoined != nil {
			c.hooks.OnServerJoined()
		}

	default:
		nd.log.Warn().Str("responder", nd.responder.String()).Msg("unexpected reply")
	}
}

// fail tears the attempt down and records err.
func (c *Client) fail(err error, reason string) {
	c.terminate(ServerNode, reason)
	c.lastErr = err
	c.state = ClientDisconnected
	c.status = statusText(err)
	if c.intent == respAwaitInfoReply {
		c.discovered.Valid = false
	}
	metrics.IncrCounterWithDimGroup("net", "client_failure_total", 1, metrics.Dimension{"reason": reason})
	log.Warn().Err(err).Str("addr", c.target).Str("reason", reason).Msg("server link failed")
}

func statusText(err error) string {
	switch {
	case errors.Is(err, ErrNoReply):
		return "no reply"
	case errors.Is(err, ErrRefused):
		return "refused connection"
	case errors.Is(err, ErrInvalidReply):
		return "invalid reply"
	case errors.Is(err, ErrConnectFailed):
		return "connection failed"
	default:
		return err.Error()
	}
}

// sweepServer ends the session when the server goes away.
func (c *Client) sweepServer() {
	if !c.joined.has(ServerNode) || !c.table.get(ServerNode).sock.closed() {
		return
	}
	c.leftover = c.table.get(ServerNode).pending
	c.terminate(ServerNode, "peer_closed")
	c.state = ClientDisconnected
	c.status = "connection lost"
	c.events.Post(Event{Kind: EventConnectionEnded})
}

// Disconnect leaves the server. The OnDisconnect hook sees the socket both
// before and after it closes; a joined link also posts connection-ended.
func (c *Client) Disconnect() {
	switch c.state {
	case ClientDisconnected:
		return
	case ClientConnecting:
		c.abandonDial()
		c.state = ClientDisconnected
		c.status = "not connected"
		return
	}

	wasJoined := c.state == ClientJoined
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(true)
	}
	c.terminate(ServerNode, "disconnect")
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(false)
	}
	c.state = ClientDisconnected
	c.status = "not connected"
	if wasJoined {
		c.events.Post(Event{Kind: EventConnectionEnded})
	}
}

// SendBuffer queues payload for the server. The buffer is copied.
func (c *Client) SendBuffer(payload []byte) error {
	if c.state != ClientJoined || !c.table.get(ServerNode).allowedToSend {
		return ErrNotJoined
	}
	return c.sendTo(ServerNode, payload)
}

// ReceivePending pops the oldest payload received from the server. Payload
// that arrived just before the server closed the link stays readable until
// the next Connect.
func (c *Client) ReceivePending() ([]byte, bool) {
	if payload, ok := c.receivePending(ServerNode); ok {
		return payload, true
	}
	if len(c.leftover) == 0 {
		return nil, false
	}
	payload := c.leftover[0]
	c.leftover = c.leftover[1:]
	return payload, true
}

// NodeState reports the slot state of the server link: unused while
// disconnected or dialing, unjoined during a lookup or join, joined after
// Enter.
func (c *Client) NodeState() NodeState {
	return c.nodeState(ServerNode)
}
