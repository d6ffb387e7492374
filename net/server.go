package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/nodenet/config"
	"github.com/lcx/nodenet/log"
	"github.com/lcx/nodenet/metrics"
)

// DefaultCloseNotice is sent to joined peers before the server closes their
// socket. It is an opaque gameplay packet: type 0xff, "server shutdown".
var DefaultCloseNotice = []byte("\xffshutdown")

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDirectory announces the server to d when NodeNetCfg.Announce is set.
func WithDirectory(d Directory) ServerOption {
	return func(s *Server) {
		s.dir = d
	}
}

// WithCloseNotice replaces DefaultCloseNotice. A nil notice sends nothing.
func WithCloseNotice(notice []byte) ServerOption {
	return func(s *Server) {
		s.closeNotice = notice
	}
}

// WithLogger routes node logs through logger instead of the default one.
func WithLogger(logger *log.GameLogger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInfoProvider lets p adjust every Info? reply and directory
// announcement after the server has filled in its own fields.
func WithInfoProvider(p InfoProvider) ServerOption {
	return func(s *Server) {
		s.info = p
	}
}

// WithPayloadReceiver pushes joined payload to r instead of queueing it for
// ReceivePending.
func WithPayloadReceiver(r PayloadReceiver) ServerOption {
	return func(s *Server) {
		s.receiver = r
	}
}

// Server accepts peers, runs the handshake and carries joined payload.
// Apart from OnConfigChanged every method must be called from the polling
// goroutine.
type Server struct {
	nodeNet

	listener    *listenSock
	limiter     *acceptLimiter
	dir         Directory
	info        InfoProvider
	closeNotice []byte

	lastAnnounce time.Time
	announced    bool
	announcing   atomic.Bool
	announceWG   sync.WaitGroup
}

// NewServer creates a closed server. A nil cfg uses DefaultNodeNetCfg.
func NewServer(cfg *NodeNetCfg, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = DefaultNodeNetCfg()
	}
	s := &Server{closeNotice: DefaultCloseNotice}
	s.postExit = true
	for _, opt := range opts {
		opt(s)
	}
	s.init("server", cfg, max(cfg.MaxNodes, 1))
	s.limiter = newAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst)
	return s
}

// NewServerWithConfigManager loads NodeNetCfg from configManager and follows
// its hot reloads.
func NewServerWithConfigManager(configManager config.ConfigManager, opts ...ServerOption) (*Server, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultNodeNetCfg()
	if err := configManager.LoadConfig(NodeNetCfgName, cfg); err != nil {
		return nil, fmt.Errorf("failed to load %s config: %w", NodeNetCfgName, err)
	}
	s := NewServer(cfg, opts...)
	configManager.AddChangeListener(s)
	return s, nil
}

// OnConfigChanged implements config.ConfigChangeListener. The new
// configuration takes effect at the start of the next Listen. Addr and
// MaxNodes only change across a Close and Open.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
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
	s.pendingCfg.Store(&cp)
	return nil
}

func (s *Server) applyPendingConfig() {
	cfg := s.pendingCfg.Swap(nil)
	if cfg == nil {
		return
	}
	if s.IsOpen() {
		cfg.Addr = s.cfg.Addr
		cfg.MaxNodes = s.cfg.MaxNodes
		cfg.MaxClients = min(cfg.MaxClients, cfg.MaxNodes-1)
	} else if cfg.MaxNodes != s.table.size() {
		s.init(s.role, cfg, cfg.MaxNodes)
	}
	s.cfg = cfg
	s.limiter.Reload(cfg.AcceptRate, cfg.AcceptBurst)
	log.Info().Str("configName", NodeNetCfgName).Int("maxClients", cfg.MaxClients).
		Uint16("protocol", cfg.ProtocolVersion).Msg("node transport configuration applied")
}

// Open binds the listen socket. On failure nothing stays allocated.
func (s *Server) Open() error {
	if s.IsOpen() {
		return ErrAlreadyOpen
	}
	s.applyPendingConfig()
	if err := s.cfg.Validate(); err != nil {
		metrics.IncrCounterWithDimGroup("net", "open_error_total", 1, metrics.Dimension{"error_type": "config"})
		return fmt.Errorf("invalid %s configuration: %w", NodeNetCfgName, err)
	}

	ln, err := listen(s.cfg.Addr, s.cfg.MaxNodes)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "open_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.init(s.role, s.cfg, s.cfg.MaxNodes)
	s.limiter.Reload(s.cfg.AcceptRate, s.cfg.AcceptBurst)
	s.listener = ln
	s.lastAnnounce = time.Time{}
	s.announced = false

	log.Info().Str("addr", ln.addr().String()).Int("maxNodes", s.cfg.MaxNodes).
		Int("maxClients", s.cfg.MaxClients).Uint16("protocol", s.cfg.ProtocolVersion).Msg("server open")
	metrics.IncrCounterWithGroup("net", "open_total", 1)

	s.maybeAnnounce()
	return nil
}

// IsOpen reports whether the server is listening, that is between a
// successful Open and the next Close.
func (s *Server) IsOpen() bool {
	return s.listener != nil
}

// Addr returns the bound listen address, or nil while closed.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.addr()
}

// Listen runs one poll pass: accept, handshake, payload, disconnect sweep,
// directory announce. It never blocks.
func (s *Server) Listen() TickStats {
	s.stats = TickStats{}
	s.applyPendingConfig()
	if !s.IsOpen() {
		return s.stats
	}

	s.stage(stageAccept)
	s.acceptStage()

	s.stage(stageHandshake)
	s.handshakeStage()

	s.stage(stagePayload)
	s.payloadStage()

	s.stage(stageSweep)
	s.sweep(s.unjoined)
	s.sweep(s.joined)
	s.expireHandshakes()

	s.stage(stageAnnounce)
	s.maybeAnnounce()

	s.updateGauges()
	return s.stats
}

func (s *Server) reject(conn net.Conn, reason string) {
	s.stats.Rejected++
	metrics.IncrCounterWithDimGroup("net", "accept_reject_total", 1, metrics.Dimension{"reason": reason})
	log.Warn().Str("remote", conn.RemoteAddr().String()).Str("reason", reason).Msg("connection rejected")
	_ = conn.Close()
}

// acceptStage registers the connections waiting at the start of the tick.
func (s *Server) acceptStage() {
	for i := s.listener.pending(); i > 0; i-- {
		conn, ok := s.listener.accept()
		if !ok {
			return
		}
		if !s.limiter.Allow() {
			s.reject(conn, "rate")
			continue
		}
		if !s.table.free(firstPeerNode) {
			s.reject(conn, "full")
			continue
		}
		sk := newSock(conn, s.cfg)
		if _, ok := s.register(sk, firstPeerNode, respAwaitCommand); !ok {
			sk.close()
			s.stats.Rejected++
			continue
		}
		s.stats.Accepted++
		metrics.IncrCounterWithGroup("net", "accept_total", 1)
	}
}

// handshakeStage reads at most one message per unjoined node. Whatever the
// message, the node leaves the unjoined group.
func (s *Server) handshakeStage() {
	for _, id := range s.unjoined.checkActivity(s.table) {
		if !s.unjoined.has(id) {
			continue
		}
		nd := s.table.get(id)
		msg, ok := nd.sock.recv()
		if !ok {
			continue
		}
		s.stats.Commands++
		s.handleCommand(nd, msg)
	}
}

func (s *Server) handleCommand(nd *node, msg []byte) {
	cmd, err := parseCommand(msg, s.cfg.MaxHandshakeLen)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrCommandTooLong) {
			reason = "too_long"
		}
		metrics.IncrCounterWithDimGroup("net", "handshake_total", 1, metrics.Dimension{"command": reason})
		nd.log.Warn().Err(err).Int("len", len(msg)).Msg("handshake rejected")
		s.terminate(nd.id, reason)
		return
	}
	metrics.IncrCounterWithDimGroup("net", "handshake_total", 1, metrics.Dimension{"command": cmd.Kind.String()})

	switch cmd.Kind {
	case CmdInfo:
		info := s.ServerInfo()
		if err := nd.sock.send(info.MarshalReply()); err != nil {
			nd.log.Warn().Err(err).Msg("info reply not sent")
		}
		s.terminate(nd.id, "info")
	case CmdJoin:
		s.handleJoin(nd, cmd)
	}
}

func (s *Server) handleJoin(nd *node, cmd Command) {
	switch {
	case cmd.Protocol != s.cfg.ProtocolVersion:
		s.refuse(nd, "protocol", cmd)
		return
	case s.joined.len() >= s.cfg.MaxClients:
		s.refuse(nd, "full", cmd)
		return
	}

	name := SanitizeName(cmd.Name)
	if name == "" {
		name = defaultNodeName(nd.id)
	}
	if err := nd.sock.send([]byte(enterReply)); err != nil {
		nd.log.Warn().Err(err).Msg("enter reply not sent")
		s.terminate(nd.id, "send_failed")
		return
	}
	if err := s.promote(nd.id); err != nil {
		nd.log.Error().Err(err).Msg("promote failed")
		s.terminate(nd.id, "promote_failed")
		return
	}
	nd.name = name
	nd.allowedToSend = true

	s.stats.Joined++
	s.events.Post(Event{Kind: EventClientEntered, Node: nd.id})
	metrics.IncrCounterWithDimGroup("net", "join_total", 1, metrics.Dimension{"role": s.role})
	nd.log.Info().Str("name", name).Int("joined", s.joined.len()).Msg("client entered")
}

// refuse answers Bye and terminates the node.
func (s *Server) refuse(nd *node, reason string, cmd Command) {
	metrics.IncrCounterWithDimGroup("net", "join_reject_total", 1, metrics.Dimension{"reason": reason})
	nd.log.Warn().Str("reason", reason).Uint16("protocol", cmd.Protocol).
		Uint16("want", s.cfg.ProtocolVersion).Int("joined", s.joined.len()).Msg("join rejected")
	_ = nd.sock.send([]byte(byeReply))
	s.terminate(nd.id, reason)
}

func (s *Server) expireHandshakes() {
	for _, id := range s.unjoined.snapshot() {
		if !s.unjoined.has(id) {
			continue
		}
		if nd := s.table.get(id); time.Since(nd.since) > s.cfg.HandshakeTimeout {
			nd.log.Warn().Dur("timeout", s.cfg.HandshakeTimeout).Msg("handshake timed out")
			s.terminate(id, "timeout")
		}
	}
}

// ServerInfo describes the server as an Info? reply would.
func (s *Server) ServerInfo() ServerInfo {
	info := ServerInfo{
		Name:        s.cfg.ServerName,
		Description: s.cfg.ServerInfo,
		Version:     fmt.Sprintf("%04x", s.cfg.ProtocolVersion),
		Game:        s.cfg.Game,
		Mode:        s.cfg.Mode,
		NumPlayers:  s.joined.len(),
		MaxPlayers:  s.cfg.MaxClients,
		CanJoin:     s.IsOpen() && s.joined.len() < s.cfg.MaxClients,
	}
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		info.Port = addr.Port
	}
	for _, id := range s.joined.snapshot() {
		info.PlayerNames = append(info.PlayerNames, s.table.get(id).name)
	}
	if s.info != nil {
		s.info.FillServerInfo(&info)
	}
	return info
}

func (s *Server) maybeAnnounce() {
	if !s.cfg.Announce || s.dir == nil || !s.IsOpen() {
		return
	}
	if !s.lastAnnounce.IsZero() && time.Since(s.lastAnnounce) < s.cfg.AnnounceInterval {
		return
	}
	if !s.announcing.CompareAndSwap(false, true) {
		return
	}
	s.lastAnnounce = time.Now()
	s.announced = true

	dir, addr, info, timeout := s.dir, s.Addr().String(), s.ServerInfo(), s.cfg.ConnectTimeout
	s.announceWG.Add(1)
	go func() {
		defer s.announceWG.Done()
		defer s.announcing.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := dir.Announce(ctx, addr, info); err != nil {
			metrics.IncrCounterWithDimGroup("net", "announce_error_total", 1, metrics.Dimension{"op": "announce"})
			log.Warn().Err(err).Str("addr", addr).Msg("directory announce failed")
			return
		}
		log.Debug().Str("addr", addr).Int("players", info.NumPlayers).Msg("announced to directory")
	}()
}

// Close sends the close notice to joined peers, terminates every node,
// releases the listener and withdraws from the directory.
func (s *Server) Close() error {
	if !s.IsOpen() {
		return nil
	}
	var result error

	for _, id := range s.joined.snapshot() {
		if s.closeNotice != nil {
			if err := s.sendTo(id, s.closeNotice); err != nil {
				result = multierror.Append(result, fmt.Errorf("close notice to node %d: %w", id, err))
			}
		}
		s.terminate(id, "closing")
	}
	for _, id := range s.unjoined.snapshot() {
		s.terminate(id, "closing")
	}

	if err := s.listener.close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}
	s.listener = nil
	s.unjoined.clear()
	s.joined.clear()

	s.announceWG.Wait()
	if s.dir != nil && s.announced {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		if err := s.dir.Withdraw(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("directory withdraw: %w", err))
		}
		cancel()
		s.announced = false
	}

	s.updateGauges()
	log.Info().Err(result).Msg("server closed")
	return result
}

// Terminate ends node id. Unused ids are ignored.
func (s *Server) Terminate(id NodeID) {
	s.terminate(id, "api")
}

// Kick sends the close notice to a joined node and terminates it.
func (s *Server) Kick(id NodeID) error {
	if !s.table.inUse(id) {
		return ErrNodeNotFound
	}
	var err error
	if s.joined.has(id) && s.closeNotice != nil {
		err = s.sendTo(id, s.closeNotice)
	}
	s.terminate(id, "kick")
	return err
}

// SendBuffer queues payload for a joined node. The buffer is copied.
func (s *Server) SendBuffer(id NodeID, payload []byte) error {
	return s.sendTo(id, payload)
}

// ReceivePending pops the oldest payload received from id.
func (s *Server) ReceivePending(id NodeID) ([]byte, bool) {
	return s.receivePending(id)
}

// Broadcast sends payload to every joined node.
func (s *Server) Broadcast(payload []byte) error {
	var result error
	for _, id := range s.joined.snapshot() {
		if err := s.sendTo(id, payload); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %d: %w", id, err))
		}
	}
	return result
}

// NodeState reports whether slot id is unused, still handshaking or joined.
// Out-of-range ids read as unused.
func (s *Server) NodeState(id NodeID) NodeState {
	return s.nodeState(id)
}

// NodeInfo returns a snapshot of slot id, or false when the slot is unused.
func (s *Server) NodeInfo(id NodeID) (NodeInfo, bool) {
	return s.nodeInfo(id)
}

// JoinedNodes returns the joined node ids in ascending order. The slice is a
// copy and stays valid after the nodes leave.
func (s *Server) JoinedNodes() []NodeID {
	return s.joined.snapshot()
}

// JoinedCount is the number of joined nodes, the value Join is checked
// against MaxClients with.
func (s *Server) JoinedCount() int {
	return s.joined.len()
}

// SetInfoProvider replaces the provider set with WithInfoProvider. A nil p
// leaves the replies to the server's own fields.
func (s *Server) SetInfoProvider(p InfoProvider) {
	s.info = p
}
