package log

// NodeLogger logs on behalf of one connected node. It shares the appenders
// of the logger it was derived from and stamps every event with the node's
// slot, session and remote address.
//
// Nodes whose remote host is listed in LogCfg.NodeWhiteList log at every
// level, which allows tracing a single misbehaving peer in production.
type NodeLogger struct {
	*GameLogger
	node        uint32
	session     string
	remote      string
	inWhiteList bool
}

// NewNodeLogger derives a node logger from base. A nil base uses the
// default logger.
func NewNodeLogger(base *GameLogger, node uint32, session, remote string) *NodeLogger {
	if base == nil {
		base = defaultLogger()
	}
	return &NodeLogger{
		GameLogger:  base,
		node:        node,
		session:     session,
		remote:      remote,
		inWhiteList: base.GetCurrentConfig().IsInWhiteList(remote),
	}
}

func (x *NodeLogger) log(level Level) *LogEvent {
	e := x.GameLogger.logWith(level, x.inWhiteList)
	if e == nil {
		return nil
	}
	e.Uint32("node", x.node)
	if x.session != "" {
		e.Str("session", x.session)
	}
	if x.remote != "" {
		e.Str("remote", x.remote)
	}
	return e
}

// IgnoreCheckLevel reports whether the node is whitelisted.
func (x *NodeLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

func (x *NodeLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *NodeLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *NodeLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *NodeLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

func (x *NodeLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}
