package net

import (
	"errors"
	"fmt"
	"time"
)

// NodeNetCfgName is the name NodeNetCfg is loaded under.
const NodeNetCfgName = "node_transport"

const (
	// DefaultProtocolVersion is the protocol value carried by Join.
	DefaultProtocolVersion uint16 = 0x0017
	// MaxHandshakeLen bounds every pre-join message; longer ones are hostile.
	MaxHandshakeLen = 256
	// MaxNameLen bounds a sanitized node name.
	MaxNameLen = 64
)

// NodeNetCfg configures both roles of the node transport.
type NodeNetCfg struct {
	// Addr is the listen address (server) or the default remote (client).
	Addr string `mapstructure:"addr"`

	// MaxNodes is the size of the node slot table. Slot 0 is reserved, so
	// a server serves at most MaxNodes-1 peers, joined or not.
	MaxNodes int `mapstructure:"maxNodes"`
	// MaxClients caps the joined peers. Join requests beyond it get Bye.
	MaxClients int `mapstructure:"maxClients"`

	ProtocolVersion uint16 `mapstructure:"protocolVersion"`
	MaxFrameSize    int    `mapstructure:"maxFrameSize"`
	// MaxHandshakeLen is the exclusive length limit of pre-join messages.
	// It may be lowered below MaxHandshakeLen but never raised.
	MaxHandshakeLen int `mapstructure:"maxHandshakeLen"`

	// HandshakeTimeout terminates unjoined nodes that stay silent.
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	ConnectTimeout   time.Duration `mapstructure:"connectTimeout"`
	// ReplyTimeout bounds the wait for Info or Enter on the client.
	ReplyTimeout time.Duration `mapstructure:"replyTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`

	InboxSize          int `mapstructure:"inboxSize"`
	SendQueueSize      int `mapstructure:"sendQueueSize"`
	MaxPendingMessages int `mapstructure:"maxPendingMessages"`
	// PullPayload queues joined payload for ReceivePending when no
	// PayloadReceiver is set. When false such payload is dropped and the
	// node logs "no responder registered" once.
	PullPayload bool `mapstructure:"pullPayload"`

	// AcceptRate limits accepted connections per second; 0 disables it.
	AcceptRate  float64 `mapstructure:"acceptRate"`
	AcceptBurst int     `mapstructure:"acceptBurst"`

	Announce         bool          `mapstructure:"announce"`
	AnnounceInterval time.Duration `mapstructure:"announceInterval"`

	ServerName string `mapstructure:"serverName"`
	ServerInfo string `mapstructure:"serverInfo"`
	Game       string `mapstructure:"game"`
	Mode       string `mapstructure:"mode"`
}

// DefaultNodeNetCfg returns a configuration suitable for a local server.
func DefaultNodeNetCfg() *NodeNetCfg {
	cfg := &NodeNetCfg{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults implements config.Defaulter.
func (c *NodeNetCfg) SetDefaults() {
	*c = NodeNetCfg{
		Addr:               ":13209",
		MaxNodes:           17,
		MaxClients:         16,
		ProtocolVersion:    DefaultProtocolVersion,
		MaxFrameSize:       64 * 1024,
		MaxHandshakeLen:    MaxHandshakeLen,
		HandshakeTimeout:   10 * time.Second,
		ConnectTimeout:     5 * time.Second,
		ReplyTimeout:       5 * time.Second,
		WriteTimeout:       5 * time.Second,
		InboxSize:          64,
		SendQueueSize:      256,
		MaxPendingMessages: 1024,
		PullPayload:        true,
		AcceptRate:         0,
		AcceptBurst:        16,
		AnnounceInterval:   60 * time.Second,
		ServerName:         "nodenet",
	}
}

func (c *NodeNetCfg) GetName() string {
	return NodeNetCfgName
}

// Validate implements config.Config. Both roles refuse to run on a
// configuration it rejects.
func (c *NodeNetCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.MaxNodes < 2 {
		return fmt.Errorf("maxNodes must be at least 2, got %d", c.MaxNodes)
	}
	if c.MaxClients < 1 || c.MaxClients > c.MaxNodes-1 {
		return fmt.Errorf("maxClients must be within [1, %d], got %d", c.MaxNodes-1, c.MaxClients)
	}
	if c.MaxHandshakeLen < minJoinLen+1 || c.MaxHandshakeLen > MaxHandshakeLen {
		return fmt.Errorf("maxHandshakeLen must be within [%d, %d]", minJoinLen+1, MaxHandshakeLen)
	}
	if c.MaxFrameSize < c.MaxHandshakeLen {
		return fmt.Errorf("maxFrameSize must be at least maxHandshakeLen")
	}
	if c.HandshakeTimeout <= 0 || c.ConnectTimeout <= 0 || c.ReplyTimeout <= 0 {
		return errors.New("handshake, connect and reply timeouts must be positive")
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout must not be negative")
	}
	if c.InboxSize <= 0 || c.SendQueueSize <= 0 {
		return errors.New("inboxSize and sendQueueSize must be positive")
	}
	if c.MaxPendingMessages <= 0 {
		return errors.New("maxPendingMessages must be positive")
	}
	if c.AcceptRate < 0 || (c.AcceptRate > 0 && c.AcceptBurst <= 0) {
		return errors.New("acceptRate must not be negative and needs a positive acceptBurst")
	}
	if c.Announce && c.AnnounceInterval <= 0 {
		return errors.New("announceInterval must be positive when announce is enabled")
	}
	return nil
}
