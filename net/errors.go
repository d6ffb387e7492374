package net

import "errors"

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrNotJoined        = errors.New("node has not joined")
	ErrNotOpen          = errors.New("server is not open")
	ErrAlreadyOpen      = errors.New("server is already open")
	ErrBusy             = errors.New("a connection attempt is already in progress")
	ErrNoReply          = errors.New("no reply")
	ErrRefused          = errors.New("refused connection")
	ErrInvalidReply     = errors.New("invalid reply")
	ErrConnectFailed    = errors.New("connection failed")
	ErrMalformedCommand = errors.New("malformed handshake command")
	ErrCommandTooLong   = errors.New("handshake command too long")
	ErrSendQueueFull    = errors.New("send queue is full")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrSocketClosed     = errors.New("socket closed")
)
