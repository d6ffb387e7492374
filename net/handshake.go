package net

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Pre-join wire messages.
const (
	infoQuery       = "Info?"
	infoReplyHeader = "Info\n"
	joinPrefix      = "Join "
	enterReply      = "Enter"
	byeReply        = "Bye"

	// "Join " + 4 hex digits + ' '; the name is whatever follows.
	joinProtoStart = len(joinPrefix)
	joinProtoEnd   = joinProtoStart + 4
	minJoinLen     = joinProtoEnd + 1
)

// CommandKind identifies a pre-join command.
type CommandKind uint8

const (
	CmdInfo CommandKind = iota + 1
	CmdJoin
)

func (k CommandKind) String() string {
	switch k {
	case CmdInfo:
		return "info"
	case CmdJoin:
		return "join"
	default:
		return "unknown"
	}
}

// Command is a parsed pre-join message.
type Command struct {
	Kind     CommandKind
	Protocol uint16
	// Name is the raw name field of a Join; see SanitizeName.
	Name string
}

// ParseCommand parses a pre-join message with the default length limit.
func ParseCommand(msg []byte) (Command, error) {
	return parseCommand(msg, MaxHandshakeLen)
}

// parseCommand accepts exactly "Info?" or "Join XXXX name". Everything else,
// including any message of maxLen bytes or more, is rejected.
func parseCommand(msg []byte, maxLen int) (Command, error) {
	if len(msg) >= maxLen {
		return Command{}, fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(msg))
	}
	if len(msg) == len(infoQuery) && string(msg) == infoQuery {
		return Command{Kind: CmdInfo}, nil
	}
	if len(msg) < minJoinLen || !bytes.HasPrefix(msg, []byte(joinPrefix)) {
		return Command{}, ErrMalformedCommand
	}
	if msg[joinProtoEnd] != ' ' {
		return Command{}, fmt.Errorf("%w: no separator after protocol", ErrMalformedCommand)
	}
	proto, ok := parseHex4(msg[joinProtoStart:joinProtoEnd])
	if !ok {
		return Command{}, fmt.Errorf("%w: bad protocol field", ErrMalformedCommand)
	}
	return Command{
		Kind:     CmdJoin,
		Protocol: proto,
		Name:     string(msg[minJoinLen:]),
	}, nil
}

func parseHex4(b []byte) (uint16, bool) {
	var v uint16
	for _, c := range b {
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false
		}
		v = v<<4 | uint16(d)
	}
	return v, true
}

// FormatJoin builds the Join message a client sends.
func FormatJoin(protocol uint16, name string) []byte {
	return []byte(fmt.Sprintf("%s%04x %s", joinPrefix, protocol, SanitizeName(name)))
}

// SanitizeName keeps printable characters, trims surrounding space and caps
// the result at MaxNameLen bytes without splitting a rune.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			continue
		}
		if b.Len()+len(string(r)) > MaxNameLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func defaultNodeName(id NodeID) string {
	return "Player" + strconv.Itoa(int(id))
}

// responder selects how the next inbound message on a node is interpreted.
type responder uint8

const (
	respNone responder = iota
	// respAwaitCommand: server side, expecting Info? or Join.
	respAwaitCommand
	// respAwaitInfoReply: client lookup, expecting "Info\n...".
	respAwaitInfoReply
	// respAwaitJoinReply: client join, expecting Enter.
	respAwaitJoinReply
	// respJoined: payload for the gameplay layer.
	respJoined
)

func (r responder) String() string {
	switch r {
	case respAwaitCommand:
		return "await-command"
	case respAwaitInfoReply:
		return "await-info-reply"
	case respAwaitJoinReply:
		return "await-join-reply"
	case respJoined:
		return "joined"
	default:
		return "none"
	}
}
