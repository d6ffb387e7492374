package net

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		want    Command
		wantErr error
	}{
		{name: "info", msg: "Info?", want: Command{Kind: CmdInfo}},
		{name: "info trailing space", msg: "Info? ", wantErr: ErrMalformedCommand},
		{name: "info lower case", msg: "info?", wantErr: ErrMalformedCommand},
		{name: "join", msg: "Join 0017 alice", want: Command{Kind: CmdJoin, Protocol: 0x17, Name: "alice"}},
		{name: "join upper hex", msg: "Join 00AF bob", want: Command{Kind: CmdJoin, Protocol: 0xaf, Name: "bob"}},
		{name: "join name with spaces", msg: "Join 0017 big bad", want: Command{Kind: CmdJoin, Protocol: 0x17, Name: "big bad"}},
		{name: "join empty name", msg: "Join 0017 ", want: Command{Kind: CmdJoin, Protocol: 0x17}},
		{name: "join without name field", msg: "Join 0017", wantErr: ErrMalformedCommand},
		{name: "join bad hex", msg: "Join 001G x", wantErr: ErrMalformedCommand},
		{name: "join no separator", msg: "Join 0017x", wantErr: ErrMalformedCommand},
		{name: "join short protocol", msg: "Join 17 alice", wantErr: ErrMalformedCommand},
		{name: "empty", msg: "", wantErr: ErrMalformedCommand},
		{name: "garbage", msg: "GET / HTTP/1.1", wantErr: ErrMalformedCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.msg))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_LengthGate(t *testing.T) {
	join := "Join 0017 "
	longest := join + strings.Repeat("a", MaxHandshakeLen-1-len(join))
	require.Len(t, longest, MaxHandshakeLen-1)

	cmd, err := ParseCommand([]byte(longest))
	require.NoError(t, err)
	assert.Equal(t, CmdJoin, cmd.Kind)

	_, err = ParseCommand([]byte(longest + "a"))
	assert.ErrorIs(t, err, ErrCommandTooLong, "a well formed join at the limit is still rejected")

	_, err = ParseCommand(make([]byte, 4096))
	assert.ErrorIs(t, err, ErrCommandTooLong)

	_, err = parseCommand([]byte("Join 0017 alice"), 12)
	assert.ErrorIs(t, err, ErrCommandTooLong)
}

func TestFormatJoin(t *testing.T) {
	msg := FormatJoin(0x17, "  alice\n")
	assert.Equal(t, "Join 0017 alice", string(msg))

	cmd, err := ParseCommand(msg)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x17), cmd.Protocol)
	assert.Equal(t, "alice", cmd.Name)

	assert.Equal(t, "Join beef ", string(FormatJoin(0xbeef, "")))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "alice", SanitizeName("alice"))
	assert.Equal(t, "al ice", SanitizeName(" al\x00 ice\t"))
	assert.Equal(t, "", SanitizeName("\r\n"))
	assert.Equal(t, "héllo", SanitizeName("héllo"))

	long := SanitizeName(strings.Repeat("é", MaxNameLen))
	assert.LessOrEqual(t, len(long), MaxNameLen)
	assert.Equal(t, MaxNameLen/2, len([]rune(long)))
}

func TestDefaultNodeName(t *testing.T) {
	assert.Equal(t, "Player3", defaultNodeName(3))
}

func TestResponder_String(t *testing.T) {
	assert.Equal(t, "await-command", respAwaitCommand.String())
	assert.Equal(t, "joined", respJoined.String())
	assert.Equal(t, "none", respNone.String())
	assert.Equal(t, "join", CmdJoin.String())
}
