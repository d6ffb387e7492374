package net

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ServerInfo is the metadata a server returns to Info?.
type ServerInfo struct {
	Name        string
	Description string
	Version     string
	Game        string
	Mode        string
	Map         string
	NumPlayers  int
	MaxPlayers  int
	CanJoin     bool
	Port        int
	PlayerNames []string
	// Extra carries keys beyond the standard set.
	Extra map[string]string
}

// InfoProvider lets the gameplay layer fill in what only it knows, such as
// the current map. It runs on the polling goroutine.
type InfoProvider interface {
	FillServerInfo(info *ServerInfo)
}

// InfoProviderFunc adapts a function to InfoProvider.
type InfoProviderFunc func(info *ServerInfo)

func (f InfoProviderFunc) FillServerInfo(info *ServerInfo) {
	f(info)
}

var _standardInfoKeys = map[string]struct{}{
	"name": {}, "info": {}, "ver": {}, "game": {}, "mode": {}, "map": {},
	"nump": {}, "maxp": {}, "open": {}, "port": {}, "plrn": {},
}

func cleanInfoValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// Fields flattens the info into the key/value form sent on the wire.
func (i *ServerInfo) Fields() map[string]string {
	fields := make(map[string]string, len(_standardInfoKeys)+len(i.Extra))
	for k, v := range i.Extra {
		k = strings.TrimSpace(k)
		if k == "" || strings.ContainsAny(k, ":\r\n") {
			continue
		}
		fields[k] = cleanInfoValue(v)
	}
	open := "0"
	if i.CanJoin {
		open = "1"
	}
	fields["name"] = cleanInfoValue(i.Name)
	fields["info"] = cleanInfoValue(i.Description)
	fields["ver"] = cleanInfoValue(i.Version)
	fields["game"] = cleanInfoValue(i.Game)
	fields["mode"] = cleanInfoValue(i.Mode)
	fields["map"] = cleanInfoValue(i.Map)
	fields["nump"] = strconv.Itoa(i.NumPlayers)
	fields["maxp"] = strconv.Itoa(i.MaxPlayers)
	fields["open"] = open
	fields["port"] = strconv.Itoa(i.Port)
	fields["plrn"] = cleanInfoValue(strings.Join(i.PlayerNames, ";"))
	return fields
}

// MarshalReply renders the Info? reply: the "Info\n" header, then one
// key:value line per field. Standard keys come first in a fixed order.
func (i *ServerInfo) MarshalReply() []byte {
	fields := i.Fields()
	var b bytes.Buffer
	b.WriteString(infoReplyHeader)
	order := []string{"name", "info", "ver", "game", "mode", "map", "nump", "maxp", "open", "port", "plrn"}
	var extra []string
	for k := range fields {
		if _, ok := _standardInfoKeys[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range append(order, extra...) {
		fmt.Fprintf(&b, "%s:%s\n", k, fields[k])
	}
	return b.Bytes()
}

// ParseInfoReply parses a reply produced by MarshalReply. It returns the
// structured info and every key/value pair received.
func ParseInfoReply(msg []byte) (ServerInfo, map[string]string, error) {
	if !bytes.HasPrefix(msg, []byte(infoReplyHeader)) {
		return ServerInfo{}, nil, ErrInvalidReply
	}

	fields := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(msg[len(infoReplyHeader):]))
	sc.Buffer(make([]byte, 0, 1024), len(msg)+1)
	for sc.Scan() {
		line := sc.Text()
		k, v, ok := strings.Cut(line, ":")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	if err := sc.Err(); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}

	return InfoFromFields(fields), fields, nil
}

// InfoFromFields rebuilds a ServerInfo from its key/value form, as produced
// by Fields. Unknown keys land in Extra.
func InfoFromFields(fields map[string]string) ServerInfo {
	info := ServerInfo{
		Name:        fields["name"],
		Description: fields["info"],
		Version:     fields["ver"],
		Game:        fields["game"],
		Mode:        fields["mode"],
		Map:         fields["map"],
		CanJoin:     fields["open"] == "1",
	}
	info.NumPlayers, _ = strconv.Atoi(fields["nump"])
	info.MaxPlayers, _ = strconv.Atoi(fields["maxp"])
	info.Port, _ = strconv.Atoi(fields["port"])
	if plrn := fields["plrn"]; plrn != "" {
		info.PlayerNames = strings.Split(plrn, ";")
	}
	for k, v := range fields {
		if _, ok := _standardInfoKeys[k]; !ok {
			if info.Extra == nil {
				info.Extra = make(map[string]string)
			}
			info.Extra[k] = v
		}
	}
	return info
}
