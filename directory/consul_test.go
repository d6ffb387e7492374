package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nodenet "github.com/lcx/nodenet/net"
)

// fakeAgent serves the handful of agent and health endpoints Consul uses.
type fakeAgent struct {
	mu           sync.Mutex
	services     map[string]*api.AgentServiceRegistration
	ttlUpdates   map[string]string
	deregistered []string
}

func newFakeAgent(t *testing.T) (*fakeAgent, string) {
	t.Helper()
	a := &fakeAgent{
		services:   make(map[string]*api.AgentServiceRegistration),
		ttlUpdates: make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(a.serveHTTP))
	t.Cleanup(srv.Close)
	return a, strings.TrimPrefix(srv.URL, "http://")
}

func (a *fakeAgent) serveHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch path := r.URL.Path; {
	case r.Method == http.MethodPut && path == "/v1/agent/service/register":
		var reg api.AgentServiceRegistration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.services[reg.ID] = &reg
	case r.Method == http.MethodPut && strings.HasPrefix(path, "/v1/agent/check/update/"):
		var body struct{ Status, Output string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.ttlUpdates[strings.TrimPrefix(path, "/v1/agent/check/update/")] = body.Status
	case r.Method == http.MethodPut && strings.HasPrefix(path, "/v1/agent/service/deregister/"):
		id := strings.TrimPrefix(path, "/v1/agent/service/deregister/")
		delete(a.services, id)
		a.deregistered = append(a.deregistered, id)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/health/service/"):
		name := strings.TrimPrefix(path, "/v1/health/service/")
		var entries []*api.ServiceEntry
		for _, reg := range a.services {
			if reg.Name != name {
				continue
			}
			entries = append(entries, &api.ServiceEntry{
				Node:    &api.Node{Address: "10.0.0.1"},
				Service: &api.AgentService{ID: reg.ID, Service: reg.Name, Address: reg.Address, Port: reg.Port, Meta: reg.Meta},
			})
		}
		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("X-Consul-KnownLeader", "true")
		_ = json.NewEncoder(w).Encode(entries)
	default:
		http.NotFound(w, r)
	}
}

func testConsul(t *testing.T, addr string) *Consul {
	t.Helper()
	cfg := ConsulCfg{}
	cfg.SetDefaults()
	cfg.Address = addr
	cfg.Tags = []string{"doom"}
	c, err := NewConsul(cfg)
	require.NoError(t, err)
	return c
}

func TestConsul_AnnounceWithdraw(t *testing.T) {
	agent, addr := newFakeAgent(t)
	c := testConsul(t, addr)
	ctx := context.Background()

	require.NoError(t, c.Withdraw(ctx), "withdraw before announce is a no-op")

	info := nodenet.ServerInfo{Name: "e1m1", Version: "0017", NumPlayers: 1, MaxPlayers: 4, CanJoin: true, Port: 13209,
		Extra: map[string]string{"bad key": "x", "skill": "4"}}
	require.NoError(t, c.Announce(ctx, "0.0.0.0:13209", info))

	agent.mu.Lock()
	reg := agent.services["nodenet-127.0.0.1-13209"]
	require.NotNil(t, reg)
	assert.Equal(t, "nodenet", reg.Name)
	assert.Equal(t, "127.0.0.1", reg.Address)
	assert.Equal(t, 13209, reg.Port)
	assert.Equal(t, []string{"doom"}, reg.Tags)
	assert.Equal(t, "e1m1", reg.Meta["name"])
	assert.Equal(t, "4", reg.Meta["skill"])
	assert.NotContains(t, reg.Meta, "bad key")
	assert.Equal(t, "1m30s", reg.Check.TTL)
	assert.Equal(t, api.HealthPassing, agent.ttlUpdates["nodenet-127.0.0.1-13209:ttl"])
	agent.mu.Unlock()

	require.NoError(t, c.Withdraw(ctx))
	agent.mu.Lock()
	assert.Equal(t, []string{"nodenet-127.0.0.1-13209"}, agent.deregistered)
	assert.Empty(t, agent.services)
	agent.mu.Unlock()
}

func TestConsul_Servers(t *testing.T) {
	_, addr := newFakeAgent(t)
	c := testConsul(t, addr)
	ctx := context.Background()

	info := nodenet.ServerInfo{Name: "dm", NumPlayers: 2, MaxPlayers: 8, PlayerNames: []string{"alice", "bob"}}
	require.NoError(t, c.Announce(ctx, "192.168.1.5:10666", info))

	servers, err := c.Servers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "192.168.1.5:10666", servers[0].Addr)
	assert.Equal(t, "dm", servers[0].Info.Name)
	assert.Equal(t, 2, servers[0].Info.NumPlayers)
	assert.Equal(t, []string{"alice", "bob"}, servers[0].Info.PlayerNames)
}

func TestConsul_AnnounceErrors(t *testing.T) {
	_, addr := newFakeAgent(t)
	c := testConsul(t, addr)
	assert.Error(t, c.Announce(context.Background(), "no-port", nodenet.ServerInfo{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	down := testConsul(t, "127.0.0.1:1")
	assert.Error(t, down.Announce(ctx, "127.0.0.1:13209", nodenet.ServerInfo{}))
}

func TestConsulCfg_Validate(t *testing.T) {
	cfg := ConsulCfg{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.TTL = 0
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.DeregisterAfter = time.Second
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.Service = ""
	assert.Error(t, bad.Validate())
}

func TestServiceMeta(t *testing.T) {
	meta := serviceMeta(map[string]string{
		"name":        "e1m1",
		"consul-x":    "reserved",
		"long":        strings.Repeat("v", 600),
		"with:colon":  "x",
		"under_score": "ok",
	})
	assert.Equal(t, "e1m1", meta["name"])
	assert.Equal(t, "ok", meta["under_score"])
	assert.Len(t, meta["long"], _maxMetaValueLen)
	assert.NotContains(t, meta, "consul-x")
	assert.NotContains(t, meta, "with:colon")
}
