package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/nodenet/config"
	nodenet "github.com/lcx/nodenet/net"
	"github.com/lcx/nodenet/plugin"
)

func TestConsulPlugin(t *testing.T) {
	agent, addr := newFakeAgent(t)

	dir := t.TempDir()
	body := "directory:\n  consul:\n    address: \"" + addr + "\"\n    service: \"arena\"\n    ttl: 30s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.PluginCfgName+".yaml"), []byte(body), 0o644))

	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	t.Cleanup(func() { _ = cm.Close() })
	require.NoError(t, plugin.InitPluginsWith(cm))
	t.Cleanup(func() { _ = plugin.DestroyPlugins() })

	p, err := plugin.GetDefaultPlugin(plugin.Directory, "consul")
	require.NoError(t, err)
	consul := p.(*Consul)
	assert.Equal(t, "arena", consul.config().Service)
	assert.Equal(t, "30s", consul.config().TTL.String())

	d := FromPlugin("consul", plugin.DefaultInsName)
	require.NoError(t, d.Announce(context.Background(), "127.0.0.1:13209", nodenet.ServerInfo{Name: "e1m1"}))
	agent.mu.Lock()
	assert.Contains(t, agent.services, "arena-127.0.0.1-13209")
	agent.mu.Unlock()
	require.NoError(t, d.Withdraw(context.Background()))

	missing := FromPlugin("consul", "nope")
	assert.Error(t, missing.Announce(context.Background(), "127.0.0.1:1", nodenet.ServerInfo{}))
}

func TestConsulFactory_Reload(t *testing.T) {
	f := &consulFactory{}
	p, err := f.Setup(map[string]any{"address": "127.0.0.1:8500", "service": "a"})
	require.NoError(t, err)

	require.NoError(t, f.Reload(p, map[string]any{"address": "127.0.0.1:8500", "service": "b", "tags": "x,y"}))
	assert.Equal(t, "b", p.(*Consul).config().Service)
	assert.Equal(t, []string{"x", "y"}, p.(*Consul).config().Tags)

	assert.Error(t, f.Reload(p, map[string]any{"address": "10.0.0.1:8500"}), "endpoint change needs a new client")
	assert.Error(t, f.Reload(p, map[string]any{"ttl": "0s"}))
	assert.True(t, f.CanDelete(p))
	assert.NoError(t, f.Destroy(p))
}
