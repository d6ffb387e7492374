package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/lcx/nodenet/config"
	nodenet "github.com/lcx/nodenet/net"
	"github.com/lcx/nodenet/plugin"
)

const consulFactoryName = "consul"

func init() {
	plugin.RegisterPlugin(&consulFactory{})
}

type consulFactory struct{}

func (f *consulFactory) Type() plugin.Type {
	return plugin.Directory
}

func (f *consulFactory) Name() string {
	return consulFactoryName
}

func (f *consulFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := &ConsulCfg{}
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return NewConsul(*cfg)
}

// Destroy withdraws the server so a rebuilt instance starts clean.
func (f *consulFactory) Destroy(p plugin.Plugin) error {
	c, ok := p.(*Consul)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Withdraw(ctx)
}

func (f *consulFactory) Reload(p plugin.Plugin, v map[string]any) error {
	c, ok := p.(*Consul)
	if !ok {
		return fmt.Errorf("unexpected plugin %T", p)
	}
	cfg := &ConsulCfg{}
	if err := config.Decode(v, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return c.reload(*cfg)
}

func (f *consulFactory) CanDelete(plugin.Plugin) bool {
	return true
}

// FromPlugin returns a net.Directory that looks up the named directory
// plugin instance on every call, so instances rebuilt by a hot reload are
// picked up.
func FromPlugin(factory, instance string) nodenet.Directory {
	return &pluginDirectory{factory: factory, instance: instance}
}

type pluginDirectory struct {
	factory  string
	instance string
}

func (d *pluginDirectory) get() (nodenet.Directory, error) {
	p, err := plugin.GetPlugin(plugin.Directory, d.factory, d.instance)
	if err != nil {
		return nil, err
	}
	dir, ok := p.(nodenet.Directory)
	if !ok {
		return nil, fmt.Errorf("plugin %s/%s is %T, not a directory", d.factory, d.instance, p)
	}
	return dir, nil
}

func (d *pluginDirectory) Announce(ctx context.Context, addr string, info nodenet.ServerInfo) error {
	dir, err := d.get()
	if err != nil {
		return err
	}
	return dir.Announce(ctx, addr, info)
}

func (d *pluginDirectory) Withdraw(ctx context.Context) error {
	dir, err := d.get()
	if err != nil {
		return err
	}
	return dir.Withdraw(ctx)
}
