// Package directory publishes a running server to a master-server listing
// and lists the servers published there. The listing is a Consul service
// catalog: each server is a service instance whose metadata carries the
// same key/value pairs as an Info? reply, kept alive by a TTL check.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/lcx/nodenet/log"
	"github.com/lcx/nodenet/metrics"
	nodenet "github.com/lcx/nodenet/net"
)

// ConsulCfg configures one Consul directory instance.
type ConsulCfg struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`

	// Service is the catalog name every server registers under.
	Service string `mapstructure:"service"`
	// ServiceID overrides the per-server instance id.
	ServiceID string   `mapstructure:"serviceId"`
	Tags      []string `mapstructure:"tags"`
	// AdvertiseHost replaces an unspecified listen host such as 0.0.0.0.
	AdvertiseHost string `mapstructure:"advertiseHost"`

	// TTL must exceed the server's announce interval.
	TTL             time.Duration `mapstructure:"ttl"`
	DeregisterAfter time.Duration `mapstructure:"deregisterAfter"`
}

func (c *ConsulCfg) SetDefaults() {
	*c = ConsulCfg{
		Address:         "127.0.0.1:8500",
		Scheme:          "http",
		Service:         "nodenet",
		AdvertiseHost:   "127.0.0.1",
		TTL:             90 * time.Second,
		DeregisterAfter: 10 * time.Minute,
	}
}

func (c *ConsulCfg) Validate() error {
	if c.Address == "" {
		return errors.New("consul address cannot be empty")
	}
	if c.Service == "" {
		return errors.New("consul service name cannot be empty")
	}
	if c.TTL <= 0 {
		return errors.New("consul ttl must be positive")
	}
	if c.DeregisterAfter < time.Minute {
		return errors.New("consul deregisterAfter must be at least 1m")
	}
	return nil
}

// Listing is one server as the directory reports it.
type Listing struct {
	ID   string
	Addr string
	Info nodenet.ServerInfo
}

// Consul implements net.Directory on the Consul agent API.
type Consul struct {
	mu         sync.Mutex
	cfg        ConsulCfg
	client     *api.Client
	registered string
}

func NewConsul(cfg ConsulCfg) (*Consul, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := api.NewClient(&api.Config{
		Address:    cfg.Address,
		Scheme:     cfg.Scheme,
		Datacenter: cfg.Datacenter,
		Token:      cfg.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &Consul{cfg: cfg, client: client}, nil
}

func (c *Consul) FactoryName() string {
	return consulFactoryName
}

func (c *Consul) config() ConsulCfg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// reload swaps settings that do not need a new API client.
func (c *Consul) reload(cfg ConsulCfg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Address != c.cfg.Address || cfg.Scheme != c.cfg.Scheme ||
		cfg.Datacenter != c.cfg.Datacenter || cfg.Token != c.cfg.Token {
		return errors.New("consul endpoint changed")
	}
	c.cfg = cfg
	return nil
}

func serviceID(cfg ConsulCfg, host string, port int) string {
	if cfg.ServiceID != "" {
		return cfg.ServiceID
	}
	return fmt.Sprintf("%s-%s-%d", cfg.Service, host, port)
}

func checkID(id string) string {
	return id + ":ttl"
}

// Announce registers (or refreshes) the server and passes its TTL check.
func (c *Consul) Announce(ctx context.Context, addr string, info nodenet.ServerInfo) error {
	cfg := c.config()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("announce address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("announce port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = cfg.AdvertiseHost
	}

	id := serviceID(cfg, host, port)
	reg := &api.AgentServiceRegistration{
		ID:      id,
		Name:    cfg.Service,
		Tags:    cfg.Tags,
		Address: host,
		Port:    port,
		Meta:    serviceMeta(info.Fields()),
		Check: &api.AgentServiceCheck{
			CheckID:                        checkID(id),
			Name:                           "announce ttl",
			TTL:                            cfg.TTL.String(),
			DeregisterCriticalServiceAfter: cfg.DeregisterAfter.String(),
		},
	}

	start := time.Now()
	agent := c.client.Agent()
	if err := agent.ServiceRegisterOpts(reg, api.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		metrics.IncrCounterWithDimGroup("directory", "error_total", 1, metrics.Dimension{"op": "register"})
		return fmt.Errorf("consul register %s: %w", id, err)
	}
	output := fmt.Sprintf("%d/%d players", info.NumPlayers, info.MaxPlayers)
	if err := agent.UpdateTTLOpts(checkID(id), output, api.HealthPassing, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		metrics.IncrCounterWithDimGroup("directory", "error_total", 1, metrics.Dimension{"op": "ttl"})
		return fmt.Errorf("consul ttl %s: %w", id, err)
	}
	metrics.RecordStopwatchWithGroup("directory", "announce", time.Since(start))

	c.mu.Lock()
	first := c.registered != id
	c.registered = id
	c.mu.Unlock()
	if first {
		log.Info().Str("service", cfg.Service).Str("id", id).Str("addr", net.JoinHostPort(host, portStr)).
			Msg("registered with consul")
	}
	return nil
}

// Withdraw deregisters the server. Without a prior Announce it does nothing.
func (c *Consul) Withdraw(ctx context.Context) error {
	c.mu.Lock()
	id := c.registered
	c.registered = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	if err := c.client.Agent().ServiceDeregisterOpts(id, (&api.QueryOptions{}).WithContext(ctx)); err != nil {
		metrics.IncrCounterWithDimGroup("directory", "error_total", 1, metrics.Dimension{"op": "deregister"})
		return fmt.Errorf("consul deregister %s: %w", id, err)
	}
	log.Info().Str("id", id).Msg("deregistered from consul")
	return nil
}

// Servers lists the servers whose TTL check is passing.
func (c *Consul) Servers(ctx context.Context) ([]Listing, error) {
	cfg := c.config()
	entries, _, err := c.client.Health().Service(cfg.Service, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		metrics.IncrCounterWithDimGroup("directory", "error_total", 1, metrics.Dimension{"op": "list"})
		return nil, fmt.Errorf("consul list %s: %w", cfg.Service, err)
	}

	listings := make([]Listing, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		listings = append(listings, Listing{
			ID:   e.Service.ID,
			Addr: net.JoinHostPort(host, strconv.Itoa(e.Service.Port)),
			Info: nodenet.InfoFromFields(e.Service.Meta),
		})
	}
	return listings, nil
}

const (
	_maxMetaPairs    = 64
	_maxMetaKeyLen   = 128
	_maxMetaValueLen = 512
)

// serviceMeta keeps the fields Consul accepts as service metadata.
func serviceMeta(fields map[string]string) map[string]string {
	meta := make(map[string]string, len(fields))
	for k, v := range fields {
		if len(meta) == _maxMetaPairs {
			break
		}
		if !validMetaKey(k) {
			continue
		}
		if len(v) > _maxMetaValueLen {
			v = v[:_maxMetaValueLen]
		}
		meta[k] = v
	}
	return meta
}

func validMetaKey(k string) bool {
	if k == "" || len(k) > _maxMetaKeyLen || (len(k) >= 7 && k[:7] == "consul-") {
		return false
	}
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
