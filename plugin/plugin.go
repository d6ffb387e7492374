// Package plugin builds optional integrations, such as the master server
// directory, from the "plugin" config section. Integrations register a
// Factory from an init function; the config decides which of them run and
// with what settings, and hot reloads apply to live instances.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/lcx/nodenet/config"
	"github.com/lcx/nodenet/log"
)

// Type is a plugin category.
type Type string

const (
	// Directory plugins implement net.Directory.
	Directory Type = "directory"
)

const (
	// PluginCfgName is the config file the plugin section is read from.
	PluginCfgName = "plugin"
	// DefaultInsName names an instance whose settings carry no tag.
	DefaultInsName = "default"
)

// PluginConfig maps plugin type to factory key to instance settings. A
// factory key is the factory name, optionally followed by "_suffix" so one
// factory can appear more than once:
//
//	directory:
//	  consul:
//	    address: 127.0.0.1:8500
//	  consul_backup:
//	    address: 10.0.0.2:8500
//	    tag: backup
type PluginConfig map[string]map[string]map[string]any

func (c *PluginConfig) GetName() string {
	return PluginCfgName
}

func (c *PluginConfig) Validate() error {
	if c == nil || len(*c) == 0 {
		return errors.New("plugin config is empty")
	}
	for pluginType, factories := range *c {
		if len(factories) == 0 {
			return fmt.Errorf("plugin type %s has no factory config", pluginType)
		}
		for factoryKey, settings := range factories {
			if settings == nil {
				return fmt.Errorf("plugin %s/%s has no settings", pluginType, factoryKey)
			}
		}
	}
	return nil
}

// Plugin is a live instance built by a Factory.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type instance struct {
	ft, fn, pn string
	ins        Plugin
}

func (i instance) key() string {
	return i.ft + "/" + i.fn + "/" + i.pn
}

type pluginMgr struct {
	insMap map[string]map[string]map[string]Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

// RegisterPlugin makes f available to the plugin config. Call it from init.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[string(f.Type())+"_"+f.Name()] = f
}

// InitPlugins builds every instance in the plugin section of the shared
// config manager and follows its hot reloads.
func InitPlugins() error {
	return InitPluginsWith(config.GetInstance())
}

// InitPluginsWith is InitPlugins with an explicit config manager. When any
// instance fails to set up, the ones already built are destroyed.
func InitPluginsWith(cm config.ConfigManager) error {
	var cfg PluginConfig
	if err := cm.LoadConfig(PluginCfgName, &cfg); err != nil {
		return fmt.Errorf("load plugin config failed: %w", err)
	}

	_pluginLock.Lock()
	created, err := setupAll(cfg, nil)
	if err != nil {
		rollbackPlugins(created)
		_pluginLock.Unlock()
		return err
	}
	_pluginMgr.insMap = indexInstances(created)
	_pluginLock.Unlock()

	cm.AddChangeListener(_pluginMgr)
	log.Info().Int("count", len(created)).Msg("plugins initialized")
	return nil
}

// setupAll builds every instance of cfg that is not already in kept.
// Callers hold _pluginLock.
func setupAll(cfg PluginConfig, kept map[string]instance) ([]instance, error) {
	var created []instance
	seen := make(map[string]bool, len(kept))
	for k := range kept {
		seen[k] = true
	}

	for ft, factories := range cfg {
		for factoryKey, settings := range factories {
			fn, pn := getFactoryName(factoryKey), getPluginNameFromCfg(settings)
			key := instance{ft: ft, fn: fn, pn: pn}.key()
			if _, ok := kept[key]; ok {
				continue
			}
			if seen[key] {
				return created, fmt.Errorf("plugin instance [%s] configured twice", key)
			}

			f := _factoryMap[ft+"_"+fn]
			if f == nil {
				return created, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
					ft, fn, listAvailableFactories(ft))
			}
			ins, err := f.Setup(settings)
			if err != nil {
				return created, fmt.Errorf("plugin [%s] setup failed: %w", key, err)
			}
			seen[key] = true
			created = append(created, instance{ft: ft, fn: fn, pn: pn, ins: ins})
			log.Info().Str("type", ft).Str("factory", fn).Str("instance", pn).Msg("plugin setup success")
		}
	}
	return created, nil
}

func indexInstances(list []instance) map[string]map[string]map[string]Plugin {
	m := make(map[string]map[string]map[string]Plugin)
	for _, i := range list {
		if m[i.ft] == nil {
			m[i.ft] = make(map[string]map[string]Plugin)
		}
		if m[i.ft][i.fn] == nil {
			m[i.ft][i.fn] = make(map[string]Plugin)
		}
		m[i.ft][i.fn][i.pn] = i.ins
	}
	return m
}

func (pm *pluginMgr) instances() []instance {
	var list []instance
	for ft, factories := range pm.insMap {
		for fn, byName := range factories {
			for pn, ins := range byName {
				list = append(list, instance{ft: ft, fn: fn, pn: pn, ins: ins})
			}
		}
	}
	return list
}

// OnConfigChanged implements config.ConfigChangeListener. Instances whose
// key survives the change are reloaded in place; when Reload fails, or the
// key is gone, the instance is destroyed and rebuilt. Nothing changes while
// any live instance reports it cannot be deleted.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != PluginCfgName {
		return nil
	}
	newCfg, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	live := pm.instances()
	for _, i := range live {
		if f := _factoryMap[i.ft+"_"+i.fn]; f != nil && !f.CanDelete(i.ins) {
			return fmt.Errorf("plugin [%s] cannot be replaced while busy", i.key())
		}
	}

	wanted := make(map[string]map[string]any)
	for ft, factories := range *newCfg {
		for factoryKey, settings := range factories {
			key := instance{ft: ft, fn: getFactoryName(factoryKey), pn: getPluginNameFromCfg(settings)}.key()
			wanted[key] = settings
		}
	}

	kept := make(map[string]instance)
	for _, i := range live {
		f := _factoryMap[i.ft+"_"+i.fn]
		if settings, ok := wanted[i.key()]; ok && f != nil {
			err := f.Reload(i.ins, settings)
			if err == nil {
				kept[i.key()] = i
				continue
			}
			log.Warn().Err(err).Str("instance", i.key()).Msg("plugin reload failed, recreating")
		}
		if f != nil {
			if err := f.Destroy(i.ins); err != nil {
				log.Error().Err(err).Str("instance", i.key()).Msg("destroy plugin failed")
			}
		}
	}

	created, err := setupAll(*newCfg, kept)
	list := make([]instance, 0, len(kept)+len(created))
	for _, i := range kept {
		list = append(list, i)
	}
	if err != nil {
		rollbackPlugins(created)
		pm.insMap = indexInstances(list)
		return err
	}
	pm.insMap = indexInstances(append(list, created...))

	log.Info().Int("reloaded", len(kept)).Int("recreated", len(created)).Msg("plugins hot reload completed")
	return nil
}

func getPluginNameFromCfg(c map[string]any) string {
	if tag, ok := c["tag"].(string); ok && tag != "" {
		return tag
	}
	return DefaultInsName
}

func getFactoryName(factoryKey string) string {
	return strings.Split(factoryKey, "_")[0]
}

// GetPlugin returns instance pn built by factory fn of type ft.
func GetPlugin(ft Type, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	factories, ok := _pluginMgr.insMap[string(ft)]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	byName, ok := factories[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := byName[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

func GetDefaultPlugin(ft Type, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// ListPlugins returns instance names keyed by "type/factory".
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for _, i := range _pluginMgr.instances() {
		key := i.ft + "/" + i.fn
		result[key] = append(result[key], i.pn)
	}
	for _, names := range result {
		sort.Strings(names)
	}
	return result
}

// DestroyPlugins tears down every live instance.
func DestroyPlugins() error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	var result error
	for _, i := range _pluginMgr.instances() {
		f := _factoryMap[i.ft+"_"+i.fn]
		if f == nil {
			continue
		}
		if err := f.Destroy(i.ins); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy %s: %w", i.key(), err))
		}
	}
	_pluginMgr.insMap = make(map[string]map[string]map[string]Plugin)
	return result
}

// rollbackPlugins destroys list in reverse order. Callers hold _pluginLock.
func rollbackPlugins(list []instance) {
	if len(list) == 0 {
		return
	}
	log.Warn().Int("count", len(list)).Msg("rolling back initialized plugins")
	for i := len(list) - 1; i >= 0; i-- {
		p := list[i]
		f := _factoryMap[p.ft+"_"+p.fn]
		if f == nil {
			continue
		}
		if err := f.Destroy(p.ins); err != nil {
			log.Error().Err(err).Str("instance", p.key()).Msg("rollback failed")
		}
	}
}

// listAvailableFactories is used in error messages. Callers hold _pluginLock.
func listAvailableFactories(ft string) []string {
	var names []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, ft+"_") {
			names = append(names, strings.TrimPrefix(key, ft+"_"))
		}
	}
	sort.Strings(names)
	return names
}
