// Package config loads named YAML configurations through viper and keeps them
// fresh by watching the backing files.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration has been
// reloaded, validated and passed through every registered hook.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
}
