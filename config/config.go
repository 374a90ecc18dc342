// Package config loads component configuration from yaml files and pushes
// hot-reloaded values to registered listeners.
package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a configuration file was reloaded,
// validated and accepted by every registered hook.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
	GetConfigName() string
}
