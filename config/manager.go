package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	RegisterValidator(configName string, validator ValidatorFunc)
	RegisterHook(configName string, hook HookFunc)
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	SetBasePath(path string)
	SetEnvironment(env string)
	Close() error
}

// ValidatorFunc configuration validation function
type ValidatorFunc func(Config) error

// HookFunc configuration change hook function
type HookFunc func(oldVal, newVal Config) error

// ErrConfigNotFound is returned by GetConfig for names never loaded.
var ErrConfigNotFound = errors.New("config not found")

// configManager implementation of ConfigManager interface
type configManager struct {
	mu         sync.RWMutex
	configs    map[string]Config
	watchers   map[string]*fsnotify.Watcher
	validators map[string]ValidatorFunc
	hooks      map[string][]HookFunc
	listeners  []ConfigChangeListener
	basePath   string
	env        string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:    make(map[string]Config),
		watchers:   make(map[string]*fsnotify.Watcher),
		validators: make(map[string]ValidatorFunc),
		hooks:      make(map[string][]HookFunc),
		basePath:   "./configs",
		env:        "development",
	}
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	// <NAME>_<KEY> overrides, e.g. SERVER_ADDR for addr in server.yaml
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

// validate runs the config's own Validate and the registered validator.
func (cm *configManager) validate(configName string, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if validator, exists := cm.validators[configName]; exists {
		return validator(config)
	}
	return nil
}

// LoadConfig loads configuration from file
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}

	if err := cm.validate(configName, config); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}

	return nil
}

// GetConfig returns the last accepted value of configName.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, configName)
	}

	return config, nil
}

// RegisterValidator registers configuration validator
func (cm *configManager) RegisterValidator(configName string, validator ValidatorFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.validators[configName] = validator
}

// RegisterHook registers configuration change hook
func (cm *configManager) RegisterHook(configName string, hook HookFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks[configName] = append(cm.hooks[configName], hook)
}

// AddChangeListener registers a listener; it only receives the configuration
// named by its GetConfigName.
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveChangeListener unregisters a listener added earlier.
func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName string, v *viper.Viper) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "config watcher error: %v\n", err)
			}
		}
	}()

	return watcher.Add(configFile)
}

// reloadConfig reloads configuration when file changes. Listeners are called
// outside the manager lock so they may query the manager again.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()

	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	// New instance of the same type, seeded with the old values so keys
	// missing from the file keep their current setting.
	nv := reflect.New(reflect.TypeOf(oldConfig).Elem())
	nv.Elem().Set(reflect.ValueOf(oldConfig).Elem())
	newConfig := nv.Interface().(Config)

	v := cm.newViper(configName)
	if err := v.ReadInConfig(); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to read config %s: %v\n", configName, err)
		return
	}

	if err := v.Unmarshal(newConfig); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: failed to unmarshal config %s: %v\n", configName, err)
		return
	}

	if err := cm.validate(configName, newConfig); err != nil {
		cm.mu.Unlock()
		fmt.Fprintf(os.Stderr, "reloadConfig: validation failed for config %s: %v\n", configName, err)
		return
	}

	for _, hook := range cm.hooks[configName] {
		if err := hook(oldConfig, newConfig); err != nil {
			cm.mu.Unlock()
			fmt.Fprintf(os.Stderr, "reloadConfig: hook failed for config %s: %v\n", configName, err)
			return
		}
	}

	cm.configs[configName] = newConfig
	listeners := make([]ConfigChangeListener, 0, len(cm.listeners))
	for _, l := range cm.listeners {
		if l.GetConfigName() == configName {
			listeners = append(listeners, l)
		}
	}
	cm.mu.Unlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			fmt.Fprintf(os.Stderr, "reloadConfig: listener rejected config %s: %v\n", configName, err)
		}
	}
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil {
			return err
		}
		delete(cm.watchers, name)
	}

	return nil
}
