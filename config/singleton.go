package config

import "sync"

var (
	_instance   ConfigManager
	_instanceMu sync.Mutex
)

// GetInstance returns the process wide ConfigManager, creating it on first use.
func GetInstance() ConfigManager {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// SetInstanceForTesting replaces the process wide ConfigManager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	_instance = cm
}

// ResetInstance drops the process wide ConfigManager; the next GetInstance
// creates a fresh one.
func ResetInstance() {
	_instanceMu.Lock()
	defer _instanceMu.Unlock()
	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}
