package pool

import (
	"errors"
	"time"
)

// PoolCfg configures an ObjectPool.
type PoolCfg struct {
	// MaxObjectNum caps the live set. Default 4096.
	MaxObjectNum int `mapstructure:"maxObjectNum"`

	// ReuseObject makes CreateObject recycle closed objects instead of
	// allocating, and disables the periodic FreeObject.
	ReuseObject bool `mapstructure:"reuseObject"`

	// ClosedObjectDelay is the quarantine a removed object serves before it
	// may be reused or freed. Default 5s.
	ClosedObjectDelay time.Duration `mapstructure:"closedObjectDelay"`

	// FreeInterval is the FreeObject period when objects are not reused.
	// Default 10s.
	FreeInterval time.Duration `mapstructure:"freeInterval"`

	// FreeBatch is the most objects released per FreeObject run, 0 for all.
	FreeBatch int `mapstructure:"freeBatch"`

	// ClearInterval is the ClearObsoletedObject period, 0 disables it.
	// Default 60s.
	ClearInterval time.Duration `mapstructure:"clearInterval"`
}

// DefaultPoolCfg returns the default pool configuration.
func DefaultPoolCfg() *PoolCfg {
	return &PoolCfg{
		MaxObjectNum:      4096,
		ClosedObjectDelay: 5 * time.Second,
		FreeInterval:      10 * time.Second,
		ClearInterval:     60 * time.Second,
	}
}

// GetName implements config.Config.
func (c *PoolCfg) GetName() string {
	return "pool"
}

// Validate implements config.Config.
func (c *PoolCfg) Validate() error {
	if c.MaxObjectNum <= 0 {
		return errors.New("maxObjectNum must be positive")
	}
	if c.ClosedObjectDelay < 0 || c.ClearInterval < 0 || c.FreeBatch < 0 {
		return errors.New("closedObjectDelay, clearInterval and freeBatch must not be negative")
	}
	if !c.ReuseObject && c.FreeInterval <= 0 {
		return errors.New("freeInterval must be positive when objects are not reused")
	}
	return nil
}
