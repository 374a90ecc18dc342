package service

import (
	"errors"
	"runtime"
)

// PumpCfg configures the worker pool of a Pump.
type PumpCfg struct {
	// ThreadNum is the number of workers running posted tasks.
	// 0 means runtime.NumCPU().
	ThreadNum int `mapstructure:"threadNum"`

	// MaxPendingTasks bounds the task queue; Post fails beyond it.
	// 0 means unbounded.
	MaxPendingTasks int `mapstructure:"maxPendingTasks"`
}

// DefaultPumpCfg returns one worker per CPU and an unbounded queue.
func DefaultPumpCfg() *PumpCfg {
	return &PumpCfg{ThreadNum: runtime.NumCPU()}
}

// GetName implements config.Config.
func (c *PumpCfg) GetName() string {
	return "pump"
}

// Validate implements config.Config.
func (c *PumpCfg) Validate() error {
	if c.ThreadNum < 0 {
		return errors.New("threadNum must not be negative")
	}
	if c.MaxPendingTasks < 0 {
		return errors.New("maxPendingTasks must not be negative")
	}
	return nil
}

func (c *PumpCfg) threads() int {
	if c.ThreadNum > 0 {
		return c.ThreadNum
	}
	return runtime.NumCPU()
}
