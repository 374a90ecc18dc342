// Package service runs the worker goroutines every socket posts its work to
// and manages the lifetime of the services built on them.
package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/panics"

	"github.com/lcx/stnet/config"
	"github.com/lcx/stnet/log"
)

// Task is a unit of work posted to the pump.
type Task func()

// Service is started and stopped together with the pump.
type Service interface {
	// Name identifies the service; names are unique within a pump.
	Name() string
	// Init starts the service. It runs when the pump starts, or right away
	// if the service is added to a running pump.
	Init() error
	// Uninit stops the service.
	Uninit() error
}

var (
	ErrServiceExists = errors.New("service already added")
	ErrNilService    = errors.New("service cannot be nil")
	ErrPumpRunning   = errors.New("pump already running")
)

// Pump is a pool of workers draining one FIFO task queue. Tasks posted from
// a single goroutine start in post order; with more than one worker they may
// run concurrently, so ordering per socket is kept by the sockets themselves.
//
// A panicking task is recovered and logged, the worker keeps going.
type Pump struct {
	cfg PumpCfg

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *queue.Queue
	running bool
	wg      sync.WaitGroup

	svcMu    sync.Mutex
	services []Service
	inited   map[string]bool

	panicked atomic.Uint64
	executed atomic.Uint64
}

// NewPump creates a stopped pump; nil cfg means DefaultPumpCfg.
func NewPump(cfg *PumpCfg) *Pump {
	if cfg == nil {
		cfg = DefaultPumpCfg()
	}
	p := &Pump{
		cfg:    *cfg,
		tasks:  queue.New(),
		inited: make(map[string]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewPumpWithConfigManager creates a pump from the "pump" configuration.
// A missing configuration falls back to DefaultPumpCfg.
func NewPumpWithConfigManager(cm config.ConfigManager) *Pump {
	cfg := DefaultPumpCfg()
	if cm != nil {
		if err := cm.LoadConfig("pump", cfg); err != nil {
			log.Warn().Err(err).Msg("load pump config failed, using defaults")
			cfg = DefaultPumpCfg()
		}
	}
	return NewPump(cfg)
}

// AddService registers svc. On a running pump it is started immediately.
func (p *Pump) AddService(svc Service) error {
	if svc == nil {
		return ErrNilService
	}

	p.svcMu.Lock()
	defer p.svcMu.Unlock()

	for _, s := range p.services {
		if s.Name() == svc.Name() {
			return fmt.Errorf("%w: %s", ErrServiceExists, svc.Name())
		}
	}
	p.services = append(p.services, svc)
	log.Info().Str("name", svc.Name()).Msg("service added")

	if p.IsRunning() {
		return p.initService(svc)
	}
	return nil
}

// RemoveService stops svc if it is running and forgets it.
func (p *Pump) RemoveService(name string) error {
	p.svcMu.Lock()
	defer p.svcMu.Unlock()

	for i, s := range p.services {
		if s.Name() != name {
			continue
		}
		p.services = append(p.services[:i], p.services[i+1:]...)
		return p.uninitService(s)
	}
	return nil
}

// FindService returns the service called name, or nil.
func (p *Pump) FindService(name string) Service {
	p.svcMu.Lock()
	defer p.svcMu.Unlock()
	for _, s := range p.services {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// ServiceNames lists the registered services in registration order.
func (p *Pump) ServiceNames() []string {
	p.svcMu.Lock()
	defer p.svcMu.Unlock()
	names := make([]string, 0, len(p.services))
	for _, s := range p.services {
		names = append(names, s.Name())
	}
	return names
}

func (p *Pump) initService(svc Service) error {
	if p.inited[svc.Name()] {
		return nil
	}
	if err := svc.Init(); err != nil {
		log.Error().Str("name", svc.Name()).Err(err).Msg("service init failed")
		return fmt.Errorf("init service %s: %w", svc.Name(), err)
	}
	p.inited[svc.Name()] = true
	log.Info().Str("name", svc.Name()).Msg("service started")
	return nil
}

func (p *Pump) uninitService(svc Service) error {
	if !p.inited[svc.Name()] {
		return nil
	}
	delete(p.inited, svc.Name())
	if err := svc.Uninit(); err != nil {
		log.Error().Str("name", svc.Name()).Err(err).Msg("service uninit failed")
		return fmt.Errorf("uninit service %s: %w", svc.Name(), err)
	}
	log.Info().Str("name", svc.Name()).Msg("service stopped")
	return nil
}

// Start launches the workers, then starts every service in registration
// order. If a service fails to start, the ones already started are stopped
// again and the pump is left stopped.
func (p *Pump) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPumpRunning
	}
	p.running = true
	n := p.cfg.threads()
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	p.mu.Unlock()
	log.Info().Int("threads", n).Msg("pump started")

	p.svcMu.Lock()
	services := append([]Service(nil), p.services...)
	var err error
	for _, svc := range services {
		if err = p.initService(svc); err != nil {
			break
		}
	}
	p.svcMu.Unlock()

	if err != nil {
		if stopErr := p.Stop(); stopErr != nil {
			err = multierror.Append(err, stopErr)
		}
		return err
	}
	return nil
}

// Stop stops every service in reverse order, then lets the workers finish
// the queued tasks and waits for them. Errors of all services are returned
// together.
func (p *Pump) Stop() error {
	var result *multierror.Error

	p.svcMu.Lock()
	for i := len(p.services) - 1; i >= 0; i-- {
		if err := p.uninitService(p.services[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.svcMu.Unlock()

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return result.ErrorOrNil()
	}
	p.running = false
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	log.Info().Uint64("executed", p.executed.Load()).Uint64("panicked", p.panicked.Load()).Msg("pump stopped")
	return result.ErrorOrNil()
}

// IsRunning reports whether Post accepts tasks.
func (p *Pump) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Post queues task. It returns false when the pump is stopped or the queue
// is at MaxPendingTasks.
func (p *Pump) Post(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	if p.cfg.MaxPendingTasks > 0 && p.tasks.Length() >= p.cfg.MaxPendingTasks {
		return false
	}
	p.tasks.Add(task)
	p.cond.Signal()
	return true
}

// PendingTasks returns the number of queued tasks.
func (p *Pump) PendingTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.Length()
}

// ThreadNum returns the number of workers the pump runs.
func (p *Pump) ThreadNum() int {
	return p.cfg.threads()
}

// Panicked returns how many tasks panicked so far.
func (p *Pump) Panicked() uint64 {
	return p.panicked.Load()
}

func (p *Pump) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && p.running {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(Task)
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pump) run(task Task) {
	var c panics.Catcher
	c.Try(task)
	p.executed.Add(1)
	if r := c.Recovered(); r != nil {
		p.panicked.Add(1)
		log.Error().Err(r.AsError()).Msg("pump task panicked")
	}
}
