// Package worker spreads station elements across concurrent worker hosts.
// Three modes exist: workerSet groups a fixed number of elements per worker,
// staticPool runs a fixed-size pool, dynamicPool grows and shrinks between
// bounds.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

// Element is one unit of work hosted by a worker, typically starting a
// charging station.
type Element func() error

// Host runs elements on its workers.
type Host interface {
	// Submit hands an element to the host. Hosts accept submissions only
	// between Start and Stop.
	Submit(el Element) error
	Start() error
	Stop(ctx context.Context) error
	// Size reports the current number of workers.
	Size() int
}

// NewHost builds the host matching the configured mode.
func NewHost(cfg config.WorkerConfig, log *zap.Logger) (Host, error) {
	switch cfg.Mode {
	case config.WorkerModeSet, "":
		return newWorkerSet(cfg, log), nil
	case config.WorkerModeStaticPool:
		return newPool(cfg, log, false), nil
	case config.WorkerModeDynamicPool:
		return newPool(cfg, log, true), nil
	default:
		return nil, fmt.Errorf("unknown worker mode %q", cfg.Mode)
	}
}

func runElement(el Element, restartOnError bool, log *zap.Logger) {
	for {
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("element panicked: %v", r)
				}
			}()
			return el()
		}()
		if err == nil {
			return
		}
		log.Error("Worker element failed", zap.Error(err))
		if !restartOnError {
			return
		}
		time.Sleep(time.Second)
	}
}

// --- workerSet ---

// workerSet starts a new worker for every elementsPerWorker elements.
type workerSet struct {
	cfg config.WorkerConfig
	log *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	workers  int
	inWorker int
	wg       sync.WaitGroup
}

func newWorkerSet(cfg config.WorkerConfig, log *zap.Logger) *workerSet {
	return &workerSet{cfg: cfg, log: log}
}

func (ws *workerSet) Start() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.started {
		return fmt.Errorf("worker set already started")
	}
	ws.started = true
	return nil
}

func (ws *workerSet) Submit(el Element) error {
	ws.mu.Lock()
	if !ws.started || ws.stopped {
		ws.mu.Unlock()
		return fmt.Errorf("worker set is not running")
	}
	// A full worker overflows into a fresh one.
	if ws.inWorker == 0 || ws.inWorker >= ws.cfg.ElementsPerWorker {
		ws.workers++
		ws.inWorker = 0
		if ws.workers > 1 && ws.cfg.WorkerStartDelay > 0 {
			time.Sleep(ws.cfg.WorkerStartDelay)
		}
	}
	ws.inWorker++
	ws.wg.Add(1)
	restart := ws.cfg.RestartOnError
	delay := ws.cfg.ElementStartDelay
	ws.mu.Unlock()

	go func() {
		defer ws.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		runElement(el, restart, ws.log)
	}()
	return nil
}

func (ws *workerSet) Stop(ctx context.Context) error {
	ws.mu.Lock()
	ws.stopped = true
	ws.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *workerSet) Size() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.workers
}

// --- static and dynamic pools ---

// pool runs a queue-fed worker pool. With dynamic set, workers above the
// minimum are added under backlog and reaped after PoolMaxInactiveTime idle.
type pool struct {
	cfg     config.WorkerConfig
	log     *zap.Logger
	dynamic bool

	mu      sync.Mutex
	started bool
	stopped bool
	workers int
	queue   chan Element
	quit    chan struct{}
	wg      sync.WaitGroup
}

func newPool(cfg config.WorkerConfig, log *zap.Logger, dynamic bool) *pool {
	return &pool{
		cfg:     cfg,
		log:     log,
		dynamic: dynamic,
		queue:   make(chan Element, cfg.PoolMaxSize*4),
		quit:    make(chan struct{}),
	}
}

func (p *pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	p.started = true

	size := p.cfg.PoolMaxSize
	if p.dynamic {
		size = p.cfg.PoolMinSize
	}
	for i := 0; i < size; i++ {
		p.spawnLocked(false)
		if p.cfg.WorkerStartDelay > 0 {
			time.Sleep(p.cfg.WorkerStartDelay)
		}
	}
	return nil
}

// spawnLocked launches one worker. Callers hold p.mu. Surplus workers of a
// dynamic pool exit after PoolMaxInactiveTime without work.
func (p *pool) spawnLocked(surplus bool) {
	p.workers++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
		}()

		idle := time.NewTimer(p.cfg.PoolMaxInactiveTime)
		defer idle.Stop()
		for {
			select {
			case <-p.quit:
				return
			case el := <-p.queue:
				if p.cfg.ElementStartDelay > 0 {
					time.Sleep(p.cfg.ElementStartDelay)
				}
				runElement(el, p.cfg.RestartOnError, p.log)
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(p.cfg.PoolMaxInactiveTime)
			case <-idle.C:
				if surplus {
					return
				}
				idle.Reset(p.cfg.PoolMaxInactiveTime)
			}
		}
	}()
}

func (p *pool) Submit(el Element) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is not running")
	}
	if p.dynamic && len(p.queue) > 0 && p.workers < p.cfg.PoolMaxSize {
		p.spawnLocked(true)
	}
	p.mu.Unlock()

	select {
	case p.queue <- el:
		return nil
	case <-p.quit:
		return fmt.Errorf("worker pool is shutting down")
	}
}

func (p *pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}
