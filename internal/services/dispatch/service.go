// Package dispatch runs the scheduling loop: a single timer-driven
// pass over running campaigns, draining a bounded batch of pending
// recipients per campaign with throttled, partially-failable delivery.
//
// One loop per deployment; campaigns are independent units of work and
// never share mutable worker state.
package dispatch

import (
	"context"
	"sync"
	"time"

	"tgblast/internal/accounts"
	"tgblast/internal/content"
	"tgblast/internal/eventbus"
	"tgblast/internal/maillog"
	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

type Config struct {
	// TickInterval is the idle poll period. It must stay well under
	// typical per-recipient delays so pause requests are observed
	// promptly.
	TickInterval time.Duration
	// BatchSize bounds the pending recipients drained per campaign per
	// tick.
	BatchSize int
}

func (c *Config) normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
}

type Service struct {
	st   *storage.Store
	ids  *accounts.Service
	mgr  *transport.Manager
	res  *content.Resolver
	logs *maillog.Log
	bus  eventbus.Bus
	log  logx.Logger

	mu        sync.Mutex
	cfg       Config
	stopCh    chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, st *storage.Store, ids *accounts.Service, mgr *transport.Manager,
	res *content.Resolver, logs *maillog.Log, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, ids: ids, mgr: mgr, res: res, logs: logs, bus: bus, log: log, cfg: cfg}
}

// Apply swaps loop settings at runtime; the next tick picks them up.
func (s *Service) Apply(cfg Config) {
	cfg.normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, stopCh)
	}()
	s.log.Info("dispatch loop started",
		logx.Duration("tick", s.config().TickInterval),
		logx.Int("batch", s.config().BatchSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatch loop stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch loop stop timed out")
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}) {
	for {
		// re-read each round so Apply() takes effect without restart
		interval := s.config().TickInterval
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.tick(ctx)
	}
}
