// Package sweeper prunes terminal campaigns past the retention window,
// together with their recipient rows, media artifacts and failure logs,
// so the store and media directory stay bounded.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgblast/internal/maillog"
	"tgblast/internal/storage"
	"tgblast/pkg/logx"
)

type Config struct {
	Enabled   bool
	Schedule  string // 5-field cron spec
	Retention time.Duration
	MediaDir  string
}

type Service struct {
	st   *storage.Store
	logs *maillog.Log
	log  logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, st *storage.Store, logs *maillog.Log, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, logs: logs, log: log, cfg: cfg}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return err
	}
	s.c = c
	c.Start()
	s.log.Info("sweeper started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one retention pass. Exposed for tests and for an explicit
// admin trigger.
func (s *Service) Sweep(ctx context.Context) {
	s.mu.Lock()
	retention := s.cfg.Retention
	mediaDir := s.cfg.MediaDir
	s.mu.Unlock()
	if retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-retention)
	campaigns, err := s.st.TerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention scan failed", logx.Err(err))
		return
	}
	removed := 0
	for _, c := range campaigns {
		if _, err := s.st.DeleteCampaign(ctx, c.OwnerID, c.ID); err != nil {
			s.log.Warn("retention delete failed", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		if c.MediaPath != "" {
			path := c.MediaPath
			if !filepath.IsAbs(path) {
				path = filepath.Join(mediaDir, path)
			}
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				_ = os.Remove(path)
			}
		}
		_ = s.logs.Remove(c.ID)
		removed++
	}
	if removed > 0 {
		s.log.Info("retention sweep",
			logx.Int("removed", removed),
			logx.Time("cutoff", cutoff))
	}
}
