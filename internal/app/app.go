// Package app wires the daemon together: config, logging, store,
// transport registry, and the services. Construction order is leaves
// first; shutdown tears down in reverse.
package app

import (
	"context"
	"path/filepath"

	"tgblast/internal/accounts"
	"tgblast/internal/adapters/telegram"
	"tgblast/internal/billing"
	"tgblast/internal/config"
	"tgblast/internal/content"
	"tgblast/internal/eventbus"
	"tgblast/internal/maillog"
	"tgblast/internal/services/campaign"
	"tgblast/internal/services/dispatch"
	"tgblast/internal/services/sweeper"
	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st    *storage.Store
	bus   eventbus.Bus
	tmgr  *transport.Manager
	ids   *accounts.Service
	ldgr  *billing.Ledger
	mlogs *maillog.Log

	campaigns *campaign.Service
	disp      *dispatch.Service
	sweep     *sweeper.Service

	busUnsub func()
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	cfgMgr.SetLogger(log.With(logx.String("svc", "config")))

	st, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.BusyTimeout(),
	}, log.With(logx.String("svc", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	mlogs := maillog.New(filepath.Join(cfg.MediaDir, "mailing_logs"))
	ldgr := billing.New(st, cfg.Billing.Prices, log.With(logx.String("svc", "billing")))
	ids := accounts.New(st, log.With(logx.String("svc", "accounts")))

	dialer := telegram.NewDialer(log.With(logx.String("svc", "telegram")))
	tmgr := transport.NewManager(dialer, cfg.MinSendInterval(), log.With(logx.String("svc", "transport")))

	res := content.NewResolver(cfg.MediaDir, log.With(logx.String("svc", "content")))

	campaigns := campaign.New(campaign.Config{
		MediaDir:       cfg.MediaDir,
		ChargeMailings: cfg.Billing.ChargeMailings,
	}, st, ldgr, mlogs, log.With(logx.String("svc", "campaign")))

	disp := dispatch.New(dispatch.Config{
		TickInterval: cfg.TickInterval(),
		BatchSize:    cfg.Dispatch.BatchSize,
	}, st, ids, tmgr, res, mlogs, bus, log.With(logx.String("svc", "dispatch")))

	sweep := sweeper.New(sweeper.Config{
		Enabled:   cfg.Sweeper.Enabled,
		Schedule:  cfg.Sweeper.Schedule,
		Retention: cfg.SweeperRetention(),
		MediaDir:  cfg.MediaDir,
	}, st, mlogs, log.With(logx.String("svc", "sweeper")))

	return &App{
		cfgMgr:    cfgMgr,
		logSvc:    logSvc,
		log:       log,
		st:        st,
		bus:       bus,
		tmgr:      tmgr,
		ids:       ids,
		ldgr:      ldgr,
		mlogs:     mlogs,
		campaigns: campaigns,
		disp:      disp,
		sweep:     sweep,
	}, nil
}

// Campaigns is the surface handed to the chat front end collaborator.
func (a *App) Campaigns() *campaign.Service { return a.campaigns }

// Accounts is the identity-provider surface.
func (a *App) Accounts() *accounts.Service { return a.ids }

// Ledger is the billing surface.
func (a *App) Ledger() *billing.Ledger { return a.ldgr }

// Events exposes the engine's event stream to observers.
func (a *App) Events() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	if err := a.cfgMgr.Watch(ctx); err != nil {
		return err
	}
	updates := a.cfgMgr.Subscribe()
	go func() {
		for cfg := range updates {
			a.applyConfig(cfg)
		}
	}()

	ch, unsub := a.bus.Subscribe(64)
	a.busUnsub = unsub
	go func() {
		for ev := range ch {
			a.log.Debug("engine event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}()

	a.disp.Start(ctx)
	if err := a.sweep.Start(ctx); err != nil {
		return err
	}
	a.log.Info("blastd started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	a.disp.Apply(dispatch.Config{
		TickInterval: cfg.TickInterval(),
		BatchSize:    cfg.Dispatch.BatchSize,
	})
	a.campaigns.Apply(campaign.Config{
		MediaDir:       cfg.MediaDir,
		ChargeMailings: cfg.Billing.ChargeMailings,
	})
	a.tmgr.SetMinSendInterval(cfg.MinSendInterval())
}

func (a *App) Stop(ctx context.Context) error {
	a.sweep.Stop()
	a.disp.Stop(ctx)
	if a.busUnsub != nil {
		a.busUnsub()
	}
	a.tmgr.CloseAll()
	err := a.st.Close()
	a.log.Info("blastd stopped")
	_ = a.logSvc.Close()
	return err
}
