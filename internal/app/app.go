// Package app wires configuration into running services: the execution
// engine, the reconciliation loop, the stop-protection loop and the HTTP
// surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"traderelay/internal/broker"
	"traderelay/internal/broker/bybit"
	"traderelay/internal/broker/mt5"
	"traderelay/internal/config"
	"traderelay/internal/engine"
	"traderelay/internal/logger"
	"traderelay/internal/notify"
	"traderelay/internal/protect"
	"traderelay/internal/reconcile"
	"traderelay/internal/risk"
	"traderelay/internal/signal"
	"traderelay/internal/store"
	"traderelay/internal/store/gormstore"
	httpapi "traderelay/internal/transport/http"
)

// App holds the built services, ready to Run.
type App struct {
	cfg        *config.Config
	st         store.Store
	eng        *engine.Engine
	reconciler *reconcile.Reconciler
	protector  *protect.Protector
	httpSrv    *httpapi.Server
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := gormstore.New(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	gateways := make(map[signal.Venue]broker.Gateway)
	if cfg.Venues.MT5.Enabled {
		gateways[signal.VenueMT5] = mt5.New(mt5.NewBridgeClient(cfg.Venues.MT5.BridgeURL))
	}
	if cfg.Venues.Bybit.Enabled {
		gateways[signal.VenueBybit] = bybit.New(bybit.NewRestClient(
			cfg.Venues.Bybit.BaseURL, cfg.Venues.Bybit.APIKey, cfg.Venues.Bybit.APISecret))
	}

	var notifier notify.TextNotifier = notify.Noop{}
	if cfg.Notify.Telegram.Enabled {
		notifier = notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	eng := engine.New(gateways, st, notifier, engineOptions(cfg))
	reconciler := reconcile.New(gateways, st, eng.Locks(), notifier)

	var protector *protect.Protector
	if cfg.Protect.Enabled {
		protector = protect.New(gateways, st, eng.Locks(), protect.Options{
			BreakevenTriggerR: config.DecimalOr(cfg.Protect.BreakevenTriggerR, decimal.Zero),
			BreakevenOffsetR:  config.DecimalOr(cfg.Protect.BreakevenOffsetR, decimal.Zero),
			TrailActivateR:    config.DecimalOr(cfg.Protect.TrailActivateR, decimal.Zero),
			TrailDistanceR:    config.DecimalOr(cfg.Protect.TrailDistanceR, decimal.Zero),
		})
	}

	return &App{
		cfg:        cfg,
		st:         st,
		eng:        eng,
		reconciler: reconciler,
		protector:  protector,
		httpSrv:    httpapi.NewServer(cfg.App.HTTPAddr, eng),
	}, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.Options{
		MaxAttempts:      cfg.Engine.MaxAttempts,
		RetryBase:        time.Duration(cfg.Engine.RetryBaseMS) * time.Millisecond,
		MaxOpenPositions: cfg.Engine.MaxOpenPositions,
		FallbackEquity:   config.DecimalOr(cfg.Engine.FallbackEquity, decimal.Zero),
		MaxSpread:        make(map[string]decimal.Decimal, len(cfg.Engine.MaxSpread)),
		Instruments:      make(map[string]risk.InstrumentSpec, len(cfg.Risk.Instruments)),
	}
	for _, raw := range cfg.Engine.DefaultLadder {
		opts.DefaultRatios = append(opts.DefaultRatios, config.DecimalOr(raw, decimal.Zero))
	}
	for sym, raw := range cfg.Engine.MaxSpread {
		opts.MaxSpread[sym] = config.DecimalOr(raw, decimal.Zero)
	}
	for sym, ins := range cfg.Risk.Instruments {
		opts.Instruments[sym] = risk.InstrumentSpec{
			Symbol:        sym,
			LotStep:       config.DecimalOr(ins.LotStep, decimal.Zero),
			MinLot:        config.DecimalOr(ins.MinLot, decimal.Zero),
			MaxLot:        config.DecimalOr(ins.MaxLot, decimal.Zero),
			ContractValue: config.DecimalOr(ins.ContractValue, decimal.Zero),
		}
	}
	return opts
}

// Engine exposes the engine instance for tests and replay harnesses.
func (a *App) Engine() *engine.Engine { return a.eng }

// ApplyConfig pushes the reloadable parts of an edited config into the
// running process: log level and the engine's trading knobs.
func (a *App) ApplyConfig(next *config.Config) {
	logger.SetLevel(next.App.LogLevel)
	a.eng.Reconfigure(engineOptions(next))
}

// Run recovers persisted state, then serves until ctx cancels.
func (a *App) Run(ctx context.Context) error {
	defer a.st.Close()

	if err := a.eng.Recover(ctx); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}
	if err := a.eng.Resume(ctx); err != nil {
		logger.Warnf("resuming interrupted plans: %v", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.httpSrv.Start(ctx)
	})
	group.Go(func() error {
		a.reconciler.Run(ctx, time.Duration(a.cfg.Reconcile.IntervalSeconds)*time.Second)
		return nil
	})
	if a.protector != nil {
		group.Go(func() error {
			a.protector.Run(ctx, time.Duration(a.cfg.Protect.IntervalSeconds)*time.Second)
			return nil
		})
	}

	venues := 0
	if a.cfg.Venues.MT5.Enabled {
		venues++
	}
	if a.cfg.Venues.Bybit.Enabled {
		venues++
	}
	logger.Infof("traderelay up: http=%s venues=%d reconcile_every=%ds",
		a.httpSrv.Addr(), venues, a.cfg.Reconcile.IntervalSeconds)

	err := group.Wait()
	a.eng.Stop()
	return err
}
