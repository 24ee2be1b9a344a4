// Package app assembles and supervises the service: config, logging,
// registry, transport, dispatch engines, command surface and the poller.
package app

import (
	"context"
	"fmt"
	"sync"

	"relaybot/internal/acquire"
	"relaybot/internal/alignment"
	"relaybot/internal/commands"
	"relaybot/internal/config"
	"relaybot/internal/convert"
	"relaybot/internal/fanout"
	"relaybot/internal/pacing"
	"relaybot/internal/poller"
	"relaybot/internal/registry"
	"relaybot/internal/subscribe"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger

	closeLog func() error
	reg      registry.Registry
	adapter  *telegram.Adapter
	conv     *convert.FeedConverter
	poll     *poller.Service

	cmdCtx    context.Context
	cmdCancel context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")

	cfgm := config.NewManager(cfgPath, bootLog.With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a := &App{cfgm: cfgm, log: log, closeLog: closeLog}
	if err := a.build(cfg); err != nil {
		_ = closeLog()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	log := a.log

	reg, err := registry.Open(registry.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout),
	}, log.With(logx.String("comp", "registry")))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	a.reg = reg

	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.Duration(cfg.Telegram.PollTimeout),
		CallTimeout: config.Duration(cfg.Telegram.CallTimeout),
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = reg.Close()
		return fmt.Errorf("init telegram: %w", err)
	}
	a.adapter = adapter

	acq := acquire.NewFeedAcquirer(
		config.Duration(cfg.Feeds.FetchTimeout),
		cfg.Feeds.UserAgent,
		log.With(logx.String("comp", "acquire")))

	conv := convert.NewFeedConverter(convert.Config{
		IncludeBody:    cfg.Delivery.IncludeBody,
		ExtractMedia:   cfg.Delivery.ExtractMedia,
		DisablePreview: cfg.Delivery.DisablePreview,
	})
	a.conv = conv

	disp := fanout.New(fanout.Config{
		Origin:    pacing.ProfileFor(pacing.ScenarioBulkSend),
		Replicate: pacing.ProfileFor(pacing.ScenarioReplicate),
		RetryMax:  cfg.Delivery.RetryMax,
	}, reg, adapter, conv, log.With(logx.String("comp", "fanout")))

	align := alignment.New(
		pacing.ProfileFor(pacing.ScenarioBackfill),
		reg, adapter, log.With(logx.String("comp", "alignment")))

	mgr := subscribe.NewManager(reg, disp, align, acq,
		log.With(logx.String("comp", "subscribe")))

	a.poll = poller.New(poller.Config{
		Spec:         cfg.Feeds.PollSpec,
		CycleTimeout: config.Duration(cfg.Feeds.CycleTimeout),
	}, mgr, reg, log.With(logx.String("comp", "poller")))

	// Command jobs outlive the triggering update, so they derive from an
	// app-scoped context installed in Start.
	a.cmdCtx, a.cmdCancel = context.WithCancel(context.Background())
	handler, err := commands.New(commands.Config{
		Owners:     cfg.Telegram.OwnerUserIDs,
		JobTimeout: config.Duration(cfg.Delivery.JobTimeout),
	}, a.cmdCtx, mgr, reg, log.With(logx.String("comp", "commands")))
	if err != nil {
		_ = reg.Close()
		return fmt.Errorf("init commands: %w", err)
	}
	handler.Register(adapter.Bot())
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()

	// Reloaded configs retune the payload rendering in place; transport
	// and storage settings still need a restart.
	updates := a.cfgm.Subscribe(1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.conv.Apply(convert.Config{
					IncludeBody:    cfg.Delivery.IncludeBody,
					ExtractMedia:   cfg.Delivery.ExtractMedia,
					DisablePreview: cfg.Delivery.DisablePreview,
				})
				a.log.Info("delivery rendering settings reloaded")
			}
		}
	}()

	if err := a.poll.Start(ctx); err != nil {
		a.cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.adapter.Start()
	}()

	a.started = true
	a.log.Info("started")
	return nil
}

// Stop shuts the service down: no new polls, no new commands, in-flight
// paced jobs canceled, then storage and log sinks closed.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	a.cancel()
	a.cmdCancel()
	a.poll.Stop()
	a.adapter.Stop()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown wait aborted", logx.Err(ctx.Err()))
	}

	if err := a.reg.Close(); err != nil {
		a.log.Error("registry close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.closeLog != nil {
		_ = a.closeLog()
	}
	return nil
}
