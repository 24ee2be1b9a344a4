// Package poller drives the periodic fetch cycle over every subscribed
// source.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/registry"
	"relaybot/internal/subscribe"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// Spec is a cron expression or descriptor ("@every 5m"). Defaults to
	// every 5 minutes.
	Spec string

	// CycleTimeout bounds one full pass over all sources. Defaults to 25m
	// so a slow paced batch cannot pile up behind the next tick.
	CycleTimeout time.Duration
}

type Service struct {
	cfg Config
	mgr *subscribe.Manager
	reg registry.Registry
	log logx.Logger

	c      *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func New(cfg Config, mgr *subscribe.Manager, reg registry.Registry, log logx.Logger) *Service {
	if cfg.Spec == "" {
		cfg.Spec = "@every 5m"
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 25 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		mgr:    mgr,
		reg:    reg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("poller already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.c.AddFunc(s.cfg.Spec, func() { s.cycle(ctx) }); err != nil {
		s.cancel()
		return err
	}
	s.c.Start()
	s.running = true
	s.log.Info("poller started", logx.String("spec", s.cfg.Spec))
	return nil
}

// Stop halts scheduling and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.c.Stop().Done()
	s.running = false
	s.log.Info("poller stopped")
}

// cycle runs one fetch pass over every subscribed source. Sources fail
// independently.
func (s *Service) cycle(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.CycleTimeout)
	defer cancel()

	sources, err := s.reg.ListSources(ctx)
	if err != nil {
		s.log.Error("source listing failed", logx.Err(err))
		return
	}

	start := time.Now()
	var delivered, abandoned int
	for _, src := range sources {
		if ctx.Err() != nil {
			return
		}
		sum, err := s.mgr.RunFetchCycle(ctx, src)
		if err != nil {
			s.log.Warn("fetch cycle failed", logx.String("source", src), logx.Err(err))
			continue
		}
		delivered += sum.Delivered
		abandoned += sum.Abandoned
	}
	if delivered > 0 || abandoned > 0 {
		s.log.Info("poll cycle finished",
			logx.Int("sources", len(sources)),
			logx.Int("delivered", delivered),
			logx.Int("abandoned", abandoned),
			logx.Duration("took", time.Since(start)))
	}
}
