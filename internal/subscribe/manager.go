// Package subscribe owns the source→destinations relation and coordinates
// add/remove destination flows against the registry, the fan-out dispatcher
// and the alignment engine.
package subscribe

import (
	"context"

	"relaybot/internal/acquire"
	"relaybot/internal/alignment"
	"relaybot/internal/fanout"
	"relaybot/internal/identity"
	"relaybot/internal/registry"
	logx "relaybot/pkg/logx"
)

// Result classifies the outcome of an add-destination request.
type Result int

const (
	// ResultDuplicate: the destination was already subscribed; no side
	// effects, no transport calls.
	ResultDuplicate Result = iota
	// ResultFirst: first destination of the source; the current item list
	// was acquired and fanned out to it as the baseline.
	ResultFirst
	// ResultAdditional: the source already had destinations; the new one
	// was backfilled from the known-item history.
	ResultAdditional
)

func (r Result) String() string {
	switch r {
	case ResultDuplicate:
		return "duplicate"
	case ResultFirst:
		return "first"
	default:
		return "additional"
	}
}

// AddOutcome reports what an AddDestination call did. Exactly one of Fanout
// and Alignment is set for the non-duplicate results.
type AddOutcome struct {
	Result      Result
	ItemsSynced int
	Fanout      *fanout.Summary
	Alignment   *alignment.Summary
}

type Manager struct {
	reg   registry.Registry
	disp  *fanout.Dispatcher
	align *alignment.Engine
	acq   acquire.Acquirer
	log   logx.Logger

	locks keyedMutex
}

func NewManager(reg registry.Registry, disp *fanout.Dispatcher, align *alignment.Engine, acq acquire.Acquirer, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{reg: reg, disp: disp, align: align, acq: acq, log: log}
}

// AddDestination subscribes dest to source and brings it up to date.
//
// The registration itself is never rolled back when the follow-up
// processing fails: a subscribed-but-lagging destination is recoverable by
// a later re-check, while "subscribed but silently missing" masquerading as
// "not subscribed" is not. Callers get the partial outcome plus the error.
func (m *Manager) AddDestination(ctx context.Context, source, dest string) (AddOutcome, error) {
	unlock := m.locks.lock(source)
	defer unlock()

	existing, err := m.reg.ListDestinations(ctx, source)
	if err != nil {
		return AddOutcome{}, err
	}
	added, err := m.reg.AddDestination(ctx, source, dest)
	if err != nil {
		return AddOutcome{}, err
	}
	if !added {
		m.log.Debug("duplicate destination add ignored",
			logx.String("source", source), logx.String("dest", dest))
		return AddOutcome{Result: ResultDuplicate}, nil
	}

	if len(existing) == 0 {
		return m.establishBaseline(ctx, source)
	}
	return m.backfill(ctx, source, dest)
}

// establishBaseline handles the first destination of a source: acquire the
// source's current items and fan them out with this single destination as
// the sole target.
func (m *Manager) establishBaseline(ctx context.Context, source string) (AddOutcome, error) {
	out := AddOutcome{Result: ResultFirst}

	raws, err := m.acq.FetchItems(ctx, source)
	if err != nil {
		m.log.Error("initial fetch failed", logx.String("source", source), logx.Err(err))
		return out, err
	}
	items, err := identity.DetectNewItems(ctx, m.reg, source, raws)
	if err != nil {
		return out, err
	}
	sum, err := m.disp.Dispatch(ctx, source, items)
	out.Fanout = &sum
	out.ItemsSynced = sum.Delivered
	return out, err
}

// backfill handles an additional destination: replay the source's full
// known-item history into it.
func (m *Manager) backfill(ctx context.Context, source, dest string) (AddOutcome, error) {
	out := AddOutcome{Result: ResultAdditional}

	fps, err := m.reg.KnownItems(ctx, source)
	if err != nil {
		return out, err
	}
	sum, err := m.align.Align(ctx, source, dest, fps)
	out.Alignment = &sum
	out.ItemsSynced = sum.Succeeded
	return out, err
}

// RemoveDestination unsubscribes dest from source. Known items and delivery
// records are retained; remaining destinations depend on them as
// replication origins. Returns registry.ErrNotFound when dest was not
// subscribed.
func (m *Manager) RemoveDestination(ctx context.Context, source, dest string) error {
	unlock := m.locks.lock(source)
	defer unlock()
	return m.reg.RemoveDestination(ctx, source, dest)
}

// RunFetchCycle polls the source once and fans out whatever is new. Called
// by the periodic scheduler.
func (m *Manager) RunFetchCycle(ctx context.Context, source string) (fanout.Summary, error) {
	unlock := m.locks.lock(source)
	defer unlock()

	dests, err := m.reg.ListDestinations(ctx, source)
	if err != nil {
		return fanout.Summary{Source: source}, err
	}
	if len(dests) == 0 {
		return fanout.Summary{Source: source}, nil
	}

	raws, err := m.acq.FetchItems(ctx, source)
	if err != nil {
		return fanout.Summary{Source: source}, err
	}
	items, err := identity.DetectNewItems(ctx, m.reg, source, raws)
	if err != nil {
		return fanout.Summary{Source: source}, err
	}
	if len(items) == 0 {
		return fanout.Summary{Source: source}, nil
	}
	m.log.Info("new items detected",
		logx.String("source", source), logx.Int("count", len(items)))
	return m.disp.Dispatch(ctx, source, items)
}
