// Package fanout delivers batches of new items to all destinations of a
// source with the one-origin-send, cheap-replication cost profile.
package fanout

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"relaybot/internal/content"
	"relaybot/internal/pacing"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// Converter produces the transport payload for an item, exactly once per
// item per batch.
type Converter interface {
	Convert(it content.Item) (content.Payload, error)
}

type Config struct {
	// Origin paces original sends, Replicate paces copy operations.
	Origin    pacing.Profile
	Replicate pacing.Profile

	// RetryMax bounds in-call retries for transient and rate-limited
	// failures. Defaults to 2.
	RetryMax int
}

// Summary is the job-level report, produced even on partial failure.
type Summary struct {
	JobID  string
	Source string

	Items     int // batch size
	Delivered int // items that reached at least one destination and were frozen
	Abandoned int // items whose origin send failed on every destination
	Failures  int // destination-level delivery failures
}

type Dispatcher struct {
	cfg  Config
	reg  registry.Registry
	tr   transport.Transport
	conv Converter
	log  logx.Logger
}

func New(cfg Config, reg registry.Registry, tr transport.Transport, conv Converter, log logx.Logger) *Dispatcher {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, reg: reg, tr: tr, conv: conv, log: log}
}

// Dispatch processes one chronologically-ordered batch of new items for a
// source. Per-item and per-destination failures are contained; only storage
// failures and cancellation abort the run. An aborted run still returns the
// summary accumulated so far.
//
// An item is marked known only after every destination either holds a
// delivery record or has exhausted its fallback. Items whose origin send
// fails everywhere stay unknown and resurface on the next fetch cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, items []content.Item) (Summary, error) {
	sum := Summary{JobID: uuid.NewString(), Source: source, Items: len(items)}
	if len(items) == 0 {
		return sum, nil
	}

	log := d.log.With(logx.String("job", sum.JobID), logx.String("source", source))
	originPace := pacing.New(d.cfg.Origin, log)
	replicatePace := pacing.New(d.cfg.Replicate, log)

	log.Info("fan-out started", logx.Int("items", len(items)))

	originOps := 0
	for _, it := range items {
		// Cancellation checks happen at item boundaries only, so a
		// half-processed item never leaves a torn delivery record behind.
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		delivered, err := d.dispatchItem(ctx, source, it, originPace, replicatePace, &originOps, &sum)
		if err != nil {
			return sum, err
		}
		if delivered {
			sum.Delivered++
		} else {
			sum.Abandoned++
		}
	}

	log.Info("fan-out finished",
		logx.Int("delivered", sum.Delivered),
		logx.Int("abandoned", sum.Abandoned),
		logx.Int("failures", sum.Failures))
	return sum, nil
}

func (d *Dispatcher) dispatchItem(ctx context.Context, source string, it content.Item, originPace, replicatePace *pacing.Controller, originOps *int, sum *Summary) (bool, error) {
	log := d.log.With(logx.String("source", source), logx.String("item", it.Fingerprint))

	destinations, err := d.reg.ListDestinations(ctx, source)
	if err != nil {
		return false, err
	}
	if len(destinations) == 0 {
		log.Warn("no destinations, item left undelivered")
		return false, nil
	}

	payload, err := d.conv.Convert(it)
	if err != nil {
		log.Error("payload conversion failed", logx.Err(err))
		return false, nil
	}

	// Origin phase: every destination is an origin candidate, in listed
	// order. First success wins. A destination that already holds a
	// delivery record counts as a success without a send; a crash between
	// RecordDelivery and MarkKnown resurfaces the item with records in
	// place, and re-sending would duplicate the post.
	var successes []registry.Origin
	for _, dest := range destinations {
		ids, ok, err := d.reg.GetDelivery(ctx, source, it.Fingerprint, dest)
		if err != nil {
			return false, err
		}
		if ok {
			successes = append(successes, registry.Origin{Destination: dest, MessageIDs: ids})
			log.Info("existing delivery record reused as origin", logx.String("dest", dest))
			break
		}
		if err := originPace.WaitBeforeOperation(ctx, *originOps, len(destinations)); err != nil {
			return false, err
		}
		*originOps++
		ids, sendErr := d.attempt(ctx, originPace, func(c context.Context) ([]string, error) {
			return d.tr.SendOriginal(c, dest, payload)
		})
		originPace.RecordOutcome(sendErr == nil)
		if sendErr != nil {
			log.Warn("origin send failed", logx.String("dest", dest), logx.Err(sendErr))
			continue
		}
		if err := d.reg.RecordDelivery(ctx, source, it.Fingerprint, dest, ids); err != nil {
			return false, err
		}
		successes = append(successes, registry.Origin{Destination: dest, MessageIDs: ids})
		log.Info("origin send ok", logx.String("dest", dest), logx.Int("messages", len(ids)))
		break
	}
	if len(successes) == 0 {
		log.Error("origin send failed on every destination, item abandoned for this cycle")
		sum.Failures += len(destinations)
		return false, nil
	}

	// Replication phase: cascade from every already-delivered destination;
	// each success becomes a candidate source for the remaining targets.
	repOps := 0
	for _, dest := range destinations {
		if dest == successes[0].Destination {
			continue
		}
		if ids, ok, err := d.reg.GetDelivery(ctx, source, it.Fingerprint, dest); err != nil {
			return false, err
		} else if ok {
			// already delivered in an earlier, interrupted run
			successes = append(successes, registry.Origin{Destination: dest, MessageIDs: ids})
			continue
		}
		if err := replicatePace.WaitBeforeOperation(ctx, repOps, len(destinations)-1); err != nil {
			return false, err
		}
		repOps++

		ids, repErr := d.replicateInto(ctx, dest, successes, replicatePace)
		if errors.Is(repErr, errPermanentDest) {
			log.Warn("destination rejected item permanently, skipped", logx.String("dest", dest))
			sum.Failures++
			replicatePace.RecordOutcome(false)
			continue
		}
		if repErr != nil {
			// Fallback: re-send the original payload directly. Costs
			// bandwidth for this one destination but preserves
			// completeness.
			log.Warn("replication exhausted, falling back to original send", logx.String("dest", dest))
			ids, repErr = d.attempt(ctx, replicatePace, func(c context.Context) ([]string, error) {
				return d.tr.SendOriginal(c, dest, payload)
			})
		}
		replicatePace.RecordOutcome(repErr == nil)
		if repErr != nil {
			log.Error("delivery failed for destination", logx.String("dest", dest), logx.Err(repErr))
			sum.Failures++
			continue
		}
		if err := d.reg.RecordDelivery(ctx, source, it.Fingerprint, dest, ids); err != nil {
			return false, err
		}
		successes = append(successes, registry.Origin{Destination: dest, MessageIDs: ids})
	}

	// Every destination has settled; only now may the item freeze.
	if err := d.reg.MarkKnown(ctx, source, it.Fingerprint); err != nil {
		return false, err
	}
	return true, nil
}

// errPermanentDest marks a target destination that permanently rejected the
// item (invalid or no permission); no fallback is attempted for it.
var errPermanentDest = errors.New("destination permanently unavailable")

// errNoSource means no usable replication source existed for the target.
var errNoSource = errors.New("no replication source available")

// replicateInto tries every already-successful destination as a copy source
// for dest, in success order (origin first). The first success wins.
func (d *Dispatcher) replicateInto(ctx context.Context, dest string, sources []registry.Origin, pace *pacing.Controller) ([]string, error) {
	var lastErr error
	for _, src := range sources {
		if src.Destination == dest {
			continue
		}
		ids, err := d.attempt(ctx, pace, func(c context.Context) ([]string, error) {
			return d.tr.Replicate(c, dest, src.Destination, src.MessageIDs)
		})
		if err == nil {
			return ids, nil
		}
		if transport.KindOf(err) == transport.KindPermanent {
			return nil, errPermanentDest
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, errNoSource
	}
	return nil, lastErr
}

// attempt runs one transport call with bounded in-call retries. Transient
// and rate-limited failures back off and retry; permanent failures return
// immediately.
func (d *Dispatcher) attempt(ctx context.Context, pace *pacing.Controller, fn func(ctx context.Context) ([]string, error)) ([]string, error) {
	var lastErr error
	for try := 0; try <= d.cfg.RetryMax; try++ {
		ids, err := fn(ctx)
		if err == nil {
			return ids, nil
		}
		lastErr = err
		kind := transport.KindOf(err)
		if kind == transport.KindPermanent {
			return nil, err
		}
		if try == d.cfg.RetryMax {
			break
		}
		if werr := pace.WaitAfterError(ctx, kind, try); werr != nil {
			return nil, werr
		}
	}
	return nil, lastErr
}
