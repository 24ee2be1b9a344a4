// Package alignment backfills a newly added destination with a source's
// full known-item history by replicating already-delivered representations.
package alignment

import (
	"context"

	"github.com/google/uuid"

	"relaybot/internal/pacing"
	"relaybot/internal/registry"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// degradedThreshold is the minimum succeeded/attempted ratio for a run to
// count as acceptably successful.
const degradedThreshold = 0.8

// Summary reports one alignment run.
type Summary struct {
	JobID       string
	Source      string
	Destination string

	Attempted int
	Succeeded int
	Skipped   int

	// Degraded is set when the success ratio fell below the acceptable
	// threshold; callers should surface it instead of a silent full
	// success.
	Degraded bool
}

type Engine struct {
	prof pacing.Profile
	reg  registry.Registry
	tr   transport.Transport
	log  logx.Logger
}

func New(prof pacing.Profile, reg registry.Registry, tr transport.Transport, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{prof: prof, reg: reg, tr: tr, log: log}
}

// Align replicates the given known-item history (ordered oldest first) into
// newDest. Each item is copied from the first origin candidate that works;
// items with no recoverable representation are skipped, never fatal.
// Historical payloads are never re-acquired; alignment operates purely off
// already-delivered representations.
func (e *Engine) Align(ctx context.Context, source, newDest string, fingerprints []string) (Summary, error) {
	sum := Summary{JobID: uuid.NewString(), Source: source, Destination: newDest}
	log := e.log.With(
		logx.String("job", sum.JobID),
		logx.String("source", source),
		logx.String("dest", newDest))
	pace := pacing.New(e.prof, log)

	log.Info("alignment started", logx.Int("items", len(fingerprints)))

	for i, fp := range fingerprints {
		if err := ctx.Err(); err != nil {
			sum.Degraded = degraded(sum)
			return sum, err
		}
		if err := pace.WaitBeforeOperation(ctx, i, len(fingerprints)); err != nil {
			sum.Degraded = degraded(sum)
			return sum, err
		}
		sum.Attempted++

		ok, err := e.alignItem(ctx, source, newDest, fp, pace, log)
		if err != nil {
			// storage failure: abort, surface, report what we have
			sum.Degraded = degraded(sum)
			return sum, err
		}
		if ok {
			sum.Succeeded++
		} else {
			sum.Skipped++
		}
		pace.RecordOutcome(ok)
	}

	sum.Degraded = degraded(sum)
	log.Info("alignment finished",
		logx.Int("attempted", sum.Attempted),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("skipped", sum.Skipped),
		logx.Bool("degraded", sum.Degraded))
	return sum, nil
}

func (e *Engine) alignItem(ctx context.Context, source, newDest, fp string, pace *pacing.Controller, log logx.Logger) (bool, error) {
	// Already present: nothing to copy.
	if _, ok, err := e.reg.GetDelivery(ctx, source, fp, newDest); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	origins, err := e.reg.ListAvailableOrigins(ctx, source, fp)
	if err != nil {
		return false, err
	}
	if len(origins) == 0 {
		// Data-loss edge case: the item was processed once but no delivery
		// record survives to replicate from.
		log.Warn("no available origin for item, skipped", logx.String("item", fp))
		return false, nil
	}

	for retry, origin := range origins {
		if origin.Destination == newDest {
			continue
		}
		ids, err := e.tr.Replicate(ctx, newDest, origin.Destination, origin.MessageIDs)
		if err != nil {
			kind := transport.KindOf(err)
			log.Warn("replication candidate failed",
				logx.String("item", fp),
				logx.String("from", origin.Destination),
				logx.String("kind", kind.String()),
				logx.Err(err))
			if kind == transport.KindRateLimited || kind == transport.KindFloodControl {
				if werr := pace.WaitAfterError(ctx, kind, retry); werr != nil {
					return false, nil
				}
			}
			continue
		}
		if err := e.reg.RecordDelivery(ctx, source, fp, newDest, ids); err != nil {
			return false, err
		}
		return true, nil
	}

	log.Warn("all replication candidates failed, item skipped", logx.String("item", fp))
	return false, nil
}

func degraded(sum Summary) bool {
	if sum.Attempted == 0 {
		return false
	}
	return float64(sum.Succeeded)/float64(sum.Attempted) < degradedThreshold
}
