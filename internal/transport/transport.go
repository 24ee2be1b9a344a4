// Package transport defines the delivery-transport boundary: the operations
// the dispatch engine needs from a messaging API, and the error taxonomy it
// uses to decide on retries and backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaybot/internal/content"
)

// Transport is the delivery API consumed by the fan-out and alignment
// engines. Implementations must be safe to call repeatedly with the same
// inputs; the engine treats retried calls as non-double-delivering.
//
// Both operations return the ordered list of transport message identifiers
// produced by the call, always a sequence, never a scalar, even when a
// payload expands to a single message.
type Transport interface {
	// SendOriginal delivers the full payload to dest.
	SendOriginal(ctx context.Context, dest string, p content.Payload) ([]string, error)

	// Replicate copies an already-delivered representation from one
	// destination into another without re-uploading the payload.
	Replicate(ctx context.Context, to, from string, messageIDs []string) ([]string, error)
}

// Kind classifies a transport failure for retry/backoff purposes.
type Kind int

const (
	// KindTransient covers network blips and timeouts; retried with a flat
	// recovery wait.
	KindTransient Kind = iota
	// KindRateLimited is a throughput rejection; retried with exponential
	// backoff.
	KindRateLimited
	// KindFloodControl is the transport's hard flood penalty; retried with
	// an escalating wait.
	KindFloodControl
	// KindPermanent means the destination is invalid or the bot lacks
	// permission. Never retried within a job.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindFloodControl:
		return "flood_control"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error wraps a transport failure with its classification.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration // hint from the transport, 0 when absent
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s", e.Kind)
	}
	return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err. Unclassified errors
// (including context timeouts) are treated as transient.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}
