package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// ErrNotFound is returned by RemoveDestination when the destination was not
// subscribed. Callers treat it as a soft error, not a failure.
var ErrNotFound = errors.New("registry: not found")

// StorageError wraps an I/O failure of the underlying driver. Jobs abort the
// current item on it and surface it to the caller.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("registry %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorage reports whether err is a registry storage failure.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Origin is one destination that already holds a representation of an item,
// together with the message identifiers of that representation.
type Origin struct {
	Destination string
	MessageIDs  []string
}

// Registry is the durable store for the three relations the engine depends
// on: source→destinations (ordered), source→known items, and
// (source, item, destination)→message ids.
//
// Implementations must support concurrent use. AddDestination is an atomic
// check-and-set; each write is independently idempotent so a crash between
// related writes leaves a consistent, resumable state.
type Registry interface {
	// AddDestination appends dest to the source's ordered destination list.
	// It reports true when the destination was newly added and false when it
	// was already present (no state change).
	AddDestination(ctx context.Context, source, dest string) (bool, error)

	// RemoveDestination removes dest from the list only. Known items and
	// delivery records are retained. Returns ErrNotFound when absent.
	RemoveDestination(ctx context.Context, source, dest string) error

	ListDestinations(ctx context.Context, source string) ([]string, error)

	// ListSources returns every source with at least one recorded relation.
	ListSources(ctx context.Context) ([]string, error)

	IsKnownItem(ctx context.Context, source, fingerprint string) (bool, error)

	// MarkKnown adds the fingerprint to the source's known-item set.
	// Idempotent; insertion order is preserved (oldest first).
	MarkKnown(ctx context.Context, source, fingerprint string) error

	// KnownItems returns the source's fingerprints in insertion order.
	KnownItems(ctx context.Context, source string) ([]string, error)

	// RecordDelivery upserts the message ids for (source, item, dest).
	// messageIDs must be non-empty.
	RecordDelivery(ctx context.Context, source, fingerprint, dest string, messageIDs []string) error

	GetDelivery(ctx context.Context, source, fingerprint, dest string) ([]string, bool, error)

	// ListAvailableOrigins returns every destination holding a delivery
	// record for the item. The first-listed subscribed destination comes
	// first when it has a record; the rest follow in stable order.
	ListAvailableOrigins(ctx context.Context, source, fingerprint string) ([]Origin, error)

	Close() error
}

// Config selects and configures a driver.
//
// Driver values:
//   - "file": JSON state file with atomic snapshot writes
//   - "sqlite": SQLite database file (requires the sqlite build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured registry driver.
func Open(cfg Config, log logx.Logger) (Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown registry driver: " + cfg.Driver)
	}
}

// orderOrigins composes the ListAvailableOrigins ordering from the ordered
// destination list and the delivery map for one item. Recorded destinations
// that are no longer subscribed still qualify as origins; they are appended
// after the subscribed ones, in lexical order to keep the sequence stable.
func orderOrigins(destinations []string, deliveries map[string][]string) []Origin {
	if len(deliveries) == 0 {
		return nil
	}
	out := make([]Origin, 0, len(deliveries))
	seen := make(map[string]bool, len(deliveries))
	for _, d := range destinations {
		if ids, ok := deliveries[d]; ok {
			out = append(out, Origin{Destination: d, MessageIDs: ids})
			seen[d] = true
		}
	}
	rest := make([]string, 0, len(deliveries))
	for d := range deliveries {
		if !seen[d] {
			rest = append(rest, d)
		}
	}
	sort.Strings(rest)
	for _, d := range rest {
		out = append(out, Origin{Destination: d, MessageIDs: deliveries[d]})
	}
	return out
}
