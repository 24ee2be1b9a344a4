// Package acquire fetches raw items from external content sources.
package acquire

import (
	"context"

	"relaybot/internal/content"
)

// Acquirer pulls the current item list for a source. Implementations make
// no ordering promise; the identity layer re-sorts.
type Acquirer interface {
	FetchItems(ctx context.Context, source string) ([]content.RawItem, error)
}
