// Package identity derives stable fingerprints for source items and
// classifies freshly fetched items as new or already known.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"relaybot/internal/content"
	"relaybot/internal/registry"
)

// Fingerprint derives a stable identifier for a raw item.
//
// Input selection, in priority order:
//  1. the source-native permanent identifier (guid), when present
//  2. link + publish timestamp
//  3. title + publish timestamp
//  4. title + description + link
//
// The result is the first 16 hex characters of a SHA-256 over the chosen
// input. Short enough for storage keys; collision risk is negligible at the
// expected per-source volumes.
func Fingerprint(r content.RawItem) string {
	var input string
	switch {
	case r.GUID != "":
		input = r.GUID
	case r.Link != "" && r.Published != "":
		input = r.Link + r.Published
	case r.Title != "" && r.Published != "":
		input = r.Title + r.Published
	default:
		input = r.Title + r.Description + r.Link
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// DetectNewItems fingerprints the fetched items, drops the ones the registry
// already knows, and returns the survivors sorted by publish time ascending.
// Items with a missing or unparseable timestamp sort last, never first, so
// legitimately old content is not pushed to the front of a delivery batch.
//
// Nothing is marked known here: an item only freezes as delivered after a
// successful send, so an undelivered item resurfaces on the next fetch.
func DetectNewItems(ctx context.Context, reg registry.Registry, source string, fetched []content.RawItem) ([]content.Item, error) {
	out := make([]content.Item, 0, len(fetched))
	for _, raw := range fetched {
		fp := Fingerprint(raw)
		known, err := reg.IsKnownItem(ctx, source, fp)
		if err != nil {
			return nil, err
		}
		if known {
			continue
		}
		out = append(out, content.Item{Fingerprint: fp, PublishedAt: raw.PublishedAt, Raw: raw})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].PublishedAt, out[j].PublishedAt
		if ti.IsZero() {
			return false
		}
		if tj.IsZero() {
			return true
		}
		return ti.Before(tj)
	})
	return out, nil
}
