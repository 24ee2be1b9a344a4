// Package content defines the item and payload types passed between the
// acquirer, the identity layer, the converter and the dispatch engine.
package content

import "time"

// RawItem is one entry as returned by a source acquirer, before it has been
// fingerprinted. Field availability varies per source; the identity layer
// copes with whatever subset is present.
type RawItem struct {
	// GUID is a source-native permanent identifier (e.g. an RSS guid).
	// Empty when the source does not provide one.
	GUID        string
	Title       string
	Link        string
	Description string

	// Published is the raw timestamp string from the source, kept for
	// fingerprinting. PublishedAt is the parsed form; the zero time means
	// the timestamp was missing or unparseable.
	Published   string
	PublishedAt time.Time
}

// Item is a fingerprinted content unit. Immutable once created.
type Item struct {
	Fingerprint string
	PublishedAt time.Time
	Raw         RawItem
}

type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
	MediaFile  MediaKind = "file"
)

type MediaItem struct {
	Kind    MediaKind
	URL     string
	Caption string
}

// Payload is the transport-ready representation of an item. The dispatch
// engine treats it as opaque; only the transport adapter interprets it.
type Payload struct {
	Text           string
	ParseMode      string
	DisablePreview bool
	Media          []MediaItem
}
