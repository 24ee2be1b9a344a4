// Package convert renders raw feed entries into sendable payloads.
package convert

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"relaybot/internal/content"
)

// maxTextLen caps the escaped body so the whole message stays inside
// Telegram's limit with headroom for the title line.
const maxTextLen = 3500

// Config tunes the rendered payload.
type Config struct {
	// IncludeBody renders the entry description under the title. When off,
	// the payload is title + link only.
	IncludeBody bool

	// ExtractMedia pulls img/video/audio tags out of the entry HTML and
	// attaches them as media.
	ExtractMedia bool

	// DisablePreview suppresses the link preview on text-only payloads.
	DisablePreview bool
}

// FeedConverter turns a feed item into a Telegram-ready payload: HTML parse
// mode, escaped text, media extracted from the entry markup. Safe for
// concurrent use; Apply swaps the rendering settings at runtime.
type FeedConverter struct {
	mu  sync.RWMutex
	cfg Config
}

func NewFeedConverter(cfg Config) *FeedConverter {
	return &FeedConverter{cfg: cfg}
}

// Apply replaces the rendering settings. In-flight conversions keep the
// snapshot they started with.
func (c *FeedConverter) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *FeedConverter) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *FeedConverter) Convert(it content.Item) (content.Payload, error) {
	cfg := c.config()
	var b strings.Builder

	title := strings.TrimSpace(it.Raw.Title)
	if title == "" {
		title = "(untitled)"
	}
	if link := strings.TrimSpace(it.Raw.Link); link != "" {
		fmt.Fprintf(&b, "<b><a href=\"%s\">%s</a></b>",
			html.EscapeString(link), html.EscapeString(title))
	} else {
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))
	}

	var media []content.MediaItem
	if cfg.IncludeBody || cfg.ExtractMedia {
		text, found, err := extract(it.Raw.Description)
		if err != nil {
			return content.Payload{}, fmt.Errorf("parse entry body: %w", err)
		}
		if cfg.ExtractMedia {
			media = found
		}
		if cfg.IncludeBody && text != "" {
			b.WriteString("\n\n")
			b.WriteString(truncateEscaped(text, maxTextLen))
		}
	}

	return content.Payload{
		Text:           b.String(),
		ParseMode:      "HTML",
		DisablePreview: cfg.DisablePreview,
		Media:          media,
	}, nil
}

// truncateEscaped escapes s and caps the result at limit bytes. The limit
// applies after escaping, since entity expansion is what pushes a message
// over the wire cap, and the cut always lands on a rune boundary of the
// source text so the output never carries a torn multi-byte character or a
// split entity.
func truncateEscaped(s string, limit int) string {
	esc := html.EscapeString(s)
	if len(esc) <= limit {
		return esc
	}
	const ellipsis = "…"
	cut := limit - len(ellipsis)
	for {
		if cut > len(s) {
			cut = len(s)
		}
		for cut > 0 && cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut--
		}
		esc = html.EscapeString(s[:cut])
		if len(esc)+len(ellipsis) <= limit {
			return esc + ellipsis
		}
		// escaping grew the slice past the cap; shrink proportionally
		cut = cut * (limit - len(ellipsis)) / len(esc)
	}
}

// extract parses entry HTML, returning the plain text and any referenced
// media. A body that fails to parse is treated as plain text upstream.
func extract(raw string) (string, []content.MediaItem, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", nil, err
	}

	var media []content.MediaItem
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && httpURL(src) {
			media = append(media, content.MediaItem{Kind: content.MediaPhoto, URL: src})
		}
	})
	doc.Find("video").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, ok = s.Find("source").Attr("src")
		}
		if ok && httpURL(src) {
			media = append(media, content.MediaItem{Kind: content.MediaVideo, URL: src})
		}
	})
	doc.Find("audio").Each(func(_ int, s *goquery.Selection) {
		src, ok := s.Attr("src")
		if !ok {
			src, ok = s.Find("source").Attr("src")
		}
		if ok && httpURL(src) {
			media = append(media, content.MediaItem{Kind: content.MediaAudio, URL: src})
		}
	})

	text := strings.TrimSpace(doc.Text())
	text = collapseBlank(text)
	return text, media, nil
}

func httpURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// collapseBlank squeezes runs of blank lines left behind by stripped markup.
func collapseBlank(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if strings.TrimSpace(l) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
