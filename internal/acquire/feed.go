package acquire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"relaybot/internal/content"
	logx "relaybot/pkg/logx"
)

const defaultFetchTimeout = 30 * time.Second

// FeedAcquirer fetches RSS/Atom/JSON feeds. The source identifier is the
// feed URL.
type FeedAcquirer struct {
	parser  *gofeed.Parser
	timeout time.Duration
	log     logx.Logger
}

func NewFeedAcquirer(timeout time.Duration, userAgent string, log logx.Logger) *FeedAcquirer {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: timeout}
	if userAgent != "" {
		p.UserAgent = userAgent
	}
	return &FeedAcquirer{parser: p, timeout: timeout, log: log}
}

func (a *FeedAcquirer) FetchItems(ctx context.Context, source string) ([]content.RawItem, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	feed, err := a.parser.ParseURLWithContext(source, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", source, err)
	}

	raws := make([]content.RawItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		r := content.RawItem{
			GUID:        it.GUID,
			Title:       it.Title,
			Link:        it.Link,
			Description: it.Description,
			Published:   it.Published,
		}
		if r.Description == "" {
			r.Description = it.Content
		}
		if it.PublishedParsed != nil {
			r.PublishedAt = *it.PublishedParsed
		} else if it.UpdatedParsed != nil {
			r.PublishedAt = *it.UpdatedParsed
			if r.Published == "" {
				r.Published = it.Updated
			}
		}
		raws = append(raws, r)
	}
	a.log.Debug("feed fetched",
		logx.String("source", source), logx.Int("items", len(raws)))
	return raws, nil
}
