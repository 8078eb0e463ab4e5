// Package providers holds the arena clients: each one turns a query into a stream of raw items.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/domain"
	"ArenaIngest/internal/fingerprint"
)

// PlatformRSS is the registry name of the RSS/Atom provider.
const PlatformRSS = "rss"

// RSSFeed is one configured feed.
type RSSFeed struct {
	Name string
	URL  string
}

// RSSProvider reads configured feeds and keeps the entries that mention a query term.
type RSSProvider struct {
	client *resty.Client
	feeds  []RSSFeed
	logger *slog.Logger
}

var _ collector.ProviderClient = (*RSSProvider)(nil)

// NewRSSProvider wires the feed list; a nil client gets the shared defaults.
func NewRSSProvider(client *resty.Client, feeds []RSSFeed, logger *slog.Logger) *RSSProvider {
	if client == nil {
		client = collector.NewRestClient(20 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RSSProvider{client: client, feeds: feeds, logger: logger}
}

func (p *RSSProvider) Platform() string { return PlatformRSS }

func (p *RSSProvider) Capabilities() collector.Capabilities {
	return collector.Capabilities{
		Platform:       PlatformRSS,
		Arena:          "news",
		ContentType:    "article",
		SupportedTiers: []domain.Tier{domain.TierFree},
		TemporalMode:   domain.TemporalRecentOnly,
		CredentialKind: domain.CredentialNone,
		SupportsTerms:  true,
		FieldHints: map[string][]string{
			"text":         {"description", "content"},
			"published_at": {"published", "updated"},
			"author_id":    {"author", "feed_url"},
			"author_name":  {"author", "feed_title"},
		},
	}
}

// CollectByTerms walks the feeds in configured order. A feed that answers with a non-retryable
// failure is logged and skipped; rate limiting and transient failures end the stream.
func (p *RSSProvider) CollectByTerms(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, true); err != nil {
		return collector.Fail(err)
	}
	needles := make([]string, 0, len(req.Terms))
	for _, term := range req.Terms {
		if n := fingerprint.NormalizeText(term); n != "" {
			needles = append(needles, n)
		}
	}
	ctx = collector.WithPace(ctx, req.Pace)

	return func(yield func(domain.RawItem, error) bool) {
		for _, feed := range p.feeds {
			parsed, err := p.fetch(ctx, feed)
			if err != nil {
				if domain.ClassOf(err).Retryable() || ctx.Err() != nil {
					yield(nil, err)
					return
				}
				p.logger.Warn("feed skipped", "feed", feed.Name, "url", feed.URL, "err", err)
				continue
			}

			for _, entry := range parsed.Items {
				if entry == nil || !mentionsAny(entry, needles) {
					continue
				}
				if !yield(feedItem(feed, parsed, entry), nil) {
					return
				}
			}
		}
	}
}

func (p *RSSProvider) CollectByActors(context.Context, collector.Request) collector.Stream {
	return collector.Unsupported(PlatformRSS, "collect by actors")
}

func (p *RSSProvider) fetch(ctx context.Context, feed RSSFeed) (*gofeed.Feed, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.5").
		Get(feed.URL)
	if err := collector.CheckResponse(PlatformRSS, resp, err); err != nil {
		return nil, fmt.Errorf("feed %s: %w", feed.Name, err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("feed %s: parse: %w", feed.Name, err)
	}
	return parsed, nil
}

func mentionsAny(entry *gofeed.Item, needles []string) bool {
	if len(needles) == 0 {
		return true
	}
	haystack := fingerprint.NormalizeText(entry.Title + " " + entry.Description + " " + entry.Content)
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func feedItem(feed RSSFeed, parsed *gofeed.Feed, entry *gofeed.Item) domain.RawItem {
	item := domain.RawItem{
		"guid":       entry.GUID,
		"title":      entry.Title,
		"link":       entry.Link,
		"feed_name":  feed.Name,
		"feed_url":   feed.URL,
		"feed_title": parsed.Title,
	}
	if entry.Description != "" {
		item["description"] = entry.Description
	}
	if entry.Content != "" {
		item["content"] = entry.Content
	}
	if entry.PublishedParsed != nil {
		item["published"] = entry.PublishedParsed.UTC().Format(time.RFC3339)
	} else if entry.Published != "" {
		item["published"] = entry.Published
	}
	if entry.UpdatedParsed != nil {
		item["updated"] = entry.UpdatedParsed.UTC().Format(time.RFC3339)
	}
	if entry.Author != nil && entry.Author.Name != "" {
		item["author"] = entry.Author.Name
	}
	if len(entry.Categories) > 0 {
		tags := make([]any, 0, len(entry.Categories))
		for _, c := range entry.Categories {
			tags = append(tags, c)
		}
		item["tags"] = tags
	}
	if parsed.Language != "" {
		item["language"] = parsed.Language
	}
	return item
}
