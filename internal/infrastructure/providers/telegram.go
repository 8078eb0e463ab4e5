package providers

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/domain"
)

const (
	PlatformTelegram = "telegram"

	telegramDefaultURL = "https://t.me"
	telegramMaxPages   = 10
)

// TelegramProvider scrapes the public web preview of channels (t.me/s/<channel>), which lists
// messages oldest to newest and pages backwards with ?before=<message id>.
type TelegramProvider struct {
	client   *resty.Client
	baseURL  string
	maxPages int
	logger   *slog.Logger
}

var _ collector.ProviderClient = (*TelegramProvider)(nil)

// NewTelegramProvider builds a scraper with its own politeness limit on top of request pacing.
// politeness <= 0 disables the extra limit.
func NewTelegramProvider(baseURL string, politeness time.Duration, maxPages int, logger *slog.Logger) *TelegramProvider {
	if baseURL == "" {
		baseURL = telegramDefaultURL
	}
	if maxPages <= 0 {
		maxPages = telegramMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := collector.NewRestClient(20 * time.Second)
	if politeness > 0 {
		polite := rate.NewLimiter(rate.Every(politeness), 1)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return polite.Wait(req.Context())
		})
	}
	return &TelegramProvider{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxPages: maxPages,
		logger:   logger,
	}
}

func (p *TelegramProvider) Platform() string { return PlatformTelegram }

func (p *TelegramProvider) Capabilities() collector.Capabilities {
	return collector.Capabilities{
		Platform:       PlatformTelegram,
		Arena:          "messaging",
		ContentType:    "post",
		SupportedTiers: []domain.Tier{domain.TierFree},
		TemporalMode:   domain.TemporalRecentOnly,
		CredentialKind: domain.CredentialNone,
		SupportsActors: true,
		FieldHints: map[string][]string{
			"author_id":   {"channel"},
			"author_name": {"channel_title"},
		},
	}
}

func (p *TelegramProvider) CollectByTerms(context.Context, collector.Request) collector.Stream {
	return collector.Unsupported(PlatformTelegram, "collect by terms")
}

// CollectByActors treats actor ids as channel usernames and walks each channel backwards until
// messages fall before the range start or the page cap is hit.
func (p *TelegramProvider) CollectByActors(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, false); err != nil {
		return collector.Fail(err)
	}
	ctx = collector.WithPace(ctx, req.Pace)

	return func(yield func(domain.RawItem, error) bool) {
		for _, actor := range req.ActorIDs {
			channel := strings.TrimPrefix(strings.TrimSpace(actor), "@")
			before := 0
			for page := 0; page < p.maxPages; page++ {
				doc, err := p.fetchPage(ctx, channel, before)
				if err != nil {
					yield(nil, err)
					return
				}

				messages, oldest := extractMessages(doc, channel)
				if len(messages) == 0 {
					break
				}

				reachedStart := false
				// Newest first, matching the other providers' feed order.
				for i := len(messages) - 1; i >= 0; i-- {
					m := messages[i]
					if m.err == nil && req.DateRange != nil && !m.published.IsZero() {
						if !req.DateRange.From.IsZero() && m.published.Before(req.DateRange.From) {
							reachedStart = true
							continue
						}
						if !req.DateRange.Contains(m.published) {
							continue
						}
					}
					if !yield(m.item, m.err) {
						return
					}
				}
				if reachedStart || oldest <= 1 {
					break
				}
				before = oldest
			}
		}
	}
}

func (p *TelegramProvider) fetchPage(ctx context.Context, channel string, before int) (*goquery.Document, error) {
	r := p.client.R().SetContext(ctx)
	if before > 0 {
		r.SetQueryParam("before", strconv.Itoa(before))
	}
	resp, err := r.Get(p.baseURL + "/s/" + channel)
	if err := collector.CheckResponse(PlatformTelegram, resp, err); err != nil {
		return nil, fmt.Errorf("channel %s: %w", channel, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, &domain.ProviderError{Platform: PlatformTelegram, Class: domain.ErrTransientNetwork, Err: fmt.Errorf("parse document: %w", err)}
	}
	return doc, nil
}

type telegramMessage struct {
	item      domain.RawItem
	published time.Time
	err       error
}

// extractMessages returns the messages of one page in document order and the lowest message id.
func extractMessages(doc *goquery.Document, channel string) ([]telegramMessage, int) {
	title := strings.TrimSpace(doc.Find(".tgme_channel_info_header_title").First().Text())

	var (
		messages []telegramMessage
		oldest   int
	)
	doc.Find("div.tgme_widget_message").Each(func(i int, node *goquery.Selection) {
		item, published, id, err := parseMessage(node, channel, title)
		if err == nil && (oldest == 0 || id < oldest) {
			oldest = id
		}
		messages = append(messages, telegramMessage{item: item, published: published, err: err})
	})
	return messages, oldest
}

func parseMessage(node *goquery.Selection, channel, channelTitle string) (domain.RawItem, time.Time, int, error) {
	post, ok := node.Attr("data-post")
	if !ok || post == "" {
		return nil, time.Time{}, 0, domain.MalformedItem("message without data-post")
	}
	_, idText, _ := strings.Cut(post, "/")
	id, err := strconv.Atoi(idText)
	if err != nil {
		return nil, time.Time{}, 0, domain.MalformedItem("message id %q: %v", post, err)
	}

	item := domain.RawItem{
		"id":      post,
		"channel": channel,
		"url":     "https://t.me/" + post,
	}
	if channelTitle != "" {
		item["channel_title"] = channelTitle
	}
	if text := strings.TrimSpace(node.Find(".tgme_widget_message_text").First().Text()); text != "" {
		item["text"] = text
	}
	if owner := strings.TrimSpace(node.Find(".tgme_widget_message_owner_name").First().Text()); owner != "" {
		item["channel_title"] = owner
	}
	if views, ok := parseViews(node.Find(".tgme_widget_message_views").First().Text()); ok {
		item["views"] = views
	}

	var published time.Time
	if stamp, ok := node.Find("time[datetime]").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			published = t.UTC()
			item["published_at"] = published.Format(time.RFC3339)
		}
	}
	return item, published, id, nil
}

// parseViews reads counters like "987", "1.2K" or "3M".
func parseViews(text string) (int64, bool) {
	text = strings.ToUpper(strings.TrimSpace(text))
	if text == "" {
		return 0, false
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(text, "K"):
		multiplier, text = 1e3, strings.TrimSuffix(text, "K")
	case strings.HasSuffix(text, "M"):
		multiplier, text = 1e6, strings.TrimSuffix(text, "M")
	}
	n, err := strconv.ParseFloat(text, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return int64(n*multiplier + 0.5), true
}
