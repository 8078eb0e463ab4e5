package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/domain"
)

const (
	PlatformGDELT = "gdelt"

	gdeltDefaultURL  = "https://api.gdeltproject.org/api/v2/doc/doc"
	gdeltTimeLayout  = "20060102150405"
	gdeltMaxRecords  = 250
	gdeltWindowLimit = 7 * 24 * time.Hour
)

// GDELTProvider queries the GDELT DOC 2.0 article list. Long ranges are split into consecutive
// windows so each request stays under the per-request record cap.
type GDELTProvider struct {
	client  *resty.Client
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

var _ collector.ProviderClient = (*GDELTProvider)(nil)

// NewGDELTProvider builds the client; an empty baseURL targets the public API.
func NewGDELTProvider(client *resty.Client, baseURL string, logger *slog.Logger) *GDELTProvider {
	if client == nil {
		client = collector.NewRestClient(30 * time.Second)
	}
	if baseURL == "" {
		baseURL = gdeltDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GDELTProvider{client: client, baseURL: baseURL, logger: logger, now: time.Now}
}

func (p *GDELTProvider) Platform() string { return PlatformGDELT }

func (p *GDELTProvider) Capabilities() collector.Capabilities {
	return collector.Capabilities{
		Platform:       PlatformGDELT,
		Arena:          "news",
		ContentType:    "article",
		SupportedTiers: []domain.Tier{domain.TierFree},
		TemporalMode:   domain.TemporalHistorical,
		CredentialKind: domain.CredentialNone,
		SupportsTerms:  true,
		FieldHints: map[string][]string{
			"published_at": {"seendate"},
			"author_id":    {"domain"},
			"author_name":  {"domain"},
			"language":     {"language_code"},
		},
	}
}

type gdeltResponse struct {
	Articles []json.RawMessage `json:"articles"`
}

// CollectByTerms ORs the terms into one query and walks the range window by window, oldest first.
func (p *GDELTProvider) CollectByTerms(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, true); err != nil {
		return collector.Fail(err)
	}
	if len(req.Terms) == 0 {
		return collector.Fail(fmt.Errorf("gdelt: no terms given"))
	}
	query := gdeltQuery(req.Terms)
	windows := gdeltWindows(req.DateRange, p.now())
	ctx = collector.WithPace(ctx, req.Pace)

	return func(yield func(domain.RawItem, error) bool) {
		for _, w := range windows {
			articles, err := p.fetch(ctx, query, w)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, raw := range articles {
				item, err := collector.DecodeItem(raw)
				if err == nil {
					enrichGDELTItem(item)
				}
				if !yield(item, err) {
					return
				}
			}
		}
	}
}

func (p *GDELTProvider) CollectByActors(context.Context, collector.Request) collector.Stream {
	return collector.Unsupported(PlatformGDELT, "collect by actors")
}

func (p *GDELTProvider) fetch(ctx context.Context, query string, w domain.Range) ([]json.RawMessage, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":         query,
			"mode":          "artlist",
			"format":        "json",
			"sort":          "dateasc",
			"maxrecords":    strconv.Itoa(gdeltMaxRecords),
			"startdatetime": w.From.UTC().Format(gdeltTimeLayout),
			"enddatetime":   w.To.UTC().Format(gdeltTimeLayout),
		}).
		Get(p.baseURL)
	if err := collector.CheckResponse(PlatformGDELT, resp, err); err != nil {
		return nil, err
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] != '{' {
		// GDELT reports query problems as plain text with status 200.
		return nil, fmt.Errorf("gdelt rejected query: %s", truncate(string(body), 200))
	}

	var payload gdeltResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &domain.ProviderError{Platform: PlatformGDELT, Class: domain.ErrTransientNetwork, Err: fmt.Errorf("decode page: %w", err)}
	}
	if len(payload.Articles) >= gdeltMaxRecords {
		p.logger.Warn("gdelt window hit the record cap, results are truncated",
			"from", w.From, "to", w.To, "records", len(payload.Articles))
	}
	return payload.Articles, nil
}

func gdeltQuery(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.ContainsAny(t, " -") {
			t = strconv.Quote(t)
		}
		parts = append(parts, t)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// gdeltWindows splits the requested range into windows of at most a week. An open range defaults
// to the last 24 hours.
func gdeltWindows(r *domain.Range, now time.Time) []domain.Range {
	to := now.UTC()
	from := to.Add(-24 * time.Hour)
	if r != nil {
		if !r.To.IsZero() {
			to = r.To.UTC()
		}
		if !r.From.IsZero() {
			from = r.From.UTC()
		} else {
			from = to.Add(-24 * time.Hour)
		}
	}
	if !from.Before(to) {
		return nil
	}

	var windows []domain.Range
	for start := from; start.Before(to); start = start.Add(gdeltWindowLimit) {
		end := start.Add(gdeltWindowLimit)
		if end.After(to) {
			end = to
		}
		windows = append(windows, domain.Range{From: start, To: end})
	}
	return windows
}

var gdeltLanguages = map[string]string{
	"danish": "da", "swedish": "sv", "norwegian": "no", "german": "de", "english": "en",
	"french": "fr", "spanish": "es", "dutch": "nl", "finnish": "fi", "italian": "it",
}

// enrichGDELTItem maps GDELT's English language names to tags the normalizer understands.
func enrichGDELTItem(item domain.RawItem) {
	if name, ok := item["language"].(string); ok {
		if code, ok := gdeltLanguages[strings.ToLower(name)]; ok {
			item["language_code"] = code
		}
	}
}
