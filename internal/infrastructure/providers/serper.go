package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/domain"
)

const (
	PlatformSerper = "google_search"

	// CredentialSerperKey is a Serper.dev API key.
	CredentialSerperKey domain.CredentialKind = "serper_api_key"

	serperDefaultURL = "https://google.serper.dev/search"
	serperPageSize   = 10
)

// serperPages is how deep each tier pages into the results of one term.
var serperPages = map[domain.Tier]int{
	domain.TierMedium:  1,
	domain.TierPremium: 5,
}

// SerperProvider runs Google web searches through Serper.dev.
type SerperProvider struct {
	client  *resty.Client
	baseURL string
	country string
	lang    string
	logger  *slog.Logger
}

var _ collector.ProviderClient = (*SerperProvider)(nil)

// NewSerperProvider builds the client. country and lang are passed as gl/hl when set.
func NewSerperProvider(client *resty.Client, baseURL, country, lang string, logger *slog.Logger) *SerperProvider {
	if client == nil {
		client = collector.NewRestClient(20 * time.Second)
	}
	if baseURL == "" {
		baseURL = serperDefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SerperProvider{client: client, baseURL: baseURL, country: country, lang: lang, logger: logger}
}

func (p *SerperProvider) Platform() string { return PlatformSerper }

func (p *SerperProvider) Capabilities() collector.Capabilities {
	return collector.Capabilities{
		Platform:       PlatformSerper,
		Arena:          "google_search",
		ContentType:    "search_result",
		SupportedTiers: []domain.Tier{domain.TierMedium, domain.TierPremium},
		TemporalMode:   domain.TemporalRecentOnly,
		CredentialKind: CredentialSerperKey,
		SupportsTerms:  true,
		FieldHints: map[string][]string{
			"text":         {"snippet"},
			"published_at": {"date"},
			"author_id":    {"domain"},
		},
	}
}

type serperResponse struct {
	Organic []json.RawMessage `json:"organic"`
}

// CollectByTerms issues one search per term and per page allowed by the tier.
func (p *SerperProvider) CollectByTerms(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, true); err != nil {
		return collector.Fail(err)
	}
	ctx = collector.WithPace(ctx, req.Pace)
	pages := serperPages[req.Tier]

	return func(yield func(domain.RawItem, error) bool) {
		for _, term := range req.Terms {
			for page := 1; page <= pages; page++ {
				body := map[string]any{"q": term, "num": serperPageSize, "page": page}
				if p.country != "" {
					body["gl"] = p.country
				}
				if p.lang != "" {
					body["hl"] = p.lang
				}

				var result serperResponse
				resp, err := p.client.R().
					SetContext(ctx).
					SetHeader("X-API-KEY", req.Credential.Secret).
					SetBody(body).
					SetResult(&result).
					Post(p.baseURL)
				if err := collector.CheckResponse(PlatformSerper, resp, err); err != nil {
					yield(nil, err)
					return
				}

				for _, raw := range result.Organic {
					item, err := collector.DecodeItem(raw)
					if err == nil {
						item["query"] = term
						if link, ok := item["link"].(string); ok {
							item["domain"] = hostOf(link)
						}
					}
					if !yield(item, err) {
						return
					}
				}
				if len(result.Organic) < serperPageSize {
					break
				}
			}
		}
	}
}

func (p *SerperProvider) CollectByActors(context.Context, collector.Request) collector.Stream {
	return collector.Unsupported(PlatformSerper, "collect by actors")
}
