package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"ArenaIngest/internal/collector"
	"ArenaIngest/internal/credentials"
	"ArenaIngest/internal/domain"
)

const (
	PlatformBluesky = "bluesky"

	// CredentialBlueskySession is an "identifier:app-password" pair exchanged for a session token.
	CredentialBlueskySession domain.CredentialKind = "bluesky_session"

	blueskyDefaultURL = "https://bsky.social/xrpc"
	blueskyPageSize   = 100
	blueskyMaxPages   = 20
)

// BlueskyProvider searches posts and reads author feeds through the AT Protocol XRPC API.
type BlueskyProvider struct {
	client   *resty.Client
	baseURL  string
	maxPages int
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]string
}

var _ collector.ProviderClient = (*BlueskyProvider)(nil)

// NewBlueskyProvider builds the client; maxPages <= 0 uses the default page cap per query.
func NewBlueskyProvider(client *resty.Client, baseURL string, maxPages int, logger *slog.Logger) *BlueskyProvider {
	if client == nil {
		client = collector.NewRestClient(20 * time.Second)
	}
	if baseURL == "" {
		baseURL = blueskyDefaultURL
	}
	if maxPages <= 0 {
		maxPages = blueskyMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlueskyProvider{
		client:   client,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxPages: maxPages,
		logger:   logger,
		sessions: map[string]string{},
	}
}

func (p *BlueskyProvider) Platform() string { return PlatformBluesky }

func (p *BlueskyProvider) Capabilities() collector.Capabilities {
	return collector.Capabilities{
		Platform:       PlatformBluesky,
		Arena:          "social_media",
		ContentType:    "post",
		SupportedTiers: []domain.Tier{domain.TierFree},
		TemporalMode:   domain.TemporalMixed,
		CredentialKind: CredentialBlueskySession,
		SupportsTerms:  true,
		SupportsActors: true,
		FieldHints: map[string][]string{
			"text":         {"record.text"},
			"published_at": {"record.createdAt", "indexedAt"},
			"author_id":    {"author.did"},
			"author_name":  {"author.displayName", "author.handle"},
			"language":     {"record.langs"},
		},
	}
}

type blueskySearchPage struct {
	Posts  []json.RawMessage `json:"posts"`
	Cursor string            `json:"cursor"`
}

type blueskyFeedPage struct {
	Feed []struct {
		Post json.RawMessage `json:"post"`
	} `json:"feed"`
	Cursor string `json:"cursor"`
}

// CollectByTerms runs one searchPosts query per term. The API honours since/until.
func (p *BlueskyProvider) CollectByTerms(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, true); err != nil {
		return collector.Fail(err)
	}
	ctx = collector.WithPace(ctx, req.Pace)

	return func(yield func(domain.RawItem, error) bool) {
		for _, term := range req.Terms {
			params := map[string]string{"q": term, "limit": strconv.Itoa(blueskyPageSize), "sort": "latest"}
			if r := req.DateRange; !r.IsTrivial() {
				if !r.From.IsZero() {
					params["since"] = r.From.UTC().Format(time.RFC3339)
				}
				if !r.To.IsZero() {
					params["until"] = r.To.UTC().Format(time.RFC3339)
				}
			}

			cursor := ""
			for page := 0; page < p.maxPages; page++ {
				var body blueskySearchPage
				if err := p.get(ctx, req.Credential, "app.bsky.feed.searchPosts", params, cursor, &body); err != nil {
					yield(nil, err)
					return
				}
				for _, raw := range body.Posts {
					if !yield(postItem(raw)) {
						return
					}
				}
				if body.Cursor == "" || len(body.Posts) == 0 {
					break
				}
				cursor = body.Cursor
			}
		}
	}
}

// CollectByActors pages getAuthorFeed newest first and stops once posts fall before the range.
func (p *BlueskyProvider) CollectByActors(ctx context.Context, req collector.Request) collector.Stream {
	if err := collector.CheckRequest(p.Capabilities(), req.Tier, false); err != nil {
		return collector.Fail(err)
	}
	ctx = collector.WithPace(ctx, req.Pace)

	return func(yield func(domain.RawItem, error) bool) {
		for _, actor := range req.ActorIDs {
			params := map[string]string{"actor": actor, "limit": strconv.Itoa(blueskyPageSize), "filter": "posts_no_replies"}
			cursor := ""
		pages:
			for page := 0; page < p.maxPages; page++ {
				var body blueskyFeedPage
				if err := p.get(ctx, req.Credential, "app.bsky.feed.getAuthorFeed", params, cursor, &body); err != nil {
					yield(nil, err)
					return
				}
				for _, entry := range body.Feed {
					item, err := postItem(entry.Post)
					if err == nil && req.DateRange != nil {
						created := postCreatedAt(item)
						if !created.IsZero() && !req.DateRange.From.IsZero() && created.Before(req.DateRange.From) {
							break pages
						}
						if !created.IsZero() && !req.DateRange.Contains(created) {
							continue
						}
					}
					if !yield(item, err) {
						return
					}
				}
				if body.Cursor == "" || len(body.Feed) == 0 {
					break
				}
				cursor = body.Cursor
			}
		}
	}
}

// get calls an XRPC query. A 401 on a cached session refreshes it once before giving up.
func (p *BlueskyProvider) get(ctx context.Context, cred credentials.Credential, method string, params map[string]string, cursor string, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := p.session(ctx, cred)
		if err != nil {
			return err
		}

		r := p.client.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParams(params).
			SetResult(out)
		if cursor != "" {
			r.SetQueryParam("cursor", cursor)
		}
		resp, err := r.Get(p.baseURL + "/" + method)
		if err == nil && resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			p.forget(cred.ID)
			continue
		}
		if err := collector.CheckResponse(PlatformBluesky, resp, err); err != nil {
			return err
		}
		return nil
	}
}

func (p *BlueskyProvider) session(ctx context.Context, cred credentials.Credential) (string, error) {
	p.mu.Lock()
	token, ok := p.sessions[cred.ID]
	p.mu.Unlock()
	if ok {
		return token, nil
	}

	identifier, password, found := strings.Cut(cred.Secret, ":")
	if !found || identifier == "" || password == "" {
		return "", &domain.ProviderError{Platform: PlatformBluesky, Class: domain.ErrAuthFailed,
			Err: fmt.Errorf("credential %s is not an identifier:app-password pair", cred.ID)}
	}

	var created struct {
		AccessJwt string `json:"accessJwt"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"identifier": identifier, "password": password}).
		SetResult(&created).
		Post(p.baseURL + "/com.atproto.server.createSession")
	if err := collector.CheckResponse(PlatformBluesky, resp, err); err != nil {
		if resp != nil && resp.StatusCode() == http.StatusBadRequest {
			// createSession answers bad passwords with 400 AuthenticationRequired.
			return "", &domain.ProviderError{Platform: PlatformBluesky, Class: domain.ErrAuthFailed, StatusCode: resp.StatusCode(), Err: err}
		}
		return "", err
	}
	if created.AccessJwt == "" {
		return "", &domain.ProviderError{Platform: PlatformBluesky, Class: domain.ErrAuthFailed, Err: errors.New("session without access token")}
	}

	p.mu.Lock()
	p.sessions[cred.ID] = created.AccessJwt
	p.mu.Unlock()
	p.logger.Debug("bluesky session created", "credential", cred)
	return created.AccessJwt, nil
}

func (p *BlueskyProvider) forget(credentialID string) {
	p.mu.Lock()
	delete(p.sessions, credentialID)
	p.mu.Unlock()
}

// postItem decodes a post view and adds the public web URL derived from its AT URI.
func postItem(raw json.RawMessage) (domain.RawItem, error) {
	item, err := collector.DecodeItem(raw)
	if err != nil {
		return nil, err
	}
	uri, _ := item["uri"].(string)
	handle, _ := item.Lookup("author.handle")
	if h, ok := handle.(string); ok && uri != "" {
		if i := strings.LastIndex(uri, "/"); i >= 0 {
			item["url"] = "https://bsky.app/profile/" + h + "/post/" + uri[i+1:]
		}
	}
	return item, nil
}

func postCreatedAt(item domain.RawItem) time.Time {
	v, ok := item.Lookup("record.createdAt")
	if !ok {
		return time.Time{}
	}
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
