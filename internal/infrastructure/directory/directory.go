// Package directory answers whether an author is a registered public figure, whose platform id is
// stored in clear instead of being pseudonymized.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"ArenaIngest/internal/ports"
)

func key(platform, rawAuthorID string) string {
	return platform + ":" + strings.ToLower(strings.TrimSpace(rawAuthorID))
}

// Static is a fixed directory loaded from configuration.
type Static struct {
	members map[string]struct{}
}

var _ ports.PublicFigureDirectory = (*Static)(nil)

// NewStatic indexes platform -> author ids. Ids compare case-insensitively.
func NewStatic(entries map[string][]string) *Static {
	s := &Static{members: map[string]struct{}{}}
	for platform, ids := range entries {
		for _, id := range ids {
			s.members[key(platform, id)] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsPublicFigure(platform, rawAuthorID string) bool {
	if s == nil || rawAuthorID == "" {
		return false
	}
	_, ok := s.members[key(platform, rawAuthorID)]
	return ok
}

// HTTP asks the actor directory service. Lookup failures count as "not a public figure", so the
// author is pseudonymized.
type HTTP struct {
	client  *resty.Client
	baseURL string
	timeout time.Duration
	logger  *slog.Logger
}

var _ ports.PublicFigureDirectory = (*HTTP)(nil)

// NewHTTP builds a client for GET {baseURL}/public-figures/{platform}/{id}.
func NewHTTP(client *resty.Client, baseURL string, timeout time.Duration, logger *slog.Logger) *HTTP {
	if client == nil {
		client = resty.New()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: client, baseURL: strings.TrimSuffix(baseURL, "/"), timeout: timeout, logger: logger}
}

func (h *HTTP) IsPublicFigure(platform, rawAuthorID string) bool {
	ok, _ := h.Lookup(platform, rawAuthorID)
	return ok
}

// Lookup is IsPublicFigure that also reports why the directory could not answer.
func (h *HTTP) Lookup(platform, rawAuthorID string) (bool, error) {
	if rawAuthorID == "" {
		return false, nil
	}
	ok, err := h.lookup(platform, rawAuthorID)
	if err != nil {
		h.logger.Warn("public figure lookup failed", "platform", platform, "err", err)
		return false, err
	}
	return ok, nil
}

func (h *HTTP) lookup(platform, rawAuthorID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	var body struct {
		PublicFigure bool `json:"public_figure"`
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"platform": platform, "id": rawAuthorID}).
		SetResult(&body).
		Get(h.baseURL + "/public-figures/{platform}/{id}")
	if err != nil {
		return false, fmt.Errorf("request directory: %w", err)
	}
	switch {
	case resp.StatusCode() == 404:
		return false, nil
	case resp.IsError():
		return false, fmt.Errorf("directory returned %s", resp.Status())
	}
	return body.PublicFigure, nil
}

// lookuper is a directory that can tell a negative answer from a failed lookup.
type lookuper interface {
	Lookup(platform, rawAuthorID string) (bool, error)
}

// Cached memoizes another directory for ttl. Failed lookups are not cached.
type Cached struct {
	next  ports.PublicFigureDirectory
	cache *expirable.LRU[string, bool]
}

var _ ports.PublicFigureDirectory = (*Cached)(nil)

func NewCached(next ports.PublicFigureDirectory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 4096
	}
	return &Cached{next: next, cache: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (c *Cached) IsPublicFigure(platform, rawAuthorID string) bool {
	k := key(platform, rawAuthorID)
	if v, ok := c.cache.Get(k); ok {
		return v
	}
	var v bool
	if l, ok := c.next.(lookuper); ok {
		var err error
		if v, err = l.Lookup(platform, rawAuthorID); err != nil {
			return false
		}
	} else {
		v = c.next.IsPublicFigure(platform, rawAuthorID)
	}
	c.cache.Add(k, v)
	return v
}

// Chain reports a public figure when any member does. Nil members are skipped.
type Chain []ports.PublicFigureDirectory

func (c Chain) IsPublicFigure(platform, rawAuthorID string) bool {
	for _, d := range c {
		if d != nil && d.IsPublicFigure(platform, rawAuthorID) {
			return true
		}
	}
	return false
}
