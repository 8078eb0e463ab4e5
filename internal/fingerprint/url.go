package fingerprint

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
)

const urlFlags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagUppercaseEscapes |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveEmptyQuerySeparator |
	purell.FlagRemoveTrailingSlash |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveFragment |
	purell.FlagRemoveWWW |
	purell.FlagSortQuery

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"dclid":   {},
	"msclkid": {},
	"yclid":   {},
	"igshid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"_ga":     {},
	"ref":     {},
	"ref_src": {},
}

// IsTrackingParam reports whether a query parameter only carries campaign attribution.
func IsTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := trackingParams[lower]
	return ok
}

// URLKey canonicalizes a URL for duplicate matching: lowercased host without "www.", no tracking
// parameters, sorted query, no fragment or trailing slash, and no scheme, so http and https
// variants of one page share a key. It reports false for values that are not absolute URLs.
func URLKey(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + strings.TrimPrefix(trimmed, "//")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return "", false
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for name := range query {
			if IsTrackingParam(name) {
				query.Del(name)
			}
		}
		parsed.RawQuery = query.Encode()
	}

	normalized := purell.NormalizeURL(parsed, urlFlags)
	if idx := strings.Index(normalized, "://"); idx >= 0 {
		normalized = normalized[idx+3:]
	}
	return normalized, normalized != ""
}
