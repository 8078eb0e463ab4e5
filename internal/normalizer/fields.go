package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"ArenaIngest/internal/domain"
)

// Record fields that are extracted through candidate keys.
const (
	FieldText        = "text"
	FieldTitle       = "title"
	FieldURL         = "url"
	FieldPublishedAt = "published_at"
	FieldAuthorID    = "author_id"
	FieldAuthorName  = "author_name"
	FieldLanguage    = "language"
	FieldContentType = "content_type"
	FieldViews       = "views"
	FieldLikes       = "likes"
	FieldShares      = "shares"
	FieldComments    = "comments"
)

// defaultCandidates are tried in order after any platform hints. Dotted keys walk nested objects.
var defaultCandidates = map[string][]string{
	FieldText:        {"text", "body", "content", "caption", "description", "summary", "message", "snippet", "record.text"},
	FieldTitle:       {"title", "headline", "name"},
	FieldURL:         {"url", "link", "permalink", "uri", "web_url", "href"},
	FieldPublishedAt: {"published_at", "publishedAt", "published", "pubDate", "created_at", "createdAt", "record.createdAt", "date", "timestamp", "seendate", "indexedAt", "updated"},
	FieldAuthorID:    {"author_id", "author.did", "author.id", "author.handle", "user.id", "from.id", "author", "creator", "channel"},
	FieldAuthorName:  {"author_name", "author.displayName", "author.name", "user.name", "from.name", "author", "creator"},
	FieldLanguage:    {"language", "lang", "langs", "record.langs"},
	FieldContentType: {"content_type", "type"},
	FieldViews:       {"views", "view_count", "viewCount", "views_count"},
	FieldLikes:       {"likes", "like_count", "likeCount", "favorite_count"},
	FieldShares:      {"shares", "share_count", "repostCount", "retweet_count", "forwards"},
	FieldComments:    {"comments", "comment_count", "replyCount", "reply_count"},
}

// DefaultCandidates returns a copy of the built-in candidate keys of one field.
func DefaultCandidates(field string) []string {
	return append([]string(nil), defaultCandidates[field]...)
}

type extractor struct {
	item  domain.RawItem
	hints map[string][]string
}

// lookup returns the first candidate value that is present and non-empty.
func (e extractor) lookup(field string) (any, bool) {
	for _, keys := range [][]string{e.hints[field], defaultCandidates[field]} {
		for _, key := range keys {
			v, ok := e.item.Lookup(key)
			if !ok || isEmpty(v) {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

// text returns the first candidate that holds a string, number or string list.
func (e extractor) text(field string) string {
	for _, keys := range [][]string{e.hints[field], defaultCandidates[field]} {
		for _, key := range keys {
			v, ok := e.item.Lookup(key)
			if !ok {
				continue
			}
			if s := stringValue(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func (e extractor) count(field string) *int64 {
	v, ok := e.lookup(field)
	if !ok {
		return nil
	}
	n, ok := intValue(v)
	if !ok {
		return nil
	}
	return &n
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []any:
		for _, member := range x {
			if s := stringValue(member); s != "" {
				return s
			}
		}
	case []string:
		for _, member := range x {
			if s := strings.TrimSpace(member); s != "" {
				return s
			}
		}
	}
	return ""
}

func intValue(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case int:
		return int64(x), true
	case int64:
		return x, true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(x), ",", ""), 10, 64)
		return n, err == nil
	}
	return 0, false
}
