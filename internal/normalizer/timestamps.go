package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102T150405Z",
	"20060102150405",
	"2006-01-02",
	"20060102",
}

// minEpochDigits keeps compact dates such as 20250530 from being read as unix seconds.
const minEpochDigits = 9

// parseTimestamp understands the textual layouts providers use plus unix seconds or milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), !x.IsZero()
	case float64:
		return fromEpoch(int64(x))
	case int64:
		return fromEpoch(x)
	case int:
		return fromEpoch(int64(x))
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(n)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= minEpochDigits && len(s) != len("20060102150405") {
			return fromEpoch(n)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// fromEpoch reads n as unix seconds, or as milliseconds from 1e12 upward.
func fromEpoch(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}
	if n >= 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}
