package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"ArenaIngest/internal/domain"
)

const userAgent = "ArenaIngest/1.0"

// NewRestClient builds the resty client shared by the HTTP providers. Every request waits on the
// pacing func carried by its context before it is sent.
func NewRestClient(timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("User-Agent", userAgent)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return Pace(req.Context())
	})
	return client
}

// CheckResponse maps a transport error or HTTP status to the provider failure taxonomy.
// Cancellation is passed through untouched so callers can tell it apart from provider failures.
func CheckResponse(platform string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &domain.ProviderError{Platform: platform, Class: domain.ErrTransientNetwork, Err: err}
	}
	if resp == nil {
		return &domain.ProviderError{Platform: platform, Class: domain.ErrTransientNetwork, Err: errors.New("empty response")}
	}
	return StatusError(platform, resp.StatusCode(), resp.Header())
}

// StatusError classifies a status code; 2xx and 3xx are not errors.
func StatusError(platform string, status int, header http.Header) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusTooManyRequests:
		return &domain.ProviderError{
			Platform:   platform,
			Class:      domain.ErrRateLimited,
			StatusCode: status,
			RetryAfter: parseRetryAfter(header.Get("Retry-After"), time.Now()),
		}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &domain.ProviderError{Platform: platform, Class: domain.ErrAuthFailed, StatusCode: status}
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return &domain.ProviderError{Platform: platform, Class: domain.ErrTransientNetwork, StatusCode: status}
	default:
		return fmt.Errorf("%s: unexpected status %d", platform, status)
	}
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
