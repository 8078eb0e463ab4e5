package collector

import (
	"encoding/json"
	"fmt"

	"ArenaIngest/internal/domain"
)

// Fail is a stream that yields a single terminal error.
func Fail(err error) Stream {
	return func(yield func(domain.RawItem, error) bool) {
		yield(nil, err)
	}
}

// Unsupported answers an operation the provider does not implement.
func Unsupported(platform, operation string) Stream {
	return Fail(&domain.ProviderError{
		Platform: platform,
		Class:    domain.ErrUnsupportedOperation,
		Err:      fmt.Errorf("%s is not supported", operation),
	})
}

// UnsupportedTier answers a request for a tier the provider cannot serve.
func UnsupportedTier(platform string, tier domain.Tier) Stream {
	return Fail(&domain.ProviderError{
		Platform: platform,
		Class:    domain.ErrUnsupportedTier,
		Err:      fmt.Errorf("tier %s is not offered", tier),
	})
}

// CheckRequest validates tier and operation support before any network call.
func CheckRequest(caps Capabilities, tier domain.Tier, terms bool) error {
	if terms && !caps.SupportsTerms {
		return &domain.ProviderError{Platform: caps.Platform, Class: domain.ErrUnsupportedOperation, Err: fmt.Errorf("collect by terms is not supported")}
	}
	if !terms && !caps.SupportsActors {
		return &domain.ProviderError{Platform: caps.Platform, Class: domain.ErrUnsupportedOperation, Err: fmt.Errorf("collect by actors is not supported")}
	}
	if !caps.SupportsTier(tier) {
		return &domain.ProviderError{Platform: caps.Platform, Class: domain.ErrUnsupportedTier, Err: fmt.Errorf("tier %s is not offered", tier)}
	}
	return nil
}

// DecodeItem turns one JSON element of a provider page into a raw item. Elements that are not
// JSON objects are malformed items, not page failures.
func DecodeItem(raw json.RawMessage) (domain.RawItem, error) {
	var item map[string]any
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, domain.MalformedItem("decode item: %v", err)
	}
	if item == nil {
		return nil, domain.MalformedItem("item is null")
	}
	return domain.RawItem(item), nil
}
