package fetch

import (
	"fmt"
	"net/url"

	"github.com/mmcdole/rescache/internal/domain"
)

// IdentityResolver accepts item keys that are already absolute URLs.
func IdentityResolver(itemKey string) (string, error) {
	u, err := url.Parse(itemKey)
	if err != nil {
		return "", err
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("not an absolute url: %q", itemKey)
	}
	return u.String(), nil
}

// BaseURLResolver resolves relative item keys against base.
// Absolute keys are returned unchanged.
func BaseURLResolver(base string) (domain.URLResolver, error) {
	b, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if !b.IsAbs() {
		return nil, fmt.Errorf("base url must be absolute: %q", base)
	}
	return func(itemKey string) (string, error) {
		ref, err := url.Parse(itemKey)
		if err != nil {
			return "", err
		}
		return b.ResolveReference(ref).String(), nil
	}, nil
}
