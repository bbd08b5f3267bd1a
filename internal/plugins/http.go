package plugins

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func httpGet(ctx context.Context, raw string) (*http.Request, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}
