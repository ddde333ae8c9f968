package challenge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxScriptSize caps how much of the script body is read
const maxScriptSize = 2 << 20

// HTTPScriptLoader fetches the provider's challenge script
type HTTPScriptLoader struct {
	client    *http.Client
	scriptURL string
}

// NewHTTPScriptLoader creates a loader for scriptURL. If siteKey is set it is
// passed as the render parameter the way provider scripts expect.
func NewHTTPScriptLoader(client *http.Client, scriptURL, siteKey string) (*HTTPScriptLoader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(scriptURL)
	if err != nil {
		return nil, fmt.Errorf("invalid script url: %w", err)
	}
	if siteKey != "" {
		q := u.Query()
		q.Set("render", siteKey)
		u.RawQuery = q.Encode()
	}
	return &HTTPScriptLoader{client: client, scriptURL: u.String()}, nil
}

// URL returns the resolved script URL
func (l *HTTPScriptLoader) URL() string {
	return l.scriptURL
}

// Load downloads the script and checks it is non-empty
func (l *HTTPScriptLoader) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.scriptURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build script request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("script request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize))
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}
	if len(body) == 0 {
		return fmt.Errorf("script body is empty")
	}

	return nil
}
