// Package siteverify calls the external verification service on behalf of
// the server. The secret stays inside Client and is never logged or returned.
package siteverify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/layer-3/formguard/core"
)

// DefaultURL is the reCAPTCHA verification endpoint
const DefaultURL = "https://www.google.com/recaptcha/api/siteverify"

// maxBodySize caps the upstream response read
const maxBodySize = 64 << 10

// Client implements ports.SiteVerifier over HTTP
type Client struct {
	httpClient *http.Client
	endpoint   string
	secret     string
}

// New creates a new verification client
func New(httpClient *http.Client, endpoint, secret string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		secret:     secret,
	}
}

// UpstreamError describes a non-2xx answer from the verification service.
// Body is for operator logs only.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("verification service returned status %d", e.StatusCode)
}

// SiteVerify posts the token and secret as a form and decodes the response
func (c *Client) SiteVerify(ctx context.Context, token, remoteIP string) (core.SiteVerifyResponse, error) {
	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: %v", core.ErrVerificationUnreachable, redact(err, c.secret))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: failed to read response: %v", core.ErrVerificationUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: %w", core.ErrVerificationUnreachable,
			&UpstreamError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var out core.SiteVerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return core.SiteVerifyResponse{}, fmt.Errorf("%w: malformed response: %v", core.ErrVerificationUnreachable, err)
	}

	return out, nil
}

// redact strips the secret from transport errors, which may echo the request
func redact(err error, secret string) string {
	msg := err.Error()
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "[redacted]")
}
