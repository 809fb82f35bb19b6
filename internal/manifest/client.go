package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Client fetches manifests from the central update service. The transport
// contract lives here; richer HTTP plumbing (proxies, mTLS) belongs to the
// host application.
type Client struct {
	BaseURL      string
	ManifestPath string
	AuthToken    string

	http *retryablehttp.Client
}

// NewClient builds a manifest client with bounded retries.
func NewClient(baseURL, manifestPath, authToken string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil
	return &Client{BaseURL: baseURL, ManifestPath: manifestPath, AuthToken: authToken, http: c}
}

// Fetch retrieves and parses the current manifest.
func (c *Client) Fetch(ctx context.Context) (*Manifest, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+c.ManifestPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreachable, err)
	}
	req.Header.Set("User-Agent", "stackpilot-agent")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: http %s", ErrManifestUnreachable, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrManifestUnreachable, err)
	}
	return Parse(raw)
}
