// Package camera is the narrow client for the vendor camera API
// collaborator. The stream manager only needs one thing from it: a
// transport-stream URL for a camera identifier.
package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client resolves camera identifiers against the vendor wrapper's REST
// surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for the vendor API at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ResolveSource asks the vendor API for the camera's live transport-stream
// URL. The returned address is opaque to the caller beyond being handed to
// the transcoder.
func (c *Client) ResolveSource(ctx context.Context, cameraID string) (string, error) {
	u := fmt.Sprintf("%s/cameras/%s/stream-url", c.baseURL, url.PathEscape(cameraID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("camera api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("camera api: unexpected status %d for camera %q", resp.StatusCode, cameraID)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("camera api: decode response: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("camera api: empty stream url for camera %q", cameraID)
	}
	return body.URL, nil
}
