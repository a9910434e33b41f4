// Package resolver turns video page URLs into fetchable media streams using the video-info API
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// QualityHD720 is the preferred stream quality
	QualityHD720 = "hd720"
	// QualityMedium360 is used when no 720p stream exists
	QualityMedium360 = "medium"
	// QualitySmall240 is the last resort
	QualitySmall240 = "small"
)

// qualityPreference lists stream qualities from most to least preferred
var qualityPreference = []string{QualityHD720, QualityMedium360, QualitySmall240}

// ErrNoStream is returned when the service knows the video but offers no usable stream
var ErrNoStream = errors.New("no usable stream for video")

// Resolution is a resolved video
type Resolution struct {
	VideoID   string
	Title     string
	StreamURL string
	Quality   string
}

// Resolver defines the stream resolution operations
//
//go:generate mockgen -source=client.go -destination=mocks/mock_resolver.go -package=mocks
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (*Resolution, error)
}

// Client represents a video-info API client
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// videoInfo is the payload of a successful lookup
type videoInfo struct {
	Title   string            `json:"title"`
	Streams map[string]string `json:"streams"`
}

// APIResponse represents a generic API response
type APIResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// APIError represents an error response from the API
type APIError struct {
	Message string      `json:"message"`
	Code    interface{} `json:"code,omitempty"`
}

// Error implements the error interface for APIError
func (e *APIError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("%s (code: %v)", e.Message, e.Code)
	}
	return e.Message
}

// New creates a new client. A nil httpClient gets a 30 second timeout.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Resolve looks up a video and picks its best supported stream
func (c *Client) Resolve(ctx context.Context, sourceURL string) (*Resolution, error) {
	videoID := VideoID(sourceURL)
	if videoID == "" {
		return nil, fmt.Errorf("cannot determine video id from %q", sourceURL)
	}

	params := url.Values{}
	params.Set("agent", "downtube")
	params.Set("id", videoID)
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}

	var info videoInfo
	if err := c.get(ctx, "/video", params, &info); err != nil {
		return nil, err
	}

	for _, quality := range qualityPreference {
		if stream := info.Streams[quality]; stream != "" {
			return &Resolution{
				VideoID:   videoID,
				Title:     info.Title,
				StreamURL: stream,
				Quality:   quality,
			}, nil
		}
	}

	return nil, ErrNoStream
}

// CheckHealth verifies the service is reachable and accepts the API key
func (c *Client) CheckHealth(ctx context.Context) error {
	params := url.Values{}
	params.Set("agent", "downtube")
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	return c.get(ctx, "/health", params, nil)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if apiResp.Status != "success" {
		if apiResp.Error != nil {
			return apiResp.Error
		}
		return fmt.Errorf("API returned status: %s", apiResp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(apiResp.Data, out); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// VideoID extracts the 11 character video id from the common URL forms,
// falling back to the last 11 characters of the input
func VideoID(sourceURL string) string {
	const idLength = 11

	trimmed := strings.TrimSpace(sourceURL)
	if u, err := url.Parse(trimmed); err == nil && u.Host != "" {
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		host = strings.TrimPrefix(host, "m.")
		path := strings.Trim(u.Path, "/")

		switch {
		case host == "youtu.be" && path != "":
			return strings.SplitN(path, "/", 2)[0]
		case u.Query().Get("v") != "":
			return u.Query().Get("v")
		case strings.HasPrefix(path, "embed/"), strings.HasPrefix(path, "shorts/"), strings.HasPrefix(path, "live/"):
			parts := strings.Split(path, "/")
			if len(parts) >= 2 && parts[1] != "" {
				return parts[1]
			}
		}
	}

	if len(trimmed) < idLength {
		return ""
	}
	return trimmed[len(trimmed)-idLength:]
}
