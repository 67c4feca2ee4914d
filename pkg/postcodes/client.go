// Package postcodes looks up UK postcode coordinates through the postcodes.io
// bulk API.
package postcodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/hmo-register/internal/resilience"
)

const (
	// DefaultBaseURL is the public postcodes.io endpoint.
	DefaultBaseURL = "https://api.postcodes.io"

	// MaxBatchSize is the documented limit of the bulk lookup endpoint.
	MaxBatchSize = 100

	maxBodyBytes = 10 << 20
)

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Client resolves postcodes to coordinates.
type Client interface {
	// BulkLookup resolves up to MaxBatchSize postcodes in a single request.
	// Postcodes the service cannot resolve are absent from the returned map.
	// Any non-2xx response fails the whole batch.
	BulkLookup(ctx context.Context, postcodes []string) (map[string]Coordinates, error)
}

// Option configures the client.
type Option func(*client)

// WithBaseURL overrides the service endpoint.
func WithBaseURL(u string) Option {
	return func(c *client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit across all batches.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

type client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a postcode lookup Client with the given options.
func NewClient(opts ...Option) Client {
	c := &client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type bulkRequest struct {
	Postcodes []string `json:"postcodes"`
}

type bulkResponse struct {
	Result []json.RawMessage `json:"result"`
}

// bulkEntry covers both the wrapped {query, result} shape postcodes.io returns
// and a flat {postcode, latitude, longitude} entry.
type bulkEntry struct {
	Query     string          `json:"query"`
	Result    json.RawMessage `json:"result"`
	Postcode  string          `json:"postcode"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
}

type lookupResult struct {
	Postcode  string   `json:"postcode"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// BulkLookup posts the batch to /postcodes and indexes the resolved entries.
func (c *client) BulkLookup(ctx context.Context, postcodes []string) (map[string]Coordinates, error) {
	if len(postcodes) == 0 {
		return map[string]Coordinates{}, nil
	}
	if len(postcodes) > MaxBatchSize {
		return nil, eris.Errorf("postcodes: batch of %d exceeds limit %d", len(postcodes), MaxBatchSize)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "postcodes: rate limit")
	}

	payload, err := json.Marshal(bulkRequest{Postcodes: postcodes})
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/postcodes", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "postcodes: read body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := eris.Errorf("postcodes: bulk lookup returned status %d: %s", resp.StatusCode, snippet(body))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	}

	return parseBulkResponse(body), nil
}

// parseBulkResponse indexes every entry it can interpret. Entries it cannot
// interpret, including a body of the wrong shape, count as no result.
func parseBulkResponse(body []byte) map[string]Coordinates {
	out := make(map[string]Coordinates)

	var parsed bulkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		zap.L().Warn("postcodes: unexpected response shape", zap.Error(err))
		return out
	}

	for _, raw := range parsed.Result {
		key, coords, ok := parseEntry(raw)
		if !ok {
			continue
		}
		out[key] = coords
	}
	return out
}

func parseEntry(raw json.RawMessage) (string, Coordinates, bool) {
	if isNull(raw) {
		return "", Coordinates{}, false
	}

	var entry bulkEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", Coordinates{}, false
	}

	var res lookupResult
	switch {
	case len(entry.Result) > 0:
		if isNull(entry.Result) {
			return "", Coordinates{}, false
		}
		if err := json.Unmarshal(entry.Result, &res); err != nil {
			return "", Coordinates{}, false
		}
	default:
		res = lookupResult{Postcode: entry.Postcode, Latitude: entry.Latitude, Longitude: entry.Longitude}
	}

	if res.Latitude == nil || res.Longitude == nil {
		return "", Coordinates{}, false
	}

	key := entry.Query
	if key == "" {
		key = res.Postcode
	}
	if key == "" {
		return "", Coordinates{}, false
	}

	return key, Coordinates{Latitude: *res.Latitude, Longitude: *res.Longitude}, true
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
