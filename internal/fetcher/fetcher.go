// Package fetcher downloads the published register and its landing page.
package fetcher

import (
	"context"
	"io"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// FetchPage fetches an HTML page and returns its markup decoded to UTF-8.
	FetchPage(ctx context.Context, url string) ([]byte, error)
}
