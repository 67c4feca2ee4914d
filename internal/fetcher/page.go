package fetcher

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// maxPageBytes caps landing page reads; the register page is a few hundred KB.
const maxPageBytes = 5 << 20

// FetchPage fetches an HTML page and returns its markup decoded to UTF-8.
// Non-200 responses are returned as errors; callers decide whether that
// means "no version found".
func (f *HTTPFetcher) FetchPage(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.get(ctx, rawURL, "text/html,application/xhtml+xml")
	if err != nil {
		return nil, eris.Wrap(err, "page: fetch")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("page: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	markup, err := io.ReadAll(io.LimitReader(body, maxPageBytes))
	if err != nil {
		return nil, eris.Wrap(err, "page: read body")
	}
	return markup, nil
}

// decodeBody wraps r with a UTF-8 decoder when the content type declares a
// non-UTF-8 charset. Unknown charsets are passed through untouched.
func decodeBody(r io.Reader, contentType string) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return r, nil
	}
	cs := strings.ToLower(strings.TrimSpace(params["charset"]))
	if cs == "" || cs == "utf-8" || cs == "utf8" {
		return r, nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return r, nil
	}
	return enc.NewDecoder().Reader(r), nil
}
