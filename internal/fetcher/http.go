package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/hmo-register/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration

	// HostRate is the starting requests per second allowed against any one
	// host. The portal serves both the landing page and the workbook.
	HostRate float64
}

// hostLimiter paces requests to a single host. A 429 halves the rate, down
// to a quarter of the starting rate; each success raises it by a fifth, up
// to double.
type hostLimiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	floor   rate.Limit
	ceiling rate.Limit
	current rate.Limit
}

func newHostLimiter(rps float64) *hostLimiter {
	start := rate.Limit(rps)
	return &hostLimiter{
		lim:     rate.NewLimiter(start, max(1, int(rps))),
		floor:   start / 4,
		ceiling: start * 2,
		current: start,
	}
}

func (h *hostLimiter) wait(ctx context.Context) error {
	return h.lim.Wait(ctx)
}

func (h *hostLimiter) adjust(throttled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if throttled {
		h.current = max(h.current/2, h.floor)
	} else {
		h.current = min(h.current*1.2, h.ceiling)
	}
	h.lim.SetLimit(h.current)
}

func (h *hostLimiter) limit() rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// HTTPFetcher implements Fetcher over net/http, retrying 429, 5xx and
// network failures.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions
	retry  resilience.RetryConfig

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "hmo-register/1.0"
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.HostRate <= 0 {
		opts.HostRate = 2
	}

	retry := resilience.WithAttempts(opts.MaxRetries)
	retry.InitialBackoff = opts.BaseBackoff
	retry.OnRetry = resilience.RetryLogger("fetcher", "get")

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:  opts,
		retry: retry,
		hosts: make(map[string]*hostLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *hostLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[host]
	if !ok {
		h = newHostLimiter(f.opts.HostRate)
		f.hosts[host] = h
	}
	return h
}

// get issues a GET and returns the first non-retryable response. The caller
// owns the body and checks the status.
func (f *HTTPFetcher) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse %q", rawURL)
	}
	lim := f.limiterFor(u.Host)

	resp, err := resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*http.Response, error) {
		if err := lim.wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: create request")
		}
		req.Header.Set("User-Agent", f.opts.UserAgent)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrapf(err, "fetcher: get %s", rawURL)
			}
			return nil, resilience.NewTransientError(eris.Wrapf(err, "fetcher: get %s", rawURL), 0)
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				lim.adjust(true)
				zap.L().Warn("fetcher: rate limited, slowing down",
					zap.String("host", u.Host),
					zap.Float64("rate", float64(lim.limit())),
				)
			}
			return nil, resilience.NewTransientError(
				eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
		}

		lim.adjust(false)
		return resp, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: gave up after %d attempts", f.retry.MaxAttempts)
	}
	return resp, nil
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.get(ctx, rawURL, "")
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}
