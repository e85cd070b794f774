package polymarket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/retry"
)

const (
	DefaultGammaURL = "https://gamma-api.polymarket.com"
	DefaultClobURL  = "https://clob.polymarket.com"
	DefaultDataURL  = "https://data-api.polymarket.com"

	defaultTimeout = 8 * time.Second
)

// ClientOptions tunes a REST client.
type ClientOptions struct {
	// Timeout bounds a whole request. Zero means 8s.
	Timeout time.Duration
	// RatePerSec and Burst configure the client-side limiter. Zero
	// RatePerSec disables limiting.
	RatePerSec float64
	Burst      int
	HTTPClient *http.Client
}

// restClient is the unauthenticated GET transport shared by the Gamma, CLOB
// and Data API clients.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newRESTClient(baseURL string, opts ClientOptions) restClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return restClient{baseURL: baseURL, httpClient: hc, limiter: limiter}
}

// doGet sends a GET request and returns the body of a 2xx response.
func (c *restClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Client errors
// other than 429 are marked permanent so callers do not retry them.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := truncate(string(body), 256)
	switch {
	case statusCode == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr))
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return retry.Permanent(fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr))
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case statusCode >= 400 && statusCode < 500:
		return retry.Permanent(fmt.Errorf("HTTP %d: %s", statusCode, bodyStr))
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
