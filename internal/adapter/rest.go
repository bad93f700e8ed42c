package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"crossspread-arb-engine/internal/metrics"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// endpointLabel strips the query string so metric labels stay
// low-cardinality.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// RESTClient wraps retryablehttp with a bounded attempt count and the
// venue's base URL: transport errors retry via the shared wrapper,
// rate-limit and API errors are classified by the caller from the
// response. Replaces a bare http.DefaultClient per venue with no
// retry with one shared, bounded-retry client reused by every
// adapter.
type RESTClient struct {
	venue   string
	baseURL string
	client  *retryablehttp.Client
}

// NewRESTClient builds a RESTClient with maxAttempts bounded retries
// and exponential backoff between them.
func NewRESTClient(venue, baseURL string, maxAttempts int, logger zerolog.Logger) *RESTClient {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxAttempts
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = 10 * time.Second

	l := logger.With().Str("venue", venue).Logger()
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			l.Warn().Int("attempt", attempt).Str("url", req.URL.String()).Msg("retrying REST request")
		}
	}

	return &RESTClient{venue: venue, baseURL: baseURL, client: rc}
}

// Get issues a GET request against path (relative to baseURL) and
// returns the response body. A non-2xx status is surfaced as an
// apperr-classified error: 429 as RATE_LIMIT, other non-2xx as API,
// transport failures (after retries exhaust) as TRANSPORT.
func (c *RESTClient) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, WrapTransport(c.venue, err)
	}
	req.Header.Set("Accept", "application/json")

	endpoint := endpointLabel(path)
	timer := metrics.NewTimer()
	resp, err := c.client.Do(req)
	timer.ObserveDuration(metrics.RestFetchDuration, c.venue, endpoint)
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(c.venue, endpoint).Inc()
		return nil, WrapTransport(c.venue, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapTransport(c.venue, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return body, rateLimitError(c.venue, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, apiError(c.venue, resp.StatusCode)
	}
	return body, nil
}

// Do issues a signed/private request: method, path relative to
// baseURL, a set of extra headers (e.g. venue auth headers computed
// by the caller), and an optional raw body. Used by private
// account/trade endpoints that each venue signs differently.
func (c *RESTClient) Do(ctx context.Context, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytesReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, WrapTransport(c.venue, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	endpoint := endpointLabel(path)
	timer := metrics.NewTimer()
	resp, err := c.client.Do(req)
	timer.ObserveDuration(metrics.RestFetchDuration, c.venue, endpoint)
	if err != nil {
		metrics.RestFetchErrors.WithLabelValues(c.venue, endpoint).Inc()
		return nil, WrapTransport(c.venue, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapTransport(c.venue, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return respBody, rateLimitError(c.venue, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return respBody, apiError(c.venue, resp.StatusCode)
	}
	return respBody, nil
}
