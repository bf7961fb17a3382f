package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/papertrawl/papertrawl/pkg/resilience"
)

// maxErrorBodyBytes bounds how much of an upstream error body is carried
// into the error message.
const maxErrorBodyBytes = 200

// httpClient is the one-request-per-call HTTP layer shared by the built-in
// adapters. It maps transport failures and non-2xx statuses to classified
// errors and otherwise stays out of the way: no retries, no pacing.
type httpClient struct {
	source string
	client *http.Client
	header http.Header
}

func newHTTPClient(source string, opts Options, header http.Header) *httpClient {
	return &httpClient{
		source: source,
		client: &http.Client{Timeout: opts.Timeout()},
		header: header,
	}
}

// get issues one GET against rawURL with the encoded query and returns the
// response body. 429 and 503 responses carry the parsed Retry-After hint.
func (c *httpClient) get(ctx context.Context, rawURL string, query url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, resilience.NewError(resilience.KindInternal, c.source,
			fmt.Errorf("building request: %w", err))
	}
	for key, values := range c.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, resilience.Classify(c.source, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.Classify(c.source, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, resilience.FromHTTPStatus(c.source, resp.StatusCode, retryAfter,
			fmt.Errorf("status %d: %s", resp.StatusCode, trimBody(body)))
	}
	return body, nil
}

// parseRetryAfter reads a Retry-After header value, either delta-seconds
// or an HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBodyBytes {
		s = s[:maxErrorBodyBytes] + "..."
	}
	return s
}
