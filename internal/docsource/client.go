package docsource

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures the document store client.
type Options struct {
	BaseURL      string
	APIKey       string
	PageSize     int
	Timeout      time.Duration
	MaxRetries   int
	RateLimitRPS float64
}

// Client implements Source against the document store's REST search API.
type Client struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

// searchPage is one page of the search response.
type searchPage struct {
	Items      []Record `json:"items"`
	NextCursor string   `json:"nextCursor"`
}

// NewClient creates a document store client with retry and rate limiting.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.PageSize == 0 {
		opts.PageSize = 200
	}
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS = 5
	}
	return &Client{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), max(int(opts.RateLimitRPS), 1)),
	}
}

// Search drains all result pages for the window [since, now). The caller sees
// one complete result set; cursors never leave this method.
func (c *Client) Search(ctx context.Context, since time.Time, documentTypes []string) ([]Record, error) {
	var all []Record
	cursor := ""

	for {
		page, err := c.fetchPage(ctx, since, documentTypes, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)

		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// Healthy probes the search endpoint without fetching data.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.opts.BaseURL+"/v1/documents", nil)
	if err != nil {
		return eris.Wrap(err, "docsource: create health request")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "docsource: health request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("docsource: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) fetchPage(ctx context.Context, since time.Time, documentTypes []string, cursor string) (*searchPage, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("pageSize", strconv.Itoa(c.opts.PageSize))
	for _, t := range documentTypes {
		q.Add("type", t)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	reqURL := c.opts.BaseURL + "/v1/documents?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "docsource: create search request")
	}
	c.authorize(req)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "docsource: search")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("docsource: search returned status %d", resp.StatusCode)
	}

	var page searchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, eris.Wrap(err, "docsource: decode search page")
	}
	return &page, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := range c.opts.MaxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "docsource: rate limiter wait")
		}

		cloned := req.Clone(ctx)
		resp, err := c.client.Do(cloned)
		if err != nil {
			lastErr = err
			zap.L().Warn("docsource: request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("docsource: http %d from %s", resp.StatusCode, req.URL.String())
			zap.L().Warn("docsource: retryable status, backing off",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "docsource: all retries exhausted")
}

func (c *Client) backoff(ctx context.Context, attempt int) {
	base := 500 * time.Millisecond
	maxBackoff := 15 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
