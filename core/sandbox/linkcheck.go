package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dondendo89/qa-playwright/logging"
)

// LinkChecker probes links and reports how many are broken
type LinkChecker interface {
	// Check probes at most limit links and returns the number that are broken
	Check(ctx context.Context, links []string, limit int, log *RunLogger) int
}

// HTTPLinkChecker issues HEAD requests, rate limited per call
type HTTPLinkChecker struct {
	client    *retryablehttp.Client
	rps       float64
	userAgent string
}

// NewHTTPLinkChecker creates a checker allowing rps requests per second per run
func NewHTTPLinkChecker(rps float64, userAgent string, logger *zap.SugaredLogger) *HTTPLinkChecker {
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = logging.Retryable(logger)
	if rps <= 0 {
		rps = 5
	}
	return &HTTPLinkChecker{client: client, rps: rps, userAgent: userAgent}
}

// Check implements LinkChecker
func (c *HTTPLinkChecker) Check(ctx context.Context, links []string, limit int, log *RunLogger) int {
	if limit <= 0 {
		return 0
	}
	if len(links) > limit {
		links = links[:limit]
	}
	limiter := rate.NewLimiter(rate.Limit(c.rps), 1)

	broken := 0
	for _, link := range links {
		if err := limiter.Wait(ctx); err != nil {
			// out of time: links not probed are not counted
			return broken
		}
		status, err := c.head(ctx, link)
		switch {
		case err != nil:
			log.Errorf("Error checking link: %s - %v", link, err)
			broken++
		case status >= 400:
			log.Errorf("Broken link: %s (%d)", link, status)
			broken++
		}
	}
	return broken
}

func (c *HTTPLinkChecker) head(ctx context.Context, link string) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return 0, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// InternalLinks keeps the http(s) links that share base's host, without
// fragments and without duplicates, in page order
func InternalLinks(base string, links []string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{}, len(links))
	var out []string
	for _, raw := range links {
		u, err := baseURL.Parse(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			continue
		}
		if !strings.EqualFold(u.Host, baseURL.Host) {
			continue
		}
		u.Fragment = ""
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
