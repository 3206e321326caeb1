package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"trailsync/internal/models"
)

const maxBodyBytes = 16 << 20

// RateLimitFunc inspects a response for a rate-limit signal. Providers differ:
// some answer 429, some 403 with a quota error in the body.
type RateLimitFunc func(resp *http.Response, body []byte, now time.Time) (limited bool, retryAfter time.Time, window string)

// Client is the HTTP client shared by adapters. Requests are paced by a fixed
// interval, authenticated with the session's bearer token, and retried once
// after a token refresh when the provider answers 401.
type Client struct {
	source    models.DataSource
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
	rateLimit RateLimitFunc
	now       func() time.Time
}

// NewClient builds a client for one provider. interval is the minimum gap
// between consecutive requests; zero disables pacing.
func NewClient(src models.DataSource, baseURL string, interval time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return &Client{
		source:    src,
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		limiter:   limiter,
		rateLimit: StatusRateLimit,
		now:       time.Now,
	}
}

// WithRateLimit replaces the rate-limit detector.
func (c *Client) WithRateLimit(f RateLimitFunc) *Client {
	c.rateLimit = f
	return c
}

// Source is the provider this client talks to.
func (c *Client) Source() models.DataSource {
	return c.source
}

// Now is the client's clock.
func (c *Client) Now() time.Time {
	return c.now()
}

// GetJSON fetches path and decodes a 2xx body into out. The raw body is
// returned for archiving.
func (c *Client) GetJSON(ctx context.Context, s *Session, op, path string, query url.Values, out any) ([]byte, error) {
	body, err := c.Get(ctx, s, op, path, query)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, &Error{Kind: KindTransient, Source: c.source, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return body, nil
}

// Get fetches path and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, s *Session, op, path string, query url.Values) ([]byte, error) {
	if s.expired(c.now()) {
		if _, err := s.Refresh(ctx, s.Token()); err != nil {
			return nil, &Error{Kind: KindAuth, Source: c.source, Op: op, Err: fmt.Errorf("refresh expired token: %w", err)}
		}
	}

	token := s.Token()
	body, status, err := c.do(ctx, op, path, query, token)
	if status != http.StatusUnauthorized {
		return body, err
	}

	if _, rerr := s.Refresh(ctx, token); rerr != nil {
		if IsCanceled(rerr) {
			return nil, &Error{Kind: KindTransient, Source: c.source, Op: op, Err: rerr}
		}
		return nil, &Error{Kind: KindAuth, Source: c.source, Op: op, Status: status, Err: fmt.Errorf("token rejected and refresh failed: %w", rerr)}
	}
	body, status, err = c.do(ctx, op, path, query, s.Token())
	if status == http.StatusUnauthorized {
		return nil, &Error{Kind: KindAuth, Source: c.source, Op: op, Status: status, Err: errors.New("token rejected after refresh")}
	}
	return body, err
}

func (c *Client) do(ctx context.Context, op, path string, query url.Values, token string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, &Error{Kind: KindTransient, Source: c.source, Op: op, Err: err}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, &Error{Kind: KindFatal, Source: c.source, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &Error{Kind: KindTransient, Source: c.source, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, &Error{Kind: KindTransient, Source: c.source, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if limited, retryAfter, window := c.rateLimit(resp, body, c.now()); limited {
		return nil, resp.StatusCode, &Error{
			Kind: KindRateLimit, Source: c.source, Op: op, Status: resp.StatusCode,
			RetryAfter: retryAfter, Window: window,
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, resp.StatusCode, &Error{Kind: KindAuth, Source: c.source, Op: op, Status: resp.StatusCode, Err: errors.New("unauthorized")}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return nil, resp.StatusCode, &Error{Kind: KindTransient, Source: c.source, Op: op, Status: resp.StatusCode, Err: errors.New(snippet(body))}
	default:
		return nil, resp.StatusCode, &Error{Kind: KindFatal, Source: c.source, Op: op, Status: resp.StatusCode, Err: errors.New(snippet(body))}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

// StatusRateLimit treats 429 as a rate limit and reads the back-off from the
// standard headers.
func StatusRateLimit(resp *http.Response, _ []byte, now time.Time) (bool, time.Time, string) {
	if resp.StatusCode != http.StatusTooManyRequests {
		return false, time.Time{}, ""
	}
	return true, RetryAfter(resp.Header, now, time.Minute), "request"
}

// RetryAfter reads Retry-After (seconds or HTTP date), then X-RateLimit-Reset
// (epoch seconds). It falls back to now+fallback.
func RetryAfter(h http.Header, now time.Time, fallback time.Duration) time.Time {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch, 0)
		}
	}
	return now.Add(fallback)
}
