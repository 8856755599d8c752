package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	// defaultTimeout bounds one HTTP round trip.
	defaultTimeout = 30 * time.Second

	// maxErrorBody is how much of an error response is kept for logs.
	maxErrorBody = 512

	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
	maxBackoff         = 5 * time.Second

	// maxRetryAfter caps how long a server may ask us to wait.
	maxRetryAfter = 30 * time.Second
)

// Credentials authenticate an account. AccessToken is sent as an OAuth 2
// bearer token; otherwise Username/Password use HTTP basic auth.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

// ClientConfig configures a [Client].
type ClientConfig struct {
	BaseURL     string
	Credentials Credentials

	// RequestsPerSecond throttles calls to the origin. Zero disables the limit.
	RequestsPerSecond float64

	// MaxAttempts is the number of tries for transient failures. Defaults to 3.
	MaxAttempts int

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client performs authenticated JSON requests against one origin.
type Client struct {
	base        *url.URL
	http        *http.Client
	creds       Credentials
	limiter     *rate.Limiter
	maxAttempts int
	retryBase   time.Duration
	log         *slog.Logger
}

// NewClient builds a client for cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("base URL %q must be a valid http or https URL", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Credentials.AccessToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Credentials.AccessToken})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		authed := oauth2.NewClient(ctx, src)
		authed.Timeout = hc.Timeout
		hc = authed
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	return &Client{
		base:        base,
		http:        hc,
		creds:       cfg.Credentials,
		limiter:     limiter,
		maxAttempts: attempts,
		retryBase:   defaultRetryBase,
		log:         logger,
	}, nil
}

// BaseURL returns the origin's base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// GetJSON fetches ref (a path relative to the base URL, or an absolute URL)
// and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, ref string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, ref, query, "", nil, out)
}

// PostForm posts form values to ref and decodes the response into out.
func (c *Client) PostForm(ctx context.Context, ref string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, ref, nil, "application/x-www-form-urlencoded",
		[]byte(form.Encode()), out)
}

// PostJSON posts v encoded as JSON to ref and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, ref string, v, out any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return NewError(StatusHardError, "POST "+ref, fmt.Errorf("encoding request: %w", err))
	}
	return c.do(ctx, http.MethodPost, ref, nil, "application/json", body, out)
}

// do sends the request, retrying transient failures with exponential
// backoff. A Retry-After header longer than the backoff is honoured.
func (c *Client) do(ctx context.Context, method, ref string, query url.Values, contentType string, body []byte, out any) error {
	u, err := c.resolve(ref)
	if err != nil {
		return NewError(StatusHardError, method+" "+ref, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	op := method + " " + ref

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		hint, err := c.roundTrip(ctx, op, method, u, contentType, body, out)
		if err == nil || StatusOf(err) != StatusTransient {
			return err
		}
		if attempt >= c.maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		wait := max(c.backoff(attempt), hint)
		c.log.Debug("backend request failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// roundTrip performs a single attempt. On failure it also returns the delay
// the server asked for, if any.
func (c *Client) roundTrip(ctx context.Context, op, method string, u *url.URL, contentType string, body []byte, out any) (time.Duration, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, NewError(StatusTransient, op, err)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, NewError(StatusHardError, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.creds.AccessToken == "" && c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	c.log.Debug("backend request", "method", method, "url", u.String())
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, NewError(StatusTransient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return retryAfter(resp.Header.Get("Retry-After"), time.Now()), &Error{
			Status:     statusFromHTTP(resp.StatusCode),
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, NewError(StatusHardError, op, fmt.Errorf("decoding response: %w", err))
	}
	return 0, nil
}

// backoff returns the jittered delay after the given failed attempt
// (1-based): uniform in [d/2, d) where d doubles per attempt up to maxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	if d < 2 {
		return d
	}
	return d/2 + rand.N(d/2) //nolint:gosec // jitter does not need crypto/rand
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Unparseable or past values yield 0.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d < 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// resolve turns ref into an absolute URL on this origin.
func (c *Client) resolve(ref string) (*url.URL, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r, nil
	}
	u := c.base.JoinPath(r.Path)
	u.RawQuery = r.RawQuery
	return u, nil
}
