package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/elonfeng/cforg/internal/metrics"
	"github.com/elonfeng/cforg/internal/ratelimit"
)

var (
	// ErrMalformed is returned for a successful response missing expected fields.
	ErrMalformed = errors.New("malformed upstream response")
	// ErrPermanent is returned for upstream rejections that retrying cannot fix.
	ErrPermanent = errors.New("permanent upstream error")
	// ErrRetriesExhausted is returned when the retry policy gives up.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
)

const callLimitComment = "Call limit exceeded"

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error { return &transientError{err: err} }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Options configures a Client.
type Options struct {
	APIBaseURL     string
	WebBaseURL     string
	OrganizationID string
	// RequestTimeout bounds a single HTTP exchange. Zero disables it.
	RequestTimeout time.Duration
	Limiter        ratelimit.Limiter
	Retry          ratelimit.RetryPolicy
	Metrics        *metrics.Metrics
	HTTPClient     *http.Client
}

// Client performs single logical fetches against the Codeforces API and
// ratings pages. It is safe for concurrent use; all calls share one limiter.
type Client struct {
	http       *http.Client
	apiBase    string
	webBase    string
	orgID      string
	reqTimeout time.Duration
	limiter    ratelimit.Limiter
	retry      ratelimit.RetryPolicy
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewClient creates a Codeforces client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucket(5, 1)
	}
	retry := opts.Retry
	if retry == (ratelimit.RetryPolicy{}) {
		retry = ratelimit.DefaultRetryPolicy()
	}
	return &Client{
		http:       httpClient,
		apiBase:    strings.TrimRight(opts.APIBaseURL, "/"),
		webBase:    strings.TrimRight(opts.WebBaseURL, "/"),
		orgID:      opts.OrganizationID,
		reqTimeout: opts.RequestTimeout,
		limiter:    limiter,
		retry:      retry,
		metrics:    opts.Metrics,
		logger:     logger.With().Str("component", "source").Logger(),
	}
}

// apiEnvelope is the common wrapper of every API response.
type apiEnvelope struct {
	Status  string          `json:"status"`
	Comment string          `json:"comment"`
	Result  json.RawMessage `json:"result"`
}

// callAPI fetches an API method and returns its raw "result".
func (c *Client) callAPI(ctx context.Context, kind Kind, method string, params url.Values) (json.RawMessage, error) {
	u := c.apiBase + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var result json.RawMessage
	err := c.withRetry(ctx, kind, u, func(ctx context.Context) error {
		body, status, err := c.fetch(ctx, u)
		if err != nil {
			return err
		}

		var env apiEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			if status != http.StatusOK {
				return fmt.Errorf("%w: %s returned %d", ErrPermanent, method, status)
			}
			return fmt.Errorf("%w: decode %s: %v", ErrMalformed, method, err)
		}
		if env.Status == "FAILED" {
			if strings.Contains(env.Comment, callLimitComment) {
				return transient(fmt.Errorf("%s: %s", method, env.Comment))
			}
			return fmt.Errorf("%w: %s: %s", ErrPermanent, method, env.Comment)
		}
		if status != http.StatusOK {
			return fmt.Errorf("%w: %s returned %d", ErrPermanent, method, status)
		}
		if env.Status != "OK" || len(env.Result) == 0 || string(env.Result) == "null" {
			return fmt.Errorf("%w: %s: missing result", ErrMalformed, method)
		}
		result = env.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// fetchPage fetches an HTML page body.
func (c *Client) fetchPage(ctx context.Context, kind Kind, u string) ([]byte, error) {
	var page []byte
	err := c.withRetry(ctx, kind, u, func(ctx context.Context) error {
		body, status, err := c.fetch(ctx, u)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("%w: %s returned %d", ErrPermanent, u, status)
		}
		page = body
		return nil
	})
	return page, err
}

// fetch performs one rate-limited GET. Transport failures, 5xx and 429 are
// returned as transient errors; other statuses are left to the caller.
func (c *Client) fetch(ctx context.Context, u string) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	reqCtx := ctx
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	req.Header.Set("User-Agent", "cforg/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, transient(fmt.Errorf("get %s: %w", u, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, transient(fmt.Errorf("read %s: %w", u, err))
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, resp.StatusCode, transient(fmt.Errorf("get %s: status %d", u, resp.StatusCode))
	}
	return body, resp.StatusCode, nil
}

// withRetry runs attempt until it succeeds, fails permanently, or the retry
// policy gives up.
func (c *Client) withRetry(ctx context.Context, kind Kind, u string, attempt func(context.Context) error) error {
	parent := ctx
	if c.retry.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.retry.Deadline)
		defer cancel()
	}

	for n := 1; ; n++ {
		err := attempt(ctx)
		if err == nil {
			c.metrics.UpstreamRequest(string(kind), "ok")
			return nil
		}
		if perr := parent.Err(); perr != nil {
			return fmt.Errorf("%s: %w", kind, perr)
		}
		if !isTransient(err) && ctx.Err() == nil {
			c.metrics.UpstreamRequest(string(kind), "permanent")
			return fmt.Errorf("%s: %w", kind, err)
		}
		c.metrics.UpstreamRequest(string(kind), "transient")

		if ctx.Err() != nil || !c.retry.ShouldRetry(n) {
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, kind, n, err)
		}

		backoff := c.retry.Backoff(n)
		c.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("url", u).
			Int("attempt", n).
			Dur("backoff", backoff).
			Msg("transient upstream failure, retrying")
		c.metrics.UpstreamRetry(string(kind))

		if err := sleep(ctx, backoff); err != nil {
			if perr := parent.Err(); perr != nil {
				return fmt.Errorf("%s: %w", kind, perr)
			}
			return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, kind, n, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
