// Package api talks to a Firefox Sync 1.5 storage node.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/config"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/metrics"
	"github.com/jkoelker/ffsclient/tracing"
)

const (
	serverStorage = "storage"

	maxResponseSize = 64 << 20

	headerTimestamp       = "X-Weave-Timestamp"
	headerLastModified    = "X-Last-Modified"
	headerNextOffset      = "X-Weave-Next-Offset"
	headerBackoff         = "X-Weave-Backoff"
	headerRetryAfter      = "Retry-After"
	headerUnmodifiedSince = "X-If-Unmodified-Since"

	defaultAttempts  = 5
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
	defaultPageSize  = 1000

	retryMultiplier = 2
	retryJitter     = 0.5
)

// TokenProvider hands out storage credentials. Refresh receives the token the
// server rejected so concurrent callers share one refresh.
type TokenProvider interface {
	Token(ctx context.Context) (*auth.SyncToken, error)
	Refresh(ctx context.Context, stale *auth.SyncToken) (*auth.SyncToken, error)
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// RetryPolicyFromConfig reads the transport settings of cfg.
func RetryPolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = defaultAttempts
	}

	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}

	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(defaultMaxDelay, p.BaseDelay)
	}

	return p
}

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Retry      RetryPolicy

	// PageSize is the default limit of FetchBSOs.
	PageSize int
}

// Client is a storage node client. It is safe for concurrent use.
type Client struct {
	tokens   TokenProvider
	http     *http.Client
	retry    RetryPolicy
	pageSize int

	// backoffUntil is the unix nano time before which no request is sent,
	// as asked by X-Weave-Backoff.
	backoffUntil atomic.Int64
}

// NewClient creates a storage client using tokens for credentials and the
// storage endpoint.
func NewClient(tokens TokenProvider, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: log.NewTransport(nil)}
	}

	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	return &Client{
		tokens:   tokens,
		http:     httpClient,
		retry:    opts.Retry.withDefaults(),
		pageSize: pageSize,
	}
}

// reauthKey carries the hook called before a rejected token is refreshed.
type reauthKey struct{}

// WithReauthHook returns a context whose storage calls invoke hook before
// refreshing a token the server rejected.
func WithReauthHook(ctx context.Context, hook func(context.Context)) context.Context {
	return context.WithValue(ctx, reauthKey{}, hook)
}

func notifyReauth(ctx context.Context) {
	if hook, ok := ctx.Value(reauthKey{}).(func(context.Context)); ok && hook != nil {
		hook(ctx)
	}
}

// call is one logical storage request.
type call struct {
	method string
	path   string
	query  url.Values
	body   []byte
	header http.Header
}

type response struct {
	status       int
	header       http.Header
	body         []byte
	timestamp    Timestamp
	lastModified Timestamp
}

// do runs r with retries and one token refresh on 401.
func (c *Client) do(ctx context.Context, r call) (*response, error) {
	ctx, span := tracing.StartClientSpan(ctx, serverStorage, r.method, r.path)
	defer span.End()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAuthExpired, err)
		tracing.SetError(ctx, err)

		return nil, err
	}

	resp, token, err := c.retrying(ctx, token, r)
	if isUnauthorized(err) {
		notifyReauth(ctx)
		log.Info(ctx, "Storage server rejected token, refreshing", "path", r.path)
		tracing.AddEvent(ctx, "token.refresh")

		token, err = c.tokens.Refresh(ctx, token)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrAuthExpired, err)
			tracing.SetError(ctx, err)

			return nil, err
		}

		resp, _, err = c.retrying(ctx, token, r)
	}

	if err != nil {
		tracing.SetError(ctx, err)

		return nil, err
	}

	tracing.SetOK(ctx)

	return resp, nil
}

// retrying sends r until it succeeds, fails permanently or the retry budget
// runs out. It returns the token used for the last attempt.
func (c *Client) retrying(
	ctx context.Context,
	token *auth.SyncToken,
	r call,
) (*response, *auth.SyncToken, error) {
	policy := newHintBackOff(c.retry)
	attempt := 0

	operation := func() (*response, error) {
		if attempt > 0 {
			tracing.AddEvent(ctx, "retry", tracing.AttrAttempt, strconv.Itoa(attempt))
		}

		attempt++

		if err := c.waitServerBackoff(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		if !token.Valid() {
			fresh, err := c.tokens.Token(ctx)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrAuthExpired, err))
			}

			token = fresh
		}

		resp, err := c.send(ctx, token, r)
		if err == nil {
			return resp, nil
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			if !httpErr.retryable() {
				return nil, backoff.Permanent(err)
			}

			policy.hint(httpErr.RetryAfter)

			return nil, err
		}

		if ctx.Err() != nil || errors.Is(err, auth.ErrTokenExpired) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		reason := retryReason(err)
		metrics.RecordRetry(ctx, reason)
		log.Warn(ctx, "Retrying storage request",
			"method", r.method,
			"path", r.path,
			"reason", reason,
			"wait", wait,
			"error", err.Error(),
		)
	}

	budget := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retry.Attempts-1)), ctx)

	resp, err := backoff.RetryNotifyWithData(operation, budget, notify)

	return resp, token, err //nolint:wrapcheck // operation errors are already wrapped
}

// send performs one HTTP round trip.
func (c *Client) send(ctx context.Context, token *auth.SyncToken, r call) (*response, error) {
	target, err := endpointURL(token.Endpoint, r.path, r.query)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	for name, values := range r.header {
		req.Header[name] = values
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", auth.UserAgent)

	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := token.Authorize(req, r.body); err != nil {
		return nil, fmt.Errorf("failed to authorize request: %w", err)
	}

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(ctx, serverStorage, r.method, 0, time.Since(start))

		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, r.method, r.path, err)
	}

	defer resp.Body.Close()

	metrics.RecordHTTPRequest(ctx, serverStorage, r.method, resp.StatusCode, time.Since(start))
	tracing.SetAttributes(ctx, tracing.AttrStatus, strconv.Itoa(resp.StatusCode))

	c.observeServerBackoff(ctx, resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrNetwork, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &HTTPError{
			Method:     r.method,
			Path:       r.path,
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RetryAfter: retryAfter(resp.Header),
		}
	}

	out := &response{status: resp.StatusCode, header: resp.Header, body: data}
	out.timestamp = headerTimestampValue(resp.Header, headerTimestamp)
	out.lastModified = headerTimestampValue(resp.Header, headerLastModified)

	return out, nil
}

// observeServerBackoff records an X-Weave-Backoff request from the server.
func (c *Client) observeServerBackoff(ctx context.Context, header http.Header) {
	seconds, err := strconv.Atoi(strings.TrimSpace(header.Get(headerBackoff)))
	if err != nil || seconds <= 0 {
		return
	}

	until := time.Now().Add(time.Duration(seconds) * time.Second).UnixNano()

	for {
		current := c.backoffUntil.Load()
		if current >= until || c.backoffUntil.CompareAndSwap(current, until) {
			break
		}
	}

	log.Warn(ctx, "Storage server requested backoff", "seconds", seconds)
}

// waitServerBackoff blocks until the server requested backoff has passed.
func (c *Client) waitServerBackoff(ctx context.Context) error {
	wait := time.Until(time.Unix(0, c.backoffUntil.Load()))
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for server backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// hintBackOff is an exponential backoff that never waits less than the
// server's last Retry-After hint.
type hintBackOff struct {
	mu       sync.Mutex
	base     *backoff.ExponentialBackOff
	hinted   time.Duration
	maxDelay time.Duration
}

func newHintBackOff(policy RetryPolicy) *hintBackOff {
	base := backoff.NewExponentialBackOff()
	base.InitialInterval = policy.BaseDelay
	base.MaxInterval = policy.MaxDelay
	base.Multiplier = retryMultiplier
	base.RandomizationFactor = retryJitter
	base.MaxElapsedTime = 0
	base.Reset()

	return &hintBackOff{base: base, maxDelay: policy.MaxDelay}
}

func (b *hintBackOff) hint(wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.hinted = wait
}

// NextBackOff implements backoff.BackOff.
func (b *hintBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.base.NextBackOff()
	if next == backoff.Stop {
		return next
	}

	if b.hinted > next {
		next = b.hinted
	}

	b.hinted = 0

	return next
}

// Reset implements backoff.BackOff.
func (b *hintBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.base.Reset()
	b.hinted = 0
}

func isUnauthorized(err error) bool {
	var httpErr *HTTPError

	return errors.As(err, &httpErr) && httpErr.Status == http.StatusUnauthorized
}

func retryReason(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.Status)
	}

	return "network"
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get(headerRetryAfter))
	if value == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds > 0 && !math.IsInf(seconds, 0) {
		return time.Duration(seconds * float64(time.Second))
	}

	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0)
	}

	return 0
}

func headerTimestampValue(header http.Header, name string) Timestamp {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	ts, err := ParseTimestamp(value)
	if err != nil {
		return 0
	}

	return ts
}

// endpointURL joins the token's storage endpoint with a path and query.
func endpointURL(endpoint, path string, query url.Values) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("%w: token has no storage endpoint", ErrAuthExpired)
	}

	base, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid storage endpoint %q: %w", endpoint, err)
	}

	base = base.JoinPath(path)
	if len(query) > 0 {
		base.RawQuery = query.Encode()
	}

	return base.String(), nil
}
