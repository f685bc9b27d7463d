// Package confluence is a small client for the Confluence Cloud REST APIs used
// by the scanner and by bulk actions.
package confluence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mescon/contentguardian/internal/clock"
	"github.com/mescon/contentguardian/internal/logger"
)

var log = logger.Component("confluence")

// API base path variants. Sites behind a reverse proxy sometimes serve the
// APIs without the /wiki prefix; a 404 or 410 on one base moves to the next.
var (
	basesV1 = []string{"/wiki/rest/api", "/rest/api"}
	basesV2 = []string{"/wiki/api/v2", "/api/v2"}
)

type apiVersion int

const (
	v1 apiVersion = iota
	v2
)

// StatusError is returned when Confluence answers with a non-success status
// after retries and base fallbacks are exhausted.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("confluence returned %d", e.StatusCode)
	}
	return fmt.Sprintf("confluence returned %d: %s", e.StatusCode, body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	Email          string
	APIToken       string
	Timeout        time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	HTTPClient     *http.Client
	Clock          clock.Clock
	Breaker        BreakerConfig
}

// Client talks to one Confluence site. The preferred base path per API
// version and the space key cache belong to the instance.
type Client struct {
	baseURL  string
	email    string
	token    string
	http     *http.Client
	limiter  *RateLimiter
	breaker  *Breaker
	clock    clock.Clock
	maxBatch int

	mu     sync.Mutex
	prefV1 int
	prefV2 int

	spaceMu   sync.RWMutex
	spaceKeys map[string]string
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	rps, burst := cfg.RateLimitRPS, cfg.RateLimitBurst
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		email:     cfg.Email,
		token:     cfg.APIToken,
		http:      httpClient,
		limiter:   NewRateLimiter(rps, burst),
		breaker:   NewBreaker(cfg.Breaker, clk),
		clock:     clk,
		maxBatch:  250,
		spaceKeys: make(map[string]string),
	}
}

// BreakerState exposes the circuit state for health reporting.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Ping checks that the site answers and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.tryBases(ctx, v2, func(base string) (*response, error) {
		return c.do(ctx, http.MethodGet, base+"/spaces?limit=1", nil)
	})
	if err != nil {
		return err
	}
	return resp.err()
}

// =============================================================================
// Transport
// =============================================================================

type response struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (r *response) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r *response) err() error {
	if r.ok() {
		return nil
	}
	return &StatusError{StatusCode: r.status, Body: strings.TrimSpace(string(r.body))}
}

func (r *response) decode(v interface{}) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode confluence response: %w", err)
	}
	return nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

func fallbackStatus(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}

// do sends one request. It never retries and leaves the breaker alone.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.email != "" || c.token != "" {
		req.SetBasicAuth(c.email, c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read confluence response: %w", err)
	}

	resp := &response{status: res.StatusCode, body: data}
	if ra := res.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
			resp.retryAfter = time.Duration(secs) * time.Second
		}
	}
	log.Debugf("%s %s -> %d", method, path, res.StatusCode)
	return resp, nil
}

// baseOrder returns base indexes with the remembered one first.
func (c *Client) baseOrder(version apiVersion) ([]string, []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bases, pref := basesV1, c.prefV1
	if version == v2 {
		bases, pref = basesV2, c.prefV2
	}
	order := []int{pref}
	for i := range bases {
		if i != pref {
			order = append(order, i)
		}
	}
	return bases, order
}

func (c *Client) setPreferred(version apiVersion, idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == v2 {
		if c.prefV2 != idx {
			log.Infof("Switching preferred v2 base to %s", basesV2[idx])
		}
		c.prefV2 = idx
		return
	}
	if c.prefV1 != idx {
		log.Infof("Switching preferred v1 base to %s", basesV1[idx])
	}
	c.prefV1 = idx
}

// tryBases calls fn with each base until one answers with something other
// than 404/410. The last response is returned when every base falls through.
func (c *Client) tryBases(ctx context.Context, version apiVersion, fn func(base string) (*response, error)) (*response, error) {
	bases, order := c.baseOrder(version)
	var last *response
	for _, idx := range order {
		resp, err := fn(bases[idx])
		if err != nil {
			return nil, err
		}
		last = resp
		if resp.ok() {
			c.setPreferred(version, idx)
			return resp, nil
		}
		if fallbackStatus(resp.status) {
			log.Debugf("Base %s answered %d, trying next", bases[idx], resp.status)
			continue
		}
		return resp, nil
	}
	return last, nil
}

type retryPolicy struct {
	retries   int
	baseDelay time.Duration
}

var (
	defaultRetry = retryPolicy{retries: 5, baseDelay: 1200 * time.Millisecond}
	spaceRetry   = retryPolicy{retries: 3, baseDelay: 800 * time.Millisecond}
)

func (p retryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.retries))
}

// withRetry repeats op on 429, 5xx and transient transport errors. A
// Retry-After header replaces the computed delay for that attempt.
func (c *Client) withRetry(ctx context.Context, what string, p retryPolicy, op func() (*response, error)) (*response, error) {
	b := p.backOff()
	for attempt := 1; ; attempt++ {
		resp, err := op()
		switch {
		case err != nil && !isTransient(err):
			return nil, err
		case err == nil && !retryableStatus(resp.status):
			return resp, nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if err != nil {
				return nil, fmt.Errorf("%s failed after %d attempts: %w", what, attempt, err)
			}
			return resp, nil
		}
		if resp != nil && resp.retryAfter > 0 {
			delay = resp.retryAfter
		}
		if err != nil {
			log.Warnf("%s failed (attempt %d): %v, retrying in %v", what, attempt, err, delay)
		} else {
			log.Warnf("%s returned %d (attempt %d), retrying in %v", what, resp.status, attempt, delay)
		}
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// guarded runs a retried call behind the circuit breaker. The breaker sees
// one outcome for the whole retry sequence. Page listing and bulk writes go
// through here; lookups do not, since their failures are never fatal.
func (c *Client) guarded(ctx context.Context, what string, p retryPolicy, op func() (*response, error)) (*response, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	resp, err := c.withRetry(ctx, what, p, op)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
	case err != nil, resp.status >= 500:
		c.breaker.Failure()
	default:
		c.breaker.Success()
	}
	return resp, err
}

// isTransient reports whether a transport error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if os.IsTimeout(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"eof",
		"connection timed out",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
