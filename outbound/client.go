// Package outbound provides the HTTP requester handed to step handlers through StepContext.
//
// Requests are retried on transport errors, 429 and 5xx responses when the
// request can be replayed, and calls to a host are cut off by a per-host
// circuit breaker once it keeps failing.
package outbound

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/mmate-saga/contracts"
	"github.com/glimte/mmate-saga/internal/reliability"
)

// ErrNotReplayable is returned when a retry is needed but the request body cannot be read twice
var ErrNotReplayable = errors.New("outbound: request body cannot be replayed")

// StatusError is returned when the last attempt still answered with a retryable status
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("outbound: %s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Client implements contracts.Requester
type Client struct {
	http           *http.Client
	policy         reliability.RetryPolicy
	breakerOptions []reliability.CircuitBreakerOption
	logger         *slog.Logger

	mu       sync.Mutex
	breakers map[string]*reliability.CircuitBreaker
}

// Option configures the Client
type Option func(*Client)

// WithHTTPClient sets the underlying client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithRetryPolicy sets the retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithBreaker sets the options of every per-host circuit breaker
func WithBreaker(opts ...reliability.CircuitBreakerOption) Option {
	return func(c *Client) {
		c.breakerOptions = opts
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client. Defaults: 30s timeout, 3 retries with exponential backoff.
func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		policy:   reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 3),
		logger:   slog.Default(),
		breakers: make(map[string]*reliability.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. A response with a non-retryable status is returned as is; the caller closes its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	breaker := c.breaker(req.URL.Host)
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var resp *http.Response
	attempt := 0
	err := reliability.Retry(ctx, c.policy, func() error {
		attempt++
		r := req
		if attempt > 1 {
			if !replayable {
				return reliability.Permanent(ErrNotReplayable)
			}
			var err error
			if r, err = rewind(req); err != nil {
				return reliability.Permanent(err)
			}
		}

		return breaker.Execute(ctx, func() error {
			res, err := c.http.Do(r)
			if err != nil {
				return err
			}
			if retryableStatus(res.StatusCode) && replayable {
				drain(res)
				return &StatusError{Method: req.Method, URL: req.URL.String(), StatusCode: res.StatusCode}
			}
			resp = res
			return nil
		})
	})
	if err != nil {
		c.logger.Warn("outbound request failed", "method", req.Method, "host", req.URL.Host, "attempts", attempt, "error", err)
		return nil, err
	}
	return resp, nil
}

// Breaker returns the circuit breaker guarding host
func (c *Client) Breaker(host string) *reliability.CircuitBreaker {
	return c.breaker(host)
}

func (c *Client) breaker(host string) *reliability.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	opts := append([]reliability.CircuitBreakerOption{
		reliability.WithName("outbound:" + host),
		reliability.WithBreakerLogger(c.logger),
	}, c.breakerOptions...)
	cb := reliability.NewCircuitBreaker(opts...)
	c.breakers[host] = cb
	return cb
}

func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody == nil {
		return r, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("outbound: rewind body: %w", err)
	}
	r.Body = body
	return r, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	_ = res.Body.Close()
}

var _ contracts.Requester = (*Client)(nil)
