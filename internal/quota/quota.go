// Package quota tracks per-endpoint rate-limit state for the
// Antigravity endpoint pool and decides which endpoint serves the next
// upstream call.
package quota

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Endpoint pool in fixed preference order.
var DefaultEndpoints = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://autopush-cloudcode-pa.sandbox.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// ErrorClass labels the last observed failure on an endpoint.
type ErrorClass string

const (
	ClassOK          ErrorClass = "ok"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassAuthFailed  ErrorClass = "auth_failed"
	ClassUnavailable ErrorClass = "unavailable"
)

// Backoff bounds for endpoints that fail without a server-provided
// retry delay.
const (
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second
)

// Endpoint is one upstream host with its mutable rate-limit state.
type Endpoint struct {
	URL string

	mu                  sync.Mutex
	rateLimitedUntil    time.Time
	lastError           ErrorClass
	consecutiveFailures int
	totalRequests       int64
	totalFailures       int64
	lastSuccess         time.Time
}

// Available reports whether the endpoint may serve a request now.
func (e *Endpoint) Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !time.Now().Before(e.rateLimitedUntil)
}

func (e *Endpoint) rateLimitedUntilLocked() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateLimitedUntil
}

// Backoff returns the capped exponential delay for the endpoint's
// current consecutive failure count.
func (e *Endpoint) Backoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return backoffFor(e.consecutiveFailures)
}

func backoffFor(failures int) time.Duration {
	delay := backoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// EndpointStatus is the redacted state exposed by the status routes.
type EndpointStatus struct {
	URL                 string     `json:"url"`
	Available           bool       `json:"available"`
	LastError           ErrorClass `json:"last_error"`
	RateLimitedUntil    string     `json:"rate_limited_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests"`
	TotalFailures       int64      `json:"total_failures"`
}

// Pool is the ordered endpoint list plus selection logic.
type Pool struct {
	endpoints []*Endpoint
}

// NewPool builds a pool over urls, or DefaultEndpoints when empty.
func NewPool(urls ...string) *Pool {
	if len(urls) == 0 {
		urls = DefaultEndpoints
	}
	pool := &Pool{endpoints: make([]*Endpoint, 0, len(urls))}
	for _, u := range urls {
		pool.endpoints = append(pool.endpoints, &Endpoint{URL: u, lastError: ClassOK})
	}
	return pool
}

// Endpoints returns the pool in preference order.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Pick returns the first endpoint whose backoff has lapsed. When every
// endpoint is rate limited it returns nil plus the soonest time one
// becomes available; callers translate that into a 429 with Retry-After.
func (p *Pool) Pick() (*Endpoint, time.Time) {
	var soonest time.Time
	for _, endpoint := range p.endpoints {
		until := endpoint.rateLimitedUntilLocked()
		if !time.Now().Before(until) {
			return endpoint, time.Time{}
		}
		if soonest.IsZero() || until.Before(soonest) {
			soonest = until
		}
	}
	return nil, soonest
}

// Available reports whether any endpoint can serve a request now.
func (p *Pool) Available() bool {
	for _, endpoint := range p.endpoints {
		if endpoint.Available() {
			return true
		}
	}
	return false
}

// MarkSuccess clears failure state on the endpoint.
func (p *Pool) MarkSuccess(endpoint *Endpoint) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	endpoint.rateLimitedUntil = time.Time{}
	endpoint.lastError = ClassOK
	endpoint.consecutiveFailures = 0
	endpoint.totalRequests++
	endpoint.lastSuccess = time.Now()
}

// MarkRateLimited records a 429 on the endpoint, backing it off for
// retryAfter (or the capped exponential fallback when non-positive).
func (p *Pool) MarkRateLimited(endpoint *Endpoint, retryAfter time.Duration) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	endpoint.totalFailures++
	endpoint.consecutiveFailures++
	if retryAfter <= 0 {
		retryAfter = backoffFor(endpoint.consecutiveFailures)
	}
	endpoint.rateLimitedUntil = time.Now().Add(retryAfter)
	endpoint.lastError = ClassRateLimited
	log.WithFields(log.Fields{
		"endpoint":    endpoint.URL,
		"retry_after": retryAfter.String(),
	}).Warn("endpoint rate limited")
}

// MarkAuthFailed records a 401 on the endpoint without backing it off;
// the caller refreshes the token and retries once.
func (p *Pool) MarkAuthFailed(endpoint *Endpoint) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	endpoint.totalFailures++
	endpoint.consecutiveFailures++
	endpoint.lastError = ClassAuthFailed
}

// MarkUnavailable records a 5xx or transport failure, backing the
// endpoint off by its exponential delay.
func (p *Pool) MarkUnavailable(endpoint *Endpoint) {
	endpoint.mu.Lock()
	defer endpoint.mu.Unlock()
	endpoint.totalFailures++
	endpoint.consecutiveFailures++
	endpoint.rateLimitedUntil = time.Now().Add(backoffFor(endpoint.consecutiveFailures))
	endpoint.lastError = ClassUnavailable
}

// Status returns the redacted per-endpoint state.
func (p *Pool) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		endpoint.mu.Lock()
		status := EndpointStatus{
			URL:                 endpoint.URL,
			Available:           !time.Now().Before(endpoint.rateLimitedUntil),
			LastError:           endpoint.lastError,
			ConsecutiveFailures: endpoint.consecutiveFailures,
			TotalRequests:       endpoint.totalRequests,
			TotalFailures:       endpoint.totalFailures,
		}
		if endpoint.rateLimitedUntil.After(time.Now()) {
			status.RateLimitedUntil = endpoint.rateLimitedUntil.UTC().Format(time.RFC3339)
		}
		endpoint.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// RetryAfter extracts the server-requested delay from a 429/5xx
// response: the Retry-After header first (integer seconds or HTTP
// date), then a retryDelay inside the error body ("30s" strings or
// RetryInfo details). Zero means the server gave no hint.
func RetryAfter(resp *http.Response, body []byte) time.Duration {
	if resp != nil {
		if header := resp.Header.Get("Retry-After"); header != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
			if at, err := http.ParseTime(header); err == nil {
				if d := time.Until(at); d > 0 {
					return d
				}
			}
		}
	}
	if len(body) == 0 {
		return 0
	}
	var found time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if delay := detail.Get("retryDelay"); delay.Exists() {
			if d := parseDelaySeconds(delay.String()); d > 0 {
				found = d
				return false
			}
		}
		return true
	})
	if found > 0 {
		return found
	}
	return parseDelaySeconds(gjson.GetBytes(body, "error.retryDelay").String())
}

// parseDelaySeconds parses proto duration strings like "30s" or "2.5s".
func parseDelaySeconds(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.HasSuffix(raw, "s") {
		raw = raw + "s"
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// FormatRetryAfter renders a delay for the Retry-After response header.
func FormatRetryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
