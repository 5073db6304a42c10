// Package executor issues generateContent calls against the
// Antigravity endpoint pool, handling authentication, rate-limit
// fallback and retry policy.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cloudcode-dev/antigravity-proxy/internal/auth"
	"github.com/cloudcode-dev/antigravity-proxy/internal/metrics"
	"github.com/cloudcode-dev/antigravity-proxy/internal/quota"
)

const (
	generatePath       = "/v1internal:generateContent"
	streamGeneratePath = "/v1internal:streamGenerateContent"

	userAgentVersion = "1.11.5"
	xGoogAPIClient   = "gl-node/22.17.0"
	clientMetadata   = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"

	// interleavedThinkingBeta must accompany Claude thinking models or
	// upstream elides thoughts.
	interleavedThinkingBeta = "interleaved-thinking-2025-05-14"

	max5xxRetries = 3
)

// StatusErr carries an HTTP status and optional Retry-After through the
// executor to the facade.
type StatusErr struct {
	Code       int
	Kind       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusErr) Error() string {
	return fmt.Sprintf("upstream %d (%s): %s", e.Code, e.Kind, e.Message)
}

// Options are the per-call knobs.
type Options struct {
	Stream bool
	// ClaudeThinking adds the interleaved-thinking beta header.
	ClaudeThinking bool
}

// Result is a successful upstream response. For streaming calls Body is
// the live response body; the caller owns closing it.
type Result struct {
	Body     io.ReadCloser
	Endpoint *quota.Endpoint
}

// Executor drives the endpoint pool.
type Executor struct {
	pool   *quota.Pool
	auth   *auth.Manager
	client *http.Client
}

// New builds an Executor. connectTimeout bounds dialing; read deadlines
// are the caller's job via context.
func New(pool *quota.Pool, authManager *auth.Manager, connectTimeout time.Duration) *Executor {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		ForceAttemptHTTP2:   true,
	}
	return &Executor{
		pool:   pool,
		auth:   authManager,
		client: &http.Client{Transport: transport},
	}
}

// Do sends the Antigravity envelope to the first available endpoint,
// walking the pool on 429, refreshing once on 401 and retrying 5xx up
// to the budget. On success the caller receives the open response body.
func (e *Executor) Do(ctx context.Context, body []byte, snapshot auth.Snapshot, opts Options) (*Result, *StatusErr) {
	path := generatePath
	if opts.Stream {
		path = streamGeneratePath + "?alt=sse"
	}

	attempts5xx := 0
	authRetried := false
	accessToken := snapshot.AccessToken

	for {
		if err := ctx.Err(); err != nil {
			return nil, &StatusErr{Code: http.StatusBadGateway, Kind: "client_cancelled", Message: err.Error()}
		}

		endpoint, soonest := e.pool.Pick()
		if endpoint == nil {
			retryAfter := time.Until(soonest)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return nil, &StatusErr{
				Code:       http.StatusTooManyRequests,
				Kind:       "rate_limited",
				Message:    "all antigravity endpoints are rate limited",
				RetryAfter: retryAfter,
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL+path, bytes.NewReader(body))
		if err != nil {
			return nil, &StatusErr{Code: http.StatusInternalServerError, Kind: "internal", Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("User-Agent", fmt.Sprintf("antigravity/%s %s/%s", userAgentVersion, runtime.GOOS, runtime.GOARCH))
		req.Header.Set("X-Goog-Api-Client", xGoogAPIClient)
		req.Header.Set("Client-Metadata", clientMetadata)
		if opts.Stream {
			req.Header.Set("Accept", "text/event-stream")
		}
		if opts.ClaudeThinking {
			req.Header.Set("anthropic-beta", interleavedThinkingBeta)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &StatusErr{Code: http.StatusBadGateway, Kind: "client_cancelled", Message: ctx.Err().Error()}
			}
			e.pool.MarkUnavailable(endpoint)
			metrics.UpstreamRetries.WithLabelValues("transport").Inc()
			attempts5xx++
			log.WithError(err).WithField("endpoint", endpoint.URL).Warn("upstream transport failure")
			if attempts5xx >= max5xxRetries {
				return nil, &StatusErr{Code: http.StatusBadGateway, Kind: "endpoint_unavailable", Message: err.Error()}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			e.pool.MarkSuccess(endpoint)
			go e.auth.RediscoverProjectID(context.WithoutCancel(ctx), snapshot.Email)
			return &Result{Body: resp.Body, Endpoint: endpoint}, nil

		case resp.StatusCode == http.StatusUnauthorized:
			errBody := drain(resp)
			e.pool.MarkAuthFailed(endpoint)
			if authRetried {
				return nil, &StatusErr{Code: http.StatusUnauthorized, Kind: "auth_failed", Message: formatErrorMessage(errBody, "authentication failed")}
			}
			authRetried = true
			metrics.TokenRefreshes.WithLabelValues("forced").Inc()
			refreshed, refreshErr := e.auth.ForceRefresh(ctx, snapshot.Email)
			if refreshErr != nil {
				metrics.TokenRefreshes.WithLabelValues("failed").Inc()
				return nil, &StatusErr{Code: http.StatusUnauthorized, Kind: "auth_failed", Message: refreshErr.Error()}
			}
			accessToken = refreshed.AccessToken
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			errBody := drain(resp)
			retryAfter := quota.RetryAfter(resp, errBody)
			e.pool.MarkRateLimited(endpoint, retryAfter)
			metrics.UpstreamRetries.WithLabelValues("rate_limited").Inc()
			continue

		case resp.StatusCode >= 500:
			errBody := drain(resp)
			e.pool.MarkUnavailable(endpoint)
			metrics.UpstreamRetries.WithLabelValues("5xx").Inc()
			attempts5xx++
			log.WithFields(log.Fields{
				"endpoint": endpoint.URL,
				"status":   resp.StatusCode,
			}).Warn("upstream server error")
			if attempts5xx >= max5xxRetries {
				return nil, &StatusErr{Code: http.StatusBadGateway, Kind: "upstream_5xx", Message: formatErrorMessage(errBody, "upstream server error")}
			}
			continue

		default:
			errBody := drain(resp)
			return nil, &StatusErr{
				Code:    resp.StatusCode,
				Kind:    "upstream_4xx_other",
				Message: formatErrorMessage(errBody, http.StatusText(resp.StatusCode)),
			}
		}
	}
}

// Generate issues a buffered non-streaming call and returns the
// response body.
func (e *Executor) Generate(ctx context.Context, body []byte, snapshot auth.Snapshot, claudeThinking bool) ([]byte, *StatusErr) {
	result, statusErr := e.Do(ctx, body, snapshot, Options{Stream: false, ClaudeThinking: claudeThinking})
	if statusErr != nil {
		return nil, statusErr
	}
	defer func() { _ = result.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(result.Body, 64<<20))
	if err != nil {
		return nil, &StatusErr{Code: http.StatusBadGateway, Kind: "upstream_5xx", Message: err.Error()}
	}
	return payload, nil
}

func drain(resp *http.Response) []byte {
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	return payload
}

// formatErrorMessage extracts a human message from a Google error body.
func formatErrorMessage(body []byte, fallback string) string {
	if len(body) == 0 {
		return fallback
	}
	if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(body, "0.error.message").String(); msg != "" {
		return msg
	}
	return fallback
}
