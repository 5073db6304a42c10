// Package api serves the Anthropic-compatible HTTP surface: the
// Messages endpoint, local token counting, health and status, and
// Prometheus metrics.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cloudcode-dev/antigravity-proxy/internal/auth"
	"github.com/cloudcode-dev/antigravity-proxy/internal/config"
	"github.com/cloudcode-dev/antigravity-proxy/internal/executor"
	"github.com/cloudcode-dev/antigravity-proxy/internal/logging"
	"github.com/cloudcode-dev/antigravity-proxy/internal/metrics"
	"github.com/cloudcode-dev/antigravity-proxy/internal/quota"
	"github.com/cloudcode-dev/antigravity-proxy/internal/tokencount"
)

// Server owns the gin engine and the upstream plumbing behind it.
type Server struct {
	cfg     *config.Config
	store   *auth.Store
	auth    *auth.Manager
	pool    *quota.Pool
	exec    *executor.Executor
	counter *tokencount.Counter

	engine *gin.Engine
	httpd  *http.Server

	// sessionNonce salts per-client session ids so they change across
	// process restarts.
	sessionNonce string
}

// NewServer wires the handler graph. endpointURLs overrides the
// backend pool; empty means the standard Antigravity endpoints.
func NewServer(cfg *config.Config, store *auth.Store, authManager *auth.Manager, endpointURLs ...string) *Server {
	if cfg.Proxy.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	if len(endpointURLs) == 0 {
		endpointURLs = quota.DefaultEndpoints
	}
	pool := quota.NewPool(endpointURLs...)
	s := &Server{
		cfg:          cfg,
		store:        store,
		auth:         authManager,
		pool:         pool,
		exec:         executor.New(pool, authManager, cfg.ConnectTimeout),
		counter:      tokencount.New(cfg.TokenCounterModel),
		sessionNonce: newNonce(),
	}

	engine := gin.New()
	engine.Use(metricsMiddleware())
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	if isLoopbackAddr(cfg.Proxy.Host) {
		engine.Use(loopbackHostOnly())
	}

	engine.POST("/v1/messages", s.handleMessages)
	engine.POST("/v1/messages/count_tokens", s.handleCountTokens)
	engine.GET("/health", s.handleHealth)
	engine.GET("/antigravity-status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, fmt.Sprintf("no handler for %s %s", c.Request.Method, c.Request.URL.Path))
	})

	s.engine = engine
	s.httpd = &http.Server{
		Addr:              net.JoinHostPort(cfg.Proxy.Host, fmt.Sprintf("%d", cfg.Proxy.Port)),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.WithField("addr", s.httpd.Addr).Info("antigravity proxy listening")
	if err := s.httpd.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Pool exposes the endpoint pool for tests.
func (s *Server) Pool() *quota.Pool { return s.pool }

func (s *Server) handleHealth(c *gin.Context) {
	accounts := s.store.List()
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"antigravity": gin.H{
			"enabled":   s.cfg.Auth.Enabled,
			"available": s.pool.Available() && len(accounts) > 0,
			"accounts":  len(accounts),
		},
		"streaming": gin.H{
			"force_non_streaming": s.cfg.ForceNonStreaming,
			"max_retries":         s.cfg.MaxStreamingRetries,
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	accounts := s.store.List()
	summaries := make([]gin.H, 0, len(accounts))
	for _, account := range accounts {
		summaries = append(summaries, gin.H{
			"email":      account.Email,
			"project_id": account.ProjectID,
			"transient":  account.ProjectIDTransient,
			"expires_at": account.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"accounts":  summaries,
		"endpoints": s.pool.Status(),
	})
}

// sessionID derives a stable per-client session id. The upstream uses
// it for affinity; it must not rotate between requests from the same
// client.
func (s *Server) sessionID(c *gin.Context) string {
	sum := sha256.Sum256([]byte(c.ClientIP() + s.sessionNonce))
	return "session-" + hex.EncodeToString(sum[:8])
}

func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func isLoopbackAddr(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackHostOnly rejects requests whose Host header names anything but
// the loopback interface. DNS-rebinding protection for a listener that
// is meant to stay local.
func loopbackHostOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Request.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if !isLoopbackAddr(strings.Trim(host, "[]")) {
			writeError(c, http.StatusForbidden, fmt.Sprintf("host %q is not loopback", c.Request.Host))
			c.Abort()
			return
		}
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.Next()
		metrics.RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", c.Writer.Status())).Inc()
	}
}
