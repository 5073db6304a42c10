package api

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cloudcode-dev/antigravity-proxy/internal/auth"
	"github.com/cloudcode-dev/antigravity-proxy/internal/executor"
	"github.com/cloudcode-dev/antigravity-proxy/internal/translator/claude"
)

const maxRequestBody = 32 << 20

// handleMessages is the Anthropic Messages endpoint. Both streaming and
// buffered responses come through here; the client's stream flag and
// the emergency non-streaming override decide the upstream mode.
func (s *Server) handleMessages(c *gin.Context) {
	rawJSON, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(rawJSON) {
		writeError(c, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	clientModel := gjson.GetBytes(rawJSON, "model").String()
	upstreamModel, err := ResolveModel(s.cfg.Models, clientModel)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	schemas, err := claude.ToolSchemas(rawJSON)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	snapshot, err := s.auth.Snapshot(c.Request.Context())
	if err != nil {
		if err == auth.ErrNoAccount {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(c, http.StatusUnauthorized, "token refresh failed: "+err.Error())
		return
	}

	body, err := claude.ConvertClaudeRequest(rawJSON, claude.RequestOptions{
		ProjectID:      snapshot.ProjectID,
		UpstreamModel:  upstreamModel,
		SessionID:      s.sessionID(c),
		ThinkingBudget: s.cfg.ThinkingBudget,
	})
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	respOpts := claude.ResponseOptions{
		ClientModel:   clientModel,
		Schemas:       schemas,
		LastUserText:  claude.LastUserText(rawJSON),
		RepairEnabled: s.cfg.Repair.Enabled,
	}
	claudeThinking := claude.IsClaudeThinkingModel(upstreamModel)
	wantStream := gjson.GetBytes(rawJSON, "stream").Bool()

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.TotalDeadline)
	defer cancel()

	switch {
	case wantStream && !s.cfg.ForceNonStreaming:
		s.streamMessages(c, ctx, body, snapshot, respOpts, claudeThinking)
	case wantStream:
		s.replayBufferedAsStream(c, ctx, body, snapshot, respOpts, claudeThinking)
	default:
		s.bufferedMessages(c, ctx, body, snapshot, respOpts, claudeThinking)
	}
}

func (s *Server) bufferedMessages(c *gin.Context, ctx context.Context, body []byte, snapshot auth.Snapshot, opts claude.ResponseOptions, claudeThinking bool) {
	payload, statusErr := s.exec.Generate(ctx, body, snapshot, claudeThinking)
	if statusErr != nil {
		writeStatusErr(c, statusErr)
		return
	}
	message, err := claude.ConvertAntigravityResponse(payload, opts)
	if err != nil {
		writeError(c, http.StatusBadGateway, "translate upstream response: "+err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", message)
}

// sseWriter emits Anthropic SSE events and flushes after each one.
func sseWriter(c *gin.Context) claude.Emitter {
	flusher, _ := c.Writer.(http.Flusher)
	return func(event string, payload []byte) error {
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// streamMessages drives a live upstream stream through the bridge.
// Before message_start failures surface as HTTP errors; after it the
// stream is committed and failures degrade to an in-band error stop.
func (s *Server) streamMessages(c *gin.Context, ctx context.Context, body []byte, snapshot auth.Snapshot, opts claude.ResponseOptions, claudeThinking bool) {
	result, statusErr := s.exec.Do(ctx, body, snapshot, executor.Options{Stream: true, ClaudeThinking: claudeThinking})
	if statusErr != nil {
		writeStatusErr(c, statusErr)
		return
	}
	defer func() { _ = result.Body.Close() }()

	setStreamHeaders(c)
	c.Status(http.StatusOK)

	bridge := claude.NewBridge(opts, sseWriter(c))
	parser := claude.NewFrameParser(s.cfg.MaxStreamingRetries, s.cfg.ChunkBufferLimit)

	// The watchdog tears the connection down when upstream goes quiet
	// for longer than the per-read budget.
	watchdog := time.AfterFunc(s.cfg.RequestTimeout, func() { _ = result.Body.Close() })
	defer watchdog.Stop()

	scanner := bufio.NewScanner(result.Body)
	scanner.Buffer(make([]byte, 64*1024), s.cfg.ChunkBufferLimit+64*1024)

	for scanner.Scan() {
		watchdog.Reset(s.cfg.RequestTimeout)
		frame, err := parser.Feed(scanner.Bytes())
		if err != nil {
			log.WithError(err).Warn("stream frame buffer overflow")
			_ = bridge.FinishError()
			return
		}
		if frame == nil {
			continue
		}
		if err = bridge.ProcessFrame(frame); err != nil {
			log.WithError(err).Warn("stream bridge failure")
			_ = bridge.FinishError()
			return
		}
		if bridge.Finished() {
			return
		}
	}

	if err := scanner.Err(); err != nil && !bridge.Finished() {
		log.WithError(err).WithField("endpoint", result.Endpoint.URL).Warn("upstream stream interrupted")
		if bridge.Started() {
			_ = bridge.FinishError()
			return
		}
		writeError(c, http.StatusBadGateway, "upstream stream interrupted: "+err.Error())
		return
	}
	_ = bridge.FinishOK()
}

// replayBufferedAsStream answers a streaming request from a buffered
// upstream call. The full response doubles as a single bridge frame, so
// the client sees the normal event sequence.
func (s *Server) replayBufferedAsStream(c *gin.Context, ctx context.Context, body []byte, snapshot auth.Snapshot, opts claude.ResponseOptions, claudeThinking bool) {
	payload, statusErr := s.exec.Generate(ctx, body, snapshot, claudeThinking)
	if statusErr != nil {
		writeStatusErr(c, statusErr)
		return
	}

	setStreamHeaders(c)
	c.Status(http.StatusOK)

	bridge := claude.NewBridge(opts, sseWriter(c))
	if err := bridge.ProcessFrame(payload); err != nil {
		_ = bridge.FinishError()
		return
	}
	_ = bridge.FinishOK()
}

// handleCountTokens estimates input tokens locally; the upstream has no
// counting endpoint.
func (s *Server) handleCountTokens(c *gin.Context) {
	rawJSON, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if !gjson.ValidBytes(rawJSON) {
		writeError(c, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	count, err := s.counter.CountRequest(rawJSON)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": count})
}
