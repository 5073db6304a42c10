package claude

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/cloudcode-dev/antigravity-proxy/internal/metrics"
)

// ErrChunkBufferOverflow ends a stream whose pending frame exceeds the
// configured buffer cap.
var ErrChunkBufferOverflow = errors.New("stream chunk buffer overflow")

// FrameParser reassembles upstream stream lines into complete JSON
// frames. Both SSE ("data: {...}") and NDJSON / JSON-array framing are
// accepted. Lines that do not parse are buffered and retried as more
// bytes arrive; after maxRetries consecutive failures the pending
// buffer is discarded and the malformed counter incremented.
type FrameParser struct {
	pending    []byte
	failures   int
	maxRetries int
	limit      int
}

// NewFrameParser builds a parser with the given retry budget and
// pending-buffer cap in bytes.
func NewFrameParser(maxRetries, limit int) *FrameParser {
	if maxRetries <= 0 {
		maxRetries = 12
	}
	if limit <= 0 {
		limit = 1 << 20
	}
	return &FrameParser{maxRetries: maxRetries, limit: limit}
}

// Feed consumes one upstream line and returns the complete frame it
// closed, if any.
func (p *FrameParser) Feed(line []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(line)
	trimmed = bytes.TrimPrefix(trimmed, []byte("data:"))
	trimmed = bytes.TrimSpace(trimmed)

	// Array framing noise from JSON-array streams.
	trimmed = bytes.TrimPrefix(trimmed, []byte("["))
	trimmed = bytes.TrimSuffix(trimmed, []byte("]"))
	trimmed = bytes.TrimSuffix(trimmed, []byte(","))
	trimmed = bytes.TrimSpace(trimmed)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}

	if len(p.pending) == 0 {
		if json.Valid(trimmed) {
			p.failures = 0
			return append([]byte(nil), trimmed...), nil
		}
		p.pending = append(p.pending, trimmed...)
	} else {
		p.pending = append(p.pending, '\n')
		p.pending = append(p.pending, trimmed...)
		if json.Valid(p.pending) {
			frame := append([]byte(nil), p.pending...)
			p.pending = nil
			p.failures = 0
			return frame, nil
		}
	}

	if len(p.pending) > p.limit {
		metrics.MalformedChunks.Inc()
		p.pending = nil
		p.failures = 0
		return nil, ErrChunkBufferOverflow
	}

	p.failures++
	if p.failures >= p.maxRetries {
		metrics.MalformedChunks.Inc()
		log.WithField("bytes", len(p.pending)).Warn("discarding unparseable stream frame")
		p.pending = nil
		p.failures = 0
	}
	return nil, nil
}

// Emitter writes one downstream SSE event.
type Emitter func(event string, payload []byte) error

// Bridge is the per-request streaming state machine. It consumes
// upstream GenerateContentResponse deltas and emits the Anthropic event
// sequence: message_start, then content_block_start/delta/stop groups,
// then message_delta and message_stop.
type Bridge struct {
	opts ResponseOptions
	emit Emitter

	messageID    string
	started      bool
	finished     bool
	blockIndex   int
	openKind     string
	sawToolCall  bool
	inputTokens  int
	outputTokens int
}

// NewBridge builds a bridge that writes events through emit.
func NewBridge(opts ResponseOptions, emit Emitter) *Bridge {
	return &Bridge{opts: opts, emit: emit, messageID: "msg_" + uuid.NewString(), blockIndex: -1}
}

// Started reports whether message_start has been emitted; once true the
// stream is committed and upstream failures degrade to an in-band
// error stop instead of an HTTP error.
func (b *Bridge) Started() bool { return b.started }

// Finished reports whether message_stop has been emitted.
func (b *Bridge) Finished() bool { return b.finished }

func (b *Bridge) emitJSON(event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.emit(event, data)
}

func (b *Bridge) start() error {
	if b.started {
		return nil
	}
	b.started = true
	return b.emitJSON("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            b.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         b.opts.ClientModel,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

func (b *Bridge) openBlock(kind string, block map[string]any) error {
	if err := b.closeBlock(); err != nil {
		return err
	}
	b.blockIndex++
	b.openKind = kind
	return b.emitJSON("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         b.blockIndex,
		"content_block": block,
	})
}

func (b *Bridge) closeBlock() error {
	if b.openKind == "" {
		return nil
	}
	b.openKind = ""
	return b.emitJSON("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": b.blockIndex,
	})
}

func (b *Bridge) delta(delta map[string]any) error {
	return b.emitJSON("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": b.blockIndex,
		"delta": delta,
	})
}

// ProcessFrame consumes one upstream delta frame. Frames arriving after
// the terminal events are ignored.
func (b *Bridge) ProcessFrame(frame []byte) error {
	if b.finished {
		return nil
	}
	if err := b.start(); err != nil {
		return err
	}

	response := UnwrapResponse(frame)
	candidate := response.Get("candidates.0")

	if usage := response.Get("usageMetadata"); usage.Exists() {
		if v := int(usage.Get("promptTokenCount").Int()); v > 0 {
			b.inputTokens = v
		}
		if v := int(usage.Get("candidatesTokenCount").Int()); v > 0 {
			b.outputTokens = v
		}
	}

	var processErr error
	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			processErr = b.handleFunctionCall(part.Get("functionCall"))
		case part.Get("thought").Bool():
			processErr = b.handleThought(part)
		case part.Get("text").Exists():
			processErr = b.handleText(part.Get("text").String())
		}
		return processErr == nil
	})
	if processErr != nil {
		return processErr
	}

	if finishReason := candidate.Get("finishReason").String(); finishReason != "" {
		return b.finish(StopReason(finishReason, b.sawToolCall))
	}
	return nil
}

func (b *Bridge) handleText(text string) error {
	if text == "" {
		return nil
	}
	if b.openKind != "text" {
		if err := b.openBlock("text", map[string]any{"type": "text", "text": ""}); err != nil {
			return err
		}
	}
	return b.delta(map[string]any{"type": "text_delta", "text": text})
}

func (b *Bridge) handleThought(part gjson.Result) error {
	text := part.Get("text").String()
	signature := part.Get("thoughtSignature").String()
	if text == "" && signature == "" {
		return nil
	}
	if b.openKind != "thinking" {
		if err := b.openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""}); err != nil {
			return err
		}
	}
	if text != "" {
		if err := b.delta(map[string]any{"type": "thinking_delta", "thinking": text}); err != nil {
			return err
		}
	}
	if signature != "" {
		if err := b.delta(map[string]any{"type": "signature_delta", "signature": signature}); err != nil {
			return err
		}
	}
	return nil
}

// handleFunctionCall emits a complete tool_use block: start with empty
// input, the repaired arguments as input_json_delta text, then stop.
// This is the only path by which the client receives tool arguments.
func (b *Bridge) handleFunctionCall(call gjson.Result) error {
	b.sawToolCall = true
	name := call.Get("name").String()
	id := call.Get("id").String()
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}

	var part map[string]any
	_ = json.Unmarshal([]byte(call.Raw), &part)
	args := ParseFunctionArgs(part)
	args = RepairArgs(args, b.opts.Schemas[name], b.opts.LastUserText, b.opts.RepairEnabled)
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal tool args: %w", err)
	}

	if err = b.openBlock("tool_use", map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": map[string]any{},
	}); err != nil {
		return err
	}
	if err = b.delta(map[string]any{"type": "input_json_delta", "partial_json": string(argsJSON)}); err != nil {
		return err
	}
	return b.closeBlock()
}

func (b *Bridge) finish(stopReason string) error {
	if b.finished {
		return nil
	}
	if err := b.closeBlock(); err != nil {
		return err
	}
	b.finished = true
	if err := b.emitJSON("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": b.outputTokens},
	}); err != nil {
		return err
	}
	return b.emitJSON("message_stop", map[string]any{"type": "message_stop"})
}

// FinishOK closes the stream normally when upstream ended without a
// finishReason. Emits nothing when the terminal events already went
// out.
func (b *Bridge) FinishOK() error {
	if !b.started || b.finished {
		return nil
	}
	return b.finish(StopReason("", b.sawToolCall))
}

// FinishError terminates a committed stream in-band: the open block is
// closed, message_delta carries stop_reason "error", and message_stop
// always follows.
func (b *Bridge) FinishError() error {
	if !b.started || b.finished {
		return nil
	}
	return b.finish("error")
}
