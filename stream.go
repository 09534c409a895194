package aigate

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/workmesh/aigate/internal/credpool"
	"github.com/workmesh/aigate/internal/httputil"
	"github.com/workmesh/aigate/internal/metrics"
	"github.com/workmesh/aigate/internal/tokenizer"
	gwerrors "github.com/workmesh/aigate/pkg/errors"
	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/pkg/types"
)

// maxStreamLineSize bounds a single SSE line; provider chunks with inline
// payloads can run large.
const maxStreamLineSize = 1 << 20

// StreamReader yields the incremental deltas of one streaming chat turn.
// The conversation turn and its usage record are persisted only when the
// stream completes; a stream abandoned via Close (or a cancelled context on
// Events) is discarded without persisting anything.
//
// StreamReader is not safe for concurrent Recv calls.
type StreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	adapter provider.Adapter

	text          strings.Builder
	inputTokens   int
	outputTokens  int
	usageReported bool

	mu       sync.Mutex
	finished bool
	closed   bool

	providerName string
	cancel       context.CancelFunc
	onFinish     func(text string, inputTokens, outputTokens int, usageReported bool)
	onFail       func(err error)
}

// SendMessageStream is the streaming counterpart of SendMessage. The request
// is built and dispatched the same way, including the single rotation retry
// on a rate limit, but the response arrives as a StreamReader the caller
// drains with Recv or Events.
func (c *Client) SendMessageStream(ctx context.Context, req MessageRequest) (*StreamReader, error) {
	adapter, creq, err := c.buildConversationRequest(ctx, &req, true)
	if err != nil {
		return nil, err
	}

	// The stream outlives this call, so the deadline hangs off the caller's
	// context and is released by the reader, not a defer here.
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)

	body, handle, err := c.openStream(callCtx, adapter, creq)
	if err != nil {
		cancel()
		c.recordFailure(ctx, &req, creq, err)
		return nil, err
	}

	c.pool.BindTenant(req.TenantID, handle)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineSize)

	model := logicalModel(adapter, creq.Model)
	reqCopy := req
	return &StreamReader{
		body:         body,
		scanner:      scanner,
		adapter:      adapter,
		providerName: creq.Provider,
		cancel:       cancel,
		onFinish: func(text string, inputTokens, outputTokens int, usageReported bool) {
			c.persistStream(&reqCopy, creq, model, text, inputTokens, outputTokens, usageReported)
		},
		onFail: func(cause error) {
			c.recordFailure(context.Background(), &reqCopy, creq, cause)
		},
	}, nil
}

// openStream acquires a credential and opens the provider stream, rotating
// once on a rate limit exactly as the non-streaming path does. Rate limits
// can only surface here before the first delta, so the retry never replays
// partial output.
func (c *Client) openStream(ctx context.Context, adapter provider.Adapter, creq *types.CanonicalRequest) (io.ReadCloser, credpool.Handle, error) {
	handle, err := c.pool.Acquire(creq.TenantID, creq.Provider)
	if err != nil {
		if gwerrors.IsCredentialsExhausted(err) {
			metrics.CredentialsExhaustedTotal.WithLabelValues(creq.Provider).Inc()
		}
		return nil, credpool.Handle{}, err
	}

	body, err := c.openStreamOnce(ctx, adapter, creq, handle)
	if err == nil {
		return body, handle, nil
	}
	if !gwerrors.IsRateLimit(err) {
		return nil, handle, err
	}

	c.pool.ReportFailure(handle, err)
	metrics.CredentialRotationsTotal.WithLabelValues(creq.Provider).Inc()
	c.cfg.Logger.Warn("rate limited, rotating credential",
		"tenant", creq.TenantID, "provider", creq.Provider, "index", handle.Index)

	retryHandle, acqErr := c.pool.Acquire(creq.TenantID, creq.Provider)
	if acqErr != nil {
		if gwerrors.IsCredentialsExhausted(acqErr) {
			metrics.CredentialsExhaustedTotal.WithLabelValues(creq.Provider).Inc()
		}
		return nil, handle, acqErr
	}

	body, err = c.openStreamOnce(ctx, adapter, creq, retryHandle)
	if err != nil {
		if gwerrors.IsRateLimit(err) {
			c.pool.ReportFailure(retryHandle, err)
		}
		return nil, retryHandle, err
	}
	return body, retryHandle, nil
}

func (c *Client) openStreamOnce(ctx context.Context, adapter provider.Adapter, creq *types.CanonicalRequest, handle credpool.Handle) (io.ReadCloser, error) {
	httpReq, err := adapter.BuildRequest(ctx, creq, handle.Secret)
	if err != nil {
		return nil, gwerrors.NewInvalidRequestError("build request: " + err.Error())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, gwerrors.NewTimeoutError(creq.Provider, creq.Model, "provider call timed out")
		}
		return nil, gwerrors.NewUpstreamError(creq.Provider, creq.Model, 0, err.Error())
	}
	if resp.StatusCode >= 400 {
		body, _ := httputil.ReadLimited(resp.Body, httputil.MaxErrorBodyBytes)
		resp.Body.Close()
		return nil, adapter.MapError(resp.StatusCode, body)
	}
	return resp.Body, nil
}

// persistStream writes the completed turn and its usage record. Usage falls
// back to the local estimator when the provider's stream reported none.
func (c *Client) persistStream(req *MessageRequest, creq *types.CanonicalRequest, model, text string, inputTokens, outputTokens int, usageReported bool) {
	if !usageReported {
		inputTokens = tokenizer.EstimatePrompt(creq)
		outputTokens = tokenizer.EstimateText(text)
	}
	resp := &types.CanonicalResponse{
		Text:          text,
		Provider:      creq.Provider,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		CostEstimate:  c.calc.Calculate(creq.Provider, model, inputTokens, outputTokens),
		UsageReported: usageReported,
	}

	ctx := context.Background()
	now := time.Now()
	userTurn := types.ConversationTurn{
		Role:        types.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
		Timestamp:   now,
	}
	assistantTurn := types.ConversationTurn{
		Role:      types.RoleAssistant,
		Content:   text,
		Timestamp: now,
	}
	if err := c.window.Append(ctx, req.TenantID, req.ConversationID, userTurn); err != nil {
		c.cfg.Logger.Error("persist user turn failed", "tenant", req.TenantID, "error", err)
	}
	if err := c.window.Append(ctx, req.TenantID, req.ConversationID, assistantTurn); err != nil {
		c.cfg.Logger.Error("persist assistant turn failed", "tenant", req.TenantID, "error", err)
	}
	c.recordOutcome(ctx, req.TenantID, req.UserID, req.Provider, model, resp, nil)
}

// Recv returns the next text delta. It returns io.EOF after the provider's
// end-of-stream event; completion side effects (turn persistence, usage
// record) run exactly once, just before that io.EOF.
//
// The lock is never held across a network read, so Close from another
// goroutine can always interrupt a blocked Recv.
func (s *StreamReader) Recv() (string, error) {
	if s.terminated() {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		delta, err := s.adapter.ParseStreamChunk(line)
		if err != nil {
			s.fail(gwerrors.NewUpstreamError(s.providerName, "", 0, "parse stream chunk: "+err.Error()))
			return "", err
		}
		if delta == nil {
			continue
		}

		s.mu.Lock()
		if delta.InputTokens > 0 || delta.OutputTokens > 0 {
			s.inputTokens = delta.InputTokens
			s.outputTokens = delta.OutputTokens
			s.usageReported = true
		}
		if delta.Text != "" {
			s.text.WriteString(delta.Text)
		}
		s.mu.Unlock()

		if delta.Done {
			s.finish()
			if delta.Text != "" {
				// Deliver the final delta; the next Recv reports io.EOF.
				return delta.Text, nil
			}
			return "", io.EOF
		}
		if delta.Text != "" {
			return delta.Text, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		if s.terminated() {
			// Read error caused by our own Close.
			return "", io.EOF
		}
		s.fail(gwerrors.NewUpstreamError(s.providerName, "", 0, "stream read: "+err.Error()))
		return "", err
	}

	// EOF without an explicit end-of-stream event still counts as a
	// completed response.
	s.finish()
	return "", io.EOF
}

// Events drains the stream into a channel of StreamEvent, one per delta,
// terminated by a single Done or Err event. Cancelling ctx closes the stream
// and discards it.
func (s *StreamReader) Events(ctx context.Context) <-chan types.StreamEvent {
	out := make(chan types.StreamEvent)
	pumpDone := make(chan struct{})

	// Watcher: a cancelled context must interrupt a Recv blocked on the
	// network, which only Close can do.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-pumpDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(pumpDone)
		for {
			delta, err := s.Recv()
			if ctx.Err() != nil {
				return
			}

			var ev types.StreamEvent
			switch {
			case err == io.EOF:
				ev = types.StreamEvent{Done: true, Response: s.Response()}
			case err != nil:
				ev = types.StreamEvent{Err: err}
			default:
				ev = types.StreamEvent{Delta: delta}
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				s.Close()
				return
			}
			if ev.Done || ev.Err != nil {
				return
			}
		}
	}()
	return out
}

// Response returns the accumulated response. It is only meaningful once Recv
// has returned io.EOF.
func (s *StreamReader) Response() *types.CanonicalResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.CanonicalResponse{
		Text:          s.text.String(),
		Provider:      s.providerName,
		InputTokens:   s.inputTokens,
		OutputTokens:  s.outputTokens,
		UsageReported: s.usageReported,
	}
}

// Close releases the stream. Closing before completion abandons the turn:
// partial output is dropped and nothing is persisted.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		metrics.StreamsDiscardedTotal.WithLabelValues(s.providerName).Inc()
	}
	s.cancel()
	return s.body.Close()
}

// terminated reports whether the stream already reached a terminal state.
func (s *StreamReader) terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished || s.closed
}

// finish runs completion side effects exactly once.
func (s *StreamReader) finish() {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.closed = true
	text := s.text.String()
	in, out, reported := s.inputTokens, s.outputTokens, s.usageReported
	s.mu.Unlock()

	if s.onFinish != nil {
		s.onFinish(text, in, out, reported)
	}
	s.cancel()
	s.body.Close()
}

// fail records a terminal mid-stream failure exactly once.
func (s *StreamReader) fail(cause error) {
	s.mu.Lock()
	if s.finished || s.closed {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.closed = true
	s.mu.Unlock()

	if s.onFail != nil {
		s.onFail(cause)
	}
	s.cancel()
	s.body.Close()
}
