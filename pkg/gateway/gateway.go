// Package gateway opens outbound streaming calls to handlers. It owns the
// whole-call deadline, the circuit breaker consultation and the
// normalization of transport failures into the engine's error taxonomy, so
// the orchestrator never branches on transport-specific detail.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/breaker"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

// Typed failures surfaced to the orchestrator. ErrCircuitOpen is re-exported
// from the breaker package so callers need only one import.
var (
	ErrCircuitOpen      = breaker.ErrCircuitOpen
	ErrHandlerTimeout   = errors.New("handler timeout")
	ErrHandlerTransport = errors.New("handler transport error")
)

// Envelope event kinds sent to handlers.
const (
	EnvelopeTurn            = "turn"
	EnvelopeRecreate        = "recreate"
	EnvelopeHandlerSwitched = "handler_switched"
	EnvelopeThreadDeleted   = "thread_deleted"
)

// TurnInput is the new content of the turn being processed.
type TurnInput struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// Envelope is the request body for one handler invocation: the full ancestor
// path plus the new turn and the enabled capability flags.
type Envelope struct {
	Event         string           `json:"event"`
	CorrelationID string           `json:"correlation_id"`
	ThreadID      string           `json:"thread_id"`
	Path          []models.Message `json:"path"`
	Turn          *TurnInput       `json:"turn,omitempty"`
	Capabilities  []string         `json:"capabilities,omitempty"`
}

// Gateway performs outbound invocations. One outbound call per Invoke; retry
// policy, if any, belongs to the caller.
type Gateway struct {
	client   *http.Client
	bank     *breaker.Bank
	tokenTTL time.Duration
}

// New returns a Gateway reporting outcomes to bank. The injected client
// carries no global timeout; deadlines are per-invocation from the binding.
func New(bank *breaker.Bank, tokenTTL time.Duration) *Gateway {
	return &Gateway{client: &http.Client{}, bank: bank, tokenTTL: tokenTTL}
}

// Invoke opens the streaming call described by binding and env. The returned
// stream must be consumed or closed by the caller. The binding timeout is a
// hard ceiling on the entire call, not per chunk.
func (g *Gateway) Invoke(ctx context.Context, binding models.HandlerBinding, claims auth.HandlerClaims, env Envelope) (*Stream, error) {
	identity := binding.ThreadType
	if err := g.bank.Allow(identity); err != nil {
		logger.Info("invoke_rejected_circuit_open", "handler", identity, "correlation", env.CorrelationID)
		return nil, err
	}

	if env.CorrelationID == "" {
		env.CorrelationID = utils.GenCorrelationID()
	}
	claims.CorrelationID = env.CorrelationID
	// failures before the wire say nothing about handler health; release
	// any probe slot but report no verdict
	token, err := auth.MintHandlerToken(claims, g.tokenTTL)
	if err != nil {
		g.bank.ReportCancel(identity)
		return nil, fmt.Errorf("%w: mint token: %v", ErrHandlerTransport, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		g.bank.ReportCancel(identity)
		return nil, fmt.Errorf("%w: marshal envelope: %v", ErrHandlerTransport, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(binding.TimeoutSecs)*time.Second)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, binding.Endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		g.bank.ReportCancel(identity)
		return nil, fmt.Errorf("%w: build request: %v", ErrHandlerTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", env.CorrelationID)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		return nil, g.finishEarly(identity, start, ctx, callCtx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		g.bank.ReportFailure(identity)
		metrics.HandlerLatency.WithLabelValues(identity, "transport_error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: handler returned status %d", ErrHandlerTransport, resp.StatusCode)
	}

	logger.Debug("invoke_stream_opened", "handler", identity, "correlation", env.CorrelationID)
	return newStream(g.bank, identity, env.CorrelationID, resp.Body, ctx, callCtx, cancel, start), nil
}

// finishEarly normalizes a client.Do failure, honoring the rule that a
// client-initiated cancellation reports neither success nor failure.
func (g *Gateway) finishEarly(identity string, start time.Time, parent, call context.Context, err error) error {
	elapsed := time.Since(start).Seconds()
	if parent.Err() != nil && call.Err() != context.DeadlineExceeded {
		// cancelled from the client side before the handler answered
		g.bank.ReportCancel(identity)
		metrics.HandlerLatency.WithLabelValues(identity, "cancelled").Observe(elapsed)
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || call.Err() == context.DeadlineExceeded {
		g.bank.ReportFailure(identity)
		metrics.HandlerLatency.WithLabelValues(identity, "timeout").Observe(elapsed)
		return fmt.Errorf("%w: no response within deadline", ErrHandlerTimeout)
	}
	g.bank.ReportFailure(identity)
	metrics.HandlerLatency.WithLabelValues(identity, "transport_error").Observe(elapsed)
	return fmt.Errorf("%w: %v", ErrHandlerTransport, err)
}
