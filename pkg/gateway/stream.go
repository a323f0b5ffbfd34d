package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatrelay/pkg/breaker"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
	"chatrelay/pkg/models"
)

const (
	scanInitialBuf = 64 * 1024
	scanMaxToken   = 4 * 1024 * 1024
)

// Stream is one open handler response. Next pulls the following NDJSON event;
// the caller controls pull pacing and therefore backpressure. The breaker
// outcome is reported exactly once: success when the stream ends cleanly
// after a complete event, failure on timeout, transport breakage or a
// handler-reported error, and nothing at all on client cancellation.
type Stream struct {
	bank        *breaker.Bank
	identity    string
	correlation string

	body      io.ReadCloser
	sc        *bufio.Scanner
	parentCtx context.Context
	callCtx   context.Context
	cancel    context.CancelFunc

	start        time.Time
	completeSeen bool
	reported     bool
}

func newStream(bank *breaker.Bank, identity, correlation string, body io.ReadCloser, parent, call context.Context, cancel context.CancelFunc, start time.Time) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxToken)
	return &Stream{
		bank:        bank,
		identity:    identity,
		correlation: correlation,
		body:        body,
		sc:          sc,
		parentCtx:   parent,
		callCtx:     call,
		cancel:      cancel,
		start:       start,
	}
}

// Next returns the next event from the handler. io.EOF signals a clean end
// of stream; any other error is already normalized and has been reported to
// the breaker.
func (s *Stream) Next() (models.StreamEvent, error) {
	if s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if line == "" {
			return s.Next()
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return models.StreamEvent{}, s.fail(fmt.Errorf("%w: malformed event: %v", ErrHandlerTransport, err))
		}
		switch ev.Event {
		case models.EventComplete:
			s.completeSeen = true
		case models.EventError:
			// handler-reported failure counts against the breaker
			s.report(false, "handler_error")
		}
		return ev, nil
	}

	if err := s.sc.Err(); err != nil {
		if s.parentCtx.Err() != nil && s.callCtx.Err() != context.DeadlineExceeded {
			s.noReport("cancelled")
			return models.StreamEvent{}, context.Canceled
		}
		if s.callCtx.Err() == context.DeadlineExceeded {
			return models.StreamEvent{}, s.fail(fmt.Errorf("%w: stream exceeded deadline", ErrHandlerTimeout))
		}
		return models.StreamEvent{}, s.fail(fmt.Errorf("%w: %v", ErrHandlerTransport, err))
	}

	// EOF. A stream that never produced its complete event was truncated.
	if !s.completeSeen {
		return models.StreamEvent{}, s.fail(fmt.Errorf("%w: stream ended before complete", ErrHandlerTransport))
	}
	s.report(true, "ok")
	return models.StreamEvent{}, io.EOF
}

// Close releases the underlying connection. Closing an unfinished stream is
// treated as client cancellation and leaves the breaker untouched.
func (s *Stream) Close() error {
	s.noReport("cancelled")
	s.cancel()
	return s.body.Close()
}

func (s *Stream) fail(err error) error {
	result := "transport_error"
	if errors.Is(err, ErrHandlerTimeout) {
		result = "timeout"
	}
	s.report(false, result)
	logger.Warn("invoke_stream_failed", "handler", s.identity, "correlation", s.correlation, "error", err.Error())
	return err
}

func (s *Stream) report(success bool, result string) {
	if s.reported {
		return
	}
	s.reported = true
	if success {
		s.bank.ReportSuccess(s.identity)
	} else {
		s.bank.ReportFailure(s.identity)
	}
	metrics.HandlerLatency.WithLabelValues(s.identity, result).Observe(time.Since(s.start).Seconds())
}

// noReport marks the stream finished without a breaker verdict, releasing a
// probe slot if this call held one.
func (s *Stream) noReport(result string) {
	if s.reported {
		return
	}
	s.reported = true
	s.bank.ReportCancel(s.identity)
	metrics.HandlerLatency.WithLabelValues(s.identity, result).Observe(time.Since(s.start).Seconds())
}
