package relay

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"chatrelay/pkg/models"
)

// scriptedSource replays a fixed event sequence and a terminal error.
type scriptedSource struct {
	events []models.StreamEvent
	final  error
	pos    int
	// cancelAfter cancels the context once that many events were pulled
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *scriptedSource) Next() (models.StreamEvent, error) {
	if s.cancel != nil && s.pos == s.cancelAfter {
		s.cancel()
		return models.StreamEvent{}, context.Canceled
	}
	if s.pos >= len(s.events) {
		return models.StreamEvent{}, s.final
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

type memSink struct {
	events  []models.StreamEvent
	failAt  int // Send fails once this many events were accepted, 0 disables
	sendErr error
}

func (m *memSink) Send(ev models.StreamEvent) error {
	if m.failAt > 0 && len(m.events) >= m.failAt {
		return m.sendErr
	}
	m.events = append(m.events, ev)
	return nil
}

func chunk(delta string) models.StreamEvent {
	return models.StreamEvent{Event: models.EventChunk, Delta: delta}
}

func TestCompletionAccumulatesAndForwards(t *testing.T) {
	src := &scriptedSource{
		events: []models.StreamEvent{
			chunk("hel"), chunk("lo"),
			{Event: models.EventComplete, Usage: &models.Usage{TotalTokens: 7}},
		},
		final: io.EOF,
	}
	sink := &memSink{}
	var flushed []string
	out := Pump(context.Background(), src, sink, func(d string) error {
		flushed = append(flushed, d)
		return nil
	}, 0)

	require.Equal(t, StatusCompleted, out.Status)
	require.Equal(t, "hello", out.Content)
	require.NotNil(t, out.Usage)
	require.Equal(t, 7, out.Usage.TotalTokens)
	require.Equal(t, []string{"hel", "lo"}, flushed)
	require.Len(t, sink.events, 3)
}

func TestClientCancellationKeepsPartialContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{
		events:      []models.StreamEvent{chunk("a"), chunk("b"), chunk("c")},
		cancelAfter: 2,
		cancel:      cancel,
	}
	sink := &memSink{}
	out := Pump(ctx, src, sink, nil, 0)

	require.Equal(t, StatusCancelled, out.Status)
	require.Equal(t, "ab", out.Content)
}

func TestSinkFailureCancelsWithPartialContent(t *testing.T) {
	src := &scriptedSource{
		events: []models.StreamEvent{chunk("a"), chunk("b"), chunk("c")},
		final:  io.EOF,
	}
	sink := &memSink{failAt: 2, sendErr: errors.New("client gone")}
	out := Pump(context.Background(), src, sink, nil, 0)

	require.Equal(t, StatusCancelled, out.Status)
	// the third chunk was accepted before the failed Send
	require.Equal(t, "abc", out.Content)
}

func TestBufferCapFailsTheTurn(t *testing.T) {
	src := &scriptedSource{
		events: []models.StreamEvent{chunk("aaaa"), chunk("bbbb"), chunk("cccc")},
		final:  io.EOF,
	}
	sink := &memSink{}
	out := Pump(context.Background(), src, sink, nil, 10)

	require.Equal(t, StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrBufferExceeded)
	require.Equal(t, "aaaabbbb", out.Content)
}

func TestHandlerErrorEventForwardedOnce(t *testing.T) {
	src := &scriptedSource{
		events: []models.StreamEvent{
			chunk("partial"),
			{Event: models.EventError, Code: "handler_error", Message: "boom"},
		},
	}
	sink := &memSink{}
	out := Pump(context.Background(), src, sink, nil, 0)

	require.Equal(t, StatusFailed, out.Status)
	require.True(t, out.ErrorForwarded)
	require.Equal(t, "partial", out.Content)
	last := sink.events[len(sink.events)-1]
	require.Equal(t, models.EventError, last.Event)
}

func TestUpstreamFailurePreservesContent(t *testing.T) {
	src := &scriptedSource{
		events: []models.StreamEvent{chunk("keep")},
		final:  errors.New("connection reset"),
	}
	sink := &memSink{}
	out := Pump(context.Background(), src, sink, nil, 0)

	require.Equal(t, StatusFailed, out.Status)
	require.False(t, out.ErrorForwarded)
	require.Equal(t, "keep", out.Content)
}
