// Package relay pumps handler events to the client while accumulating the
// assistant content for persistence. Pacing is pull-based: the pump does not
// read the next handler event until the previous one has been handed to the
// sink, so a slow client throttles the handler through TCP backpressure
// instead of through an unbounded queue.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
	"chatrelay/pkg/models"
)

// DefaultBufferBytes caps the accumulated assistant content per turn. Pull
// pacing already bounds un-consumed in-flight data to one event; this cap
// bounds the full reply the pump holds for the Outcome, which is retained
// even when every chunk was drained and persisted promptly.
const DefaultBufferBytes = 10 * 1024 * 1024

// ErrBufferExceeded means the handler produced more content than the relay
// is willing to hold for one turn.
var ErrBufferExceeded = errors.New("relay buffer exceeded")

// Source yields handler events. io.EOF is the clean end of stream.
type Source interface {
	Next() (models.StreamEvent, error)
}

// Sink delivers events to the client. A Send error means the client is gone.
type Sink interface {
	Send(models.StreamEvent) error
}

// ChunkFunc receives each content delta as it is accepted, before it is
// forwarded. Persistence hooks in here; a ChunkFunc error aborts the turn.
type ChunkFunc func(delta string) error

type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome reports how the pump ended. Content holds everything accumulated
// up to that point regardless of status; partial output on cancellation or
// failure is preserved, never discarded.
type Outcome struct {
	Status  Status
	Content string
	Usage   *models.Usage
	Err     error
	// ErrorForwarded is true when the handler's own error event already
	// reached the sink, so the caller should not emit a second one.
	ErrorForwarded bool
}

// Pump drains src into sink until the stream completes, the client goes
// away, or the handler fails. capBytes bounds the total accumulated content
// (the reply kept in memory for the Outcome), not just unflushed data, so a
// reply over the cap fails the turn no matter how fast the client drains;
// values <= 0 fall back to DefaultBufferBytes.
func Pump(ctx context.Context, src Source, sink Sink, onChunk ChunkFunc, capBytes int) Outcome {
	if capBytes <= 0 {
		capBytes = DefaultBufferBytes
	}
	var acc strings.Builder
	var usage *models.Usage
	var errorForwarded bool

	done := func(st Status, err error) Outcome {
		metrics.RelayBufferedBytes.Sub(float64(acc.Len()))
		return Outcome{Status: st, Content: acc.String(), Usage: usage, Err: err, ErrorForwarded: errorForwarded}
	}

	for {
		if ctx.Err() != nil {
			return done(StatusCancelled, ctx.Err())
		}
		ev, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return done(StatusCompleted, nil)
			}
			if errors.Is(err, context.Canceled) {
				return done(StatusCancelled, err)
			}
			return done(StatusFailed, err)
		}

		switch ev.Event {
		case models.EventStart:
			// the client already got a start with the persisted id
			continue
		case models.EventChunk:
			if acc.Len()+len(ev.Delta) > capBytes {
				logger.Warn("relay_buffer_exceeded", "cap_bytes", capBytes)
				return done(StatusFailed, ErrBufferExceeded)
			}
			acc.WriteString(ev.Delta)
			metrics.RelayBufferedBytes.Add(float64(len(ev.Delta)))
			if onChunk != nil {
				if err := onChunk(ev.Delta); err != nil {
					return done(StatusFailed, err)
				}
			}
		case models.EventComplete:
			usage = ev.Usage
		case models.EventError:
			if sink.Send(ev) == nil {
				errorForwarded = true
			}
			return done(StatusFailed, errors.New("handler error: "+ev.Message))
		}

		if err := sink.Send(ev); err != nil {
			// the client hung up; whatever was accumulated stays
			return done(StatusCancelled, err)
		}
	}
}
