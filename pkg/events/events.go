// Package events is a best-effort fanout bus for lifecycle notifications.
// Publishing never blocks the request path: when the queue is full the event
// is dropped and counted, not waited on.
package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
)

// Lifecycle event names.
const (
	ThreadCreated    = "thread.created"
	ThreadDeleted    = "thread.deleted"
	MessageCreated   = "message.created"
	MessageRecreated = "message.recreated"
	TurnFailed       = "turn.failed"
)

// Event is one lifecycle notification.
type Event struct {
	Name     string                 `json:"name"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	TS       int64                  `json:"ts"`
}

// Sink consumes published events. Sinks run on the bus goroutine; slow sinks
// delay later events but never the publishers.
type Sink interface {
	Deliver(Event)
}

// Bus fans events out to its sinks from a single background goroutine.
type Bus struct {
	ch    chan Event
	sinks []Sink
	wg    sync.WaitGroup
	once  sync.Once
}

const defaultQueue = 256

// NewBus starts a bus with the given sinks. Close drains the queue.
func NewBus(sinks ...Sink) *Bus {
	b := &Bus{ch: make(chan Event, defaultQueue), sinks: sinks}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bus) run() {
	defer b.wg.Done()
	for ev := range b.ch {
		for _, s := range b.sinks {
			s.Deliver(ev)
		}
	}
}

// Publish enqueues ev, stamping TS if unset. Drops when the queue is full.
func (b *Bus) Publish(ev Event) {
	if ev.TS == 0 {
		ev.TS = time.Now().UnixNano()
	}
	select {
	case b.ch <- ev:
	default:
		metrics.EventsDropped.Inc()
		logger.Warn("event_dropped", "event", ev.Name, "thread", ev.ThreadID)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.ch)
		b.wg.Wait()
	})
}

// LogSink writes every event to the audit log.
type LogSink struct{}

func (LogSink) Deliver(ev Event) {
	if logger.Audit != nil {
		logger.Audit.Infow("lifecycle_event", "event", ev.Name, "thread", ev.ThreadID, "payload", ev.Payload)
	}
}

// WebhookSink POSTs each event as JSON to a configured URL. Failures are
// logged and forgotten; delivery is at-most-once.
type WebhookSink struct {
	URL    string
	Bearer string
	Client *http.Client
}

func NewWebhookSink(url, bearer string) *WebhookSink {
	return &WebhookSink{URL: url, Bearer: bearer, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+w.Bearer)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		logger.Warn("webhook_delivery_failed", "event", ev.Name, "error", err.Error())
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("webhook_delivery_status", "event", ev.Name, "status", resp.StatusCode)
	}
}
