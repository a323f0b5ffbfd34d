// Package engine coordinates one conversational turn end to end: it loads
// the tree context, drives the gateway and the relay, and commits the
// resulting messages back to the store, including partial output on
// cancellation or mid-stream failure.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/breaker"
	"chatrelay/pkg/events"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/metrics"
	"chatrelay/pkg/models"
	"chatrelay/pkg/registry"
	"chatrelay/pkg/relay"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

var (
	// ErrRecreateTarget means recreate was requested but the active leaf is
	// not an assistant message.
	ErrRecreateTarget = errors.New("recreate requires an assistant message at the active leaf")
	// ErrNoHandlerBound means the thread's handler type has no binding.
	ErrNoHandlerBound = errors.New("no handler bound for thread type")
)

// Turn states, logged as the orchestrator advances.
const (
	stateReceived           = "received"
	statePathLoaded         = "path_loaded"
	stateInvoking           = "invoking"
	stateStreaming          = "streaming"
	stateCommitted          = "committed"
	statePartiallyCommitted = "partially_committed"
	stateRejected           = "rejected"
)

// TurnRequest is a validated client turn, resolved to a concrete thread.
type TurnRequest struct {
	ThreadID    string
	ParentID    string // empty selects the active leaf
	Content     string
	Attachments []string
	// Capabilities the client enabled for this turn. Empty falls back to
	// the capability set the binding advertises.
	Capabilities []string
	Recreate     bool
}

// Result reports what a turn committed.
type Result struct {
	State              string
	UserMessageID      string
	AssistantMessageID string
	PartialBytes       int
	// ErrorDelivered is true when a failure was already reported to the
	// client in-band as an error event.
	ErrorDelivered bool
}

type Engine struct {
	reg         *registry.Registry
	gw          *gateway.Gateway
	bus         *events.Bus
	bufferBytes int
}

func New(reg *registry.Registry, gw *gateway.Gateway, bus *events.Bus, bufferBytes int) *Engine {
	return &Engine{reg: reg, gw: gw, bus: bus, bufferBytes: bufferBytes}
}

// RunTurn executes one turn against the given sink. Errors returned before
// any event was sent map to an HTTP status; once streaming has begun,
// failures are delivered in-band as error events and the returned Result
// carries the terminal state.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest, sink relay.Sink) (Result, error) {
	res := Result{State: stateReceived}

	thread, err := store.GetThread(req.ThreadID)
	if err != nil {
		return res, err
	}
	if thread.Deleted {
		return res, store.ErrThreadNotFound
	}

	parentID, envEvent, err := e.resolveParent(req)
	if err != nil {
		return res, err
	}

	path, err := store.LoadPath(req.ThreadID, parentID)
	if err != nil {
		return res, err
	}
	res.State = statePathLoaded
	logger.Debug("turn_state", "state", statePathLoaded, "thread", req.ThreadID, "parent", parentID)

	binding, err := e.reg.Resolve(thread.HandlerType)
	if err != nil {
		if errors.Is(err, registry.ErrBindingNotFound) {
			return res, fmt.Errorf("%w: %s", ErrNoHandlerBound, thread.HandlerType)
		}
		return res, err
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = binding.Capabilities
	}
	env := gateway.Envelope{
		Event:        envEvent,
		ThreadID:     req.ThreadID,
		Path:         path,
		Capabilities: caps,
	}
	if !req.Recreate {
		env.Turn = &gateway.TurnInput{Content: req.Content, Attachments: req.Attachments}
	}
	claims := auth.HandlerClaims{TenantID: thread.TenantID, OwnerID: thread.OwnerID, ThreadID: thread.ID}

	res.State = stateInvoking
	stream, err := e.gw.Invoke(ctx, binding, claims, env)
	if err != nil {
		res.State = stateRejected
		metrics.TurnsTotal.WithLabelValues(stateRejected).Inc()
		e.publishFailure(req.ThreadID, err)
		return res, err
	}
	defer stream.Close()

	// The handler accepted the call; the user turn is now part of the tree.
	if !req.Recreate {
		user, err := store.Append(req.ThreadID, parentID, models.RoleUser, req.Content, req.Attachments)
		if err != nil {
			res.State = stateRejected
			metrics.TurnsTotal.WithLabelValues(stateRejected).Inc()
			return res, err
		}
		if err := store.SetActive(user.ID); err != nil {
			res.State = stateRejected
			metrics.TurnsTotal.WithLabelValues(stateRejected).Inc()
			return res, err
		}
		res.UserMessageID = user.ID
		parentID = user.ID
		e.bus.Publish(events.Event{Name: events.MessageCreated, ThreadID: req.ThreadID,
			Payload: map[string]interface{}{"message_id": user.ID, "role": models.RoleUser}})
	}

	assistantID := utils.GenID()
	if err := sink.Send(models.StreamEvent{Event: models.EventStart, MessageID: assistantID}); err != nil {
		res.State = statePartiallyCommitted
		metrics.TurnsTotal.WithLabelValues(statePartiallyCommitted).Inc()
		return res, nil
	}

	res.State = stateStreaming
	logger.Debug("turn_state", "state", stateStreaming, "thread", req.ThreadID, "msg", assistantID)

	rowCreated := false
	onChunk := func(delta string) error {
		if !rowCreated {
			if _, err := store.AppendPending(req.ThreadID, parentID, assistantID, models.RoleAssistant); err != nil {
				return err
			}
			if err := store.SetActive(assistantID); err != nil {
				return err
			}
			rowCreated = true
		}
		return store.AppendContent(assistantID, delta)
	}

	out := relay.Pump(ctx, stream, sink, onChunk, e.bufferBytes)
	return e.commit(req, res, out, assistantID, rowCreated)
}

// resolveParent picks the parent for the new turn and the envelope event.
func (e *Engine) resolveParent(req TurnRequest) (string, string, error) {
	if req.Recreate {
		leaf, ok, err := store.ActiveLeaf(req.ThreadID)
		if err != nil {
			return "", "", err
		}
		if !ok || leaf.Role != models.RoleAssistant {
			return "", "", ErrRecreateTarget
		}
		return leaf.ParentID, gateway.EnvelopeRecreate, nil
	}
	if req.ParentID != "" {
		parent, err := store.LoadMessage(req.ParentID)
		if err != nil {
			if errors.Is(err, store.ErrMessageNotFound) {
				return "", "", fmt.Errorf("%w: %s", store.ErrParentNotFound, req.ParentID)
			}
			return "", "", err
		}
		if parent.Thread != req.ThreadID {
			return "", "", fmt.Errorf("%w: %s", store.ErrParentNotFound, req.ParentID)
		}
		return parent.ID, gateway.EnvelopeTurn, nil
	}
	leaf, ok, err := store.ActiveLeaf(req.ThreadID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", gateway.EnvelopeTurn, nil
	}
	return leaf.ID, gateway.EnvelopeTurn, nil
}

// commit settles the terminal state from the relay outcome.
func (e *Engine) commit(req TurnRequest, res Result, out relay.Outcome, assistantID string, rowCreated bool) (Result, error) {
	res.PartialBytes = len(out.Content)
	res.ErrorDelivered = out.ErrorForwarded

	switch out.Status {
	case relay.StatusCompleted:
		if rowCreated {
			if _, err := store.Finalize(assistantID, true); err != nil {
				return res, err
			}
			res.AssistantMessageID = assistantID
		}
		res.State = stateCommitted
		metrics.TurnsTotal.WithLabelValues(stateCommitted).Inc()
		name := events.MessageCreated
		if req.Recreate {
			name = events.MessageRecreated
		}
		e.bus.Publish(events.Event{Name: name, ThreadID: req.ThreadID,
			Payload: map[string]interface{}{"message_id": assistantID, "role": models.RoleAssistant}})
		logger.Info("turn_committed", "thread", req.ThreadID, "msg", assistantID, "bytes", res.PartialBytes)
		return res, nil

	case relay.StatusCancelled:
		// a cancelled reply stays navigable with whatever arrived
		if rowCreated {
			if _, err := store.Finalize(assistantID, false); err != nil {
				logger.Error("finalize_after_cancel_failed", "msg", assistantID, "error", err.Error())
			}
			res.AssistantMessageID = assistantID
		}
		res.State = statePartiallyCommitted
		metrics.TurnsTotal.WithLabelValues(statePartiallyCommitted).Inc()
		logger.Info("turn_cancelled", "thread", req.ThreadID, "msg", assistantID, "bytes", res.PartialBytes)
		return res, nil

	default: // relay.StatusFailed
		e.publishFailure(req.ThreadID, out.Err)
		if rowCreated {
			if _, err := store.Finalize(assistantID, false); err != nil {
				logger.Error("finalize_after_failure_failed", "msg", assistantID, "error", err.Error())
			}
			res.AssistantMessageID = assistantID
			res.State = statePartiallyCommitted
			metrics.TurnsTotal.WithLabelValues(statePartiallyCommitted).Inc()
		} else {
			res.State = stateRejected
			metrics.TurnsTotal.WithLabelValues(stateRejected).Inc()
		}
		logger.Warn("turn_failed", "thread", req.ThreadID, "state", res.State, "error", fmt.Sprint(out.Err))
		return res, out.Err
	}
}

// Notify tells the thread's handler about a lifecycle change (handler
// switched, thread deleted). Best effort: failures are logged, never
// surfaced, and the stream is closed without waiting for events.
func (e *Engine) Notify(thread models.Thread, event string) {
	go func() {
		binding, err := e.reg.Resolve(thread.HandlerType)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		claims := auth.HandlerClaims{TenantID: thread.TenantID, OwnerID: thread.OwnerID, ThreadID: thread.ID}
		st, err := e.gw.Invoke(ctx, binding, claims, gateway.Envelope{Event: event, ThreadID: thread.ID})
		if err != nil {
			logger.Debug("handler_notify_failed", "thread", thread.ID, "event", event, "error", err.Error())
			return
		}
		_ = st.Close()
	}()
}

func (e *Engine) publishFailure(threadID string, err error) {
	code := "handler_failure"
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		code = "circuit_open"
	case errors.Is(err, gateway.ErrHandlerTimeout):
		code = "handler_timeout"
	case errors.Is(err, gateway.ErrHandlerTransport):
		code = "handler_transport_error"
	}
	e.bus.Publish(events.Event{Name: events.TurnFailed, ThreadID: threadID,
		Payload: map[string]interface{}{"code": code, "error": fmt.Sprint(err)}})
}
