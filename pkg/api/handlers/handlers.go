// Package handlers implements the HTTP endpoints. Handlers stay thin: they
// decode, validate, call into the engine or store, and map errors to status
// codes; conversation semantics live below this layer.
package handlers

import (
	"errors"
	"net/http"

	"chatrelay/pkg/breaker"
	"chatrelay/pkg/engine"
	"chatrelay/pkg/events"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/registry"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"
)

var (
	eng  *engine.Engine
	reg  *registry.Registry
	bus  *events.Bus
	bank *breaker.Bank
)

// Setup injects the shared components. Must run before route registration.
func Setup(e *engine.Engine, r *registry.Registry, b *events.Bus, bk *breaker.Bank) {
	eng, reg, bus, bank = e, r, b, bk
}

// statusFor maps a typed error to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrParentNotFound):
		return http.StatusNotFound, "parent_not_found"
	case errors.Is(err, store.ErrThreadNotFound):
		return http.StatusNotFound, "thread_not_found"
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "message_not_found"
	case errors.Is(err, store.ErrVariantConflict):
		return http.StatusConflict, "variant_conflict"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, gateway.ErrHandlerTimeout):
		return http.StatusGatewayTimeout, "handler_timeout"
	case errors.Is(err, gateway.ErrHandlerTransport):
		return http.StatusBadGateway, "handler_transport_error"
	case errors.Is(err, engine.ErrNoHandlerBound):
		return http.StatusServiceUnavailable, "no_handler_bound"
	case errors.Is(err, engine.ErrRecreateTarget):
		return http.StatusBadRequest, "invalid_recreate_target"
	case errors.Is(err, registry.ErrBindingNotFound):
		return http.StatusNotFound, "binding_not_found"
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusInternalServerError, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

func writeErr(w http.ResponseWriter, err error) {
	status, _ := statusFor(err)
	utils.JSONError(w, status, err.Error())
}
