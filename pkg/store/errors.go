package store

import "errors"

// Closed error taxonomy for storage outcomes. Callers branch on these with
// errors.Is; transport/handler errors live in pkg/gateway.
var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrParentNotFound  = errors.New("parent message not found")
	// ErrVariantConflict is surfaced after the single internal recompute of a
	// colliding variant index; a second collision is never retried.
	ErrVariantConflict = errors.New("variant index conflict")
	// ErrStorageUnavailable wraps storage failures that survived one retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
