package models

// Timeout bounds for handler bindings (seconds).
const (
	BindingTimeoutMin     = 1
	BindingTimeoutMax     = 300
	BindingTimeoutDefault = 30
)

// HandlerBinding maps a thread type to the backend that processes its turns.
// The ThreadType key doubles as the handler identity for circuit breaking.
type HandlerBinding struct {
	ThreadType string `json:"thread_type"`
	Endpoint   string `json:"endpoint"`
	// TimeoutSecs is the hard ceiling for one whole invocation, 1..300.
	TimeoutSecs int `json:"timeout_secs"`
	// Capabilities as reported by the handler on first contact.
	Capabilities []string `json:"capabilities,omitempty"`
	UpdatedTS    int64    `json:"updated_ts,omitempty"`
}

// ClampTimeout normalizes TimeoutSecs into the allowed range, applying the
// default when unset.
func (b *HandlerBinding) ClampTimeout() {
	if b.TimeoutSecs == 0 {
		b.TimeoutSecs = BindingTimeoutDefault
	}
	if b.TimeoutSecs < BindingTimeoutMin {
		b.TimeoutSecs = BindingTimeoutMin
	}
	if b.TimeoutSecs > BindingTimeoutMax {
		b.TimeoutSecs = BindingTimeoutMax
	}
}
