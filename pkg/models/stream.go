package models

// Stream event kinds shared by both relay legs. The handler-facing and
// client-facing streams intentionally use the same record shape so the relay
// can pass events through without re-encoding in the common case.
const (
	EventStart    = "start"
	EventChunk    = "chunk"
	EventComplete = "complete"
	EventError    = "error"
)

// Usage carries handler-reported consumption stats on the complete event.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// StreamEvent is one newline-delimited record on a chunked response body.
type StreamEvent struct {
	Event     string `json:"event"`
	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}
