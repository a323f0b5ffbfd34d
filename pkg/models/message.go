package models

// Role values accepted for a message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one immutable node in a thread's conversation tree. Siblings
// sharing a ParentID are variants; children are branches. Only IsActive,
// Completed and Content (while an assistant turn is still streaming) may
// change after insert.
type Message struct {
	ID       string `json:"id"`
	Thread   string `json:"thread"`
	ParentID string `json:"parent_id,omitempty"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	// Attachments holds opaque references resolved by handlers, never by
	// the engine itself.
	Attachments []string `json:"attachments,omitempty"`
	// VariantIndex is the zero-based position among siblings with the same
	// ParentID. (thread, parent_id, variant_index) is unique.
	VariantIndex int  `json:"variant_index"`
	IsActive     bool `json:"is_active"`
	// Completed is false while streaming and stays false when the turn was
	// cancelled or failed after partial output.
	Completed bool `json:"completed"`
	// TS is the creation timestamp (ns).
	TS int64 `json:"ts"`
}

// ValidRole reports whether r is one of the accepted message roles.
func ValidRole(r string) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
