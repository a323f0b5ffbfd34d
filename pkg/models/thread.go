package models

// Thread is one conversation container. Messages reference it by ID and are
// stored separately. HandlerType is the single deliberately mutable field on
// an otherwise append-only aggregate: switching it mid-conversation affects
// only future turns because handler context is rebuilt from the tree on
// every invocation.
type Thread struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	OwnerID     string `json:"owner_id"`
	HandlerType string `json:"handler_type"`
	// Metadata is an opaque key/value document owned by clients.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// Created/Updated timestamps (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// Deleted marks a thread as soft-deleted; DeletedTS records deletion time (ns)
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedTS int64 `json:"deleted_ts,omitempty"`
}
