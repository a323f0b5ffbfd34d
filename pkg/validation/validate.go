// Package validation holds the configurable request limits applied before a
// turn or message reaches storage. Limits are set once from config at boot.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"chatrelay/pkg/models"
)

// Rules are the operator-tunable request limits. Zero values disable the
// corresponding check.
type Rules struct {
	MaxContentBytes  int
	MaxAttachments   int
	MaxAttachmentLen int
	MaxMetadataKeys  int
	MaxMetadataBytes int
	AllowedRoles     []string
}

var rules = Rules{
	MaxContentBytes:  1 << 20,
	MaxAttachments:   16,
	MaxAttachmentLen: 2048,
	MaxMetadataKeys:  32,
	MaxMetadataBytes: 16 * 1024,
}

func SetRules(r Rules) { rules = r }

// ValidateTurn checks the user-supplied portion of a turn request.
func ValidateTurn(content string, attachments []string) error {
	var errs []string
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		errs = append(errs, "content is required")
	}
	if rules.MaxContentBytes > 0 && len(content) > rules.MaxContentBytes {
		errs = append(errs, fmt.Sprintf("content exceeds %d bytes", rules.MaxContentBytes))
	}
	if rules.MaxAttachments > 0 && len(attachments) > rules.MaxAttachments {
		errs = append(errs, fmt.Sprintf("too many attachments: %d > %d", len(attachments), rules.MaxAttachments))
	}
	for i, a := range attachments {
		if a == "" {
			errs = append(errs, fmt.Sprintf("attachment %d is empty", i))
			continue
		}
		if rules.MaxAttachmentLen > 0 && len(a) > rules.MaxAttachmentLen {
			errs = append(errs, fmt.Sprintf("attachment %d exceeds %d bytes", i, rules.MaxAttachmentLen))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRole rejects roles outside the allowed set. An empty AllowedRoles
// falls back to the model's builtin set.
func ValidateRole(role string) error {
	if len(rules.AllowedRoles) == 0 {
		if !models.ValidRole(role) {
			return fmt.Errorf("invalid role: %q", role)
		}
		return nil
	}
	for _, r := range rules.AllowedRoles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("invalid role: %q", role)
}

// ValidateMetadata bounds the size of a thread metadata document.
func ValidateMetadata(md map[string]interface{}) error {
	if md == nil {
		return nil
	}
	if rules.MaxMetadataKeys > 0 && len(md) > rules.MaxMetadataKeys {
		return fmt.Errorf("too many metadata keys: %d > %d", len(md), rules.MaxMetadataKeys)
	}
	for k := range md {
		if k == "" {
			return errors.New("metadata keys must be non-empty")
		}
	}
	if rules.MaxMetadataBytes > 0 {
		b, err := json.Marshal(md)
		if err != nil {
			return errors.New("metadata is not serializable")
		}
		if len(b) > rules.MaxMetadataBytes {
			return fmt.Errorf("metadata exceeds %d bytes", rules.MaxMetadataBytes)
		}
	}
	return nil
}
