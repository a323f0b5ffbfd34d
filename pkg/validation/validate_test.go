package validation

import (
	"strings"
	"testing"
)

func restoreRules(t *testing.T) {
	t.Helper()
	old := rules
	t.Cleanup(func() { rules = old })
}

func TestValidateTurnLimits(t *testing.T) {
	restoreRules(t)
	SetRules(Rules{MaxContentBytes: 10, MaxAttachments: 2, MaxAttachmentLen: 5})

	if err := ValidateTurn("hello", nil); err != nil {
		t.Fatalf("valid turn rejected: %v", err)
	}
	if err := ValidateTurn("", nil); err == nil {
		t.Fatal("empty turn accepted")
	}
	if err := ValidateTurn("", []string{"ref:1"}); err != nil {
		t.Fatalf("attachment-only turn rejected: %v", err)
	}
	if err := ValidateTurn(strings.Repeat("x", 11), nil); err == nil {
		t.Fatal("oversized content accepted")
	}
	if err := ValidateTurn("ok", []string{"a", "b", "c"}); err == nil {
		t.Fatal("too many attachments accepted")
	}
	if err := ValidateTurn("ok", []string{"toolong"}); err == nil {
		t.Fatal("oversized attachment accepted")
	}
}

func TestValidateRole(t *testing.T) {
	restoreRules(t)
	SetRules(Rules{})

	if err := ValidateRole("user"); err != nil {
		t.Fatalf("builtin role rejected: %v", err)
	}
	if err := ValidateRole("robot"); err == nil {
		t.Fatal("unknown role accepted")
	}

	SetRules(Rules{AllowedRoles: []string{"user"}})
	if err := ValidateRole("assistant"); err == nil {
		t.Fatal("role outside configured set accepted")
	}
}

func TestValidateMetadataBounds(t *testing.T) {
	restoreRules(t)
	SetRules(Rules{MaxMetadataKeys: 2, MaxMetadataBytes: 64})

	if err := ValidateMetadata(nil); err != nil {
		t.Fatalf("nil metadata rejected: %v", err)
	}
	if err := ValidateMetadata(map[string]interface{}{"a": 1, "b": 2, "c": 3}); err == nil {
		t.Fatal("too many keys accepted")
	}
	if err := ValidateMetadata(map[string]interface{}{"": "x"}); err == nil {
		t.Fatal("empty key accepted")
	}
	if err := ValidateMetadata(map[string]interface{}{"k": strings.Repeat("v", 100)}); err == nil {
		t.Fatal("oversized metadata accepted")
	}
}
