package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenID returns a new message identifier.
func GenID() string {
	return "msg_" + compactUUID()
}

// GenThreadID returns a new thread identifier.
func GenThreadID() string {
	return "th_" + compactUUID()
}

// GenCorrelationID returns a correlation identifier attached to one outbound
// handler invocation.
func GenCorrelationID() string {
	return "corr_" + compactUUID()
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
