// Package idgen provides ID generation for events, alerts and dead letters.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix + 32 hex chars, e.g. "alrt_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Ordered returns a time-ordered (v7) UUID, falling back to v4.
// Usage events use it so primary keys follow arrival order.
func Ordered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
